package web

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Check reports the state of one component. A non-nil error marks the
// component as failing.
type Check func(ctx context.Context) (any, error)

type Server struct {
	lg              *zap.Logger
	engine          *gin.Engine
	mode            string
	addr            string
	shutdownTimeout time.Duration
	middleware      []gin.HandlerFunc
	checks          map[string]Check
}

type Option func(*Server)

func defaultServer(lg *zap.Logger) *Server {
	return &Server{
		lg:              lg,
		mode:            gin.ReleaseMode,
		addr:            ":8080",
		shutdownTimeout: 15 * time.Second,
		checks:          map[string]Check{},
	}
}

func WithMode(mode string) Option {
	return func(s *Server) {
		s.mode = mode
	}
}

func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

func WithMiddleware(handler gin.HandlerFunc) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, handler)
	}
}

// WithCheck registers a check reported under name by /healthcheck.
func WithCheck(name string, check Check) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// CheckResult is the JSON body reported for one check.
type CheckResult struct {
	Status string `json:"status"`
	Detail any    `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

const (
	StatusOK      = "ok"
	StatusFailing = "failing"
)

func NewServer(lg *zap.Logger, opts ...Option) *Server {
	if lg == nil {
		lg = zap.L()
	}
	s := defaultServer(lg)
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(s.mode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(s.middleware...)

	s.engine.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })
	s.engine.GET("/healthcheck", s.healthcheck)
	s.engine.GET("/healthcheck/:name", s.healthcheckOne)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx ends and then shuts the server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.lg.Info("starting web server ...", zap.String("address", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.lg.Info("shutdown web server ...")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.lg.Info("web server exiting")
	return nil
}

func (s *Server) healthcheck(c *gin.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]CheckResult, len(names))
	for _, name := range names {
		res := run(c.Request.Context(), s.checks[name])
		if res.Status != StatusOK {
			status = http.StatusServiceUnavailable
		}
		results[name] = res
	}
	c.JSON(status, results)
}

func (s *Server) healthcheckOne(c *gin.Context) {
	check, ok := s.checks[c.Param("name")]
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	res := run(c.Request.Context(), check)
	status := http.StatusOK
	if res.Status != StatusOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, res)
}

func run(ctx context.Context, check Check) CheckResult {
	detail, err := check(ctx)
	if err != nil {
		return CheckResult{Status: StatusFailing, Detail: detail, Error: err.Error()}
	}
	return CheckResult{Status: StatusOK, Detail: detail}
}
