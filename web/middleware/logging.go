package middleware

import (
	"bytes"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/infigaming-com/go-pubsub/util"
)

type loggingMiddlewareOptions struct {
	lg           *zap.Logger
	debugEnabled bool
	excludePaths []string
	maxBody      int
}

type LoggingMiddlewareOption func(*loggingMiddlewareOptions)

func WithLogger(lg *zap.Logger) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.lg = lg
	}
}

// WithDebugEnabled adds headers and the response body to every line.
func WithDebugEnabled(debugEnabled bool) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.debugEnabled = debugEnabled
	}
}

func WithExcludePaths(excludePaths []string) LoggingMiddlewareOption {
	return func(o *loggingMiddlewareOptions) {
		o.excludePaths = excludePaths
	}
}

func defaultLoggingMiddlewareOptions() *loggingMiddlewareOptions {
	return &loggingMiddlewareOptions{
		lg:      zap.L(),
		maxBody: 1024,
	}
}

func LoggingMiddleware(opts ...LoggingMiddlewareOption) gin.HandlerFunc {
	cfg := defaultLoggingMiddlewareOptions()
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		if lo.Contains(cfg.excludePaths, c.Request.URL.Path) {
			c.Next()
			return
		}

		correlationId, err := util.CorrelationIdFromCtx(c.Request.Context())
		if err != nil {
			correlationId = c.Writer.Header().Get(CorrelationIdKey)
		}

		startTime := time.Now()
		var rw *responseWriter
		if cfg.debugEnabled {
			rw = &responseWriter{ResponseWriter: c.Writer, body: &bytes.Buffer{}}
			c.Writer = rw
		}

		c.Next()

		fields := []zap.Field{
			zap.String("correlationId", correlationId),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(startTime)),
		}
		if rw != nil {
			body := rw.body.Bytes()
			if len(body) > cfg.maxBody {
				body = body[:cfg.maxBody]
			}
			fields = append(fields,
				zap.Any("queryParams", c.Request.URL.Query()),
				zap.Any("requestHeaders", c.Request.Header),
				zap.ByteString("responseBody", body),
			)
		}
		if c.Writer.Status() >= 500 {
			cfg.lg.Warn("[Logging]", fields...)
			return
		}
		cfg.lg.Debug("[Logging]", fields...)
	}
}
