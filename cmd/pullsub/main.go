// Command pullsub pulls messages from a subscription, prints them as JSON
// lines and acknowledges them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coocood/freecache"
	"github.com/kelseyhightower/envconfig"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/infigaming-com/go-pubsub/cache"
	"github.com/infigaming-com/go-pubsub/credentials"
	"github.com/infigaming-com/go-pubsub/lock"
	"github.com/infigaming-com/go-pubsub/observability/metrics"
	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/google"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/rest"
	"github.com/infigaming-com/go-pubsub/util"
	"github.com/infigaming-com/go-pubsub/web"
	"github.com/infigaming-com/go-pubsub/web/middleware"
)

type config struct {
	Subscription string `envconfig:"SUBSCRIPTION" required:"true"`
	// Driver is "rest" or "grpc".
	Driver   string `envconfig:"DRIVER" default:"rest"`
	BaseURL  string `envconfig:"BASE_URL"`
	Emulator string `envconfig:"EMULATOR_HOST"`

	MaxMessages int  `envconfig:"MAX_MESSAGES" default:"10"`
	Immediate   bool `envconfig:"IMMEDIATE" default:"true"`
	NoAck       bool `envconfig:"NO_ACK"`

	Receive bool `envconfig:"RECEIVE"`
	// Exclusive holds a redis lease on the subscription while receiving.
	Exclusive      bool          `envconfig:"EXCLUSIVE"`
	Workers        int           `envconfig:"WORKERS" default:"4"`
	ProcessTimeout time.Duration `envconfig:"PROCESS_TIMEOUT" default:"1m"`
	// HealthAddr serves the receiver health over HTTP when set, e.g. ":8080".
	HealthAddr string `envconfig:"HEALTH_ADDR"`

	RedisAddr string        `envconfig:"REDIS_ADDR"`
	RedisDB   int64         `envconfig:"REDIS_DB"`
	CacheSize int           `envconfig:"CACHE_SIZE" default:"1048576"`
	CacheTTL  time.Duration `envconfig:"CACHE_TTL" default:"5m"`

	OTLPEndpoint     string `envconfig:"OTLP_ENDPOINT"`
	OTLPGRPCEndpoint string `envconfig:"OTLP_GRPC_ENDPOINT"`
}

// printed is the line written for every pulled message.
type printed struct {
	AckID       string            `json:"ackId"`
	MessageID   string            `json:"messageId"`
	Data        string            `json:"data"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishTime *time.Time        `json:"publishTime,omitempty"`
}

func main() {
	lg, undo := util.NewLogger()
	defer undo()

	var cfg config
	if err := envconfig.Process("pullsub", &cfg); err != nil {
		lg.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = util.CorrelationIdToCtx(ctx, util.NewUUID())
	ctx = util.SubscriptionToCtx(ctx, cfg.Subscription)

	if err := run(ctx, lg, cfg, os.Stdout); err != nil {
		lg.Error("pullsub failed", zap.String("subscription", cfg.Subscription), zap.Error(err))
		undo()
		os.Exit(1)
	}
}

func run(ctx context.Context, lg *zap.Logger, cfg config, out io.Writer) error {
	if cfg.Exclusive && (!cfg.Receive || cfg.RedisAddr == "") {
		return errors.New("exclusive receive needs receive mode and a redis address")
	}
	var (
		rdb *redis.Client
		err error
	)
	if cfg.RedisAddr != "" {
		if rdb, err = util.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisDB, 5*time.Second); err != nil {
			return err
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				lg.Warn("close redis", zap.Error(err))
			}
		}()
	}
	transport, err := newTransport(ctx, lg, cfg)
	if err != nil {
		return err
	}

	descriptors := newDescriptorCache(lg, cfg, rdb)

	opts := []pubsub.Option{
		pubsub.WithLogger(util.NewPubsubLogger(lg)),
		pubsub.WithDescriptorCache(descriptors, cfg.CacheTTL),
	}
	var inst *metrics.Instruments
	if cfg.OTLPEndpoint != "" || cfg.OTLPGRPCEndpoint != "" {
		exporter, shutdown, err := metrics.NewMetricExporter(
			metrics.WithServiceName("pullsub"),
			metrics.WithOTLPEndpoint(cfg.OTLPEndpoint),
			metrics.WithOTLPGRPCEndpoint(cfg.OTLPGRPCEndpoint),
		)
		if err != nil {
			return err
		}
		defer shutdown()
		if inst, err = exporter.Instruments(); err != nil {
			return err
		}
		opts = append(opts, pubsub.WithHooks(inst.Hooks()))
	}

	client, err := pubsub.New(transport, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(context.WithoutCancel(ctx)); err != nil {
			lg.Warn("close client", zap.Error(err))
		}
	}()

	sub, err := client.LookupSubscription(ctx, cfg.Subscription)
	if errors.Is(err, pubsub.ErrLookupUnsupported) {
		sub, err = client.Subscription(pubsub.Descriptor{Name: cfg.Subscription}), nil
	}
	if err != nil {
		return err
	}

	if !cfg.Receive {
		return pullOnce(ctx, lg, cfg, sub, out)
	}
	var lost <-chan struct{}
	if cfg.Exclusive {
		lease, err := lock.NewRedisLock(rdb).TryLock(ctx, receiverLockKey(cfg.Subscription))
		if err != nil {
			return fmt.Errorf("lease %s: %w", cfg.Subscription, err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				lg.Warn("release lease", zap.String("key", lease.Key()), zap.Error(err))
			}
		}()
		lost = lease.Lost()
	}
	return receive(ctx, lg, cfg, sub, inst, lost, out)
}

func receiverLockKey(subscription string) string {
	return "pullsub:receiver:" + subscription
}

func newTransport(ctx context.Context, lg *zap.Logger, cfg config) (pubsub.APITransport, error) {
	switch cfg.Driver {
	case "grpc":
		gcfg := google.Config{
			UserAgent: "pullsub",
			Logger:    util.NewPubsubLogger(lg),
		}
		if cfg.Emulator != "" {
			gcfg.Endpoint = cfg.Emulator
			gcfg.ClientOptions = []option.ClientOption{
				option.WithoutAuthentication(),
				option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
			}
			return google.New(ctx, gcfg)
		}
		creds, err := credentials.New(ctx)
		if err != nil {
			return nil, err
		}
		lg.Info("using credentials", zap.String("source", creds.Source()), zap.String("project", creds.ProjectID()))
		gcfg.ClientOptions = creds.ClientOptions()
		return google.New(ctx, gcfg)
	case "rest":
		rcfg := rest.Config{
			BaseURL:    cfg.BaseURL,
			MaxRetries: 3,
			UserAgent:  "pullsub",
			Logger:     lg,
		}
		if cfg.Emulator != "" {
			rcfg.BaseURL = "http://" + cfg.Emulator + "/v1/"
			return rest.New(rcfg), nil
		}
		creds, err := credentials.New(ctx)
		if err != nil {
			return nil, err
		}
		lg.Info("using credentials", zap.String("source", creds.Source()), zap.String("project", creds.ProjectID()))
		rcfg.HTTPClient = creds.HTTPClient(ctx)
		return rest.New(rcfg), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}

// newDescriptorCache shares descriptors through redis when a client is given
// and keeps them in process otherwise.
func newDescriptorCache(lg *zap.Logger, cfg config, rdb *redis.Client) cache.Cache {
	if rdb == nil {
		return cache.NewFreeCache(freecache.NewCache(cfg.CacheSize))
	}
	return cache.NewRedisCacheFromClient(lg, rdb, "pullsub:")
}

// pullOnce prints one batch and acknowledges what it printed. Undecodable
// events are skipped and left to lapse.
func pullOnce(ctx context.Context, lg *zap.Logger, cfg config, sub *pubsub.Subscription, out io.Writer) error {
	events, err := sub.Pull(ctx,
		pubsub.WithImmediate(cfg.Immediate),
		pubsub.WithMaxMessages(cfg.MaxMessages),
	)
	if err != nil {
		return err
	}
	var (
		ackIDs   []string
		writeErr error
	)
	for _, ev := range events {
		msg, err := ev.Message()
		if err != nil {
			lg.Warn("skipping undecodable message", zap.String("ackId", ev.AckID()), zap.Error(err))
			continue
		}
		if writeErr = printMessage(out, ev.AckID(), msg); writeErr != nil {
			break
		}
		ackIDs = append(ackIDs, ev.AckID())
	}
	if cfg.NoAck || len(ackIDs) == 0 {
		return writeErr
	}
	return errors.Join(writeErr, sub.Acknowledge(ctx, ackIDs[0], ackIDs[1:]...))
}

// receive runs until ctx ends, the receiver fails, or lost is closed.
func receive(ctx context.Context, lg *zap.Logger, cfg config, sub *pubsub.Subscription, inst *metrics.Instruments, lost <-chan struct{}, out io.Writer) error {
	printer := &syncWriter{w: out}
	r, err := sub.Receive(ctx, func(_ context.Context, ev *pubsub.ReceivedEvent) error {
		return printEvent(printer, ev)
	},
		pubsub.WithReceiveMaxMessages(cfg.MaxMessages),
		pubsub.WithReceiveConcurrency(cfg.Workers),
		pubsub.WithReceiveProcessTimeout(cfg.ProcessTimeout),
	)
	if err != nil {
		return err
	}
	if inst != nil {
		unregister, err := inst.ObserveReceiver(r)
		if err != nil {
			lg.Warn("observe receiver", zap.Error(err))
		} else {
			defer func() { _ = unregister() }()
		}
	}

	if cfg.HealthAddr != "" {
		webCtx, stopWeb := context.WithCancel(ctx)
		webDone := make(chan struct{})
		go func() {
			defer close(webDone)
			if err := newHealthServer(lg, cfg.HealthAddr, r, lost).Run(webCtx); err != nil {
				lg.Error("health server", zap.Error(err))
			}
		}()
		defer func() {
			stopWeb()
			<-webDone
		}()
	}

	var leaseErr error
	select {
	case <-ctx.Done():
	case <-r.Done():
	case <-lost:
		leaseErr = lock.ErrLeaseLost
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		return err
	}
	h := r.Health()
	lg.Info("receiver finished",
		zap.String("subscription", h.Subscription),
		zap.Int64("pulled", h.Pulled),
		zap.Int64("acked", h.Acked),
		zap.Int64("nacked", h.Nacked),
	)
	if leaseErr != nil {
		return leaseErr
	}
	return r.Err()
}

func newHealthServer(lg *zap.Logger, addr string, r *pubsub.Receiver, lost <-chan struct{}) *web.Server {
	return web.NewServer(lg,
		web.WithAddr(addr),
		web.WithMiddleware(middleware.CorrelationIdMiddleware()),
		web.WithMiddleware(middleware.LoggingMiddleware(middleware.WithLogger(lg))),
		web.WithCheck("receiver", func(context.Context) (any, error) {
			h := r.Health()
			select {
			case <-r.Done():
				if err := r.Err(); err != nil {
					return h, err
				}
				return h, errors.New("receiver stopped")
			case <-lost:
				return h, lock.ErrLeaseLost
			default:
				return h, nil
			}
		}),
	)
}

func printEvent(w io.Writer, ev *pubsub.ReceivedEvent) error {
	msg, err := ev.Message()
	if err != nil {
		return err
	}
	return printMessage(w, ev.AckID(), msg)
}

func printMessage(w io.Writer, ackID string, msg *pubsub.Message) error {
	line := printed{
		AckID:      ackID,
		MessageID:  msg.ID(),
		Data:       string(msg.Data()),
		Attributes: msg.Attributes(),
	}
	if pt := msg.PublishTime(); !pt.IsZero() {
		line.PublishTime = &pt
	}
	if len(line.Attributes) == 0 {
		line.Attributes = nil
	}
	return json.NewEncoder(w).Encode(line)
}

// syncWriter serializes the lines written by concurrent handlers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
