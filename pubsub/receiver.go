package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infigaming-com/go-pubsub/pubsub/internal/backoff"
	"github.com/infigaming-com/go-pubsub/pubsub/internal/worker"
)

// defaultReceiveDeadline is used for deadline extension when the subscription
// does not carry its own ack deadline.
const defaultReceiveDeadline = 10 * time.Second

// Handler processes one event. Returning nil acknowledges the event, an error
// nacks it so the service redelivers it.
type Handler func(ctx context.Context, ev *ReceivedEvent) error

type ReceiverHealth struct {
	Subscription  string    `json:"subscription"`
	Workers       int       `json:"workers"`
	Queued        int       `json:"queued"`
	Running       int       `json:"running"`
	Pulled        int64     `json:"pulled"`
	Acked         int64     `json:"acked"`
	Nacked        int64     `json:"nacked"`
	Failures      int64     `json:"failures"`
	PullErrors    int64     `json:"pullErrors"`
	LastError     string    `json:"lastError,omitempty"`
	LastMessageID string    `json:"lastMessageId,omitempty"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Receiver runs a pull loop for one Subscription and hands every event to a
// Handler on a bounded worker pool. While a handler runs, the deadline of its
// event is extended every half ack deadline.
type Receiver struct {
	sub     *Subscription
	handler Handler
	opts    receiveOptions
	logger  Logger
	hooks   Hooks

	ctx     context.Context
	cancel  context.CancelFunc
	base    context.Context
	pool    *worker.Pool
	backoff *backoff.Exponential
	done    chan struct{}

	mu     sync.RWMutex
	health ReceiverHealth
	err    error
	closed bool
}

// Receive starts a Receiver for s. The loop runs until Stop is called, ctx
// ends, or the client is closed. Only one Receiver per Subscription may run at
// a time.
func (s *Subscription) Receive(ctx context.Context, handler Handler, opts ...ReceiveOption) (*Receiver, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	c, err := s.conn("receive")
	if err != nil {
		return nil, err
	}
	ro := defaultReceiveOptions()
	for _, opt := range opts {
		opt(&ro)
	}

	s.receiving.Lock()
	defer s.receiving.Unlock()
	if s.receiver != nil {
		return nil, ErrAlreadyReceiving.Wrap(nil, "%s", s.name)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r := &Receiver{
		sub:     s,
		handler: handler,
		opts:    ro,
		logger:  c.logger(),
		hooks:   c.hooks(),
		ctx:     loopCtx,
		cancel:  cancel,
		base:    context.WithoutCancel(ctx),
		pool:    worker.New(ro.workers, ro.buffer),
		backoff: backoff.New(backoff.Config{
			Initial:    ro.retryPolicy.InitialBackoff,
			Max:        ro.retryPolicy.MaxBackoff,
			Multiplier: ro.retryPolicy.Multiplier,
			Jitter:     ro.retryPolicy.Jitter,
		}),
		done:   make(chan struct{}),
		health: ReceiverHealth{Subscription: s.name, Workers: ro.workers},
	}
	s.receiver = r
	go r.run()
	r.logger.Info(ctx, "receiver started", "subscription", s.name, "workers", ro.workers, "maxMessages", ro.maxMessages)
	return r, nil
}

func (r *Receiver) run() {
	defer close(r.done)
	defer r.detach()
	r.pullLoop()
	r.pool.Close()
	r.pool.Wait()
}

func (r *Receiver) detach() {
	r.sub.receiving.Lock()
	if r.sub.receiver == r {
		r.sub.receiver = nil
	}
	r.sub.receiving.Unlock()
}

func (r *Receiver) pullLoop() {
	for r.ctx.Err() == nil {
		events, err := r.sub.Pull(r.ctx, WithMaxMessages(r.opts.maxMessages))
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if IsPrecondition(err) || errors.Is(err, ErrClientClosed) {
				r.fail(err)
				return
			}
			r.recordPullError(err)
			r.logger.Warn(r.ctx, "pull failed, backing off", "subscription", r.sub.name, "attempt", r.backoff.Attempts()+1, "err", err)
			if r.backoff.Wait(r.ctx) != nil {
				return
			}
			continue
		}
		r.backoff.Reset()
		r.recordPulled(len(events))
		for _, ev := range events {
			if err := r.pool.Submit(r.ctx, func(context.Context) { r.process(ev) }); err != nil {
				// Stopped while the batch was being handed out; the rest
				// lapses and is redelivered by the service.
				return
			}
		}
	}
}

func (r *Receiver) process(ev *ReceivedEvent) {
	start := time.Now()
	meta := ev.metadata()
	ctx, cancel := context.WithTimeout(r.base, r.opts.processTimeout)
	defer cancel()

	stop := make(chan struct{})
	var extendWG sync.WaitGroup
	if r.opts.maxExtension > 0 {
		extendWG.Add(1)
		go r.extendLoop(ctx, ev, stop, &extendWG)
	}
	err := r.handler(ctx, ev)
	close(stop)
	extendWG.Wait()
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("handler timeout: %w", ctx.Err())
	}

	if err == nil {
		if ackErr := ev.Acknowledge(r.base); ackErr != nil {
			r.logger.Error(r.base, "ack failed", "subscription", r.sub.name, "message", meta.ID, "err", ackErr)
			r.record(meta.ID, ackErr, false)
			return
		}
		r.record(meta.ID, nil, true)
		r.logger.Debug(r.base, "event processed", "subscription", r.sub.name, "message", meta.ID, "duration", time.Since(start))
		return
	}

	r.logger.Warn(r.base, "handler failed", "subscription", r.sub.name, "message", meta.ID, "err", err)
	if r.hooks.OnHandlerError != nil {
		r.hooks.OnHandlerError(r.base, r.sub.name, meta, err)
	}
	res, nackErr := ev.Nack(r.base)
	if nackErr == nil {
		nackErr = res.Error()
	}
	if nackErr != nil {
		r.logger.Error(r.base, "nack failed", "subscription", r.sub.name, "message", meta.ID, "err", nackErr)
	}
	r.recordFailure(meta.ID, err, nackErr == nil)
}

func (r *Receiver) extendLoop(ctx context.Context, ev *ReceivedEvent, stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	deadline := r.sub.AckDeadline()
	if deadline <= 0 {
		deadline = defaultReceiveDeadline
	}
	seconds := int(deadline / time.Second)
	if seconds > MaxAckDeadlineSeconds {
		seconds = MaxAckDeadlineSeconds
	}
	interval := deadline / 2
	var extended time.Duration
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if extended >= r.opts.maxExtension {
				return
			}
			res, err := ev.ExtendDeadline(ctx, seconds)
			if err == nil {
				err = res.Error()
			}
			if err != nil {
				r.logger.Warn(ctx, "extend failed", "subscription", r.sub.name, "ackId", ev.AckID(), "err", err)
				return
			}
			extended += deadline
		}
	}
}

// Stop ends the pull loop and waits for running handlers. Events pulled but
// not yet handed to a handler are left for the service to redeliver.
func (r *Receiver) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		r.logger.Info(ctx, "receiver stopped", "subscription", r.sub.name)
		return nil
	}
}

// Done is closed once the loop has ended and every handler returned.
func (r *Receiver) Done() <-chan struct{} { return r.done }

// Err is the error that ended the loop on its own, nil after Stop.
func (r *Receiver) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

func (r *Receiver) Health() ReceiverHealth {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	h.Queued = r.pool.Queued()
	h.Running = r.pool.Running()
	return h
}

func (r *Receiver) fail(err error) {
	r.logger.Error(r.ctx, "receiver ended", "subscription", r.sub.name, "err", err)
	r.mu.Lock()
	r.err = err
	r.health.LastError = err.Error()
	r.health.LastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Receiver) recordPulled(n int) {
	r.mu.Lock()
	r.health.Pulled += int64(n)
	r.health.LastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Receiver) recordPullError(err error) {
	r.mu.Lock()
	r.health.PullErrors++
	r.health.LastError = err.Error()
	r.health.LastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Receiver) record(messageID string, err error, acked bool) {
	r.mu.Lock()
	if acked {
		r.health.Acked++
	}
	if err != nil {
		r.health.LastError = err.Error()
	}
	r.health.LastMessageID = messageID
	r.health.LastActivity = time.Now()
	r.mu.Unlock()
}

func (r *Receiver) recordFailure(messageID string, err error, nacked bool) {
	r.mu.Lock()
	r.health.Failures++
	if nacked {
		r.health.Nacked++
	}
	r.health.LastError = err.Error()
	r.health.LastMessageID = messageID
	r.health.LastActivity = time.Now()
	r.mu.Unlock()
}
