package pubsub

import (
	"math"
	"time"
)

type Option func(*options)

type PullOption func(*PullOptions)

type ReceiveOption func(*receiveOptions)

type options struct {
	logger  Logger
	hooks   Hooks
	decoder Decoder
	cache   DescriptorCache
	ttl     time.Duration
}

// PullOptions are the recognized pull settings. MaxMessages 0 leaves the
// batch size to the service.
type PullOptions struct {
	Immediate   bool
	MaxMessages int
}

type receiveOptions struct {
	maxMessages    int
	workers        int
	buffer         int
	processTimeout time.Duration
	maxExtension   time.Duration
	retryPolicy    RetryPolicy
}

type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func defaultOptions() options {
	return options{
		decoder: jsonCodec{},
		ttl:     time.Minute,
	}
}

func defaultReceiveOptions() receiveOptions {
	return receiveOptions{
		maxMessages:    10,
		workers:        4,
		buffer:         64,
		processTimeout: 5 * time.Minute,
		maxExtension:   10 * time.Minute,
		retryPolicy: RetryPolicy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

func WithDecoder(dec Decoder) Option {
	return func(o *options) {
		if dec != nil {
			o.decoder = dec
		}
	}
}

// WithDescriptorCache caches descriptors fetched by LookupSubscription for
// ttl. A zero ttl keeps the one minute default.
func WithDescriptorCache(cache DescriptorCache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = cache
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithImmediate asks the service to answer at once, possibly with no
// messages, instead of waiting for messages to arrive.
func WithImmediate(immediate bool) PullOption {
	return func(o *PullOptions) {
		o.Immediate = immediate
	}
}

func WithMaxMessages(n int) PullOption {
	return func(o *PullOptions) {
		if n > 0 {
			o.MaxMessages = n
		}
	}
}

// WithPullOptions applies every field of po at once.
func WithPullOptions(po PullOptions) PullOption {
	return func(o *PullOptions) {
		o.Immediate = po.Immediate
		o.MaxMessages = max(po.MaxMessages, 0)
	}
}

// PullOptionsFromMap reads "immediate" and "max" (or "maxMessages") from a
// loosely typed map. Unknown keys and values of the wrong type are ignored.
func PullOptionsFromMap(m map[string]any) PullOptions {
	var po PullOptions
	if v, ok := m["immediate"].(bool); ok {
		po.Immediate = v
	}
	for _, key := range []string{"maxMessages", "max"} {
		switch v := m[key].(type) {
		case int:
			po.MaxMessages = v
		case int32:
			po.MaxMessages = int(v)
		case int64:
			po.MaxMessages = int(max(min(v, math.MaxInt32), 0))
		case float64:
			po.MaxMessages = int(max(min(v, math.MaxInt32), 0))
		}
	}
	po.MaxMessages = min(max(po.MaxMessages, 0), math.MaxInt32)
	return po
}

func WithReceiveMaxMessages(n int) ReceiveOption {
	return func(o *receiveOptions) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}

func WithReceiveConcurrency(n int) ReceiveOption {
	return func(o *receiveOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithReceiveBuffer(n int) ReceiveOption {
	return func(o *receiveOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

func WithReceiveProcessTimeout(d time.Duration) ReceiveOption {
	return func(o *receiveOptions) {
		if d > 0 {
			o.processTimeout = d
		}
	}
}

// WithReceiveMaxExtension bounds how long the Receiver keeps extending the
// deadline of one event. Zero disables extension.
func WithReceiveMaxExtension(d time.Duration) ReceiveOption {
	return func(o *receiveOptions) {
		if d >= 0 {
			o.maxExtension = d
		}
	}
}

func WithReceiveRetry(policy RetryPolicy) ReceiveOption {
	return func(o *receiveOptions) {
		o.retryPolicy = policy.normalized()
	}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.Multiplier <= 1 {
		r.Multiplier = 2
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	return r
}
