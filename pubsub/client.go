package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DescriptorCache stores subscription descriptors as JSON strings.
// cache.Cache satisfies it.
type DescriptorCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiry time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Client is an active connection: a transport plus the logger, hooks and
// decoder shared by every Subscription bound to it.
type Client struct {
	transport APITransport
	opts      options

	mu     sync.RWMutex
	closed bool
}

func New(transport APITransport, opts ...Option) (*Client, error) {
	if transport == nil {
		return nil, errors.New("pubsub: transport required")
	}
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	return &Client{
		transport: transport,
		opts:      base,
	}, nil
}

// Subscription returns a Subscription for desc bound to c.
func (c *Client) Subscription(desc Descriptor) *Subscription {
	return NewSubscription(desc).Bind(c)
}

// LookupSubscription fetches the current descriptor of name from the service
// and returns a bound Subscription. The transport must implement
// SubscriptionGetter.
func (c *Client) LookupSubscription(ctx context.Context, name string) (*Subscription, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	if desc, ok := c.cachedDescriptor(ctx, name); ok {
		return c.Subscription(desc), nil
	}
	getter, ok := c.transport.(SubscriptionGetter)
	if !ok {
		return nil, ErrLookupUnsupported
	}
	resp, err := getter.GetSubscription(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("pubsub: get subscription %s: %w", name, err)
	}
	if resp == nil || !resp.Success {
		return nil, c.apiFailure(ctx, name, "getSubscription", resp)
	}
	if resp.Data == nil || resp.Data.Subscription == nil {
		return nil, c.apiFailure(ctx, name, "getSubscription", Failure(0, StatusUnknown, "empty subscription descriptor"))
	}
	desc := *resp.Data.Subscription
	c.storeDescriptor(ctx, desc)
	return c.Subscription(desc), nil
}

// Close releases the transport. Subscriptions bound to c fail afterwards.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.transport.Close(ctx)
}

func (c *Client) guard() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClientClosed
	}
	return nil
}

func (c *Client) logger() Logger {
	if c.opts.logger != nil {
		return c.opts.logger
	}
	return noopLogger{}
}

func (c *Client) decoder() Decoder {
	if c.opts.decoder != nil {
		return c.opts.decoder
	}
	return jsonCodec{}
}

func (c *Client) hooks() Hooks {
	return c.opts.hooks
}

// apiFailure translates resp, logs it and reports it to the hooks.
func (c *Client) apiFailure(ctx context.Context, subscription, op string, resp *Response) *APIError {
	apiErr := NewAPIError(resp)
	c.logger().Warn(ctx, "pubsub call rejected",
		"subscription", subscription,
		"op", op,
		"code", apiErr.GetCode(),
		"status", apiErr.GetStatus(),
		"err", apiErr.GetMessage(),
	)
	if c.opts.hooks.OnAPIError != nil {
		c.opts.hooks.OnAPIError(ctx, subscription, op, apiErr)
	}
	return apiErr
}

func descriptorKey(name string) string {
	return "pubsub:subscription:" + name
}

func (c *Client) cachedDescriptor(ctx context.Context, name string) (Descriptor, bool) {
	if c.opts.cache == nil {
		return Descriptor{}, false
	}
	raw, err := c.opts.cache.Get(ctx, descriptorKey(name))
	if err != nil {
		return Descriptor{}, false
	}
	var desc Descriptor
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		c.logger().Warn(ctx, "discarding cached descriptor", "subscription", name, "err", err)
		return Descriptor{}, false
	}
	return desc, true
}

func (c *Client) storeDescriptor(ctx context.Context, desc Descriptor) {
	if c.opts.cache == nil {
		return
	}
	raw, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := c.opts.cache.Set(ctx, descriptorKey(desc.Name), string(raw), c.opts.ttl); err != nil {
		c.logger().Warn(ctx, "descriptor cache write failed", "subscription", desc.Name, "err", err)
	}
}

func (c *Client) forgetDescriptor(ctx context.Context, name string) {
	if c.opts.cache == nil {
		return
	}
	_ = c.opts.cache.Delete(ctx, descriptorKey(name))
}

func (c *Client) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("pubsub Client closed=%t", c.closed)
}
