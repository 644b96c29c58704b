package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/samber/lo"
)

// MaxAckDeadlineSeconds is the largest deadline the service accepts.
const MaxAckDeadlineSeconds = 600

// Descriptor is the service representation of a subscription.
type Descriptor struct {
	Name               string                `json:"name"`
	Topic              string                `json:"topic"`
	PushConfig         *PushConfigDescriptor `json:"pushConfig,omitempty"`
	AckDeadlineSeconds int                   `json:"ackDeadlineSeconds,omitempty"`
}

type PushConfigDescriptor struct {
	PushEndpoint string            `json:"pushEndpoint,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// Subscription is a named, durable attachment to a topic. It is Unbound until
// a Client is attached with Bind; every remote operation requires a Client.
//
// Deleting a subscription does not invalidate the value: later calls reach the
// service and fail there.
type Subscription struct {
	name     string
	topic    string
	deadline int

	mu        sync.RWMutex
	endpoint  string
	pushAttrs map[string]string
	client    *Client

	receiving sync.Mutex
	receiver  *Receiver
}

// NewSubscription returns an Unbound Subscription for desc.
func NewSubscription(desc Descriptor) *Subscription {
	s := &Subscription{
		name:     desc.Name,
		topic:    desc.Topic,
		deadline: desc.AckDeadlineSeconds,
	}
	if desc.PushConfig != nil {
		s.endpoint = desc.PushConfig.PushEndpoint
		s.pushAttrs = cloneMap(desc.PushConfig.Attributes)
	}
	return s
}

// DecodeSubscription returns an Unbound Subscription from a JSON descriptor.
func DecodeSubscription(data []byte) (*Subscription, error) {
	var desc Descriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, ErrDecode.Wrap(err, "subscription descriptor")
	}
	return NewSubscription(desc), nil
}

// Bind attaches c and returns s.
func (s *Subscription) Bind(c *Client) *Subscription {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
	return s
}

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) Topic() string { return s.topic }

// Deadline is the default ack deadline in seconds.
func (s *Subscription) Deadline() int { return s.deadline }

func (s *Subscription) AckDeadline() time.Duration {
	return time.Duration(s.deadline) * time.Second
}

// Endpoint is the cached push endpoint, empty for pull-only subscriptions.
func (s *Subscription) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

func (s *Subscription) Bound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

func (s *Subscription) Descriptor() Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc := Descriptor{
		Name:               s.name,
		Topic:              s.topic,
		AckDeadlineSeconds: s.deadline,
	}
	if s.endpoint != "" || len(s.pushAttrs) > 0 {
		desc.PushConfig = &PushConfigDescriptor{
			PushEndpoint: s.endpoint,
			Attributes:   cloneMap(s.pushAttrs),
		}
	}
	return desc
}

func (s *Subscription) conn(op string) (*Client, error) {
	s.mu.RLock()
	c := s.client
	s.mu.RUnlock()
	if c == nil {
		return nil, ErrNoTransport.Wrap(nil, "%s %s", op, s.name)
	}
	if err := c.guard(); err != nil {
		return nil, err
	}
	return c, nil
}

// Pull fetches a batch of events. It fails as a whole on a remote error and
// returns an empty slice, not an error, when no messages are available.
// Without WithImmediate the call may block until the service has messages;
// bound it with ctx.
func (s *Subscription) Pull(ctx context.Context, opts ...PullOption) ([]*ReceivedEvent, error) {
	c, err := s.conn("pull")
	if err != nil {
		return nil, err
	}
	var po PullOptions
	for _, opt := range opts {
		opt(&po)
	}
	resp, err := c.transport.Pull(ctx, s.name, po)
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.Success {
		return nil, c.apiFailure(ctx, s.name, "pull", resp)
	}
	decoder := c.decoder()
	events := lo.Map(resp.records(), func(rec RawRecord, _ int) *ReceivedEvent {
		return newReceivedEvent(rec, s, decoder)
	})
	c.logger().Debug(ctx, "pulled", "subscription", s.name, "count", len(events), "immediate", po.Immediate)
	if h := c.hooks().OnPull; h != nil {
		h(ctx, s.name, len(events))
	}
	return events, nil
}

// Acknowledge acknowledges one or more deliveries in a single call.
// Acknowledging an id again is allowed.
func (s *Subscription) Acknowledge(ctx context.Context, ackID string, more ...string) error {
	c, err := s.conn("acknowledge")
	if err != nil {
		return err
	}
	ids := append([]string{ackID}, more...)
	resp, err := c.transport.Acknowledge(ctx, s.name, ids...)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success {
		return c.apiFailure(ctx, s.name, "acknowledge", resp)
	}
	if h := c.hooks().OnAcknowledge; h != nil {
		h(ctx, s.name, len(ids))
	}
	return nil
}

// ModifyAckDeadline sets the deadline of one delivery to seconds from now.
// Zero makes the message available for redelivery at once.
func (s *Subscription) ModifyAckDeadline(ctx context.Context, ackID string, seconds int) (Result, error) {
	if seconds < 0 || seconds > MaxAckDeadlineSeconds {
		return Result{}, ErrInvalidDeadline.Wrap(nil, "%d seconds", seconds)
	}
	c, err := s.conn("modifyAckDeadline")
	if err != nil {
		return Result{}, err
	}
	resp, err := c.transport.ModifyAckDeadline(ctx, s.name, ackID, seconds)
	if err != nil {
		return Result{}, err
	}
	if resp == nil || !resp.Success {
		return Result{Err: c.apiFailure(ctx, s.name, "modifyAckDeadline", resp)}, nil
	}
	if h := c.hooks().OnModifyAckDeadline; h != nil {
		h(ctx, s.name, ackID, seconds)
	}
	return Result{OK: true}, nil
}

// SetEndpoint changes the push endpoint. The cached endpoint changes only
// after the service accepted the new configuration.
func (s *Subscription) SetEndpoint(ctx context.Context, endpoint string) (Result, error) {
	c, err := s.conn("modifyPushConfig")
	if err != nil {
		return Result{}, err
	}
	resp, err := c.transport.ModifyPushConfig(ctx, s.name, endpoint, PushConfig{})
	if err != nil {
		return Result{}, err
	}
	if resp == nil || !resp.Success {
		return Result{Err: c.apiFailure(ctx, s.name, "modifyPushConfig", resp)}, nil
	}
	s.mu.Lock()
	s.endpoint = endpoint
	s.pushAttrs = nil
	s.mu.Unlock()
	c.forgetDescriptor(ctx, s.name)
	c.logger().Info(ctx, "push endpoint changed", "subscription", s.name, "endpoint", endpoint)
	if h := c.hooks().OnEndpointChange; h != nil {
		h(ctx, s.name, endpoint)
	}
	return Result{OK: true}, nil
}

// Delete removes the subscription from the service. Pending messages are
// dropped server side.
func (s *Subscription) Delete(ctx context.Context) (Result, error) {
	c, err := s.conn("deleteSubscription")
	if err != nil {
		return Result{}, err
	}
	resp, err := c.transport.DeleteSubscription(ctx, s.name)
	if err != nil {
		return Result{}, err
	}
	if resp == nil || !resp.Success {
		return Result{Err: c.apiFailure(ctx, s.name, "deleteSubscription", resp)}, nil
	}
	c.forgetDescriptor(ctx, s.name)
	c.logger().Info(ctx, "subscription deleted", "subscription", s.name)
	if h := c.hooks().OnDelete; h != nil {
		h(ctx, s.name)
	}
	return Result{OK: true}, nil
}
