// Package inmem is an in-process pubsub.APITransport. It keeps a queue of
// records per subscription, replays scripted responses, and journals every
// call so tests can assert on what reached the service.
package inmem

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

var ErrClosed = errors.New("inmem: transport closed")

// defaultMaxMessages is the batch size used when a pull leaves it open.
const defaultMaxMessages = 100

type Op string

const (
	OpPull               Op = "pull"
	OpAcknowledge        Op = "acknowledge"
	OpModifyAckDeadline  Op = "modifyAckDeadline"
	OpModifyPushConfig   Op = "modifyPushConfig"
	OpDeleteSubscription Op = "deleteSubscription"
	OpGetSubscription    Op = "getSubscription"
)

// Call is one journal entry.
type Call struct {
	Op           Op
	Subscription string
	AckIDs       []string
	Seconds      int
	Endpoint     string
	PushConfig   pubsub.PushConfig
	Options      pubsub.PullOptions
	At           time.Time
}

type step struct {
	resp *pubsub.Response
	err  error
}

type delivery struct {
	subscription string
	record       pubsub.RawRecord
}

// Transport is safe for concurrent use.
type Transport struct {
	mu          sync.Mutex
	scripts     map[Op][]step
	queues      map[string][]pubsub.RawRecord
	outstanding map[string]delivery
	descriptors map[string]pubsub.Descriptor
	deleted     map[string]bool
	calls       []Call
	arrived     chan struct{}
	closed      bool
}

func New() *Transport {
	return &Transport{
		scripts:     map[Op][]step{},
		queues:      map[string][]pubsub.RawRecord{},
		outstanding: map[string]delivery{},
		descriptors: map[string]pubsub.Descriptor{},
		deleted:     map[string]bool{},
		arrived:     make(chan struct{}),
	}
}

// Script queues responses for op. Scripted responses are served in order
// before the transport falls back to its own behavior.
func (t *Transport) Script(op Op, responses ...*pubsub.Response) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, resp := range responses {
		t.scripts[op] = append(t.scripts[op], step{resp: resp})
	}
}

// ScriptError makes the next call to op fail at the transport level.
func (t *Transport) ScriptError(op Op, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scripts[op] = append(t.scripts[op], step{err: err})
}

// AddSubscription registers a descriptor for GetSubscription.
func (t *Transport) AddSubscription(desc pubsub.Descriptor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.descriptors[desc.Name] = desc
	delete(t.deleted, desc.Name)
}

// Enqueue makes records available to the next pulls of subscription.
func (t *Transport) Enqueue(subscription string, records ...pubsub.RawRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[subscription] = append(t.queues[subscription], records...)
	t.wakeLocked()
}

// Publish enqueues one message for subscription and returns its message id.
func (t *Transport) Publish(subscription string, data []byte, attrs map[string]string) string {
	id := uuid.NewString()
	t.Enqueue(subscription, pubsub.RawRecord{
		AckID: uuid.NewString(),
		Message: pubsub.WireMessage{
			Data:        base64.StdEncoding.EncodeToString(data),
			Attributes:  attrs,
			MessageID:   id,
			PublishTime: time.Now().UTC().Format(time.RFC3339Nano),
		},
	})
	return id
}

// Calls returns a copy of the journal.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

func (t *Transport) CallsFor(op Op) []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Call
	for _, c := range t.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Pending is the number of records waiting to be pulled from subscription.
func (t *Transport) Pending(subscription string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[subscription])
}

// Outstanding is the number of pulled records not yet acknowledged.
func (t *Transport) Outstanding(subscription string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.outstanding {
		if d.subscription == subscription {
			n++
		}
	}
	return n
}

func (t *Transport) Pull(ctx context.Context, subscription string, opts pubsub.PullOptions) (*pubsub.Response, error) {
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	t.mu.Lock()
	if st, ok := t.beginLocked(Call{Op: OpPull, Subscription: subscription, Options: opts}); ok {
		t.mu.Unlock()
		return st.resp, st.err
	}
	for {
		if t.deleted[subscription] {
			t.mu.Unlock()
			return notFound(subscription), nil
		}
		if t.closed {
			t.mu.Unlock()
			return nil, ErrClosed
		}
		queue := t.queues[subscription]
		if len(queue) > 0 || opts.Immediate {
			n := min(limit, len(queue))
			batch := append([]pubsub.RawRecord(nil), queue[:n]...)
			t.queues[subscription] = queue[n:]
			for _, rec := range batch {
				t.outstanding[rec.AckID] = delivery{subscription: subscription, record: rec}
			}
			t.mu.Unlock()
			return pubsub.OK(&pubsub.ResponseData{ReceivedMessages: batch}), nil
		}
		arrived := t.arrived
		t.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-arrived:
		}
		t.mu.Lock()
	}
}

// Acknowledge ignores ack ids it does not know, as the service does.
func (t *Transport) Acknowledge(ctx context.Context, subscription string, ackIDs ...string) (*pubsub.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.beginLocked(Call{Op: OpAcknowledge, Subscription: subscription, AckIDs: append([]string(nil), ackIDs...)}); ok {
		return st.resp, st.err
	}
	if st, ok := t.checkLocked(ctx, subscription); ok {
		return st.resp, st.err
	}
	for _, id := range ackIDs {
		delete(t.outstanding, id)
	}
	return pubsub.OK(nil), nil
}

// ModifyAckDeadline with zero seconds puts the record back in the queue under
// a fresh ack id.
func (t *Transport) ModifyAckDeadline(ctx context.Context, subscription, ackID string, seconds int) (*pubsub.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.beginLocked(Call{Op: OpModifyAckDeadline, Subscription: subscription, AckIDs: []string{ackID}, Seconds: seconds}); ok {
		return st.resp, st.err
	}
	if st, ok := t.checkLocked(ctx, subscription); ok {
		return st.resp, st.err
	}
	if seconds < 0 || seconds > pubsub.MaxAckDeadlineSeconds {
		return pubsub.Failure(http.StatusBadRequest, pubsub.StatusInvalidArgument,
			fmt.Sprintf("Invalid ack deadline given: %d", seconds)), nil
	}
	if seconds == 0 {
		if d, ok := t.outstanding[ackID]; ok {
			delete(t.outstanding, ackID)
			rec := d.record
			rec.AckID = uuid.NewString()
			t.queues[d.subscription] = append(t.queues[d.subscription], rec)
			t.wakeLocked()
		}
	}
	return pubsub.OK(nil), nil
}

func (t *Transport) ModifyPushConfig(ctx context.Context, subscription, endpoint string, cfg pubsub.PushConfig) (*pubsub.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.beginLocked(Call{Op: OpModifyPushConfig, Subscription: subscription, Endpoint: endpoint, PushConfig: cfg}); ok {
		return st.resp, st.err
	}
	if st, ok := t.checkLocked(ctx, subscription); ok {
		return st.resp, st.err
	}
	if desc, ok := t.descriptors[subscription]; ok {
		desc.PushConfig = &pubsub.PushConfigDescriptor{PushEndpoint: endpoint, Attributes: cfg.Attributes}
		t.descriptors[subscription] = desc
	}
	return pubsub.OK(nil), nil
}

func (t *Transport) DeleteSubscription(ctx context.Context, subscription string) (*pubsub.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.beginLocked(Call{Op: OpDeleteSubscription, Subscription: subscription}); ok {
		return st.resp, st.err
	}
	if st, ok := t.checkLocked(ctx, subscription); ok {
		return st.resp, st.err
	}
	t.deleted[subscription] = true
	delete(t.descriptors, subscription)
	delete(t.queues, subscription)
	for id, d := range t.outstanding {
		if d.subscription == subscription {
			delete(t.outstanding, id)
		}
	}
	t.wakeLocked()
	return pubsub.OK(nil), nil
}

func (t *Transport) GetSubscription(ctx context.Context, subscription string) (*pubsub.Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.beginLocked(Call{Op: OpGetSubscription, Subscription: subscription}); ok {
		return st.resp, st.err
	}
	if st, ok := t.checkLocked(ctx, subscription); ok {
		return st.resp, st.err
	}
	desc, ok := t.descriptors[subscription]
	if !ok {
		return notFound(subscription), nil
	}
	return pubsub.OK(&pubsub.ResponseData{Subscription: &desc}), nil
}

func (t *Transport) Close(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.wakeLocked()
	return nil
}

// beginLocked journals c and pops a scripted step for its op.
func (t *Transport) beginLocked(c Call) (step, bool) {
	c.At = time.Now()
	t.calls = append(t.calls, c)
	steps := t.scripts[c.Op]
	if len(steps) == 0 {
		return step{}, false
	}
	t.scripts[c.Op] = steps[1:]
	return steps[0], true
}

// checkLocked fails calls on a cancelled context, a closed transport or a
// deleted subscription.
func (t *Transport) checkLocked(ctx context.Context, subscription string) (step, bool) {
	if err := ctx.Err(); err != nil {
		return step{err: err}, true
	}
	if t.closed {
		return step{err: ErrClosed}, true
	}
	if t.deleted[subscription] {
		return step{resp: notFound(subscription)}, true
	}
	return step{}, false
}

func (t *Transport) wakeLocked() {
	close(t.arrived)
	t.arrived = make(chan struct{})
}

func notFound(subscription string) *pubsub.Response {
	return pubsub.Failure(http.StatusNotFound, pubsub.StatusNotFound,
		fmt.Sprintf("Resource not found (resource=%s).", subscription))
}
