package pubsub_test

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/coocood/freecache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-pubsub/cache"
	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/inmem"
)

// pullOnly hides GetSubscription from the client.
type pullOnly struct {
	pubsub.APITransport
}

type hookLog struct {
	mu    sync.Mutex
	calls []string
	errs  []*pubsub.APIError
}

func (h *hookLog) add(s string) {
	h.mu.Lock()
	h.calls = append(h.calls, s)
	h.mu.Unlock()
}

func (h *hookLog) hooks() pubsub.Hooks {
	return pubsub.Hooks{
		OnPull:              func(context.Context, string, int) { h.add("pull") },
		OnAcknowledge:       func(context.Context, string, int) { h.add("ack") },
		OnModifyAckDeadline: func(context.Context, string, string, int) { h.add("modack") },
		OnEndpointChange:    func(context.Context, string, string) { h.add("endpoint") },
		OnDelete:            func(context.Context, string) { h.add("delete") },
		OnAPIError: func(_ context.Context, _, op string, err *pubsub.APIError) {
			h.mu.Lock()
			h.errs = append(h.errs, err)
			h.mu.Unlock()
			h.add("error:" + op)
		},
	}
}

func (h *hookLog) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func TestNewRequiresTransport(t *testing.T) {
	_, err := pubsub.New(nil)
	assert.Error(t, err)
}

func TestLookupSubscription(t *testing.T) {
	ctx := context.Background()
	tr, client := newClient(t)
	tr.AddSubscription(pubsub.Descriptor{
		Name:               subName,
		Topic:              topicName,
		AckDeadlineSeconds: 60,
		PushConfig:         &pubsub.PushConfigDescriptor{PushEndpoint: "https://example.com/push"},
	})

	sub, err := client.LookupSubscription(ctx, subName)
	require.NoError(t, err)
	assert.True(t, sub.Bound())
	assert.Equal(t, topicName, sub.Topic())
	assert.Equal(t, 60, sub.Deadline())
	assert.Equal(t, "https://example.com/push", sub.Endpoint())

	_, err = client.LookupSubscription(ctx, "projects/test/subscriptions/missing")
	assert.True(t, pubsub.IsStatus(err, pubsub.StatusNotFound))
}

func TestLookupUnsupported(t *testing.T) {
	client, err := pubsub.New(pullOnly{inmem.New()})
	require.NoError(t, err)

	_, err = client.LookupSubscription(context.Background(), subName)
	assert.ErrorIs(t, err, pubsub.ErrLookupUnsupported)
}

func TestLookupWithoutResponse(t *testing.T) {
	tr, client := newClient(t)
	tr.Script(inmem.OpGetSubscription, nil)

	_, err := client.LookupSubscription(context.Background(), subName)
	require.Error(t, err)
	assert.True(t, pubsub.IsStatus(err, pubsub.StatusUnknown))
}

func TestLookupUsesDescriptorCache(t *testing.T) {
	ctx := context.Background()
	descriptors := cache.NewFreeCache(freecache.NewCache(512 * 1024))
	tr, client := newClient(t, pubsub.WithDescriptorCache(descriptors, 0))
	tr.AddSubscription(scenarioDescriptor())

	_, err := client.LookupSubscription(ctx, subName)
	require.NoError(t, err)
	sub, err := client.LookupSubscription(ctx, subName)
	require.NoError(t, err)
	assert.Len(t, tr.CallsFor(inmem.OpGetSubscription), 1)
	assert.Equal(t, topicName, sub.Topic())

	// A changed endpoint invalidates the cached descriptor.
	res, err := sub.SetEndpoint(ctx, "https://example.com/new")
	require.NoError(t, err)
	require.True(t, res.OK)

	fresh, err := client.LookupSubscription(ctx, subName)
	require.NoError(t, err)
	assert.Len(t, tr.CallsFor(inmem.OpGetSubscription), 2)
	assert.Equal(t, "https://example.com/new", fresh.Endpoint())

	res, err = fresh.Delete(ctx)
	require.NoError(t, err)
	require.True(t, res.OK)
	_, err = client.LookupSubscription(ctx, subName)
	assert.True(t, pubsub.IsStatus(err, pubsub.StatusNotFound))
}

func TestFailedEndpointChangeKeepsCachedDescriptor(t *testing.T) {
	ctx := context.Background()
	descriptors := cache.NewFreeCache(freecache.NewCache(512 * 1024))
	tr, client := newClient(t, pubsub.WithDescriptorCache(descriptors, 0))
	tr.AddSubscription(scenarioDescriptor())

	sub, err := client.LookupSubscription(ctx, subName)
	require.NoError(t, err)

	tr.Script(inmem.OpModifyPushConfig, pubsub.Failure(http.StatusConflict, pubsub.StatusAlreadyExists, "exists"))
	res, err := sub.SetEndpoint(ctx, "https://example.com/other")
	require.NoError(t, err)
	require.False(t, res.OK)

	again, err := client.LookupSubscription(ctx, subName)
	require.NoError(t, err)
	assert.Empty(t, again.Endpoint())
	assert.Len(t, tr.CallsFor(inmem.OpGetSubscription), 1)
}

func TestClientClose(t *testing.T) {
	ctx := context.Background()
	tr := inmem.New()
	client, err := pubsub.New(tr)
	require.NoError(t, err)
	sub := client.Subscription(scenarioDescriptor())

	require.NoError(t, client.Close(ctx))
	require.NoError(t, client.Close(ctx))

	_, err = sub.Pull(ctx, pubsub.WithImmediate(true))
	assert.ErrorIs(t, err, pubsub.ErrClientClosed)
	assert.ErrorIs(t, sub.Acknowledge(ctx, "a"), pubsub.ErrClientClosed)
	_, err = client.LookupSubscription(ctx, subName)
	assert.ErrorIs(t, err, pubsub.ErrClientClosed)
	assert.Empty(t, tr.Calls())
	assert.Contains(t, client.String(), "closed=true")
}

func TestHooks(t *testing.T) {
	ctx := context.Background()
	log := &hookLog{}
	tr, client := newClient(t, pubsub.WithHooks(log.hooks()))
	sub := client.Subscription(scenarioDescriptor())
	tr.Publish(subName, []byte("x"), nil)

	events, err := sub.Pull(ctx, pubsub.WithImmediate(true))
	require.NoError(t, err)
	require.NoError(t, events[0].Acknowledge(ctx))
	_, err = events[0].ExtendDeadline(ctx, 10)
	require.NoError(t, err)

	tr.Script(inmem.OpAcknowledge, pubsub.Failure(http.StatusServiceUnavailable, pubsub.StatusUnavailable, "try again"))
	err = events[0].Acknowledge(ctx)
	require.Error(t, err)

	_, err = sub.SetEndpoint(ctx, "https://example.com/push")
	require.NoError(t, err)
	_, err = sub.Delete(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"pull", "ack", "modack", "error:acknowledge", "endpoint", "delete"}, log.snapshot())
	require.Len(t, log.errs, 1)
	assert.Equal(t, pubsub.StatusUnavailable, log.errs[0].GetStatus())
}

func TestAPIErrorWithoutEnvelope(t *testing.T) {
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	tr.Script(inmem.OpAcknowledge, &pubsub.Response{})

	err := sub.Acknowledge(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, pubsub.IsStatus(err, pubsub.StatusUnknown))
	assert.Equal(t, "pubsub: call failed without an error envelope (0 UNKNOWN)", err.Error())
}

func TestAPIErrorDetails(t *testing.T) {
	detail := pubsub.ErrorDetail{Message: "bad", Domain: "global", Reason: "badRequest"}
	apiErr := pubsub.NewAPIError(pubsub.Failure(http.StatusBadRequest, "", "bad", detail))

	assert.Equal(t, pubsub.StatusUnknown, apiErr.GetStatus())
	assert.Equal(t, []pubsub.ErrorDetail{detail}, apiErr.GetDetails())
	assert.Contains(t, apiErr.Error(), "400")
	assert.False(t, pubsub.IsPrecondition(apiErr))
	assert.False(t, pubsub.IsStatus(assert.AnError, pubsub.StatusUnknown))
}
