package pubsub_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/pubsub/driver/inmem"
)

const (
	subName   = "projects/test/subscriptions/sub-42"
	topicName = "projects/test/topics/topic-7"
)

func newClient(t *testing.T, opts ...pubsub.Option) (*inmem.Transport, *pubsub.Client) {
	t.Helper()
	tr := inmem.New()
	client, err := pubsub.New(tr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close(context.Background()) })
	return tr, client
}

func scenarioDescriptor() pubsub.Descriptor {
	return pubsub.Descriptor{Name: subName, Topic: topicName, AckDeadlineSeconds: 60}
}

func TestPullAndAcknowledgeScenario(t *testing.T) {
	ctx := context.Background()
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())

	tr.Script(inmem.OpPull, pubsub.OK(&pubsub.ResponseData{ReceivedMessages: []pubsub.RawRecord{{
		AckID: "ack-id-123456789",
		Message: pubsub.WireMessage{
			Data:      base64.StdEncoding.EncodeToString([]byte("hello")),
			MessageID: "msg-id-123456789",
		},
	}}}))
	tr.Script(inmem.OpAcknowledge, pubsub.OK(nil), pubsub.OK(nil))

	opts := pubsub.PullOptionsFromMap(map[string]any{"immediate": true, "max": 1})
	events, err := sub.Pull(ctx, pubsub.WithPullOptions(opts))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "ack-id-123456789", ev.AckID())
	assert.Same(t, sub, ev.Subscription())
	msg, err := ev.Message()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Data())
	assert.Equal(t, "msg-id-123456789", msg.ID())

	require.NoError(t, ev.Acknowledge(ctx))
	require.NoError(t, ev.Acknowledge(ctx))

	pulls := tr.CallsFor(inmem.OpPull)
	require.Len(t, pulls, 1)
	assert.Equal(t, pubsub.PullOptions{Immediate: true, MaxMessages: 1}, pulls[0].Options)

	acks := tr.CallsFor(inmem.OpAcknowledge)
	require.Len(t, acks, 2)
	for _, c := range acks {
		assert.Equal(t, subName, c.Subscription)
		assert.Equal(t, []string{"ack-id-123456789"}, c.AckIDs)
	}
}

func TestAcknowledgeTwiceAgainstTransport(t *testing.T) {
	ctx := context.Background()
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	tr.Publish(subName, []byte("once"), nil)

	events, err := sub.Pull(ctx, pubsub.WithImmediate(true))
	require.NoError(t, err)
	require.Len(t, events, 1)

	require.NoError(t, events[0].Acknowledge(ctx))
	require.NoError(t, events[0].Acknowledge(ctx))
	assert.Zero(t, tr.Outstanding(subName))
}

func TestPullKeepsRecordOrder(t *testing.T) {
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())

	records := make([]pubsub.RawRecord, 5)
	for i := range records {
		records[i] = pubsub.RawRecord{
			AckID:   fmt.Sprintf("ack-%d", i),
			Message: pubsub.WireMessage{MessageID: fmt.Sprintf("m-%d", i)},
		}
	}
	tr.Enqueue(subName, records...)

	events, err := sub.Pull(context.Background(), pubsub.WithImmediate(true))
	require.NoError(t, err)
	require.Len(t, events, len(records))
	for i, ev := range events {
		assert.Equal(t, records[i].AckID, ev.AckID())
		msg, err := ev.Message()
		require.NoError(t, err)
		assert.Equal(t, records[i].Message.MessageID, msg.ID())
	}
}

func TestPullMaxMessages(t *testing.T) {
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	for i := 0; i < 3; i++ {
		tr.Publish(subName, []byte{byte('a' + i)}, nil)
	}

	events, err := sub.Pull(context.Background(), pubsub.WithImmediate(true), pubsub.WithMaxMessages(2))
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 1, tr.Pending(subName))
}

func TestPullImmediateEmpty(t *testing.T) {
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	tr.Script(inmem.OpPull, pubsub.OK(&pubsub.ResponseData{}))

	events, err := sub.Pull(context.Background(), pubsub.WithImmediate(true))
	require.NoError(t, err)
	assert.NotNil(t, events)
	assert.Empty(t, events)

	events, err = sub.Pull(context.Background(), pubsub.WithImmediate(true))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPullRejectedFailsWhole(t *testing.T) {
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	tr.Publish(subName, []byte("kept"), nil)
	tr.Script(inmem.OpPull, pubsub.Failure(http.StatusForbidden, pubsub.StatusPermissionDenied, "User not authorized to perform this action."))

	events, err := sub.Pull(context.Background(), pubsub.WithImmediate(true))
	assert.Nil(t, events)
	require.Error(t, err)

	var apiErr *pubsub.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.EqualValues(t, http.StatusForbidden, apiErr.GetCode())
	assert.Equal(t, pubsub.StatusPermissionDenied, apiErr.GetStatus())
	assert.Equal(t, "User not authorized to perform this action.", apiErr.GetMessage())
	assert.Equal(t, 1, tr.Pending(subName))
}

func TestPullTransportError(t *testing.T) {
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	boom := errors.New("connection reset")
	tr.ScriptError(inmem.OpPull, boom)

	_, err := sub.Pull(context.Background(), pubsub.WithImmediate(true))
	assert.ErrorIs(t, err, boom)
	assert.False(t, pubsub.IsPrecondition(err))
}

func TestUnboundSubscription(t *testing.T) {
	ctx := context.Background()
	sub := pubsub.NewSubscription(scenarioDescriptor())
	assert.False(t, sub.Bound())

	_, err := sub.Pull(ctx)
	assert.ErrorIs(t, err, pubsub.ErrNoTransport)
	assert.True(t, pubsub.IsPrecondition(err))

	err = sub.Acknowledge(ctx, "ack")
	assert.ErrorIs(t, err, pubsub.ErrNoTransport)

	_, err = sub.ModifyAckDeadline(ctx, "ack", 10)
	assert.ErrorIs(t, err, pubsub.ErrNoTransport)

	_, err = sub.SetEndpoint(ctx, "https://example.com/push")
	assert.ErrorIs(t, err, pubsub.ErrNoTransport)

	_, err = sub.Delete(ctx)
	assert.ErrorIs(t, err, pubsub.ErrNoTransport)
}

func TestBindLater(t *testing.T) {
	tr, client := newClient(t)
	sub := pubsub.NewSubscription(scenarioDescriptor())
	assert.Same(t, sub, sub.Bind(client))
	assert.True(t, sub.Bound())

	tr.Publish(subName, []byte("x"), nil)
	events, err := sub.Pull(context.Background(), pubsub.WithImmediate(true))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestModifyAckDeadline(t *testing.T) {
	ctx := context.Background()
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())

	res, err := sub.ModifyAckDeadline(ctx, "ack-1", 30)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.NoError(t, res.Error())

	for _, seconds := range []int{-1, pubsub.MaxAckDeadlineSeconds + 1} {
		_, err = sub.ModifyAckDeadline(ctx, "ack-1", seconds)
		assert.ErrorIs(t, err, pubsub.ErrInvalidDeadline)
	}

	tr.Script(inmem.OpModifyAckDeadline, pubsub.Failure(http.StatusBadRequest, pubsub.StatusInvalidArgument, "You have passed an invalid ack ID to the service."))
	res, err = sub.ModifyAckDeadline(ctx, "bogus", 30)
	require.NoError(t, err)
	assert.True(t, res.Failed())
	require.NotNil(t, res.Err)
	assert.Equal(t, pubsub.StatusInvalidArgument, res.Err.GetStatus())
	assert.True(t, pubsub.IsStatus(res.Error(), pubsub.StatusInvalidArgument))

	calls := tr.CallsFor(inmem.OpModifyAckDeadline)
	require.Len(t, calls, 2)
	assert.Equal(t, 30, calls[0].Seconds)
}

func TestSetEndpointAlreadyExists(t *testing.T) {
	ctx := context.Background()
	tr, client := newClient(t)
	sub := client.Subscription(pubsub.Descriptor{
		Name:       subName,
		Topic:      topicName,
		PushConfig: &pubsub.PushConfigDescriptor{PushEndpoint: "http://old.example.com/hook"},
	})
	tr.Script(inmem.OpModifyPushConfig, pubsub.Failure(http.StatusConflict, pubsub.StatusAlreadyExists, "Resource already exists in the project."))

	res, err := sub.SetEndpoint(ctx, "http://new.example.com/hook")
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.Err)
	assert.Equal(t, pubsub.StatusAlreadyExists, res.Err.GetStatus())
	assert.EqualValues(t, http.StatusConflict, res.Err.GetCode())
	assert.Equal(t, "http://old.example.com/hook", sub.Endpoint())

	res, err = sub.SetEndpoint(ctx, "http://new.example.com/hook")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "http://new.example.com/hook", sub.Endpoint())

	calls := tr.CallsFor(inmem.OpModifyPushConfig)
	require.Len(t, calls, 2)
	assert.Equal(t, "http://new.example.com/hook", calls[1].Endpoint)
	assert.Empty(t, calls[1].PushConfig.Attributes)
}

func TestSetEndpointUnsetStartsEmpty(t *testing.T) {
	_, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())
	assert.Empty(t, sub.Endpoint())
	assert.Nil(t, sub.Descriptor().PushConfig)

	res, err := sub.SetEndpoint(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Empty(t, sub.Endpoint())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	tr, client := newClient(t)
	sub := client.Subscription(scenarioDescriptor())

	res, err := sub.Delete(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK)

	res, err = sub.Delete(ctx)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, pubsub.StatusNotFound, res.Err.GetStatus())

	_, err = sub.Pull(ctx, pubsub.WithImmediate(true))
	assert.True(t, pubsub.IsStatus(err, pubsub.StatusNotFound))
	assert.Len(t, tr.CallsFor(inmem.OpDeleteSubscription), 2)
}

func TestDecodeSubscription(t *testing.T) {
	sub, err := pubsub.DecodeSubscription([]byte(`{
		"name": "projects/test/subscriptions/sub-42",
		"topic": "projects/test/topics/topic-7",
		"pushConfig": {"pushEndpoint": "https://example.com/push", "attributes": {"x-goog-version": "v1"}},
		"ackDeadlineSeconds": 60,
		"messageRetentionDuration": "604800s"
	}`))
	require.NoError(t, err)
	assert.Equal(t, subName, sub.Name())
	assert.Equal(t, topicName, sub.Topic())
	assert.Equal(t, 60, sub.Deadline())
	assert.Equal(t, "https://example.com/push", sub.Endpoint())
	assert.False(t, sub.Bound())
	assert.Equal(t, map[string]string{"x-goog-version": "v1"}, sub.Descriptor().PushConfig.Attributes)

	_, err = pubsub.DecodeSubscription([]byte(`{"name":`))
	assert.ErrorIs(t, err, pubsub.ErrDecode)
}

func TestPullOptionsFromMap(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want pubsub.PullOptions
	}{
		{name: "empty", in: nil, want: pubsub.PullOptions{}},
		{name: "immediate and max", in: map[string]any{"immediate": true, "max": 5}, want: pubsub.PullOptions{Immediate: true, MaxMessages: 5}},
		{name: "json numbers", in: map[string]any{"maxMessages": float64(7)}, want: pubsub.PullOptions{MaxMessages: 7}},
		{name: "wrong types ignored", in: map[string]any{"immediate": "yes", "max": "10"}, want: pubsub.PullOptions{}},
		{name: "unknown keys ignored", in: map[string]any{"returnImmediately": true, "foo": 1}, want: pubsub.PullOptions{}},
		{name: "negative clamps", in: map[string]any{"max": -3}, want: pubsub.PullOptions{}},
		{name: "huge json number clamps", in: map[string]any{"max": 1e12}, want: pubsub.PullOptions{MaxMessages: math.MaxInt32}},
		{name: "huge int64 clamps", in: map[string]any{"max": int64(1) << 40}, want: pubsub.PullOptions{MaxMessages: math.MaxInt32}},
		{name: "negative json number clamps", in: map[string]any{"max": -1e30}, want: pubsub.PullOptions{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pubsub.PullOptionsFromMap(tt.in))
		})
	}
}
