package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

const (
	attrSubscription = attribute.Key("pubsub.subscription")
	attrOp           = attribute.Key("pubsub.op")
	attrStatus       = attribute.Key("pubsub.status")
	attrNack         = attribute.Key("pubsub.nack")
)

// Instruments counts the remote calls of a pubsub Client. Attach them with
// pubsub.WithHooks(inst.Hooks()).
type Instruments struct {
	meter           metric.Meter
	pulls           metric.Int64Counter
	received        metric.Int64Counter
	acked           metric.Int64Counter
	deadlineChanges metric.Int64Counter
	endpointChanges metric.Int64Counter
	deletes         metric.Int64Counter
	apiErrors       metric.Int64Counter
	handlerErrors   metric.Int64Counter
}

func NewInstruments(meter metric.Meter) (*Instruments, error) {
	inst := &Instruments{meter: meter}
	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
	}{
		{&inst.pulls, "pubsub.pulls", "Successful pull calls"},
		{&inst.received, "pubsub.messages.received", "Messages returned by pulls"},
		{&inst.acked, "pubsub.messages.acked", "Ack ids acknowledged"},
		{&inst.deadlineChanges, "pubsub.deadline.changes", "Ack deadline modifications, nacks included"},
		{&inst.endpointChanges, "pubsub.endpoint.changes", "Accepted push endpoint changes"},
		{&inst.deletes, "pubsub.subscriptions.deleted", "Deleted subscriptions"},
		{&inst.apiErrors, "pubsub.api.errors", "Calls rejected by the service"},
		{&inst.handlerErrors, "pubsub.handler.errors", "Receiver handler failures"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", c.name, err)
		}
		*c.dst = counter
	}
	return inst, nil
}

func (i *Instruments) Hooks() pubsub.Hooks {
	return pubsub.Hooks{
		OnPull: func(ctx context.Context, subscription string, received int) {
			attrs := metric.WithAttributes(attrSubscription.String(subscription))
			i.pulls.Add(ctx, 1, attrs)
			i.received.Add(ctx, int64(received), attrs)
		},
		OnAcknowledge: func(ctx context.Context, subscription string, ackIDs int) {
			i.acked.Add(ctx, int64(ackIDs), metric.WithAttributes(attrSubscription.String(subscription)))
		},
		OnModifyAckDeadline: func(ctx context.Context, subscription, _ string, seconds int) {
			i.deadlineChanges.Add(ctx, 1, metric.WithAttributes(
				attrSubscription.String(subscription),
				attrNack.Bool(seconds == 0),
			))
		},
		OnEndpointChange: func(ctx context.Context, subscription, _ string) {
			i.endpointChanges.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(subscription)))
		},
		OnDelete: func(ctx context.Context, subscription string) {
			i.deletes.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(subscription)))
		},
		OnAPIError: func(ctx context.Context, subscription, op string, err *pubsub.APIError) {
			i.apiErrors.Add(ctx, 1, metric.WithAttributes(
				attrSubscription.String(subscription),
				attrOp.String(op),
				attrStatus.String(err.GetStatus()),
			))
		},
		OnHandlerError: func(ctx context.Context, subscription string, _ pubsub.MessageMetadata, _ error) {
			i.handlerErrors.Add(ctx, 1, metric.WithAttributes(attrSubscription.String(subscription)))
		},
	}
}

// ObserveReceiver reports the worker pool of r as gauges until the returned
// function is called.
func (i *Instruments) ObserveReceiver(r *pubsub.Receiver) (func() error, error) {
	queued, err := i.meter.Int64ObservableGauge("pubsub.receiver.queued",
		metric.WithDescription("Events waiting for a worker"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gauge: %w", err)
	}
	running, err := i.meter.Int64ObservableGauge("pubsub.receiver.running",
		metric.WithDescription("Handlers currently running"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gauge: %w", err)
	}
	reg, err := i.meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		h := r.Health()
		attrs := metric.WithAttributes(attrSubscription.String(h.Subscription))
		observer.ObserveInt64(queued, int64(h.Queued), attrs)
		observer.ObserveInt64(running, int64(h.Running), attrs)
		return nil
	}, queued, running)
	if err != nil {
		return nil, fmt.Errorf("failed to register gauge callback: %w", err)
	}
	return reg.Unregister, nil
}
