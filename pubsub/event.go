package pubsub

import (
	"context"
	"sync"
)

// ReceivedEvent is one delivery of a Message through a Subscription. The ack
// id identifies this delivery, not the message: a redelivered message comes
// with a new ack id.
type ReceivedEvent struct {
	raw          RawRecord
	subscription *Subscription
	decoder      Decoder

	once sync.Once
	msg  *Message
	err  error
}

// NewReceivedEvent returns an event for rec. sub may be nil, in which case
// Acknowledge and ExtendDeadline fail without a remote call.
func NewReceivedEvent(rec RawRecord, sub *Subscription) *ReceivedEvent {
	return newReceivedEvent(rec, sub, nil)
}

func newReceivedEvent(rec RawRecord, sub *Subscription, decoder Decoder) *ReceivedEvent {
	return &ReceivedEvent{raw: rec, subscription: sub, decoder: decoder}
}

func (e *ReceivedEvent) AckID() string { return e.raw.AckID }

// Message decodes the record on first use. A record that does not decode
// returns the same error on every call.
func (e *ReceivedEvent) Message() (*Message, error) {
	e.once.Do(func() {
		e.msg, e.err = decodeMessage(e.raw.Message, e.decoder)
	})
	return e.msg, e.err
}

func (e *ReceivedEvent) Subscription() *Subscription { return e.subscription }

func (e *ReceivedEvent) metadata() MessageMetadata {
	return MessageMetadata{
		ID:         e.raw.Message.MessageID,
		AckID:      e.raw.AckID,
		Attributes: cloneMap(e.raw.Message.Attributes),
	}
}

// Acknowledge tells the service this delivery was processed. Repeating it is
// allowed.
func (e *ReceivedEvent) Acknowledge(ctx context.Context) error {
	if e.subscription == nil {
		return ErrNoSubscription.Wrap(nil, "acknowledge %s", e.raw.AckID)
	}
	return e.subscription.Acknowledge(ctx, e.raw.AckID)
}

// ExtendDeadline asks for seconds more processing time for this delivery.
// A rejection by the service is reported in the Result.
func (e *ReceivedEvent) ExtendDeadline(ctx context.Context, seconds int) (Result, error) {
	if seconds <= 0 {
		return Result{}, ErrInvalidDeadline.Wrap(nil, "%d seconds", seconds)
	}
	if e.subscription == nil {
		return Result{}, ErrNoSubscription.Wrap(nil, "extend %s", e.raw.AckID)
	}
	return e.subscription.ModifyAckDeadline(ctx, e.raw.AckID, seconds)
}

// Nack makes the message available for redelivery at once.
func (e *ReceivedEvent) Nack(ctx context.Context) (Result, error) {
	if e.subscription == nil {
		return Result{}, ErrNoSubscription.Wrap(nil, "nack %s", e.raw.AckID)
	}
	return e.subscription.ModifyAckDeadline(ctx, e.raw.AckID, 0)
}
