package pubsub

import (
	"context"
)

// APITransport is the remote call surface a Subscription is bound to.
// Implementations must be safe for concurrent use.
//
// The error return of every method is reserved for transport-level failures
// (network, caller cancellation). A call the service rejected comes back as a
// Response with Success false and an error envelope.
type APITransport interface {
	Pull(ctx context.Context, subscription string, opts PullOptions) (*Response, error)
	Acknowledge(ctx context.Context, subscription string, ackIDs ...string) (*Response, error)
	ModifyAckDeadline(ctx context.Context, subscription, ackID string, seconds int) (*Response, error)
	ModifyPushConfig(ctx context.Context, subscription, endpoint string, cfg PushConfig) (*Response, error)
	DeleteSubscription(ctx context.Context, subscription string) (*Response, error)
	Close(ctx context.Context) error
}

// SubscriptionGetter is implemented by transports that can fetch a
// subscription descriptor. On success Response.Data.Subscription is set.
type SubscriptionGetter interface {
	GetSubscription(ctx context.Context, subscription string) (*Response, error)
}

// Response is the structured outcome of one remote call.
type Response struct {
	Success bool
	Data    *ResponseData
	Error   *ErrorBody
}

// ResponseData is the success payload.
type ResponseData struct {
	ReceivedMessages []RawRecord `json:"receivedMessages,omitempty"`
	Subscription     *Descriptor `json:"-"`
}

// RawRecord is one received message as it appears in a pull response.
type RawRecord struct {
	AckID   string      `json:"ackId"`
	Message WireMessage `json:"message"`
}

// WireMessage is the wire form of a message; Data is base64.
type WireMessage struct {
	Data        string            `json:"data,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	PublishTime string            `json:"publishTime,omitempty"`
}

// ErrorBody is the service error envelope.
type ErrorBody struct {
	Error ErrorStatus `json:"error"`
}

type ErrorStatus struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Status  string        `json:"status"`
	Errors  []ErrorDetail `json:"errors,omitempty"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Domain  string `json:"domain"`
	Reason  string `json:"reason"`
}

// PushConfig is the extra configuration sent alongside a push endpoint.
type PushConfig struct {
	Attributes map[string]string `json:"attributes,omitempty"`
}

// OK builds a successful Response.
func OK(data *ResponseData) *Response {
	return &Response{Success: true, Data: data}
}

// Failure builds a failed Response carrying an error envelope.
func Failure(code int, status, message string, details ...ErrorDetail) *Response {
	return &Response{
		Error: &ErrorBody{Error: ErrorStatus{
			Code:    code,
			Message: message,
			Status:  status,
			Errors:  details,
		}},
	}
}

func (r *Response) records() []RawRecord {
	if r == nil || r.Data == nil {
		return nil
	}
	return r.Data.ReceivedMessages
}
