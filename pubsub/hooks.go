package pubsub

import "context"

type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

// Hooks observe remote calls made through a Client. Every field is optional.
type Hooks struct {
	OnPull              func(ctx context.Context, subscription string, received int)
	OnAcknowledge       func(ctx context.Context, subscription string, ackIDs int)
	OnModifyAckDeadline func(ctx context.Context, subscription, ackID string, seconds int)
	OnEndpointChange    func(ctx context.Context, subscription, endpoint string)
	OnDelete            func(ctx context.Context, subscription string)
	OnAPIError          func(ctx context.Context, subscription, op string, err *APIError)
	OnHandlerError      func(ctx context.Context, subscription string, meta MessageMetadata, err error)
}

type MessageMetadata struct {
	ID         string
	AckID      string
	Attributes map[string]string
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
