// Package google is a pubsub.APITransport over the Cloud Pub/Sub gRPC API.
package google

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"time"

	vkit "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	rpccode "google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/infigaming-com/go-pubsub/pubsub"
)

// defaultMaxMessages fills the mandatory batch size of a pull that leaves it
// to the service.
const defaultMaxMessages = 100

type Config struct {
	CredentialsJSON []byte
	Endpoint        string
	UserAgent       string
	ClientOptions   []option.ClientOption
	// Client is used as is and not closed by the transport.
	Client *vkit.SubscriberClient
	Logger pubsub.Logger
	// Retry paces retries of Acknowledge and ModifyAckDeadline. Other calls
	// are never retried.
	Retry gax.Backoff
}

type transport struct {
	client     *vkit.SubscriberClient
	ownsClient bool
	logger     pubsub.Logger
	retry      []gax.CallOption
}

// retryCodes are the statuses on which acknowledge and deadline changes are
// sent again.
var retryCodes = []codes.Code{
	codes.Unavailable,
	codes.ResourceExhausted,
	codes.Aborted,
	codes.Internal,
}

func New(ctx context.Context, cfg Config) (pubsub.APITransport, error) {
	var (
		client *vkit.SubscriberClient
		err    error
		owns   bool
	)

	if cfg.Client != nil {
		client = cfg.Client
	} else {
		opts := append([]option.ClientOption(nil), cfg.ClientOptions...)
		if len(cfg.CredentialsJSON) > 0 {
			opts = append(opts, option.WithCredentialsJSON(cfg.CredentialsJSON))
		}
		if cfg.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, option.WithUserAgent(cfg.UserAgent))
		}
		client, err = vkit.NewSubscriberClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("googlepubsub: create subscriber client: %w", err)
		}
		owns = true
	}

	backoff := cfg.Retry
	if backoff.Initial <= 0 {
		backoff = gax.Backoff{Initial: 100 * time.Millisecond, Max: 60 * time.Second, Multiplier: 1.3}
	}
	t := &transport{
		client:     client,
		ownsClient: owns,
		logger:     cfg.Logger,
		retry: []gax.CallOption{gax.WithRetry(func() gax.Retryer {
			return gax.OnCodes(retryCodes, backoff)
		})},
	}
	if t.logger == nil {
		t.logger = noopLogger{}
	}
	return t, nil
}

func (t *transport) Pull(ctx context.Context, subscription string, opts pubsub.PullOptions) (*pubsub.Response, error) {
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	resp, err := t.client.Pull(ctx, &pubsubpb.PullRequest{
		Subscription:      subscription,
		ReturnImmediately: opts.Immediate,
		MaxMessages:       maxMessages(limit),
	})
	if err != nil {
		return t.failure(ctx, "pull", subscription, err)
	}
	records := make([]pubsub.RawRecord, 0, len(resp.GetReceivedMessages()))
	for _, rm := range resp.GetReceivedMessages() {
		records = append(records, toRecord(rm))
	}
	return pubsub.OK(&pubsub.ResponseData{ReceivedMessages: records}), nil
}

func (t *transport) Acknowledge(ctx context.Context, subscription string, ackIDs ...string) (*pubsub.Response, error) {
	err := t.client.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: subscription,
		AckIds:       ackIDs,
	}, t.retry...)
	if err != nil {
		return t.failure(ctx, "acknowledge", subscription, err)
	}
	return pubsub.OK(nil), nil
}

func (t *transport) ModifyAckDeadline(ctx context.Context, subscription, ackID string, seconds int) (*pubsub.Response, error) {
	err := t.client.ModifyAckDeadline(ctx, &pubsubpb.ModifyAckDeadlineRequest{
		Subscription:       subscription,
		AckIds:             []string{ackID},
		AckDeadlineSeconds: int32(seconds),
	}, t.retry...)
	if err != nil {
		return t.failure(ctx, "modifyAckDeadline", subscription, err)
	}
	return pubsub.OK(nil), nil
}

func (t *transport) ModifyPushConfig(ctx context.Context, subscription, endpoint string, cfg pubsub.PushConfig) (*pubsub.Response, error) {
	err := t.client.ModifyPushConfig(ctx, &pubsubpb.ModifyPushConfigRequest{
		Subscription: subscription,
		PushConfig: &pubsubpb.PushConfig{
			PushEndpoint: endpoint,
			Attributes:   cfg.Attributes,
		},
	})
	if err != nil {
		return t.failure(ctx, "modifyPushConfig", subscription, err)
	}
	return pubsub.OK(nil), nil
}

func (t *transport) DeleteSubscription(ctx context.Context, subscription string) (*pubsub.Response, error) {
	err := t.client.DeleteSubscription(ctx, &pubsubpb.DeleteSubscriptionRequest{Subscription: subscription})
	if err != nil {
		return t.failure(ctx, "deleteSubscription", subscription, err)
	}
	return pubsub.OK(nil), nil
}

func (t *transport) GetSubscription(ctx context.Context, subscription string) (*pubsub.Response, error) {
	sub, err := t.client.GetSubscription(ctx, &pubsubpb.GetSubscriptionRequest{Subscription: subscription})
	if err != nil {
		return t.failure(ctx, "getSubscription", subscription, err)
	}
	desc := pubsub.Descriptor{
		Name:               sub.GetName(),
		Topic:              sub.GetTopic(),
		AckDeadlineSeconds: int(sub.GetAckDeadlineSeconds()),
	}
	if pc := sub.GetPushConfig(); pc != nil && (pc.GetPushEndpoint() != "" || len(pc.GetAttributes()) > 0) {
		desc.PushConfig = &pubsub.PushConfigDescriptor{
			PushEndpoint: pc.GetPushEndpoint(),
			Attributes:   pc.GetAttributes(),
		}
	}
	return pubsub.OK(&pubsub.ResponseData{Subscription: &desc}), nil
}

func (t *transport) Close(context.Context) error {
	if t.ownsClient {
		return t.client.Close()
	}
	return nil
}

// failure sorts err into a transport error or an error envelope. The caller's
// own cancellation and errors without a gRPC status are transport errors.
func (t *transport) failure(ctx context.Context, op, subscription string, err error) (*pubsub.Response, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("googlepubsub: %s: %w", op, ctxErr)
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return nil, fmt.Errorf("googlepubsub: %s: %w", op, err)
	}
	t.logger.Debug(ctx, "googlepubsub call rejected", "op", op, "subscription", subscription, "code", st.Code().String())
	return pubsub.Failure(httpStatus(st.Code()), statusName(st.Code()), st.Message()), nil
}

func statusName(c codes.Code) string {
	if name, ok := rpccode.Code_name[int32(c)]; ok {
		return name
	}
	return pubsub.StatusUnknown
}

// httpStatus follows the canonical gRPC to HTTP mapping of google.rpc.Code.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.Canceled:
		return 499
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func toRecord(rm *pubsubpb.ReceivedMessage) pubsub.RawRecord {
	m := rm.GetMessage()
	rec := pubsub.RawRecord{
		AckID: rm.GetAckId(),
		Message: pubsub.WireMessage{
			Data:       base64.StdEncoding.EncodeToString(m.GetData()),
			Attributes: m.GetAttributes(),
			MessageID:  m.GetMessageId(),
		},
	}
	if pt := m.GetPublishTime(); pt != nil {
		rec.Message.PublishTime = pt.AsTime().UTC().Format(time.RFC3339Nano)
	}
	return rec
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

// maxMessages clamps a batch size to the int32 range of the wire field.
func maxMessages(n int) int32 {
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(n)
}
