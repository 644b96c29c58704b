// Package rest is a pubsub.APITransport over the Cloud Pub/Sub v1 JSON API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-pubsub/pubsub"
	"github.com/infigaming-com/go-pubsub/request"
)

const (
	DefaultBaseURL = "https://pubsub.googleapis.com/v1/"

	// defaultMaxMessages fills the mandatory batch size of a pull that leaves
	// it to the service.
	defaultMaxMessages = 100
)

type Config struct {
	BaseURL string
	// HTTPClient carries authentication, see credentials.Credentials.HTTPClient.
	HTTPClient *http.Client
	// Timeout bounds every call except Pull. Defaults to 10s.
	Timeout time.Duration
	// PullTimeout bounds Pull. Zero leaves a blocking pull bounded by its
	// context only.
	PullTimeout time.Duration
	// MaxRetries applies to Acknowledge and ModifyAckDeadline on transient
	// network errors.
	MaxRetries   int
	RetryBackoff time.Duration
	UserAgent    string
	Logger       *zap.Logger
	Recorder     request.RequestRecorder
	DebugEnabled bool
}

type Transport struct {
	cfg Config
	lg  *zap.Logger
}

func New(cfg Config) *Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(cfg.BaseURL, "/") {
		cfg.BaseURL += "/"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	lg := cfg.Logger
	if lg == nil {
		lg = zap.L()
	}
	return &Transport{cfg: cfg, lg: lg.Named("restpubsub")}
}

type pullRequest struct {
	ReturnImmediately bool `json:"returnImmediately"`
	MaxMessages       int  `json:"maxMessages"`
}

type acknowledgeRequest struct {
	AckIDs []string `json:"ackIds"`
}

type modifyAckDeadlineRequest struct {
	AckIDs             []string `json:"ackIds"`
	AckDeadlineSeconds int      `json:"ackDeadlineSeconds"`
}

type pushConfig struct {
	PushEndpoint string            `json:"pushEndpoint"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

type modifyPushConfigRequest struct {
	PushConfig pushConfig `json:"pushConfig"`
}

func (t *Transport) Pull(ctx context.Context, subscription string, opts pubsub.PullOptions) (*pubsub.Response, error) {
	limit := opts.MaxMessages
	if limit <= 0 {
		limit = defaultMaxMessages
	}
	var data pubsub.ResponseData
	resp, err := t.call(ctx, "pull", http.MethodPost, t.url(subscription, ":pull"),
		pullRequest{ReturnImmediately: opts.Immediate, MaxMessages: limit}, &data,
		request.WithRequestTimeout(t.cfg.PullTimeout))
	if err != nil || !resp.Success {
		return resp, err
	}
	if data.ReceivedMessages == nil {
		data.ReceivedMessages = []pubsub.RawRecord{}
	}
	return pubsub.OK(&data), nil
}

func (t *Transport) Acknowledge(ctx context.Context, subscription string, ackIDs ...string) (*pubsub.Response, error) {
	return t.call(ctx, "acknowledge", http.MethodPost, t.url(subscription, ":acknowledge"),
		acknowledgeRequest{AckIDs: ackIDs}, nil, t.retry()...)
}

func (t *Transport) ModifyAckDeadline(ctx context.Context, subscription, ackID string, seconds int) (*pubsub.Response, error) {
	return t.call(ctx, "modifyAckDeadline", http.MethodPost, t.url(subscription, ":modifyAckDeadline"),
		modifyAckDeadlineRequest{AckIDs: []string{ackID}, AckDeadlineSeconds: seconds}, nil, t.retry()...)
}

func (t *Transport) ModifyPushConfig(ctx context.Context, subscription, endpoint string, cfg pubsub.PushConfig) (*pubsub.Response, error) {
	return t.call(ctx, "modifyPushConfig", http.MethodPost, t.url(subscription, ":modifyPushConfig"),
		modifyPushConfigRequest{PushConfig: pushConfig{PushEndpoint: endpoint, Attributes: cfg.Attributes}}, nil)
}

func (t *Transport) DeleteSubscription(ctx context.Context, subscription string) (*pubsub.Response, error) {
	return t.call(ctx, "deleteSubscription", http.MethodDelete, t.url(subscription, ""), nil, nil)
}

func (t *Transport) GetSubscription(ctx context.Context, subscription string) (*pubsub.Response, error) {
	var desc pubsub.Descriptor
	resp, err := t.call(ctx, "getSubscription", http.MethodGet, t.url(subscription, ""), nil, &desc)
	if err != nil || !resp.Success {
		return resp, err
	}
	return pubsub.OK(&pubsub.ResponseData{Subscription: &desc}), nil
}

// Close releases idle connections. The HTTP client itself stays usable.
func (t *Transport) Close(context.Context) error {
	t.cfg.HTTPClient.CloseIdleConnections()
	return nil
}

func (t *Transport) url(subscription, verb string) string {
	return t.cfg.BaseURL + strings.TrimPrefix(subscription, "/") + verb
}

func (t *Transport) retry() []request.Option {
	return []request.Option{
		request.WithRetry(t.cfg.MaxRetries),
		request.WithRetryBackoff(t.cfg.RetryBackoff),
	}
}

// call sends one request. A non-2xx answer is returned as a failed Response,
// never as an error.
func (t *Transport) call(ctx context.Context, op, method, url string, body, into any, extra ...request.Option) (*pubsub.Response, error) {
	options := []request.Option{
		request.WithLogger(t.lg),
		request.WithHTTPClient(t.cfg.HTTPClient),
		request.WithRequestTimeout(t.cfg.Timeout),
		request.WithDebugEnabled(t.cfg.DebugEnabled),
		request.WithRequestHeaders(map[string]string{"Accept": "application/json"}),
	}
	if t.cfg.UserAgent != "" {
		options = append(options, request.WithRequestHeaders(map[string]string{"User-Agent": t.cfg.UserAgent}))
	}
	if t.cfg.Recorder != nil {
		options = append(options, request.WithRequestRecorder(t.cfg.Recorder))
	}
	options = append(options, extra...)

	var (
		status int
		raw    []byte
		err    error
	)
	switch method {
	case http.MethodPost:
		status, raw, err = request.PostJson(ctx, url, body, options...)
	default:
		status, raw, err = request.Request(ctx, method, url, options...)
	}
	if err != nil {
		return nil, fmt.Errorf("restpubsub: %s: %w", op, err)
	}
	if status < 200 || status > 299 {
		return failure(status, raw), nil
	}
	if into != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, into); err != nil {
			return nil, fmt.Errorf("restpubsub: %s: decode response: %w", op, err)
		}
	}
	return pubsub.OK(nil), nil
}

// failure decodes the service error envelope, or builds one from the HTTP
// status when the body is not an envelope.
func failure(status int, raw []byte) *pubsub.Response {
	var body pubsub.ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && (body.Error.Code != 0 || body.Error.Status != "") {
		if body.Error.Code == 0 {
			body.Error.Code = status
		}
		if body.Error.Status == "" {
			body.Error.Status = statusName(status)
		}
		return &pubsub.Response{Error: &body}
	}
	message := strings.TrimSpace(string(raw))
	if message == "" {
		message = http.StatusText(status)
	}
	return pubsub.Failure(status, statusName(status), message)
}

func statusName(status int) string {
	switch status {
	case http.StatusBadRequest:
		return pubsub.StatusInvalidArgument
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return pubsub.StatusPermissionDenied
	case http.StatusNotFound:
		return pubsub.StatusNotFound
	case http.StatusConflict:
		return pubsub.StatusAlreadyExists
	case http.StatusTooManyRequests:
		return "RESOURCE_EXHAUSTED"
	case 499:
		return "CANCELLED"
	case http.StatusNotImplemented:
		return "UNIMPLEMENTED"
	case http.StatusServiceUnavailable:
		return pubsub.StatusUnavailable
	case http.StatusGatewayTimeout:
		return "DEADLINE_EXCEEDED"
	}
	if status >= 500 {
		return "INTERNAL"
	}
	return pubsub.StatusUnknown
}
