package request

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/infigaming-com/go-pubsub/util"
)

var (
	httpClient *http.Client
	once       sync.Once
)

type requestOption struct {
	lg                   *zap.Logger
	client               *http.Client
	debugEnabled         bool
	queryParams          *map[string]string
	requestHeaders       *map[string]string
	requestBody          *[]byte
	recorder             RequestRecorder
	correlationIdKey     string
	correlationId        string
	requestTimeout       time.Duration
	slowRequestThreshold time.Duration
	maxRetries           int
	retryBackoff         time.Duration
}

type Option interface {
	apply(option *requestOption) error
}

type optionFunc func(option *requestOption) error

func (f optionFunc) apply(option *requestOption) error {
	return f(option)
}

func defaultRequestOption() *requestOption {
	queryParams := make(map[string]string)
	requestHeaders := make(map[string]string)
	return &requestOption{
		lg:                   zap.L(),
		queryParams:          &queryParams,
		requestHeaders:       &requestHeaders,
		correlationIdKey:     "X-Correlation-ID",
		requestTimeout:       3 * time.Second,
		slowRequestThreshold: 5 * time.Second,
		retryBackoff:         time.Second,
	}
}

func (o *requestOption) body() []byte {
	if o.requestBody != nil {
		return *o.requestBody
	}
	return nil
}

func (o *requestOption) httpClient() *http.Client {
	if o.client != nil {
		return o.client
	}
	return getHttpClient()
}

func WithLogger(lg *zap.Logger) Option {
	return optionFunc(func(option *requestOption) error {
		if lg != nil {
			option.lg = lg
		}
		return nil
	})
}

// WithHTTPClient sends the request through client, for example one carrying
// an oauth2 transport.
func WithHTTPClient(client *http.Client) Option {
	return optionFunc(func(option *requestOption) error {
		option.client = client
		return nil
	})
}

func WithDebugEnabled(debugEnabled bool) Option {
	return optionFunc(func(option *requestOption) error {
		option.debugEnabled = debugEnabled
		return nil
	})
}

func WithQueryParams(queryParams map[string]string) Option {
	return optionFunc(func(option *requestOption) error {
		if option.queryParams == nil {
			option.queryParams = &map[string]string{}
		}
		maps.Copy(*option.queryParams, queryParams)
		return nil
	})
}

func WithRequestHeaders(requestHeaders map[string]string) Option {
	return optionFunc(func(option *requestOption) error {
		if option.requestHeaders == nil {
			option.requestHeaders = &map[string]string{}
		}
		maps.Copy(*option.requestHeaders, requestHeaders)
		return nil
	})
}

func WithCorrelationId(correlationIdKey, correlationId string) Option {
	return optionFunc(func(option *requestOption) error {
		option.correlationIdKey = correlationIdKey
		option.correlationId = correlationId
		return nil
	})
}

func WithRequestBody(requestBody []byte) Option {
	return optionFunc(func(option *requestOption) error {
		option.requestBody = &requestBody
		return nil
	})
}

func WithRequestBodyFromJson(requestBody any) Option {
	return optionFunc(func(option *requestOption) error {
		jsonBody, err := json.Marshal(requestBody)
		if err != nil {
			option.lg.Error("[HTTP-REQUEST-ERROR: failed to marshal request body]",
				zap.Error(err),
				zap.Any("requestBody", requestBody),
			)
			return ErrInvalidRequestBody.Wrap(err, "")
		}
		option.requestBody = &jsonBody
		return nil
	})
}

func WithRequestRecorder(requestRecorder RequestRecorder) Option {
	return optionFunc(func(option *requestOption) error {
		option.recorder = requestRecorder
		return nil
	})
}

// WithRequestTimeout bounds every attempt. Zero or less leaves the attempt
// bounded by ctx only, which long-polling calls need.
func WithRequestTimeout(requestTimeout time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		option.requestTimeout = requestTimeout
		return nil
	})
}

func WithSlowRequestThreshold(slowRequestThreshold time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if slowRequestThreshold <= 0 {
			option.lg.Error("[HTTP-REQUEST-ERROR: invalid slow request threshold]",
				zap.Duration("slowRequestThreshold", slowRequestThreshold),
			)
			return ErrInvalidSlowRequestThreshold.Wrap(nil, "%v", slowRequestThreshold)
		}
		option.slowRequestThreshold = slowRequestThreshold
		return nil
	})
}

// WithRetry enables retry with specified max attempts.
// Default is 0 (no retry). If maxRetries > 0, the request will be retried
// up to maxRetries times on transient errors (timeout, connection refused, etc.)
func WithRetry(maxRetries int) Option {
	return optionFunc(func(option *requestOption) error {
		if maxRetries < 0 {
			maxRetries = 0
		}
		option.maxRetries = maxRetries
		return nil
	})
}

// WithRetryBackoff sets the wait before the first retry; the n-th retry waits
// n times as long.
func WithRetryBackoff(backoff time.Duration) Option {
	return optionFunc(func(option *requestOption) error {
		if backoff > 0 {
			option.retryBackoff = backoff
		}
		return nil
	})
}

func getHttpClient() *http.Client {
	once.Do(func() {
		httpClient = &http.Client{
			Timeout: 0,
		}
	})
	return httpClient
}

// isRetryableError checks if the error is a transient error that can be retried
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "EOF")
}

// Request sends one HTTP request. A non-2xx status is not an error: the status
// and body are returned for the caller to interpret.
func Request(ctx context.Context, method string, requestUrl string, options ...Option) (httpStatusCode int, responseBody []byte, err error) {
	start := time.Now()

	option := defaultRequestOption()
	for _, opt := range options {
		if err := opt.apply(option); err != nil {
			return 0, nil, err
		}
	}

	attempts := 0
	defer func() {
		if option.recorder != nil {
			var queryParams, requestHeaders []byte
			if option.queryParams != nil {
				queryParams, _ = json.Marshal(*option.queryParams)
			}
			if option.requestHeaders != nil {
				requestHeaders, _ = json.Marshal(*option.requestHeaders)
			}
			errorStr := ""
			if err != nil {
				errorStr = err.Error()
			}
			option.recorder(&RequestRecordData{
				Method:         method,
				Url:            requestUrl,
				QueryParams:    string(queryParams),
				RequestHeaders: string(requestHeaders),
				RequestBody:    string(option.body()),
				HttpStatusCode: httpStatusCode,
				ResponseBody:   string(responseBody),
				Error:          errorStr,
				Attempts:       attempts,
				Duration:       time.Since(start).Milliseconds(),
			})
		}

		if err != nil {
			option.lg.Error("[HTTP-REQUEST-ERROR]",
				zap.Error(err),
				zap.String("method", method),
				zap.String("url", requestUrl),
				zap.Any("queryParams", option.queryParams),
				zap.ByteString("requestBody", option.body()),
				zap.Int("httpStatusCode", httpStatusCode),
				zap.ByteString("responseBody", responseBody),
				zap.Int("attempts", attempts),
				zap.Duration("duration", time.Since(start)),
			)
			return
		}

		if option.debugEnabled {
			option.lg.Debug("[HTTP-REQUEST-DEBUG]",
				zap.String("method", method),
				zap.String("url", requestUrl),
				zap.Any("queryParams", option.queryParams),
				zap.ByteString("requestBody", option.body()),
				zap.Int("httpStatusCode", httpStatusCode),
				zap.ByteString("responseBody", responseBody),
				zap.Duration("duration", time.Since(start)),
			)
		}
	}()

	// Retry loop: attempt = 1 is the initial attempt, subsequent attempts are retries
	maxAttempts := option.maxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Backoff before retry (not on first attempt)
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * option.retryBackoff
			option.lg.Info("[HTTP-REQUEST-RETRY]",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", maxAttempts),
				zap.Duration("backoff", backoff),
				zap.String("method", method),
				zap.String("url", requestUrl),
			)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, ctx.Err()
			case <-timer.C:
			}
		}

		attempts = attempt
		httpStatusCode, responseBody, err = doRequest(ctx, method, requestUrl, option)
		if err == nil {
			return httpStatusCode, responseBody, nil
		}

		// Check if error is retryable and we have more attempts
		if !isRetryableError(err) || ctx.Err() != nil {
			return httpStatusCode, responseBody, err
		}
		if attempt == maxAttempts {
			break
		}

		option.lg.Warn("[HTTP-REQUEST-RETRYABLE-ERROR]",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("maxAttempts", maxAttempts),
			zap.String("method", method),
			zap.String("url", requestUrl),
		)
	}

	if maxAttempts == 1 {
		return httpStatusCode, responseBody, err
	}
	return 0, nil, ErrMaxRetriesExceeded.Wrap(err, "%d attempts", maxAttempts)
}

// doRequest performs a single HTTP request attempt
func doRequest(ctx context.Context, method string, requestUrl string, option *requestOption) (httpStatusCode int, responseBody []byte, err error) {
	attemptCtx := ctx
	if option.requestTimeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, option.requestTimeout)
		defer cancel()
	}

	var bodyReader io.Reader
	if option.requestBody != nil {
		bodyReader = bytes.NewReader(*option.requestBody)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, requestUrl, bodyReader)
	if err != nil {
		option.lg.Error("[HTTP-REQUEST-ERROR: failed to create request]",
			zap.Error(err),
			zap.String("method", method),
			zap.String("url", requestUrl),
		)
		return 0, nil, ErrFailedToCreateRequest.Wrap(err, "")
	}

	query := req.URL.Query()
	if option.queryParams != nil {
		for k, v := range *option.queryParams {
			query.Add(k, v)
		}
	}
	req.URL.RawQuery = query.Encode()

	if option.correlationIdKey != "" {
		correlationId := option.correlationId
		if correlationId == "" {
			if fromCtx, correlationIdErr := util.CorrelationIdFromCtx(ctx); correlationIdErr == nil {
				correlationId = fromCtx
			} else {
				correlationId = util.NewUUID()
			}
		}
		req.Header.Set(option.correlationIdKey, correlationId)
	}

	if option.requestHeaders != nil {
		for k, v := range *option.requestHeaders {
			req.Header.Set(k, v)
		}
	}

	requestStart := time.Now()
	resp, err := option.httpClient().Do(req)
	if err != nil {
		return 0, nil, ErrFailedToSendRequest.Wrap(err, "%s %s", method, requestUrl)
	}
	defer resp.Body.Close()
	requestDuration := time.Since(requestStart)

	httpStatusCode = resp.StatusCode

	responseBody, err = io.ReadAll(resp.Body)
	if err != nil {
		return httpStatusCode, nil, ErrFailedToReadResponseBody.Wrap(err, "")
	}

	if requestDuration > option.slowRequestThreshold {
		option.lg.Warn("[HTTP-REQUEST-SLOW]",
			zap.String("method", method),
			zap.String("url", requestUrl),
			zap.ByteString("requestBody", option.body()),
			zap.Int("httpStatusCode", httpStatusCode),
			zap.Duration("duration", requestDuration),
		)
	}

	return httpStatusCode, responseBody, nil
}

func Get(ctx context.Context, requestUrl string, options ...Option) (httpStatusCode int, responseBody []byte, err error) {
	return Request(ctx, http.MethodGet, requestUrl, options...)
}

func Delete(ctx context.Context, requestUrl string, options ...Option) (httpStatusCode int, responseBody []byte, err error) {
	return Request(ctx, http.MethodDelete, requestUrl, options...)
}

func Post(ctx context.Context, requestUrl string, requestBody []byte, options ...Option) (httpStatusCode int, responseBody []byte, err error) {
	defaultHeader := map[string]string{"Content-Type": "application/json"}
	options = append(options, WithRequestHeaders(defaultHeader), WithRequestBody(requestBody))
	return Request(ctx, http.MethodPost, requestUrl, options...)
}

func PostJson(ctx context.Context, requestUrl string, v any, options ...Option) (httpStatusCode int, responseBody []byte, err error) {
	defaultHeader := map[string]string{"Content-Type": "application/json"}
	options = append(options, WithRequestHeaders(defaultHeader), WithRequestBodyFromJson(v))
	return Request(ctx, http.MethodPost, requestUrl, options...)
}
