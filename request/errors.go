package request

import "github.com/infigaming-com/go-pubsub/errors"

const (
	ErrCodeInvalidRequestBody = 10100 + iota
	ErrCodeInvalidSlowRequestThreshold
	ErrCodeFailedToCreateRequest
	ErrCodeFailedToSendRequest
	ErrCodeFailedToReadResponseBody
	ErrCodeMaxRetriesExceeded
)

var (
	ErrInvalidRequestBody          = errors.NewError(ErrCodeInvalidRequestBody, "failed to marshal request body", nil)
	ErrInvalidSlowRequestThreshold = errors.NewError(ErrCodeInvalidSlowRequestThreshold, "invalid slow request threshold", nil)
	ErrFailedToCreateRequest       = errors.NewError(ErrCodeFailedToCreateRequest, "failed to create request", nil)
	ErrFailedToSendRequest         = errors.NewError(ErrCodeFailedToSendRequest, "failed to send request", nil)
	ErrFailedToReadResponseBody    = errors.NewError(ErrCodeFailedToReadResponseBody, "failed to read response body", nil)
	ErrMaxRetriesExceeded          = errors.NewError(ErrCodeMaxRetriesExceeded, "max retries exceeded", nil)
)
