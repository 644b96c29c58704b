package pubsub

import (
	stderrors "errors"
	"fmt"

	"github.com/infigaming-com/go-pubsub/errors"
)

const (
	ErrCodeNoTransport = 20000 + iota
	ErrCodeNoSubscription
	ErrCodeInvalidDeadline
	ErrCodeDecode
	ErrCodeLookupUnsupported
	ErrCodeClientClosed
	ErrCodeNilHandler
	ErrCodeAlreadyReceiving
)

// Well known service statuses.
const (
	StatusAlreadyExists      = "ALREADY_EXISTS"
	StatusNotFound           = "NOT_FOUND"
	StatusInvalidArgument    = "INVALID_ARGUMENT"
	StatusPermissionDenied   = "PERMISSION_DENIED"
	StatusFailedPrecondition = "FAILED_PRECONDITION"
	StatusUnavailable        = "UNAVAILABLE"
	StatusUnknown            = "UNKNOWN"
)

var (
	ErrNoTransport       = errors.NewError(ErrCodeNoTransport, "pubsub: must have active connection", nil)
	ErrNoSubscription    = errors.NewError(ErrCodeNoSubscription, "pubsub: must have active subscription", nil)
	ErrInvalidDeadline   = errors.NewError(ErrCodeInvalidDeadline, "pubsub: invalid ack deadline", nil)
	ErrDecode            = errors.NewError(ErrCodeDecode, "pubsub: malformed message payload", nil)
	ErrLookupUnsupported = errors.NewError(ErrCodeLookupUnsupported, "pubsub: transport cannot fetch subscriptions", nil)
	ErrClientClosed      = errors.NewError(ErrCodeClientClosed, "pubsub: client closed", nil)
	ErrNilHandler        = errors.NewError(ErrCodeNilHandler, "pubsub: handler required", nil)
	ErrAlreadyReceiving  = errors.NewError(ErrCodeAlreadyReceiving, "pubsub: subscription already receiving", nil)
)

// IsPrecondition reports whether err signals caller misuse rather than a
// remote or transport failure.
func IsPrecondition(err error) bool {
	return stderrors.Is(err, ErrNoTransport) ||
		stderrors.Is(err, ErrNoSubscription) ||
		stderrors.Is(err, ErrInvalidDeadline)
}

// APIError is a call the service rejected. It exposes the envelope's code,
// status and message unmodified.
type APIError struct {
	baseErr *errors.Error
	status  string
	details []ErrorDetail
}

// NewAPIError translates a failed Response. A response without an envelope
// becomes an UNKNOWN error.
func NewAPIError(resp *Response) *APIError {
	if resp == nil || resp.Error == nil {
		return &APIError{
			baseErr: errors.NewError(0, "call failed without an error envelope", nil),
			status:  StatusUnknown,
		}
	}
	st := resp.Error.Error
	status := st.Status
	if status == "" {
		status = StatusUnknown
	}
	return &APIError{
		baseErr: errors.NewError(int64(st.Code), st.Message, nil).WithStatusCode(st.Code),
		status:  status,
		details: append([]ErrorDetail(nil), st.Errors...),
	}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pubsub: %s (%d %s)", e.baseErr.GetMessage(), e.baseErr.GetCode(), e.status)
}

func (e *APIError) GetCode() int64 {
	return e.baseErr.GetCode()
}

func (e *APIError) GetMessage() string {
	return e.baseErr.GetMessage()
}

func (e *APIError) GetStatus() string {
	return e.status
}

func (e *APIError) GetDetails() []ErrorDetail {
	return append([]ErrorDetail(nil), e.details...)
}

func (e *APIError) Unwrap() error {
	return e.baseErr
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status string) bool {
	var apiErr *APIError
	if !stderrors.As(err, &apiErr) {
		return false
	}
	return apiErr.status == status
}

// Result is the outcome of a best-effort call whose remote failure is
// returned as a value instead of an error.
type Result struct {
	OK  bool
	Err *APIError
}

func (r Result) Failed() bool { return !r.OK }

// Error returns r.Err as an error, nil when the call succeeded.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}
