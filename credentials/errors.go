package credentials

import "github.com/infigaming-com/go-pubsub/errors"

const (
	ErrCodeNoCredentials = 20100 + iota
	ErrCodeReadKeyfile
	ErrCodeInvalidKey
	ErrCodeEnvironment
)

var (
	ErrNoCredentials = errors.NewError(ErrCodeNoCredentials, "credentials: no keyfile configured", nil)
	ErrReadKeyfile   = errors.NewError(ErrCodeReadKeyfile, "credentials: cannot read keyfile", nil)
	ErrInvalidKey    = errors.NewError(ErrCodeInvalidKey, "credentials: invalid key", nil)
	ErrEnvironment   = errors.NewError(ErrCodeEnvironment, "credentials: cannot read environment", nil)
)
