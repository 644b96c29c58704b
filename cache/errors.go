package cache

import "github.com/infigaming-com/go-pubsub/errors"

const (
	ErrCodeKeyNotFound = 20200 + iota
	ErrCodeJsonMarshal
	ErrCodeJsonUnmarshal
	ErrCodeConnect
)

var (
	ErrKeyNotFound   = errors.NewError(ErrCodeKeyNotFound, "key not found", nil)
	ErrJsonMarshal   = errors.NewError(ErrCodeJsonMarshal, "failed to marshal value to json", nil)
	ErrJsonUnmarshal = errors.NewError(ErrCodeJsonUnmarshal, "failed to unmarshal value from json", nil)
	ErrConnect       = errors.NewError(ErrCodeConnect, "failed to connect to cache", nil)
)
