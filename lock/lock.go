// Package lock hands out renewable leases on a key, so that only one process
// receives from a subscription at a time.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidLockKey  = errors.New("invalid lock key")
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLeaseLost       = errors.New("lease lost")
)

type Lock interface {
	// Lock waits for key, retrying as configured.
	Lock(ctx context.Context, key string, opts ...LockOption) (*Lease, error)
	// TryLock makes a single attempt.
	TryLock(ctx context.Context, key string, opts ...LockOption) (*Lease, error)
}

type LockOptions struct {
	expiry     time.Duration
	retryDelay time.Duration
	retries    int
	renew      bool
}

type LockOption func(*LockOptions)

func WithExpiry(expiry time.Duration) LockOption {
	return func(o *LockOptions) {
		if expiry > 0 {
			o.expiry = expiry
		}
	}
}

func WithRetryDelay(retryDelay time.Duration) LockOption {
	return func(o *LockOptions) {
		o.retryDelay = retryDelay
	}
}

func WithRetries(retries int) LockOption {
	return func(o *LockOptions) {
		if retries > 0 {
			o.retries = retries
		}
	}
}

// WithRenew keeps the lease alive every third of its expiry until released.
func WithRenew(renew bool) LockOption {
	return func(o *LockOptions) {
		o.renew = renew
	}
}
