package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

type redisLock struct {
	rs *redsync.Redsync
}

func defaultLockOptions() *LockOptions {
	return &LockOptions{
		expiry:     8 * time.Second,
		retryDelay: 50 * time.Millisecond,
		retries:    32,
		renew:      true,
	}
}

func NewRedisLock(client *redis.Client) Lock {
	return &redisLock{rs: redsync.New(goredis.NewPool(client))}
}

func (l *redisLock) Lock(ctx context.Context, key string, opts ...LockOption) (*Lease, error) {
	options := defaultLockOptions()
	for _, opt := range opts {
		opt(options)
	}
	return l.acquire(ctx, key, options,
		redsync.WithExpiry(options.expiry),
		redsync.WithRetryDelay(options.retryDelay),
		redsync.WithTries(options.retries),
	)
}

func (l *redisLock) TryLock(ctx context.Context, key string, opts ...LockOption) (*Lease, error) {
	options := defaultLockOptions()
	for _, opt := range opts {
		opt(options)
	}
	return l.acquire(ctx, key, options,
		redsync.WithExpiry(options.expiry),
		redsync.WithTries(1),
	)
}

func (l *redisLock) acquire(ctx context.Context, key string, options *LockOptions, mutexOpts ...redsync.Option) (*Lease, error) {
	if key == "" {
		return nil, ErrInvalidLockKey
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	mutex := l.rs.NewMutex(key, mutexOpts...)
	if err := mutex.LockContext(ctx); err != nil {
		var errTaken *redsync.ErrTaken
		if errors.As(err, &errTaken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrLockNotAcquired
		}
		return nil, err
	}
	lease := &Lease{
		key:   key,
		mutex: mutex,
		stop:  make(chan struct{}),
		lost:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if options.renew {
		go lease.renew(options.expiry / 3)
	} else {
		close(lease.done)
	}
	return lease, nil
}

// Lease is a held lock. Lost is closed when a renewal fails, after which the
// key may be taken by someone else.
type Lease struct {
	key   string
	mutex *redsync.Mutex

	stop     chan struct{}
	lost     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	lostOnce sync.Once
}

func (l *Lease) Key() string { return l.key }

func (l *Lease) Lost() <-chan struct{} { return l.lost }

func (l *Lease) renew(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.mutex.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				l.lostOnce.Do(func() { close(l.lost) })
				return
			}
		}
	}
}

// Release stops renewing and deletes the key. Releasing a lost lease returns
// ErrLeaseLost.
func (l *Lease) Release(ctx context.Context) (err error) {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done

	defer func() {
		if r := recover(); r != nil {
			err = ErrLeaseLost
		}
	}()
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil {
		var errTaken *redsync.ErrTaken
		if errors.As(err, &errTaken) || errors.Is(err, redsync.ErrLockAlreadyExpired) {
			return ErrLeaseLost
		}
		return err
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}
