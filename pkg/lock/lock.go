package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"licensing-controlplane/pkg/config"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	ErrNilLockFn    = errors.New("lock function is nil")
	ErrLockNotHeld  = errors.New("lock was not held or already expired")
)

// Locker serializes work per key across callers.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Module provides a redsync backed Locker.
var Module = fx.Module("lock",
	fx.Provide(NewRedisLocker),
)

type Options struct {
	Expiry      time.Duration
	Tries       int
	RetryDelay  time.Duration
	DriftFactor float64
}

func DefaultOptions() Options {
	return Options{
		Expiry:      10 * time.Second,
		Tries:       32,
		RetryDelay:  100 * time.Millisecond,
		DriftFactor: 0.01,
	}
}

type RedisLocker struct {
	rs   *redsync.Redsync
	opts Options
}

type Params struct {
	fx.In
	Redis  *goredislib.Client
	Config *config.Config `optional:"true"`
}

func NewRedisLocker(p Params) Locker {
	opts := DefaultOptions()
	if p.Config != nil && p.Config.License.LockExpiry > 0 {
		opts.Expiry = p.Config.License.LockExpiry
	}
	return NewRedisLockerWithOptions(p.Redis, opts)
}

func NewRedisLockerWithOptions(rdb *goredislib.Client, opts Options) *RedisLocker {
	return &RedisLocker{
		rs:   redsync.New(goredis.NewPool(rdb)),
		opts: opts,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrEmptyLockKey
	}
	if fn == nil {
		return ErrNilLockFn
	}

	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(l.opts.Expiry),
		redsync.WithTries(l.opts.Tries),
		redsync.WithRetryDelay(l.opts.RetryDelay),
		redsync.WithDriftFactor(l.opts.DriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("distributed lock: acquire %s: %w", key, err)
	}

	defer func() {
		// ctx may already be done here
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		ok, err := mutex.UnlockContext(unlockCtx)
		if err != nil {
			zap.L().Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		} else if !ok {
			zap.L().Warn(ErrLockNotHeld.Error(), zap.String("key", key))
		}
	}()

	return fn(ctx)
}

// KeyedMutex is a context aware in-process Locker. Entries are reference
// counted and removed once no caller holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if key == "" {
		return ErrEmptyLockKey
	}
	if fn == nil {
		return ErrNilLockFn
	}

	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	defer k.release(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.ch }()

	return fn(ctx)
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
