package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/sealkeeper/internal/common"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrLockNotHeld is returned by Release when the lock expired or was taken
// over by another holder.
var ErrLockNotHeld = errors.New("lock was not held or already expired")

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker grants at most one holder per key. TryLock never waits: a busy key
// is reported as (nil, false, nil).
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error)
}

// LocalLocker is an in-process Locker. The ttl is ignored; locks are held
// until released.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (Lock, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}
	return &localLock{l: l, key: key}, true, nil
}

type localLock struct {
	l    *LocalLocker
	key  string
	once sync.Once
}

func (k *localLock) Release(context.Context) error {
	released := false
	k.once.Do(func() {
		k.l.mu.Lock()
		delete(k.l.held, k.key)
		k.l.mu.Unlock()
		released = true
	})
	if !released {
		return ErrLockNotHeld
	}
	return nil
}

// RedisLocker is a single-instance redsync lock. Held locks are extended
// every ttl/3 so long task runs keep them.
type RedisLocker struct {
	rs     *redsync.Redsync
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(rdb)), prefix: prefix}
}

func (r *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	name := r.prefix + key

	mu := r.rs.NewMutex(name,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithGenValueFunc(func() (string, error) { return common.MakeRandHexString(16) }),
	)
	if err := mu.TryLockContext(ctx); err != nil {
		if lockTaken(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &redisLock{mu: mu, ttl: ttl, cancel: cancel, done: make(chan struct{})}
	go l.keepAlive(lctx)
	return l, true, nil
}

// lockTaken reports whether err means another holder owns the key, as
// opposed to Redis being unreachable.
func lockTaken(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.Is(err, redsync.ErrLockAlreadyExpired) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "already expired")
}

type redisLock struct {
	mu     *redsync.Mutex
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

func (l *redisLock) keepAlive(ctx context.Context) {
	defer close(l.done)

	t := time.NewTicker(l.ttl / 3)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ok, err := l.mu.ExtendContext(ctx); !ok || err != nil {
				// Lost: Release will report it.
				return
			}
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	l.cancel()
	<-l.done

	ok, err := l.mu.UnlockContext(ctx)
	switch {
	case ok:
		return nil
	case err == nil || lockTaken(err):
		return ErrLockNotHeld
	default:
		return fmt.Errorf("release lock %s: %w", l.mu.Name(), err)
	}
}
