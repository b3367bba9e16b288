// Package lock provides a Redis-backed mutual exclusion primitive used to
// serialise capacity-affecting operations per program and per reservation.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when the lock could not be taken within the wait
// budget. Callers translate it into a retryable conflict.
var ErrBusy = errors.New("lock: busy")

// Locker acquires and releases named locks.
type Locker interface {
	// Acquire returns an ownership token or ErrBusy.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release deletes the lock only if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
}

// releaseScript deletes KEYS[1] only when it still holds ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	Prefix        string
	Wait          time.Duration
	RetryInterval time.Duration
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete
// script.
type RedisLocker struct {
	rdb  redis.UniversalClient
	opts Options
}

func NewRedisLocker(rdb redis.UniversalClient, opts Options) *RedisLocker {
	if rdb == nil {
		panic("nil redis client passed to NewRedisLocker")
	}
	if opts.Prefix == "" {
		opts.Prefix = "lock"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 50 * time.Millisecond
	}
	return &RedisLocker{rdb: rdb, opts: opts}
}

func (l *RedisLocker) key(k string) string { return l.opts.Prefix + ":" + k }

// TryAcquire makes a single attempt.
func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lock acquire %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Acquire retries until the wait budget runs out. A zero budget means a
// single attempt.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	deadline := time.Now().Add(l.opts.Wait)
	for {
		token, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if !time.Now().Before(deadline) {
			return "", ErrBusy
		}
		t := time.NewTimer(l.opts.RetryInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return "", ErrBusy
		case <-t.C:
		}
	}
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key(key)}, token).Int64()
	if err != nil {
		return false, fmt.Errorf("lock release %s: %w", key, err)
	}
	return n == 1, nil
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, including panics, using a context that outlives cancellation of ctx.
func WithLock(ctx context.Context, l Locker, logger *slog.Logger, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		released, rerr := l.Release(rctx, key, token)
		if logger == nil {
			return
		}
		if rerr != nil {
			logger.Warn("lock release failed", "key", key, "error", rerr)
		} else if !released {
			logger.Warn("lock expired before release", "key", key)
		}
	}()
	return fn(ctx)
}

// ProgramKey locks reservation creation for one program.
func ProgramKey(programID uint64) string { return fmt.Sprintf("program:%d", programID) }

// ReservationKey locks cancellation of one reservation.
func ReservationKey(reservationID uint64) string {
	return fmt.Sprintf("reservation:%d", reservationID)
}

// BulkCancelKey guards job creation and start for one program.
func BulkCancelKey(programID uint64) string {
	return fmt.Sprintf("bulkcancel:program:%d", programID)
}
