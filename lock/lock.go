package lock

import (
	"context"
	"fmt"
)

// Locker provides mutual exclusion with context support.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	TryLock(ctx context.Context) (bool, error)
}

// WithLock runs fn while holding l.
func WithLock(ctx context.Context, l Locker, fn func() error) error {
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer l.Unlock(ctx) //nolint:errcheck
	return fn()
}

// Acquire takes l, calling onWait once if another holder forces a wait.
// Blocks until the lock is acquired or ctx is cancelled.
func Acquire(ctx context.Context, l Locker, onWait func()) error {
	ok, err := l.TryLock(ctx)
	if err != nil {
		return fmt.Errorf("try lock: %w", err)
	}
	if ok {
		return nil
	}
	if onWait != nil {
		onWait()
	}
	return l.Lock(ctx)
}
