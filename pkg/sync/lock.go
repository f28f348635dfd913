package sync

import (
	"context"
)

// lock is a mutex whose acquisition can be abandoned when a context is
// cancelled.
type lock chan struct{}

func newLock() lock {
	return make(lock, 1)
}

func (l lock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l lock) release() {
	<-l
}

// withLock runs `fn` while holding `l`. The lock is released even if `fn`
// panics.
func withLock(ctx context.Context, l lock, fn func()) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	fn()
	return nil
}
