package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithLock(t *testing.T) {
	l := newLock()

	ran := false
	assert.NoError(t, withLock(context.Background(), l, func() { ran = true }))
	assert.True(t, ran)

	// The lock is released after a panic.
	assert.Panics(t, func() {
		withLock(context.Background(), l, func() { panic("boom") })
	})
	assert.NoError(t, withLock(context.Background(), l, func() {}))

	// Acquisition gives up when the context is done.
	assert.NoError(t, l.acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	ran = false
	err := withLock(ctx, l, func() { ran = true })
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.False(t, ran)
	l.release()
}
