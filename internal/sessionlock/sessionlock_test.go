package sessionlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryTryAcquireSucceedsOnce(t *testing.T) {
	l := NewInMemory(DefaultStaleAfter)
	release, err := l.TryAcquire(context.Background(), "sess-1")
	require.NoError(t, err)
	require.NotNil(t, release)

	_, err = l.TryAcquire(context.Background(), "sess-1")
	assert.ErrorIs(t, err, ErrHeld)

	release()

	_, err = l.TryAcquire(context.Background(), "sess-1")
	assert.NoError(t, err)
}

func TestInMemoryReleaseIsIdempotent(t *testing.T) {
	l := NewInMemory(DefaultStaleAfter)
	release, err := l.TryAcquire(context.Background(), "sess-2")
	require.NoError(t, err)
	release()
	assert.NotPanics(t, func() { release() })
}

func TestInMemoryDifferentSessionsDoNotContend(t *testing.T) {
	l := NewInMemory(DefaultStaleAfter)
	_, err := l.TryAcquire(context.Background(), "sess-a")
	require.NoError(t, err)
	_, err = l.TryAcquire(context.Background(), "sess-b")
	assert.NoError(t, err)
}

func TestInMemoryStaleLockIsReclaimedOnAcquire(t *testing.T) {
	l := NewInMemory(10 * time.Millisecond)
	_, err := l.TryAcquire(context.Background(), "sess-3")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = l.TryAcquire(context.Background(), "sess-3")
	assert.NoError(t, err)
}

func TestInMemorySweepClearsStaleEntries(t *testing.T) {
	l := NewInMemory(10 * time.Millisecond)
	_, err := l.TryAcquire(context.Background(), "sess-4")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Size())

	time.Sleep(20 * time.Millisecond)

	cleared := l.Sweep()
	assert.Equal(t, 1, cleared)
	assert.Equal(t, 0, l.Size())
}

func TestInMemoryConcurrentAcquireOnlyOneWins(t *testing.T) {
	l := NewInMemory(DefaultStaleAfter)
	const n = 50
	successes := make(chan bool, n)

	for i := 0; i < n; i++ {
		go func() {
			_, err := l.TryAcquire(context.Background(), "sess-race")
			successes <- err == nil
		}()
	}

	wins := 0
	for i := 0; i < n; i++ {
		if <-successes {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
}
