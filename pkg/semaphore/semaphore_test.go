package semaphore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	s := New(2)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx))
	require.NoError(t, s.Acquire(ctx))
	assert.Equal(t, 2, s.InUse())

	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx) }()

	// third acquire blocks until a slot frees
	select {
	case <-done:
		t.Fatal("acquire should block at capacity")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, s.Queued())

	s.Release()
	require.NoError(t, <-done)
	assert.Equal(t, 2, s.InUse())
}

func TestConcurrencyBound(t *testing.T) {
	const limit = 3
	s := New(limit)
	ctx := context.Background()

	var mu sync.Mutex
	inFlight, peak := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(ctx); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inFlight++
			if inFlight > peak {
				peak = inFlight
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			s.Release()
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, limit)
	assert.Equal(t, 0, s.InUse())
}

func TestAcquireContextCancel(t *testing.T) {
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	// cancelled waiter must not consume the freed slot
	s.Release()
	assert.Equal(t, 0, s.InUse())
	require.NoError(t, s.Acquire(context.Background()))
}

func TestAbort(t *testing.T) {
	stopErr := errors.New("stopped by user")
	s := New(1)
	require.NoError(t, s.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- s.Acquire(context.Background()) }()
	time.Sleep(20 * time.Millisecond)

	s.Abort(stopErr)
	assert.ErrorIs(t, <-done, stopErr)

	// aborted state rejects new acquires until Reset
	assert.ErrorIs(t, s.Acquire(context.Background()), stopErr)

	s.Reset()
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 1, s.InUse())
}

func TestAbortNilReason(t *testing.T) {
	s := New(1)
	s.Abort(nil)
	assert.ErrorIs(t, s.Acquire(context.Background()), ErrAborted)
}

func TestNewClampsCapacity(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Acquire(context.Background()))
	assert.Equal(t, 1, s.InUse())
}

func TestReleaseNeverNegative(t *testing.T) {
	s := New(1)
	s.Release()
	s.Release()
	assert.Equal(t, 0, s.InUse())
}
