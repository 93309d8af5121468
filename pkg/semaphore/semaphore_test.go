package semaphore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Parallel()

	s := New(3)
	require.NotNil(t, s)
	assert.Equal(t, 3, s.Cap())
	assert.Equal(t, 0, s.InUse())

	assert.Nil(t, New(0))
	assert.Nil(t, New(-1))
}

func TestUnlimited(t *testing.T) {
	t.Parallel()

	var s *Semaphore
	for i := 0; i < 1000; i++ {
		assert.True(t, s.TryAcquire())
	}
	assert.NoError(t, s.Acquire(context.Background()))
	assert.NoError(t, s.AcquireTimeout(context.Background(), time.Millisecond))
	s.Release()
	assert.Equal(t, 0, s.InUse())
	assert.Equal(t, 0, s.Cap())
}

func TestTryAcquire_Exhaust(t *testing.T) {
	t.Parallel()

	for _, n := range []int{1, 2, 16} {
		s := New(n)
		for i := 0; i < n; i++ {
			require.True(t, s.TryAcquire(), "slot %d of %d", i, n)
		}
		assert.False(t, s.TryAcquire(), "cap %d exceeded", n)
		assert.Equal(t, n, s.InUse())

		s.Release()
		assert.True(t, s.TryAcquire(), "released slot not reusable at cap %d", n)
	}
}

func TestAcquire_ContextCanceled(t *testing.T) {
	t.Parallel()

	s := New(1)
	require.True(t, s.TryAcquire())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Acquire(ctx) }()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Acquire did not return after cancel")
	}
	assert.Equal(t, 1, s.InUse())
}

func TestAcquire_WaitsForRelease(t *testing.T) {
	t.Parallel()

	s := New(1)
	require.True(t, s.TryAcquire())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Acquire(context.Background()) }()

	select {
	case <-errCh:
		t.Fatal("Acquire returned while the slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, s.InUse())
}

func TestAcquireTimeout(t *testing.T) {
	t.Parallel()

	s := New(1)
	require.True(t, s.TryAcquire())

	start := time.Now()
	err := s.AcquireTimeout(context.Background(), 50*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout acquiring slot")
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.AcquireTimeout(ctx, time.Second), context.Canceled)
}

func TestRelease_WithoutAcquirePanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { New(2).Release() })
}

func TestConcurrentHolders(t *testing.T) {
	t.Parallel()

	const limit = 4
	s := New(limit)

	var cur, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Acquire(context.Background()); err != nil {
				t.Error(err)
				return
			}
			defer s.Release()

			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			cur.Add(-1)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, 0, s.InUse())
}
