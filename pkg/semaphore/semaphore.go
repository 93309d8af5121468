// Package semaphore provides a counting slot limiter. The WebSocket
// acceptor holds one slot per live session.
package semaphore

import (
	"context"
	"fmt"
	"time"
)

// Semaphore hands out at most n slots at a time.
// A nil *Semaphore is unlimited: every acquire succeeds.
type Semaphore struct {
	slots chan struct{}
}

// New creates a semaphore with n free slots. n <= 0 returns nil, which
// behaves as unlimited.
func New(n int) *Semaphore {
	if n <= 0 {
		return nil
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}

	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AcquireTimeout is Acquire bounded by timeout.
func (s *Semaphore) AcquireTimeout(ctx context.Context, timeout time.Duration) error {
	if s == nil {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.Acquire(timeoutCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("timeout acquiring slot after %v", timeout)
	}
	return nil
}

// TryAcquire takes a slot without blocking and reports whether it got one.
func (s *Semaphore) TryAcquire() bool {
	if s == nil {
		return true
	}

	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (s *Semaphore) Release() {
	if s == nil {
		return
	}

	select {
	case <-s.slots:
	default:
		panic("semaphore: release without acquire")
	}
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int {
	if s == nil {
		return 0
	}
	return len(s.slots)
}

// Cap returns the number of slots, 0 for unlimited.
func (s *Semaphore) Cap() int {
	if s == nil {
		return 0
	}
	return cap(s.slots)
}
