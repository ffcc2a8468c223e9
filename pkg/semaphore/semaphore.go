// Package semaphore provides a counting semaphore with cancellation-aware
// FIFO waiters and a global abort switch. It is pure admission control: it
// knows nothing about the work it gates.
package semaphore

import (
	"context"
	"errors"
	"sync"
)

// ErrAborted is returned to waiters (and all subsequent Acquire calls) after
// Abort is called with a nil reason.
var ErrAborted = errors.New("semaphore: aborted")

type waiter struct {
	ready     chan struct{}
	err       error
	cancelled bool
}

// Semaphore bounds the number of in-flight operations to a fixed capacity.
type Semaphore struct {
	mu       sync.Mutex
	max      int
	inUse    int
	waiters  []*waiter
	abortErr error
}

// New creates a semaphore with capacity max(1, floor(max)).
func New(max int) *Semaphore {
	if max < 1 {
		max = 1
	}
	return &Semaphore{max: max}
}

// Acquire takes a slot, blocking in FIFO order behind earlier waiters when
// the semaphore is full. It returns ctx.Err() if the context fires while
// queued and the abort reason if the semaphore is (or becomes) aborted.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.abortErr != nil {
		err := s.abortErr
		s.mu.Unlock()
		return err
	}
	if s.inUse < s.max {
		s.inUse++
		s.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		s.mu.Lock()
		// Release may have granted concurrently with ctx firing.
		select {
		case <-w.ready:
			s.mu.Unlock()
			if w.err != nil {
				return w.err
			}
			return nil
		default:
		}
		w.cancelled = true
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot and hands it to the next eligible queued waiter, if
// any. The in-use count never goes below zero.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse > 0 {
		s.inUse--
	}
	s.grantNext()
}

// grantNext hands the freed slot to the first non-cancelled waiter.
// Caller holds s.mu.
func (s *Semaphore) grantNext() {
	for len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		if w.cancelled {
			continue
		}
		if s.inUse >= s.max {
			// No slot after all; put the waiter back.
			s.waiters = append([]*waiter{w}, s.waiters...)
			return
		}
		s.inUse++
		close(w.ready)
		return
	}
}

// Abort rejects every queued waiter with reason and makes all subsequent
// Acquire calls fail immediately until Reset. A nil reason becomes
// ErrAborted.
func (s *Semaphore) Abort(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortErr = reason
	for _, w := range s.waiters {
		if !w.cancelled {
			w.err = reason
			close(w.ready)
		}
	}
	s.waiters = nil
}

// Reset clears the aborted state and all counters, restoring the semaphore
// to its initial capacity.
func (s *Semaphore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortErr = nil
	s.inUse = 0
	s.waiters = nil
}

// InUse returns the number of currently held slots.
func (s *Semaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

// Queued returns the number of waiters blocked in Acquire.
func (s *Semaphore) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.waiters {
		if !w.cancelled {
			n++
		}
	}
	return n
}
