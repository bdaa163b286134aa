package orchestrator

import "context"

// Semaphore bounds the number of stage invocations running at once across
// the whole run, including while the aggregation and per-sample quantification
// overlap. Each invocation's tool also runs its own threads, so the capacity
// is what keeps the machine from being oversubscribed.
type Semaphore struct {
	ch chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
// If n <= 0, returns nil (unlimited concurrency).
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return nil
	}
	return &Semaphore{ch: make(chan struct{}, n)}
}

// Acquire blocks until a slot is available or ctx is cancelled.
// Returns false if ctx was cancelled first; the caller must then stop
// launching work. A nil semaphore always returns true.
func (s *Semaphore) Acquire(ctx context.Context) bool {
	if s == nil {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case s.ch <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

// Release releases a slot. No-op on a nil semaphore.
func (s *Semaphore) Release() {
	if s == nil {
		return
	}
	<-s.ch
}

// Capacity returns the semaphore capacity, or 0 if nil (unlimited).
func (s *Semaphore) Capacity() int {
	if s == nil {
		return 0
	}
	return cap(s.ch)
}
