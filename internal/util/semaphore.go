package util

// Semaphore is a counting semaphore used to bound the number of concurrent
// runnables the scheduler allows into the "Running" state at once.
type Semaphore chan struct{}

// NewSemaphore creates a semaphore with n slots. n <= 0 means "unbounded":
// Acquire/Release become no-ops so callers don't need to special-case it.
func NewSemaphore(n int) Semaphore {
	if n <= 0 {
		return nil
	}
	return make(Semaphore, n)
}

// Acquire blocks until a slot is free.
func (s Semaphore) Acquire() {
	if s == nil {
		return
	}
	s <- struct{}{}
}

// Release frees a slot.
func (s Semaphore) Release() {
	if s == nil {
		return
	}
	<-s
}
