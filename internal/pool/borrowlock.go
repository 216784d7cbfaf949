package pool

import "context"

// borrowLock is a single-holder, context-cancellable mutex: the
// concurrency primitive behind spec §3's "Borrow" — a time-bounded,
// exclusive lease on a mailbox's session. A plain sync.Mutex cannot be
// cancelled while a waiter blocks on it, which is why this is a buffered
// channel of capacity 1 instead.
type borrowLock struct {
	ch chan struct{}
}

func newBorrowLock() *borrowLock {
	l := &borrowLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// Lock blocks until the lease is free or ctx is done.
func (l *borrowLock) Lock(ctx context.Context) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unlock releases the lease.
func (l *borrowLock) Unlock() {
	select {
	case l.ch <- struct{}{}:
	default:
		// Unlock called without a matching Lock; ignore rather than
		// panic, since Release is tolerant of being called after a
		// session was already torn down by the liveness sweep.
	}
}
