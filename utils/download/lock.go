package download

import (
	"context"
	"sync"
)

// owner identifies a logical lock holder. Its identity (the pointer) travels
// inside a context.Context, so nested calls with that context re-enter the
// lock instead of deadlocking.
type owner struct {
	depth int
}

// ownerLock is a reentrant mutex keyed by owner instead of by go routine.
type ownerLock struct {
	sem    chan struct{}
	mu     sync.Mutex
	holder *owner
}

func newOwnerLock() *ownerLock {
	return &ownerLock{sem: make(chan struct{}, 1)}
}

func (l *ownerLock) lock(ctx context.Context, o *owner) error {
	l.mu.Lock()
	if l.holder == o {
		o.depth++
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	l.holder = o
	o.depth = 1
	l.mu.Unlock()
	return nil
}

func (l *ownerLock) unlock(o *owner) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holder != o {
		panic("download: unlock of context lock by a non-holder")
	}

	o.depth--
	if o.depth == 0 {
		l.holder = nil
		<-l.sem
	}
}

func (l *ownerLock) heldBy(o *owner) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == o
}
