package lock

import (
	"context"
	"sync"
)

// MemoryLocker is an in-process UserLocker keyed by user id. Correct only
// when a single replica serves all requests; multi-replica deployments
// need the redis locker.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates a new in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (l *MemoryLocker) slot(userID string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[userID]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[userID] = s
	}
	return s
}

// Acquire takes the user's slot, waiting until either the slot frees or
// ctx is done.
func (l *MemoryLocker) Acquire(ctx context.Context, userID string) (func(), error) {
	s := l.slot(userID)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
