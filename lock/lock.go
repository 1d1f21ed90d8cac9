package lock

import "context"

// UserLocker serializes run submissions and resets for a single user.
// Acquire blocks until the user's lock is held or ctx is done; the
// returned release function must be called exactly once. Locks for
// different users never contend.
type UserLocker interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}
