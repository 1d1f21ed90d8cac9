package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	locker := NewMemoryLocker()

	var held bool
	var violations int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "u1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			if held {
				violations++
			}
			held = true
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			held = false
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Zero(t, violations)
}

func TestMemoryLockerDifferentUsersDoNotContend(t *testing.T) {
	locker := NewMemoryLocker()

	release1, err := locker.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	defer release1()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	release2, err := locker.Acquire(ctx, "u2")
	require.NoError(t, err, "u2 must not wait on u1's lock")
	release2()
}

func TestMemoryLockerHonorsContext(t *testing.T) {
	locker := NewMemoryLocker()

	release, err := locker.Acquire(context.Background(), "u1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "u1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
