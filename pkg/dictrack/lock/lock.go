// Package lock provides mutual exclusion per tracker key.
//
// The Provider abstraction has a process-local implementation (memlock)
// and a distributed implementation backed by a Redis lease (redislock).
// Both share the same contract: at most one holder per key at any time.
package lock

import (
	"context"
	"fmt"
)

// Provider creates mutexes scoped to string keys.
// Mutexes for the same key exclude each other,
// in the process or across processes, depending on the implementation.
type Provider interface {
	// NewMutex creates a mutex for the key. The mutex is not locked.
	NewMutex(key string) Mutex
}

// Mutex is a lock handle for one key.
type Mutex interface {
	// Lock blocks until the lock is acquired or the context is done.
	// A context deadline/cancellation is reported as LockTimeoutError.
	Lock(ctx context.Context) error
	// TryLock acquires the lock without blocking,
	// a held lock is reported as AlreadyLockedError.
	TryLock(ctx context.Context) error
	// Unlock releases the lock.
	// A distributed lease that expired before the release
	// is reported as LockLostError, the protected mutation
	// must then be treated as not committed.
	Unlock(ctx context.Context) error
}

// LockTimeoutError means the lock was not acquired within the configured bound.
// No mutation happened, the caller may safely retry.
type LockTimeoutError struct {
	Key string
}

// AlreadyLockedError means a non-blocking acquisition found the lock held.
type AlreadyLockedError struct {
	Key string
}

// LockLostError means a distributed lease expired while the lock was held.
// The in-flight mutation must be treated as not committed.
type LockLostError struct {
	Key string
}

// NotLockedError means an unlock of a mutex that is not locked.
type NotLockedError struct {
	Key string
}

func (e LockTimeoutError) Error() string {
	return fmt.Sprintf(`lock "%s": not acquired within the timeout`, e.Key)
}

func (e AlreadyLockedError) Error() string {
	return fmt.Sprintf(`lock "%s": already locked`, e.Key)
}

func (e LockLostError) Error() string {
	return fmt.Sprintf(`lock "%s": lease expired before release`, e.Key)
}

func (e NotLockedError) Error() string {
	return fmt.Sprintf(`lock "%s": not locked`, e.Key)
}
