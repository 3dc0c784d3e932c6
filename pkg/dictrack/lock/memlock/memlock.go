// Package memlock provides the process-local lock.Provider implementation.
//
// Each key maps to a semaphore channel, created on demand in a shared
// registry. The channel makes the acquisition context-aware, so cooperative
// callers suspend on the context instead of blocking a worker thread.
package memlock

import (
	"context"

	"github.com/geminixiang/dictrack/internal/pkg/utils/syncmap"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock"
)

type Provider struct {
	semaphores *syncmap.SyncMap[string, semaphore]
}

type semaphore struct {
	ch chan struct{}
}

type mutex struct {
	key    string
	sem    *semaphore
	locked bool
}

func NewProvider() *Provider {
	return &Provider{
		semaphores: syncmap.New[string, semaphore](func(string) *semaphore {
			return &semaphore{ch: make(chan struct{}, 1)}
		}),
	}
}

func (p *Provider) NewMutex(key string) lock.Mutex {
	return &mutex{key: key, sem: p.semaphores.GetOrInit(key)}
}

func (m *mutex) Lock(ctx context.Context) error {
	if m.locked {
		return lock.AlreadyLockedError{Key: m.key}
	}
	select {
	case m.sem.ch <- struct{}{}:
		m.locked = true
		return nil
	case <-ctx.Done():
		return lock.LockTimeoutError{Key: m.key}
	}
}

func (m *mutex) TryLock(ctx context.Context) error {
	if m.locked {
		return lock.AlreadyLockedError{Key: m.key}
	}
	if ctx.Err() != nil {
		return lock.LockTimeoutError{Key: m.key}
	}
	select {
	case m.sem.ch <- struct{}{}:
		m.locked = true
		return nil
	default:
		return lock.AlreadyLockedError{Key: m.key}
	}
}

func (m *mutex) Unlock(_ context.Context) error {
	if !m.locked {
		return lock.NotLockedError{Key: m.key}
	}
	m.locked = false
	<-m.sem.ch
	return nil
}
