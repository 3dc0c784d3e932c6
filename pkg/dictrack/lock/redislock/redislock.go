// Package redislock provides the distributed lock.Provider implementation
// backed by a Redis lease, see the bsm/redislock library.
//
// The lease TTL must be longer than the expected critical section.
// A background refresher extends the lease while the lock is held,
// if a refresh fails, the lease is treated as lost and the Unlock call
// reports LockLostError, so the protected mutation is not committed.
package redislock

import (
	"context"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"

	"github.com/geminixiang/dictrack/internal/pkg/utils/errors"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock"
)

const keyPrefix = "dictrack/lock/"

type Config struct {
	// TTL is the lease duration, it must exceed the expected critical section.
	TTL time.Duration `json:"ttl" validate:"required"`
	// RetryInterval is the poll interval of a blocking Lock call.
	RetryInterval time.Duration `json:"retryInterval" validate:"required"`
}

func NewConfig() Config {
	return Config{
		TTL:           15 * time.Second,
		RetryInterval: 100 * time.Millisecond,
	}
}

type Provider struct {
	config Config
	client *redislock.Client
}

type mutex struct {
	provider *Provider
	key      string

	handle *redislock.Lock
	lost   *atomic.Bool
	stop   chan struct{}
	done   *sync.WaitGroup
}

func NewProvider(client redis.UniversalClient, config Config) *Provider {
	return &Provider{config: config, client: redislock.New(client)}
}

func (p *Provider) NewMutex(key string) lock.Mutex {
	return &mutex{provider: p, key: key, lost: atomic.NewBool(false)}
}

func (m *mutex) Lock(ctx context.Context) error {
	retry := redislock.LinearBackoff(m.provider.config.RetryInterval)
	return m.obtain(ctx, &redislock.Options{RetryStrategy: retry})
}

func (m *mutex) TryLock(ctx context.Context) error {
	return m.obtain(ctx, nil)
}

func (m *mutex) Unlock(ctx context.Context) error {
	if m.handle == nil {
		return lock.NotLockedError{Key: m.key}
	}

	// Stop the refresher
	close(m.stop)
	m.done.Wait()

	handle := m.handle
	m.handle = nil

	if m.lost.Load() {
		return lock.LockLostError{Key: m.key}
	}

	if err := handle.Release(ctx); err != nil {
		if errors.Is(err, redislock.ErrLockNotHeld) {
			return lock.LockLostError{Key: m.key}
		}
		return errors.PrefixErrorf(err, `cannot release lock "%s"`, m.key)
	}
	return nil
}

func (m *mutex) obtain(ctx context.Context, opts *redislock.Options) error {
	if m.handle != nil {
		return lock.AlreadyLockedError{Key: m.key}
	}

	ttl := m.provider.config.TTL
	handle, err := m.provider.client.Obtain(ctx, keyPrefix+m.key, ttl, opts)
	switch {
	case errors.Is(err, redislock.ErrNotObtained) && opts == nil:
		return lock.AlreadyLockedError{Key: m.key}
	case errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return lock.LockTimeoutError{Key: m.key}
	case err != nil:
		return errors.PrefixErrorf(err, `cannot acquire lock "%s"`, m.key)
	}

	m.handle = handle
	m.lost.Store(false)
	m.stop = make(chan struct{})
	m.done = &sync.WaitGroup{}
	m.done.Add(1)
	go m.refreshLoop(ttl)
	return nil
}

// refreshLoop extends the lease while the critical section runs long.
func (m *mutex) refreshLoop(ttl time.Duration) {
	defer m.done.Done()

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl)
			err := m.handle.Refresh(ctx, ttl, nil)
			cancel()
			if err != nil {
				m.lost.Store(true)
				return
			}
		}
	}
}
