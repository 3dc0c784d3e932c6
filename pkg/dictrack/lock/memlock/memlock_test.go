package memlock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminixiang/dictrack/pkg/dictrack/lock"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock/memlock"
)

func TestProvider_NewMutex(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := memlock.NewProvider()

	mtx1 := p.NewMutex("foo/bar")
	require.NoError(t, mtx1.Lock(ctx))

	mtx2 := p.NewMutex("foo/bar")
	var alreadyLocked lock.AlreadyLockedError
	require.ErrorAs(t, mtx2.TryLock(ctx), &alreadyLocked)
	assert.Equal(t, "foo/bar", alreadyLocked.Key)

	// A different key is independent
	require.NoError(t, p.NewMutex("other").TryLock(ctx))

	require.NoError(t, mtx1.Unlock(ctx))
	require.NoError(t, mtx2.TryLock(ctx))
	require.NoError(t, mtx2.Unlock(ctx))
}

func TestMutex_LockTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := memlock.NewProvider()
	holder := p.NewMutex("key")
	require.NoError(t, holder.Lock(ctx))

	waiterCtx, waiterCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waiterCancel()

	var timeout lock.LockTimeoutError
	require.ErrorAs(t, p.NewMutex("key").Lock(waiterCtx), &timeout)
	assert.Equal(t, "key", timeout.Key)

	require.NoError(t, holder.Unlock(ctx))
}

func TestMutex_UnlockNotLocked(t *testing.T) {
	t.Parallel()

	p := memlock.NewProvider()
	var notLocked lock.NotLockedError
	require.ErrorAs(t, p.NewMutex("key").Unlock(context.Background()), &notLocked)
}

func TestMutex_MutualExclusion(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := memlock.NewProvider()

	counter := 0
	wg := &sync.WaitGroup{}
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mtx := p.NewMutex("counter")
			require.NoError(t, mtx.Lock(ctx))
			defer func() {
				require.NoError(t, mtx.Unlock(ctx))
			}()
			counter++
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, counter)
}
