package sweep_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminixiang/dictrack/pkg/dictrack"
	"github.com/geminixiang/dictrack/pkg/dictrack/lock/memlock"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage/memory"
	"github.com/geminixiang/dictrack/pkg/dictrack/sweep"
)

type brokenBackend struct {
	*memory.Backend
}

func (b *brokenBackend) Save(context.Context, string, storage.Record) error {
	return storage.UnavailableError{Err: assert.AnError}
}

func (b *brokenBackend) SaveIf(context.Context, string, storage.Record, int64) error {
	return storage.UnavailableError{Err: assert.AnError}
}

func testDefinitions() []dictrack.Definition {
	return []dictrack.Definition{{
		ID: "amount", Kind: dictrack.KindThreshold, Path: "total_amount",
		Operator: dictrack.OpGreaterOrEqual, Threshold: 100,
	}}
}

func newTestGroup(t *testing.T, name string, backend storage.Backend) *dictrack.Group {
	t.Helper()
	config := dictrack.NewConfig(name, backend, memlock.NewProvider())
	config.AutoCreate = true
	config.DefaultConditions = testDefinitions()
	group, err := dictrack.NewGroup(context.Background(), config)
	require.NoError(t, err)
	return group
}

func TestSweeper_RunOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()
	group := newTestGroup(t, "orders", backend)

	_, err := group.Track(ctx, "order-1", map[string]any{"total_amount": 40})
	require.NoError(t, err)

	s, err := sweep.New(sweep.NewConfig(), group)
	require.NoError(t, err)
	require.NoError(t, s.RunOnce(ctx))

	assert.Empty(t, group.ListDirty())
	records, err := backend.Load(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "order-1", records[0].Key)
}

func TestSweeper_GroupIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// The first group's backend rejects all writes,
	// the second group must still be swept.
	failing := newTestGroup(t, "failing", &brokenBackend{Backend: memory.New()})
	healthyBackend := memory.New()
	healthy := newTestGroup(t, "healthy", healthyBackend)

	_, err := failing.Track(ctx, "a", map[string]any{"total_amount": 10})
	require.NoError(t, err)
	_, err = healthy.Track(ctx, "b", map[string]any{"total_amount": 10})
	require.NoError(t, err)

	s, err := sweep.New(sweep.NewConfig(), failing, healthy)
	require.NoError(t, err)

	err = s.RunOnce(ctx)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), `cannot sweep group "failing"`)
	}

	assert.Equal(t, []string{"a"}, failing.ListDirty())
	assert.Empty(t, healthy.ListDirty())
	records, err := healthyBackend.Load(ctx, "healthy")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSweeper_Threaded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	backend := memory.New()
	group := newTestGroup(t, "orders", backend)

	_, err := group.Track(ctx, "order-1", map[string]any{"total_amount": 40})
	require.NoError(t, err)

	config := sweep.NewConfig()
	config.Interval = time.Minute
	config.Clock = clock
	s, err := sweep.New(config, group)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx)) // double start is rejected
	defer s.Stop()

	// The goroutine is parked on the ticker until the clock advances
	clock.BlockUntil(1)
	assert.Equal(t, []string{"order-1"}, group.ListDirty())

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		return len(group.ListDirty()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	records, err := backend.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSweeper_CompletionFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := memory.New()

	var callbackLock sync.Mutex
	var completed []string
	config := dictrack.NewConfig("orders", backend, memlock.NewProvider())
	config.AutoCreate = true
	config.DefaultConditions = testDefinitions()
	config.GracePeriod = 0
	config.OnCompletion = func(namespace string, key string, conditions []dictrack.ConditionSnapshot) {
		callbackLock.Lock()
		defer callbackLock.Unlock()
		completed = append(completed, namespace+"/"+key)
	}
	group, err := dictrack.NewGroup(ctx, config)
	require.NoError(t, err)

	_, err = group.Track(ctx, "order-1", map[string]any{"total_amount": 150})
	require.NoError(t, err)

	s, err := sweep.New(sweep.NewConfig(), group)
	require.NoError(t, err)

	// First run dispatches the callback, second run removes the tracker
	require.NoError(t, s.RunOnce(ctx))
	callbackLock.Lock()
	assert.Equal(t, []string{"orders/order-1"}, completed)
	callbackLock.Unlock()

	require.NoError(t, s.RunOnce(ctx))
	assert.Equal(t, 0, group.Len())
	records, err := backend.Load(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSweeper_InvalidInterval(t *testing.T) {
	t.Parallel()
	config := sweep.NewConfig()
	config.Interval = 0
	_, err := sweep.New(config)
	assert.Error(t, err)
}
