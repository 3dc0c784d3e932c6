// Package storagetest provides a conformance test suite shared by all
// storage.Backend implementations: idempotent save, round-trip equality,
// single-key get, namespacing, delete semantics and the optional
// conditional write.
package storagetest

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/utctime"
)

// RunBackendTests runs the conformance suite against a fresh backend
// instance per subtest.
func RunBackendTests(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Helper()

	t.Run("RoundTrip", func(t *testing.T) {
		t.Parallel()
		testRoundTrip(t, newBackend(t))
	})
	t.Run("IdempotentSave", func(t *testing.T) {
		t.Parallel()
		testIdempotentSave(t, newBackend(t))
	})
	t.Run("Get", func(t *testing.T) {
		t.Parallel()
		testGet(t, newBackend(t))
	})
	t.Run("Upsert", func(t *testing.T) {
		t.Parallel()
		testUpsert(t, newBackend(t))
	})
	t.Run("Delete", func(t *testing.T) {
		t.Parallel()
		testDelete(t, newBackend(t))
	})
	t.Run("Namespacing", func(t *testing.T) {
		t.Parallel()
		testNamespacing(t, newBackend(t))
	})
	t.Run("ConditionalWrite", func(t *testing.T) {
		t.Parallel()
		testConditionalWrite(t, newBackend(t))
	})
}

// NewRecord returns a fully populated record fixture.
func NewRecord(namespace, key string) storage.Record {
	createdAt := utctime.MustParse("2024-03-01T10:00:00.000Z")
	return storage.Record{
		Key:          key,
		Namespace:    namespace,
		State:        "active",
		Revision:     1,
		CreatedAt:    createdAt,
		LastUpdateAt: createdAt.Add(time.Minute),
		Conditions: []storage.ConditionRecord{
			{
				ID:          "amount",
				Kind:        "threshold",
				Definition:  json.RawMessage(`{"id":"amount","kind":"threshold","path":"total_amount","operator":">=","threshold":100}`),
				Progress:    40,
				Completed:   false,
				LastTouched: createdAt.Add(time.Minute),
			},
			{
				ID:          "visits",
				Kind:        "count",
				Definition:  json.RawMessage(`{"id":"visits","kind":"count","path":"visit","count":3}`),
				Progress:    2,
				Completed:   false,
				LastTouched: createdAt.Add(30 * time.Second),
				Limiter:     &storage.LimiterRecord{MaxCount: 5, Count: 1, ActivatedAt: createdAt},
			},
		},
		Limiter: &storage.LimiterRecord{MaxCount: 1, MaxDuration: "24h0m0s", Count: 0, ActivatedAt: createdAt},
	}
}

func loadSorted(t *testing.T, backend storage.Backend, namespace string) []storage.Record {
	t.Helper()
	records, err := backend.Load(context.Background(), namespace)
	require.NoError(t, err)
	sort.Slice(records, func(i, j int) bool {
		return records[i].Key < records[j].Key
	})
	return records
}

func assertRecordsEqual(t *testing.T, expected, actual storage.Record) {
	t.Helper()
	// Raw JSON may be reformatted by a backend, compare it semantically
	require.Len(t, actual.Conditions, len(expected.Conditions))
	for i := range expected.Conditions {
		assert.JSONEq(t, string(expected.Conditions[i].Definition), string(actual.Conditions[i].Definition))
		expected.Conditions[i].Definition = nil
		actual.Conditions[i].Definition = nil
	}
	assert.Equal(t, expected, actual)
}

func testRoundTrip(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	record := NewRecord("group-1", "order-42")
	require.NoError(t, backend.Save(ctx, "group-1", record))

	records := loadSorted(t, backend, "group-1")
	require.Len(t, records, 1)
	assertRecordsEqual(t, record, records[0])
}

func testIdempotentSave(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	record := NewRecord("group-1", "order-42")
	require.NoError(t, backend.Save(ctx, "group-1", record))
	require.NoError(t, backend.Save(ctx, "group-1", record))

	records := loadSorted(t, backend, "group-1")
	require.Len(t, records, 1)
	assertRecordsEqual(t, record, records[0])
}

func testGet(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	record := NewRecord("group-1", "order-42")
	require.NoError(t, backend.Save(ctx, "group-1", record))

	stored, found, err := backend.Get(ctx, "group-1", "order-42")
	require.NoError(t, err)
	require.True(t, found)
	assertRecordsEqual(t, record, stored)

	// Unknown key
	_, found, err = backend.Get(ctx, "group-1", "unknown")
	require.NoError(t, err)
	assert.False(t, found)

	// The key exists only in its own namespace
	_, found, err = backend.Get(ctx, "group-2", "order-42")
	require.NoError(t, err)
	assert.False(t, found)
}

func testUpsert(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	record := NewRecord("group-1", "order-42")
	require.NoError(t, backend.Save(ctx, "group-1", record))

	updated := record.Clone()
	updated.State = "completed"
	updated.Revision = 2
	updated.Conditions[0].Progress = 100
	updated.Conditions[0].Completed = true
	require.NoError(t, backend.Save(ctx, "group-1", updated))

	records := loadSorted(t, backend, "group-1")
	require.Len(t, records, 1)
	assertRecordsEqual(t, updated, records[0])
}

func testDelete(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	require.NoError(t, backend.Save(ctx, "group-1", NewRecord("group-1", "order-42")))
	require.NoError(t, backend.Delete(ctx, "group-1", "order-42"))
	assert.Empty(t, loadSorted(t, backend, "group-1"))

	// Deleting an unknown key is not an error
	require.NoError(t, backend.Delete(ctx, "group-1", "unknown"))
}

func testNamespacing(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	require.NoError(t, backend.Save(ctx, "group-1", NewRecord("group-1", "order-1")))
	require.NoError(t, backend.Save(ctx, "group-1", NewRecord("group-1", "order-2")))
	require.NoError(t, backend.Save(ctx, "group-2", NewRecord("group-2", "order-1")))

	records := loadSorted(t, backend, "group-1")
	require.Len(t, records, 2)
	assert.Equal(t, "order-1", records[0].Key)
	assert.Equal(t, "order-2", records[1].Key)

	require.Len(t, loadSorted(t, backend, "group-2"), 1)
	assert.Empty(t, loadSorted(t, backend, "group-3"))
}

func testConditionalWrite(t *testing.T, backend storage.Backend) {
	t.Helper()
	ctx := context.Background()
	defer func() {
		require.NoError(t, backend.Close(ctx))
	}()

	writer, ok := backend.(storage.ConditionalWriter)
	if !ok {
		t.Skip("backend does not implement storage.ConditionalWriter")
	}

	record := NewRecord("group-1", "order-42")
	require.NoError(t, writer.SaveIf(ctx, "group-1", record, 0))

	// Same expected revision twice = lost update detected
	var mismatch storage.RevisionMismatchError
	require.ErrorAs(t, writer.SaveIf(ctx, "group-1", record, 0), &mismatch)
	assert.Equal(t, "order-42", mismatch.Key)

	updated := record.Clone()
	updated.Revision = 2
	require.NoError(t, writer.SaveIf(ctx, "group-1", updated, record.Revision))

	records := loadSorted(t, backend, "group-1")
	require.Len(t, records, 1)
	assertRecordsEqual(t, updated, records[0])
}
