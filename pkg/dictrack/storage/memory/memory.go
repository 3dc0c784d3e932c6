// Package memory provides the in-process storage.Backend implementation.
//
// There is no durability, the state is lost on process exit.
// Records are deep-copied on both save and load, iteration order
// is deterministic (sorted by key), so sweeps behave reproducibly.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
)

type Backend struct {
	lock       sync.RWMutex
	namespaces map[string]map[string]storage.Record
}

func New() *Backend {
	return &Backend{namespaces: make(map[string]map[string]storage.Record)}
}

func (b *Backend) Load(_ context.Context, namespace string) ([]storage.Record, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	records := b.namespaces[namespace]
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]storage.Record, 0, len(keys))
	for _, key := range keys {
		out = append(out, records[key].Clone())
	}
	return out, nil
}

func (b *Backend) Get(_ context.Context, namespace string, key string) (storage.Record, bool, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()

	record, found := b.namespaces[namespace][key]
	if !found {
		return storage.Record{}, false, nil
	}
	return record.Clone(), true, nil
}

func (b *Backend) Save(_ context.Context, namespace string, record storage.Record) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.save(namespace, record)
	return nil
}

func (b *Backend) SaveIf(_ context.Context, namespace string, record storage.Record, expectedRevision int64) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	var actual int64
	if stored, found := b.namespaces[namespace][record.Key]; found {
		actual = stored.Revision
	}
	if actual != expectedRevision {
		return storage.RevisionMismatchError{Key: record.Key, Expected: expectedRevision, Actual: actual}
	}

	b.save(namespace, record)
	return nil
}

func (b *Backend) Delete(_ context.Context, namespace string, key string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.namespaces[namespace], key)
	return nil
}

func (b *Backend) Close(_ context.Context) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.namespaces = make(map[string]map[string]storage.Record)
	return nil
}

func (b *Backend) save(namespace string, record storage.Record) {
	records, found := b.namespaces[namespace]
	if !found {
		records = make(map[string]storage.Record)
		b.namespaces[namespace] = records
	}
	records[record.Key] = record.Clone()
}
