// Package syncmap provides a thread-safe map with lazy initialization of values.
package syncmap

import (
	"sync"
)

type SyncMap[K comparable, V any] struct {
	lock   sync.RWMutex
	values map[K]*V
	init   func(K) *V
}

func New[K comparable, V any](init func(K) *V) *SyncMap[K, V] {
	return &SyncMap[K, V]{
		values: make(map[K]*V),
		init:   init,
	}
}

// GetOrInit returns the value for the key.
// The init callback runs at most once per key, under the map lock.
func (m *SyncMap[K, V]) GetOrInit(key K) *V {
	m.lock.RLock()
	value, found := m.values[key]
	m.lock.RUnlock()
	if found {
		return value
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if value, found := m.values[key]; found {
		return value
	}

	value = m.init(key)
	m.values[key] = value
	return value
}

func (m *SyncMap[K, V]) Delete(key K) {
	m.lock.Lock()
	defer m.lock.Unlock()
	delete(m.values, key)
}

func (m *SyncMap[K, V]) Len() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.values)
}
