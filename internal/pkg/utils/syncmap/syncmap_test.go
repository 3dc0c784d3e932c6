package syncmap_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/atomic"

	"github.com/geminixiang/dictrack/internal/pkg/utils/syncmap"
)

type testStruct struct{}

func TestSyncMap_GetOrInit(t *testing.T) {
	t.Parallel()

	m := syncmap.New[string, testStruct](func(string) *testStruct {
		return &testStruct{}
	})

	instance := m.GetOrInit("test")
	assert.Same(t, instance, m.GetOrInit("test"))
	assert.Equal(t, 1, m.Len())
}

func TestSyncMap_GetOrInit_Race(t *testing.T) {
	t.Parallel()

	initCounter := atomic.NewInt64(0)
	m := syncmap.New[string, testStruct](func(string) *testStruct {
		initCounter.Add(1)
		return &testStruct{}
	})

	wg := &sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.GetOrInit("test")
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), initCounter.Load())
}

func TestSyncMap_Delete(t *testing.T) {
	t.Parallel()

	m := syncmap.New[string, testStruct](func(string) *testStruct {
		return &testStruct{}
	})

	first := m.GetOrInit("test")
	m.Delete("test")
	assert.NotSame(t, first, m.GetOrInit("test"))
}
