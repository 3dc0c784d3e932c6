package redis_test

import (
	"context"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/geminixiang/dictrack/pkg/dictrack/storage"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage/redis"
	"github.com/geminixiang/dictrack/pkg/dictrack/storage/storagetest"
)

// Each backend instance gets its own Redis logical database,
// so the parallel conformance subtests do not share keys.
var dbCounter = atomic.NewInt64(0)

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()

	address := os.Getenv("REDIS_ADDRESS")
	if address == "" {
		t.Skip("REDIS_ADDRESS is not set")
	}

	db := int(dbCounter.Add(1)) % 16
	client := goredis.NewClient(&goredis.Options{Addr: address, DB: db})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() {
		_ = client.Close()
	})

	return redis.New(client)
}

func TestBackend_Conformance(t *testing.T) {
	t.Parallel()
	storagetest.RunBackendTests(t, newTestBackend)
}
