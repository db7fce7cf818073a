package storage_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"govoracle/internal/storage"
	"govoracle/internal/storage/storagetest"
)

// redisConn returns a connection namespaced to a fresh prefix and deletes
// the prefix's keys when the test ends.
func redisConn(t *testing.T) *storage.RedisConn {
	t.Helper()
	addr := os.Getenv("GOVORACLE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("GOVORACLE_TEST_REDIS_ADDR not set")
	}
	prefix := "govoracle-test-" + uuid.NewString()
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		t.Fatalf("redis ping: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		iter := rdb.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			rdb.Del(ctx, iter.Val())
		}
		_ = rdb.Close()
	})
	return storage.NewRedisConn(rdb, prefix)
}

func TestRedisBlockCounter(t *testing.T) {
	storagetest.RunBlockCounter(t, func(t *testing.T, opts storage.Options) storage.BlockCounter {
		return storage.NewRedisBlockCounter(redisConn(t), opts)
	})
}

func TestRedisSecretStore(t *testing.T) {
	storagetest.RunSecretStore(t, func(t *testing.T, opts storage.Options) storage.SecretStore {
		return storage.NewRedisSecretStore(redisConn(t), opts)
	})
}
