package testsupport

import (
	"context"
	"testing"

	"greentrace/internal/adapters/redis"
)

// NewTestRedis connects to the integration redis, flushing the database before and after the test.
func NewTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	cfg := LoadDatabaseConfigsFromEnv(t, RedisEnv...).Redis

	client, err := redis.NewClient(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to connect to redis: %v", err)
	}

	if err := client.Client().FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis before test: %v", err)
	}

	t.Cleanup(func() {
		_ = client.Client().FlushDB(context.Background()).Err()
		_ = client.Close()
	})

	return client
}
