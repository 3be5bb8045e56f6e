package redis

import (
	"context"
	"time"
)

// SnapshotStore persists a single JSON snapshot per key, used as the
// durable mirror of an in-memory last-good cache
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotStore creates a store. ttl 0 keeps snapshots until overwritten.
func NewSnapshotStore(client *Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

// Save overwrites the snapshot stored under key
func (s *SnapshotStore) Save(ctx context.Context, key string, snapshot interface{}) error {
	return s.client.Set(ctx, key, snapshot, s.ttl)
}

// Load decodes the snapshot into dest. Missing snapshots return errors.ErrNotFound.
func (s *SnapshotStore) Load(ctx context.Context, key string, dest interface{}) error {
	return s.client.Get(ctx, key, dest)
}
