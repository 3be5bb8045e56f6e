package agmarknet

import (
	"context"
	"sync"
	"time"
)

// Snapshot is the last successful upstream response
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Records   []RawPriceRecord `json:"records"`
}

// CacheStore persists snapshots across restarts
type CacheStore interface {
	Save(ctx context.Context, key string, snapshot interface{}) error
	Load(ctx context.Context, key string, dest interface{}) error
}

// LastGoodCache holds a single snapshot. Every read returns a copy.
type LastGoodCache struct {
	mu       sync.RWMutex
	snapshot *Snapshot
}

// NewLastGoodCache creates an empty cache
func NewLastGoodCache() *LastGoodCache {
	return &LastGoodCache{}
}

// Set replaces the snapshot
func (c *LastGoodCache) Set(records []RawPriceRecord, at time.Time) {
	snap := &Snapshot{Timestamp: at, Records: copyRecords(records)}

	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

// Get returns a copy of the snapshot and whether one exists
func (c *LastGoodCache) Get() (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.snapshot == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		Timestamp: c.snapshot.Timestamp,
		Records:   copyRecords(c.snapshot.Records),
	}, true
}

// Records returns the cached records, or an empty non-nil slice
func (c *LastGoodCache) Records() []RawPriceRecord {
	snap, ok := c.Get()
	if !ok {
		return []RawPriceRecord{}
	}
	return snap.Records
}

// restore installs a snapshot loaded from a store unless a newer one is present
func (c *LastGoodCache) restore(snap Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && !c.snapshot.Timestamp.Before(snap.Timestamp) {
		return false
	}
	snap.Records = copyRecords(snap.Records)
	c.snapshot = &snap
	return true
}

func copyRecords(records []RawPriceRecord) []RawPriceRecord {
	out := make([]RawPriceRecord, len(records))
	copy(out, records)
	return out
}
