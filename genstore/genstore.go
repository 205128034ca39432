// Package genstore keeps per-key generation counters.
//
// A read-write cache advances a key's generation on every mutation and
// remembers the generation a refresh-ahead load started under; a load that
// finishes after the generation moved on is discarded.
package genstore

import (
	"context"
	"time"
)

// GenStore abstracts where generations live.
// Use LocalGenStore for a single process, or RedisGenStore when several
// processes write the same keys.
type GenStore interface {
	// Snapshot returns the current generation; missing => 0.
	Snapshot(ctx context.Context, key string) (uint64, error)
	// SnapshotMany returns gens for many keys; missing => 0.
	SnapshotMany(ctx context.Context, keys []string) (map[string]uint64, error)
	// Bump atomically increments and returns the new generation.
	Bump(ctx context.Context, key string) (uint64, error)
	// Cleanup prunes counters untouched for longer than retention.
	Cleanup(retention time.Duration)
	Close(context.Context) error
}
