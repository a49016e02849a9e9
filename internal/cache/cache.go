// Package cache provides the content-addressed audio artifact cache.
//
// Entries are keyed by variant hash and immutable once written; a rewrite of
// the same key only happens when a late duplicate result arrives, in which
// case the latest write wins and the audio is assumed byte-equivalent. Total
// size is hard-capped: a put that would exceed the cap evicts entries in
// ascending last-access order until the new entry fits.
//
// The result consumer owns writes of new artifacts; the gateway additionally
// re-warms entries from the archive, which writes identical bytes. Reads are
// concurrent and update the entry's last-access time.
package cache

import (
	"context"
	"time"
)

// Entry is one cached artifact.
type Entry struct {
	VariantHash     string
	Audio           []byte
	AudioDurationMS int64
	ModelID         string
	VoiceID         string
	SizeBytes       int64
	LastAccessedAt  time.Time
}

// Stats is a point-in-time snapshot of cache state for observability.
type Stats struct {
	SizeBytes  int64
	EntryCount int64
	HitCount   int64
	MissCount  int64
}

// Store is the cache contract. Both backends ([MemStore], [RedisStore])
// enforce the size cap with LRU eviction.
type Store interface {
	// Get returns the entry for hash, or (nil, nil) on a miss. A hit
	// refreshes the entry's last-access time.
	Get(ctx context.Context, hash string) (*Entry, error)

	// Put stores an artifact under hash, evicting least-recently-used
	// entries first when the cap would be exceeded. Putting the same hash
	// twice replaces the entry without double-counting its size.
	Put(ctx context.Context, hash string, audio []byte, durationMS int64, modelID, voiceID string) error

	// Stats returns current size, entry count, and hit/miss counters.
	Stats(ctx context.Context) (Stats, error)
}
