// Package archive persists synthesized audio artifacts to PostgreSQL. The
// archive is a durability layer behind the LRU cache: evicted variants can be
// restored from here instead of being re-synthesized. It is optional; with no
// archive configured the consumer simply skips the write.
package archive

import (
	"context"
	"time"
)

// Record is one archived synthesis artifact, keyed by variant hash.
type Record struct {
	VariantHash     string
	ModelID         string
	VoiceID         string
	VoiceParams     map[string]float64
	Text            string
	Audio           []byte
	AudioDurationMS int64
	CreatedAt       time.Time
}

// Store is the archive contract. All methods are safe for concurrent use.
type Store interface {
	// Save upserts the record. Saving an existing variant hash replaces the
	// stored artifact; the archive keeps the latest synthesis.
	Save(ctx context.Context, rec Record) error

	// Get returns the record for hash, or nil when the hash was never
	// archived.
	Get(ctx context.Context, hash string) (*Record, error)
}
