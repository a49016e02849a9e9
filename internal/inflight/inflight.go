// Package inflight tracks which variant hashes are currently being
// synthesised and which subscribers are waiting for each one.
//
// The registry is the deduplication mechanism: [Registry.Register] is atomic
// and reports whether the call created the record, so among any number of
// concurrent requests for the same content exactly one becomes responsible
// for enqueueing a job. The dispatcher is the only inserter; the result
// consumer is the only deleter.
package inflight

import (
	"context"
	"sync"
	"time"
)

// Subscriber identifies one waiting client position: which user wants which
// block of which document.
type Subscriber struct {
	UserID     string `json:"user_id"`
	DocumentID string `json:"document_id"`
	BlockIndex int    `json:"block_index"`
}

// Record is the registry value for one variant hash.
type Record struct {
	Subscribers []Subscriber `json:"subscribers"`
	FirstSeenAt time.Time    `json:"first_seen_at"`
}

// Registry is the in-flight registry contract. All methods are safe for
// concurrent use.
type Registry interface {
	// Register atomically appends sub to the record for hash, creating the
	// record if absent. It returns true only when this call created the
	// record; that caller must also enqueue the job.
	Register(ctx context.Context, hash string, sub Subscriber) (first bool, err error)

	// Subscribers returns every subscriber registered for hash, in
	// registration order. Returns an empty slice when no record exists.
	Subscribers(ctx context.Context, hash string) ([]Subscriber, error)

	// Clear removes the record for hash. Clearing an absent record is a
	// no-op.
	Clear(ctx context.Context, hash string) error
}

// Compile-time assertion that MemRegistry satisfies the Registry interface.
var _ Registry = (*MemRegistry)(nil)

// MemRegistry is a thread-safe in-process [Registry].
type MemRegistry struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemRegistry returns an initialised [MemRegistry].
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{records: make(map[string]*Record)}
}

// Register implements [Registry.Register].
func (r *MemRegistry) Register(ctx context.Context, hash string, sub Subscriber) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[hash]
	if !ok {
		r.records[hash] = &Record{
			Subscribers: []Subscriber{sub},
			FirstSeenAt: time.Now(),
		}
		return true, nil
	}
	rec.Subscribers = append(rec.Subscribers, sub)
	return false, nil
}

// Subscribers implements [Registry.Subscribers].
func (r *MemRegistry) Subscribers(ctx context.Context, hash string) ([]Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[hash]
	if !ok {
		return nil, nil
	}
	out := make([]Subscriber, len(rec.Subscribers))
	copy(out, rec.Subscribers)
	return out, nil
}

// Clear implements [Registry.Clear].
func (r *MemRegistry) Clear(ctx context.Context, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, hash)
	return nil
}
