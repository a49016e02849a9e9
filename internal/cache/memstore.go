package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is an in-process LRU [Store]. Recency is tracked with an
// intrusive list: the front is the most recently used entry, eviction pops
// from the back.
type MemStore struct {
	maxSizeBytes int64

	mu        sync.Mutex
	entries   map[string]*list.Element // hash -> element holding *Entry
	recency   *list.List
	sizeBytes int64
	hits      int64
	misses    int64
}

// NewMemStore returns a [MemStore] capped at maxSizeBytes. A cap of zero or
// below disables storage entirely: every put evicts itself immediately,
// which keeps the invariant trivially true.
func NewMemStore(maxSizeBytes int64) *MemStore {
	return &MemStore{
		maxSizeBytes: maxSizeBytes,
		entries:      make(map[string]*list.Element),
		recency:      list.New(),
	}
}

// Get implements [Store.Get].
func (s *MemStore) Get(ctx context.Context, hash string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[hash]
	if !ok {
		s.misses++
		return nil, nil
	}
	s.hits++
	s.recency.MoveToFront(el)

	entry := el.Value.(*Entry)
	entry.LastAccessedAt = time.Now()

	// Copy so callers cannot mutate cached state.
	out := *entry
	return &out, nil
}

// Put implements [Store.Put].
func (s *MemStore) Put(ctx context.Context, hash string, audio []byte, durationMS int64, modelID, voiceID string) error {
	size := int64(len(audio))

	s.mu.Lock()
	defer s.mu.Unlock()

	// Late duplicate for the same hash: latest wins, size re-counted.
	if el, ok := s.entries[hash]; ok {
		old := el.Value.(*Entry)
		s.sizeBytes -= old.SizeBytes
		s.recency.Remove(el)
		delete(s.entries, hash)
	}

	entry := &Entry{
		VariantHash:     hash,
		Audio:           audio,
		AudioDurationMS: durationMS,
		ModelID:         modelID,
		VoiceID:         voiceID,
		SizeBytes:       size,
		LastAccessedAt:  time.Now(),
	}
	s.entries[hash] = s.recency.PushFront(entry)
	s.sizeBytes += size

	// Evict least-recently-used entries until the cap holds.
	for s.sizeBytes > s.maxSizeBytes {
		back := s.recency.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*Entry)
		s.recency.Remove(back)
		delete(s.entries, victim.VariantHash)
		s.sizeBytes -= victim.SizeBytes
	}
	return nil
}

// Stats implements [Store.Stats].
func (s *MemStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SizeBytes:  s.sizeBytes,
		EntryCount: int64(len(s.entries)),
		HitCount:   s.hits,
		MissCount:  s.misses,
	}, nil
}
