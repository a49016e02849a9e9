package queue

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// defaultPollInterval bounds how long the blocking pops wait before
// reporting an empty queue.
const defaultPollInterval = 250 * time.Millisecond

// claim records one claimed job and who holds it.
type claim struct {
	job       Job
	owner     string
	claimedAt time.Time
}

// modelState holds all per-model queue structures.
type modelState struct {
	queued []Job
	claims map[string]claim
	dlq    []DeadLetter
}

// MemStore is a thread-safe in-process [Store]. It backs unit tests and
// single-node deployments where gateway and worker share a process.
type MemStore struct {
	maxRetries   int
	pollInterval time.Duration

	mu      sync.Mutex
	models  map[string]*modelState
	results []Result

	// notify wakes blocked pops after a push. Buffered so pushes never block.
	notify        chan struct{}
	resultsNotify chan struct{}
}

// NewMemStore returns an initialised [MemStore]. maxRetries is the shared
// retry budget enforced by Requeue.
func NewMemStore(maxRetries int) *MemStore {
	return &MemStore{
		maxRetries:    maxRetries,
		pollInterval:  defaultPollInterval,
		models:        make(map[string]*modelState),
		notify:        make(chan struct{}, 1),
		resultsNotify: make(chan struct{}, 1),
	}
}

// model returns the state for modelID, creating it on first use.
// Callers must hold mu.
func (s *MemStore) model(modelID string) *modelState {
	m, ok := s.models[modelID]
	if !ok {
		m = &modelState{claims: make(map[string]claim)}
		s.models[modelID] = m
	}
	return m
}

func (s *MemStore) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push implements [Store.Push].
func (s *MemStore) Push(ctx context.Context, modelID string, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	s.mu.Lock()
	s.model(modelID).queued = append(s.model(modelID).queued, job)
	s.mu.Unlock()
	s.wake(s.notify)
	return nil
}

// PopAndClaim implements [Store.PopAndClaim].
func (s *MemStore) PopAndClaim(ctx context.Context, modelID, workerID string) (*Job, time.Time, error) {
	deadline := time.NewTimer(s.pollInterval)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		m := s.model(modelID)
		if len(m.queued) > 0 {
			job := m.queued[0]
			m.queued = slices.Delete(m.queued, 0, 1)
			now := time.Now()
			m.claims[job.JobID] = claim{job: job, owner: workerID, claimedAt: now}
			s.mu.Unlock()
			return &job, now, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		case <-deadline.C:
			return nil, time.Time{}, nil
		case <-s.notify:
		}
	}
}

// Complete implements [Store.Complete].
func (s *MemStore) Complete(ctx context.Context, modelID, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.model(modelID).claims, jobID)
	return nil
}

// Requeue implements [Store.Requeue].
func (s *MemStore) Requeue(ctx context.Context, modelID string, job Job) error {
	if job.RetryCount+1 > s.maxRetries {
		return ErrRetriesExhausted
	}
	job.RetryCount++
	job.EnqueuedAt = time.Now()

	s.mu.Lock()
	m := s.model(modelID)
	delete(m.claims, job.JobID)
	m.queued = append(m.queued, job)
	s.mu.Unlock()
	s.wake(s.notify)
	return nil
}

// DeadLetter implements [Store.DeadLetter].
func (s *MemStore) DeadLetter(ctx context.Context, modelID string, job Job, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.model(modelID)
	delete(m.claims, job.JobID)
	m.dlq = append(m.dlq, DeadLetter{
		Job:        job,
		Reason:     reason,
		RetryCount: job.RetryCount,
		FailedAt:   time.Now(),
	})
	return nil
}

// DeadLetters implements [Store.DeadLetters].
func (s *MemStore) DeadLetters(ctx context.Context, modelID string) ([]DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.model(modelID)
	out := make([]DeadLetter, len(m.dlq))
	copy(out, m.dlq)
	return out, nil
}

// ScanStale implements [Store.ScanStale].
func (s *MemStore) ScanStale(ctx context.Context, modelID string, timeout time.Duration) ([]Job, error) {
	cutoff := time.Now().Add(-timeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []Job
	for _, c := range s.model(modelID).claims {
		if c.claimedAt.Before(cutoff) {
			stale = append(stale, c.job)
		}
	}
	return stale, nil
}

// ScanAged implements [Store.ScanAged].
func (s *MemStore) ScanAged(ctx context.Context, modelID string, threshold time.Duration) ([]Job, error) {
	cutoff := time.Now().Add(-threshold)

	s.mu.Lock()
	defer s.mu.Unlock()
	var aged []Job
	for _, job := range s.model(modelID).queued {
		if job.EnqueuedAt.Before(cutoff) {
			aged = append(aged, job)
		}
	}
	return aged, nil
}

// ClaimAged implements [Store.ClaimAged].
func (s *MemStore) ClaimAged(ctx context.Context, modelID, jobID, owner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.model(modelID)
	for i, job := range m.queued {
		if job.JobID == jobID {
			m.queued = slices.Delete(m.queued, i, i+1)
			m.claims[jobID] = claim{job: job, owner: owner, claimedAt: time.Now()}
			return true, nil
		}
	}
	return false, nil
}

// Depth implements [Store.Depth].
func (s *MemStore) Depth(ctx context.Context, modelID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.model(modelID).queued)), nil
}

// PushResult implements [Store.PushResult].
func (s *MemStore) PushResult(ctx context.Context, r Result) error {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	s.wake(s.resultsNotify)
	return nil
}

// PopResult implements [Store.PopResult].
func (s *MemStore) PopResult(ctx context.Context) (*Result, error) {
	deadline := time.NewTimer(s.pollInterval)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		if len(s.results) > 0 {
			r := s.results[0]
			s.results = slices.Delete(s.results, 0, 1)
			s.mu.Unlock()
			return &r, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-s.resultsNotify:
		}
	}
}
