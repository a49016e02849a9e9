package consumer_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/readwell/chorus/internal/archive"
	"github.com/readwell/chorus/internal/cache"
	"github.com/readwell/chorus/internal/consumer"
	"github.com/readwell/chorus/internal/inflight"
	"github.com/readwell/chorus/internal/pubsub"
	"github.com/readwell/chorus/internal/queue"
)

type fixture struct {
	store *queue.MemStore
	cache *cache.MemStore
	reg   *inflight.MemRegistry
	bus   *pubsub.MemBus
}

func newFixture(maxRetries int) *fixture {
	return &fixture{
		store: queue.NewMemStore(maxRetries),
		cache: cache.NewMemStore(1 << 20),
		reg:   inflight.NewMemRegistry(),
		bus:   pubsub.NewMemBus(),
	}
}

func (f *fixture) start(t *testing.T, opts ...consumer.Option) {
	t.Helper()
	c := consumer.New(f.store, f.cache, f.reg, f.bus, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) subscribe(t *testing.T, userID, docID string) pubsub.Subscription {
	t.Helper()
	sub, err := f.bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	if err := sub.Add(context.Background(), pubsub.DoneChannel(userID, docID)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	return sub
}

func waitStatus(t *testing.T, sub pubsub.Subscription) pubsub.Status {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return d.Status
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return pubsub.Status{}
}

func TestSuccessCachesNotifiesAndClears(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(3)

	// Two users waiting on the same variant from different documents.
	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1", BlockIndex: 2}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u2", DocumentID: "d2", BlockIndex: 7}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub1 := f.subscribe(t, "u1", "d1")
	sub2 := f.subscribe(t, "u2", "d2")

	f.start(t)

	if err := f.store.PushResult(ctx, queue.Result{
		JobID:           "j1",
		VariantHash:     "h1",
		ModelID:         "kokoro",
		VoiceID:         "af_bella",
		Audio:           []byte("pcm"),
		AudioDurationMS: 420,
		WorkerID:        "w1",
	}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	st1 := waitStatus(t, sub1)
	if st1.Status != pubsub.StateCached || st1.DocumentID != "d1" || st1.BlockIndex != 2 {
		t.Fatalf("unexpected status for u1: %+v", st1)
	}
	if st1.AudioURL != "/audio/h1" {
		t.Fatalf("audio url = %q", st1.AudioURL)
	}
	st2 := waitStatus(t, sub2)
	if st2.DocumentID != "d2" || st2.BlockIndex != 7 {
		t.Fatalf("unexpected status for u2: %+v", st2)
	}

	entry, err := f.cache.Get(ctx, "h1")
	if err != nil {
		t.Fatalf("cache Get: %v", err)
	}
	if entry == nil || string(entry.Audio) != "pcm" || entry.AudioDurationMS != 420 {
		t.Fatalf("cache entry = %+v", entry)
	}

	subs, err := f.reg.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("in-flight record not cleared: %v", subs)
	}
}

func TestTransientFailureRequeuesSilently(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(3)

	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub := f.subscribe(t, "u1", "d1")

	f.start(t)

	job := queue.Job{
		JobID:       "j1",
		VariantHash: "h1",
		UserID:      "u1",
		DocumentID:  "d1",
		ModelID:     "kokoro",
		VoiceID:     "af_bella",
		Text:        "hello",
	}
	if err := f.store.PushResult(ctx, queue.Result{
		JobID:       "j1",
		VariantHash: "h1",
		ModelID:     "kokoro",
		Error:       "backend timeout",
		Job:         &job,
	}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	// The job must come back on the queue with an incremented retry count.
	deadline := time.Now().Add(3 * time.Second)
	var requeued *queue.Job
	for time.Now().Before(deadline) {
		popped, _, err := f.store.PopAndClaim(ctx, "kokoro", "w1")
		if err != nil {
			t.Fatalf("PopAndClaim: %v", err)
		}
		if popped != nil {
			requeued = popped
			break
		}
	}
	if requeued == nil {
		t.Fatal("job was not requeued")
	}
	if requeued.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", requeued.RetryCount)
	}
	if requeued.Text != "hello" {
		t.Fatalf("envelope lost on requeue: %+v", requeued)
	}

	// No client notification and no registry clear on a retriable failure.
	select {
	case d := <-sub.C():
		t.Fatalf("unexpected notification: %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
	subs, err := f.reg.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("in-flight record must survive a retry, got %v", subs)
	}
}

func TestFatalFailureDeadLettersAndNotifies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(3)

	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1", BlockIndex: 4}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub := f.subscribe(t, "u1", "d1")

	f.start(t)

	job := queue.Job{JobID: "j1", VariantHash: "h1", ModelID: "kokoro", VoiceID: "v", Text: "x"}
	if err := f.store.PushResult(ctx, queue.Result{
		JobID:       "j1",
		VariantHash: "h1",
		ModelID:     "kokoro",
		VoiceID:     "v",
		Error:       "text rejected by model",
		Fatal:       true,
		Job:         &job,
	}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	st := waitStatus(t, sub)
	if st.Status != pubsub.StateError || st.Error != "text rejected by model" {
		t.Fatalf("unexpected status: %+v", st)
	}
	if st.BlockIndex != 4 {
		t.Fatalf("block index = %d, want 4", st.BlockIndex)
	}

	letters, err := f.store.DeadLetters(ctx, "kokoro")
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != "text rejected by model" {
		t.Fatalf("dead letters = %+v", letters)
	}

	subs, err := f.reg.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Fatal("in-flight record not cleared after fatal failure")
	}
}

func TestExhaustedRetriesDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(2)

	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub := f.subscribe(t, "u1", "d1")

	f.start(t)

	// RetryCount already at the budget: one more transient failure must not
	// requeue again.
	job := queue.Job{JobID: "j1", VariantHash: "h1", ModelID: "kokoro", Text: "x", RetryCount: 2}
	if err := f.store.PushResult(ctx, queue.Result{
		JobID:       "j1",
		VariantHash: "h1",
		ModelID:     "kokoro",
		Error:       "backend timeout",
		RetryCount:  2,
		Job:         &job,
	}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	st := waitStatus(t, sub)
	if st.Status != pubsub.StateError {
		t.Fatalf("unexpected status: %+v", st)
	}

	letters, err := f.store.DeadLetters(ctx, "kokoro")
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %+v", letters)
	}
	if !strings.Contains(letters[0].Reason, "retries exhausted") {
		t.Fatalf("reason = %q", letters[0].Reason)
	}

	if depth, _ := f.store.Depth(ctx, "kokoro"); depth != 0 {
		t.Fatalf("queue depth = %d, want 0", depth)
	}
}

// brokenCache fails every write, as a cache backend that lost its store would.
type brokenCache struct {
	cache.Store
}

func (brokenCache) Put(context.Context, string, []byte, int64, string, string) error {
	return errors.New("cache: store unavailable")
}

func TestCacheFailureWithoutArchiveNotifiesError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(3)

	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub := f.subscribe(t, "u1", "d1")

	c := consumer.New(f.store, brokenCache{f.cache}, f.reg, f.bus)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := f.store.PushResult(ctx, queue.Result{
		JobID:       "j1",
		VariantHash: "h1",
		ModelID:     "kokoro",
		Audio:       []byte("pcm"),
	}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	// The audio is not retrievable anywhere, so subscribers must get an error
	// instead of a dead URL.
	st := waitStatus(t, sub)
	if st.Status != pubsub.StateError || st.AudioURL != "" {
		t.Fatalf("unexpected status: %+v", st)
	}

	subs, err := f.reg.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Fatal("in-flight record not cleared")
	}
}

// memArchive is a test double for archive.Store.
type memArchive struct {
	mu   sync.Mutex
	recs map[string]archive.Record
}

func (a *memArchive) Save(ctx context.Context, rec archive.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.recs == nil {
		a.recs = make(map[string]archive.Record)
	}
	a.recs[rec.VariantHash] = rec
	return nil
}

func (a *memArchive) Get(ctx context.Context, hash string) (*archive.Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.recs[hash]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func TestSuccessWritesArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(3)
	arch := &memArchive{}

	if _, err := f.reg.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	sub := f.subscribe(t, "u1", "d1")

	f.start(t, consumer.WithArchive(arch), consumer.WithAudioURLBase("https://cdn.example.com/audio"))

	job := queue.Job{JobID: "j1", VariantHash: "h1", ModelID: "kokoro", VoiceID: "v", Text: "hello"}
	if err := f.store.PushResult(ctx, queue.Result{
		JobID:           "j1",
		VariantHash:     "h1",
		ModelID:         "kokoro",
		VoiceID:         "v",
		Audio:           []byte("pcm"),
		AudioDurationMS: 99,
		Job:             &job,
	}); err != nil {
		t.Fatalf("PushResult: %v", err)
	}

	st := waitStatus(t, sub)
	if st.AudioURL != "https://cdn.example.com/audio/h1" {
		t.Fatalf("audio url = %q", st.AudioURL)
	}

	rec, err := arch.Get(ctx, "h1")
	if err != nil {
		t.Fatalf("archive Get: %v", err)
	}
	if rec == nil || rec.Text != "hello" || string(rec.Audio) != "pcm" {
		t.Fatalf("archive record = %+v", rec)
	}
}
