package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/readwell/chorus/internal/queue"
	"github.com/readwell/chorus/internal/worker"
	"github.com/readwell/chorus/pkg/synth"
	"github.com/readwell/chorus/pkg/synth/mock"
)

func startWorker(t *testing.T, w *worker.Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func testJob(id, model string) queue.Job {
	return queue.Job{
		JobID:       id,
		VariantHash: "h-" + id,
		UserID:      "u1",
		DocumentID:  "d1",
		BlockIndex:  3,
		ModelID:     model,
		VoiceID:     "v1",
		Text:        "hello world",
		EnqueuedAt:  time.Now(),
	}
}

func waitResult(t *testing.T, store *queue.MemStore) *queue.Result {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		res, err := store.PopResult(ctx)
		if err != nil {
			t.Fatalf("PopResult: %v", err)
		}
		if res != nil {
			return res
		}
	}
	t.Fatal("no result appeared")
	return nil
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemStore(3)
	adapter := &mock.Adapter{}

	if err := store.Push(ctx, "m1", testJob("j1", "m1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := worker.New(store, adapter, worker.Config{ID: "w1", Models: []string{"m1"}})
	startWorker(t, w)

	res := waitResult(t, store)
	if res.Failed() {
		t.Fatalf("expected success, got %+v", res)
	}
	if string(res.Audio) != "pcm:v1:hello world" {
		t.Fatalf("audio = %q", res.Audio)
	}
	if res.AudioDurationMS != int64(len("hello world"))*50 {
		t.Fatalf("duration = %d", res.AudioDurationMS)
	}
	if res.WorkerID != "w1" || res.VariantHash != "h-j1" || res.BlockIndex != 3 {
		t.Fatalf("envelope = %+v", res)
	}

	// The claim is cleared right after the result push.
	deadline := time.Now().Add(time.Second)
	for {
		stale, err := store.ScanStale(ctx, "m1", 0)
		if err != nil {
			t.Fatalf("ScanStale: %v", err)
		}
		if len(stale) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("claim not cleared: %+v", stale)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWorkerReportsTransientError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemStore(3)
	adapter := &mock.Adapter{Err: errors.New("gpu hiccup")}

	if err := store.Push(ctx, "m1", testJob("j1", "m1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := worker.New(store, adapter, worker.Config{ID: "w1", Models: []string{"m1"}})
	startWorker(t, w)

	res := waitResult(t, store)
	if !res.Failed() || res.Fatal {
		t.Fatalf("expected transient failure, got %+v", res)
	}
	if res.Job == nil || res.Job.Text != "hello world" {
		t.Fatalf("error result must carry the envelope: %+v", res)
	}
}

func TestWorkerReportsFatalError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemStore(3)
	adapter := &mock.Adapter{Err: synth.Fatal(errors.New("unknown voice"))}

	if err := store.Push(ctx, "m1", testJob("j1", "m1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := worker.New(store, adapter, worker.Config{ID: "w1", Models: []string{"m1"}})
	startWorker(t, w)

	res := waitResult(t, store)
	if !res.Failed() || !res.Fatal {
		t.Fatalf("expected fatal failure, got %+v", res)
	}
}

func TestWorkerServesMultipleModels(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemStore(3)
	adapter := &mock.Adapter{}

	if err := store.Push(ctx, "m1", testJob("j1", "m1")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := store.Push(ctx, "m2", testJob("j2", "m2")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := worker.New(store, adapter, worker.Config{ID: "w1", Models: []string{"m1", "m2"}})
	startWorker(t, w)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		res := waitResult(t, store)
		if res.Failed() {
			t.Fatalf("result %d failed: %+v", i, res)
		}
		seen[res.JobID] = true
	}
	if !seen["j1"] || !seen["j2"] {
		t.Fatalf("results = %v", seen)
	}
}

func TestWorkerEchoesRetryCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemStore(3)
	adapter := &mock.Adapter{}

	job := testJob("j1", "m1")
	job.RetryCount = 2
	if err := store.Push(ctx, "m1", job); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := worker.New(store, adapter, worker.Config{ID: "w1", Models: []string{"m1"}})
	startWorker(t, w)

	res := waitResult(t, store)
	if res.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", res.RetryCount)
	}
}

func TestWorkerSynthesisTimeout(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := queue.NewMemStore(3)
	adapter := &mock.Adapter{Delay: time.Hour}

	if err := store.Push(ctx, "m1", testJob("j1", "m1")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	w := worker.New(store, adapter, worker.Config{
		ID:               "w1",
		Models:           []string{"m1"},
		SynthesisTimeout: 50 * time.Millisecond,
	})
	startWorker(t, w)

	res := waitResult(t, store)
	if !res.Failed() || res.Fatal {
		t.Fatalf("expected transient timeout failure, got %+v", res)
	}
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	store := queue.NewMemStore(3)
	w := worker.New(store, &mock.Adapter{}, worker.Config{ID: "w1", Models: []string{"m1"}, Concurrency: 2})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
