package inflight_test

import (
	"context"
	"sync"
	"testing"

	"github.com/readwell/chorus/internal/inflight"
)

func TestRegisterFirstOnlyOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := inflight.NewMemRegistry()

	first, err := r.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", DocumentID: "d1"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !first {
		t.Fatal("first Register must report first=true")
	}

	first, err = r.Register(ctx, "h1", inflight.Subscriber{UserID: "u2", DocumentID: "d2"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if first {
		t.Fatal("second Register must report first=false")
	}
}

func TestRegisterConcurrentExactlyOneFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := inflight.NewMemRegistry()

	const n = 32
	var wg sync.WaitGroup
	firsts := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			first, err := r.Register(ctx, "h1", inflight.Subscriber{UserID: "u", BlockIndex: i})
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			firsts <- first
		}(i)
	}
	wg.Wait()
	close(firsts)

	count := 0
	for f := range firsts {
		if f {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one first registration, got %d", count)
	}

	subs, err := r.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != n {
		t.Fatalf("expected %d subscribers, got %d", n, len(subs))
	}
}

func TestSubscribersPreservesOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := inflight.NewMemRegistry()

	for i := 0; i < 5; i++ {
		if _, err := r.Register(ctx, "h1", inflight.Subscriber{UserID: "u1", BlockIndex: i}); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	subs, err := r.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	for i, sub := range subs {
		if sub.BlockIndex != i {
			t.Fatalf("subscriber order broken: index %d has block %d", i, sub.BlockIndex)
		}
	}
}

func TestClearRemovesRecord(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := inflight.NewMemRegistry()

	if _, err := r.Register(ctx, "h1", inflight.Subscriber{UserID: "u1"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Clear(ctx, "h1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	subs, err := r.Subscribers(ctx, "h1")
	if err != nil {
		t.Fatalf("Subscribers: %v", err)
	}
	if len(subs) != 0 {
		t.Fatalf("expected no subscribers after Clear, got %d", len(subs))
	}

	// Registration after a clear creates a fresh record.
	first, err := r.Register(ctx, "h1", inflight.Subscriber{UserID: "u2"})
	if err != nil {
		t.Fatalf("Register after Clear: %v", err)
	}
	if !first {
		t.Fatal("Register after Clear must report first=true")
	}
}

func TestClearAbsentIsNoop(t *testing.T) {
	t.Parallel()

	if err := inflight.NewMemRegistry().Clear(context.Background(), "missing"); err != nil {
		t.Fatalf("Clear on missing record: %v", err)
	}
}
