package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/readwell/chorus/internal/pubsub"
)

func waitDelivery(t *testing.T, sub pubsub.Subscription) pubsub.Delivery {
	t.Helper()
	select {
	case d, ok := <-sub.C():
		if !ok {
			t.Fatal("delivery channel closed unexpectedly")
		}
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return pubsub.Delivery{}
}

func TestDoneChannelNaming(t *testing.T) {
	t.Parallel()

	got := pubsub.DoneChannel("u1", "doc-9")
	if got != "done:u1:doc-9" {
		t.Fatalf("DoneChannel = %q", got)
	}
}

func TestPublishReachesSubscribedChannelOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := pubsub.NewMemBus()

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if err := sub.Add(ctx, pubsub.DoneChannel("u1", "d1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// A message for another user's document must not be seen.
	if err := bus.Publish(ctx, pubsub.DoneChannel("u2", "d1"), pubsub.Status{
		DocumentID: "d1", Status: pubsub.StateCached,
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := bus.Publish(ctx, pubsub.DoneChannel("u1", "d1"), pubsub.Status{
		DocumentID: "d1", BlockIndex: 3, VariantHash: "h1",
		Status: pubsub.StateCached, ModelID: "m", VoiceID: "v",
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	d := waitDelivery(t, sub)
	if d.Channel != pubsub.DoneChannel("u1", "d1") {
		t.Fatalf("delivery on wrong channel %q", d.Channel)
	}
	if d.Status.BlockIndex != 3 || d.Status.VariantHash != "h1" {
		t.Fatalf("unexpected status: %+v", d.Status)
	}

	select {
	case extra := <-sub.C():
		t.Fatalf("received foreign message: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFanOutToAllSubscribers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := pubsub.NewMemBus()
	channel := pubsub.DoneChannel("u1", "d1")

	subs := make([]pubsub.Subscription, 3)
	for i := range subs {
		s, err := bus.Subscribe(ctx)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		defer s.Close()
		if err := s.Add(ctx, channel); err != nil {
			t.Fatalf("Add: %v", err)
		}
		subs[i] = s
	}

	if err := bus.Publish(ctx, channel, pubsub.Status{VariantHash: "h1", Status: pubsub.StateCached}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for i, s := range subs {
		d := waitDelivery(t, s)
		if d.Status.VariantHash != "h1" {
			t.Fatalf("subscriber %d got %+v", i, d.Status)
		}
	}
}

func TestAddIsDynamic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := pubsub.NewMemBus()

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	first := pubsub.DoneChannel("u1", "d1")
	second := pubsub.DoneChannel("u1", "d2")
	if err := sub.Add(ctx, first); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sub.Add(ctx, second); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := bus.Publish(ctx, second, pubsub.Status{DocumentID: "d2", Status: pubsub.StateError, Error: "boom"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	d := waitDelivery(t, sub)
	if d.Channel != second || d.Status.Error != "boom" {
		t.Fatalf("unexpected delivery: %+v", d)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := pubsub.NewMemBus()
	channel := pubsub.DoneChannel("u1", "d1")

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := sub.Add(ctx, channel); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	// Publishing after close must not panic or deliver.
	if err := bus.Publish(ctx, channel, pubsub.Status{Status: pubsub.StateCached}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed delivery channel")
	}
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bus := pubsub.NewMemBus()
	channel := pubsub.DoneChannel("u1", "d1")

	sub, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if err := sub.Add(ctx, channel); err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Flood well past the buffer without draining. Publish must stay
	// non-blocking and error-free.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if err := bus.Publish(ctx, channel, pubsub.Status{BlockIndex: i}); err != nil {
				t.Errorf("Publish %d: %v", i, err)
				return
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on slow subscriber")
	}
}
