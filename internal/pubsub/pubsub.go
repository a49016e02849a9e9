// Package pubsub delivers per-document completion notices from the result
// consumer back to the WebSocket connections that requested synthesis.
//
// Channels are scoped per (user, document): a connection subscribes to
// exactly the documents it is synthesising for and therefore can never
// observe another document's results. A user with two tabs on different
// documents gets two disjoint channels.
//
// Two backends implement [Bus]: [MemBus] for in-process wiring and tests,
// and [RedisBus] over Redis pub/sub for multi-process deployments. Drops are
// acceptable: a momentarily disconnected subscriber loses messages and the
// client recovers by re-requesting blocks on reconnect.
package pubsub

import (
	"context"
	"sync"
)

// State enumerates the lifecycle states reported to clients.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCached     State = "cached"
	StateError      State = "error"
)

// Status is the payload published on done channels and relayed verbatim to
// clients. ModelID and VoiceID are always populated so clients can discard
// stale messages after a voice switch.
type Status struct {
	DocumentID  string `json:"document_id"`
	BlockIndex  int    `json:"block_index"`
	VariantHash string `json:"variant_hash"`
	Status      State  `json:"status"`
	ModelID     string `json:"model_id"`
	VoiceID     string `json:"voice_id"`

	// AudioURL is the artifact reference, set when Status is cached.
	AudioURL string `json:"audio_url,omitempty"`

	// Error is set when Status is error.
	Error string `json:"error,omitempty"`
}

// DoneChannel returns the canonical channel name for completion notices of
// one (user, document) pair.
func DoneChannel(userID, documentID string) string {
	return "done:" + userID + ":" + documentID
}

// Delivery is one received message together with its channel.
type Delivery struct {
	Channel string
	Status  Status
}

// Subscription is a handle over a dynamic set of channels, owned by one
// WebSocket connection. Close stops delivery and releases the handle; the
// delivery channel is closed afterwards.
type Subscription interface {
	// Add subscribes to additional channels. Adding an already-subscribed
	// channel is a no-op.
	Add(ctx context.Context, channels ...string) error

	// C returns the delivery channel. Slow consumers may miss messages;
	// delivery is best-effort.
	C() <-chan Delivery

	// Close unsubscribes from all channels and closes the delivery channel.
	Close() error
}

// Bus is the fan-out contract. The result consumer publishes; each gateway
// connection holds one [Subscription].
type Bus interface {
	Publish(ctx context.Context, channel string, st Status) error
	Subscribe(ctx context.Context) (Subscription, error)
}

// ─── MemBus ──────────────────────────────────────────────────────────────────

// Compile-time assertion that MemBus satisfies the Bus interface.
var _ Bus = (*MemBus)(nil)

// subscriberBuffer bounds each subscription's delivery channel. Messages
// beyond the buffer are dropped rather than blocking the publisher.
const subscriberBuffer = 64

// MemBus is an in-process [Bus].
type MemBus struct {
	mu   sync.Mutex
	subs map[*memSubscription]struct{}
}

// NewMemBus returns an initialised [MemBus].
func NewMemBus() *MemBus {
	return &MemBus{subs: make(map[*memSubscription]struct{})}
}

// Publish implements [Bus.Publish].
func (b *MemBus) Publish(ctx context.Context, channel string, st Status) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		sub.deliver(channel, st)
	}
	return nil
}

// Subscribe implements [Bus.Subscribe].
func (b *MemBus) Subscribe(ctx context.Context) (Subscription, error) {
	sub := &memSubscription{
		bus:      b,
		channels: make(map[string]struct{}),
		ch:       make(chan Delivery, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub, nil
}

type memSubscription struct {
	bus *MemBus

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
	ch       chan Delivery
}

func (s *memSubscription) deliver(channel string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, ok := s.channels[channel]; !ok {
		return
	}
	select {
	case s.ch <- Delivery{Channel: channel, Status: st}:
	default:
		// Subscriber is not draining; drop rather than block the publisher.
	}
}

// Add implements [Subscription.Add].
func (s *memSubscription) Add(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}
	return nil
}

// C implements [Subscription.C].
func (s *memSubscription) C() <-chan Delivery { return s.ch }

// Close implements [Subscription.Close].
func (s *memSubscription) Close() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}
