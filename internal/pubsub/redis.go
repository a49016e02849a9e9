package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that RedisBus satisfies the Bus interface.
var _ Bus = (*RedisBus)(nil)

// RedisBus is a [Bus] over Redis pub/sub, letting the result consumer notify
// gateway processes it does not share memory with. Redis pub/sub is fire and
// forget, which matches the best-effort delivery contract.
type RedisBus struct {
	client redis.UniversalClient
	log    *slog.Logger
}

// NewRedisBus creates a [RedisBus]. A nil logger defaults to [slog.Default].
func NewRedisBus(client redis.UniversalClient, log *slog.Logger) *RedisBus {
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, log: log}
}

// Publish implements [Bus.Publish].
func (b *RedisBus) Publish(ctx context.Context, channel string, st Status) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pubsub: marshal status: %w", err)
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("pubsub: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements [Bus.Subscribe]. The subscription starts with no
// channels; callers add them as documents come into play.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.client.Subscribe(ctx)
	sub := &redisSubscription{
		ps:  ps,
		ch:  make(chan Delivery, subscriberBuffer),
		log: b.log,
	}
	go sub.pump(ps.Channel())
	return sub, nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	ch  chan Delivery
	log *slog.Logger

	closeOnce sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer close(s.ch)
	for msg := range in {
		var st Status
		if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil {
			s.log.Warn("dropping malformed pubsub payload",
				"channel", msg.Channel, "err", err)
			continue
		}
		select {
		case s.ch <- Delivery{Channel: msg.Channel, Status: st}:
		default:
			// Subscriber is not draining; drop rather than block the pump.
		}
	}
}

// Add implements [Subscription.Add].
func (s *redisSubscription) Add(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	if err := s.ps.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("pubsub: subscribe: %w", err)
	}
	return nil
}

// C implements [Subscription.C].
func (s *redisSubscription) C() <-chan Delivery { return s.ch }

// Close implements [Subscription.Close].
func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Closing the PubSub ends the message channel, which lets pump
		// close the delivery channel.
		err = s.ps.Close()
	})
	return err
}
