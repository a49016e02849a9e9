package inflight

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that RedisRegistry satisfies the Registry interface.
var _ Registry = (*RedisRegistry)(nil)

// registerScript appends a subscriber to the in-flight list for a hash and
// reports whether this push created the record. RPUSH returning 1 means the
// list did not exist before, which is exactly the first-subscriber signal;
// that first push also stamps the record's first-seen time on a companion
// key so the record matches [Record] across backends.
var registerScript = redis.NewScript(`
local len = redis.call('RPUSH', KEYS[1], ARGV[1])
if len == 1 then
	redis.call('SET', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// RedisRegistry is a [Registry] on a shared Redis instance, giving several
// gateway processes one deduplication domain.
type RedisRegistry struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRegistry creates a [RedisRegistry]. An empty prefix defaults to
// "chorus:inflight".
func NewRedisRegistry(client redis.UniversalClient, prefix string) *RedisRegistry {
	if prefix == "" {
		prefix = "chorus:inflight"
	}
	return &RedisRegistry{client: client, prefix: prefix}
}

func (r *RedisRegistry) key(hash string) string { return r.prefix + ":" + hash }

func (r *RedisRegistry) firstSeenKey(hash string) string { return r.key(hash) + ":first_seen" }

// Register implements [Registry.Register].
func (r *RedisRegistry) Register(ctx context.Context, hash string, sub Subscriber) (bool, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return false, fmt.Errorf("inflight: marshal subscriber: %w", err)
	}
	keys := []string{r.key(hash), r.firstSeenKey(hash)}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := registerScript.Run(ctx, r.client, keys, payload, now).Int()
	if err != nil {
		return false, fmt.Errorf("inflight: register %s: %w", hash, err)
	}
	return res == 1, nil
}

// Subscribers implements [Registry.Subscribers].
func (r *RedisRegistry) Subscribers(ctx context.Context, hash string) ([]Subscriber, error) {
	raw, err := r.client.LRange(ctx, r.key(hash), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("inflight: subscribers %s: %w", hash, err)
	}
	subs := make([]Subscriber, 0, len(raw))
	for _, item := range raw {
		var sub Subscriber
		if err := json.Unmarshal([]byte(item), &sub); err != nil {
			return nil, fmt.Errorf("inflight: decode subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Clear implements [Registry.Clear].
func (r *RedisRegistry) Clear(ctx context.Context, hash string) error {
	if err := r.client.Del(ctx, r.key(hash), r.firstSeenKey(hash)).Err(); err != nil {
		return fmt.Errorf("inflight: clear %s: %w", hash, err)
	}
	return nil
}
