package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that RedisStore satisfies the Store interface.
var _ Store = (*RedisStore)(nil)

// Redis key layout under a configurable prefix:
//
//	{prefix}:entry:{hash}  hash: audio, duration_ms, model_id, voice_id, size
//	{prefix}:recency       zset: hash -> last access (unix ms)
//	{prefix}:size          total stored bytes
//	{prefix}:hits          read hit counter
//	{prefix}:misses        read miss counter
//
// Entry keys are derived inside the eviction script, so the store targets a
// single Redis instance, not a cluster.

// putScript writes an entry and evicts in ascending last-access order until
// the total size fits the cap again.
var putScript = redis.NewScript(`
local prefix = ARGV[1]
local hash = ARGV[2]
local size = tonumber(ARGV[3])
local cap = tonumber(ARGV[4])
local now = ARGV[5]
local entryKey = prefix .. ':entry:' .. hash

local old = redis.call('HGET', entryKey, 'size')
if old then
  redis.call('INCRBY', KEYS[2], -tonumber(old))
end
redis.call('HSET', entryKey,
  'audio', ARGV[6],
  'duration_ms', ARGV[7],
  'model_id', ARGV[8],
  'voice_id', ARGV[9],
  'size', ARGV[3])
redis.call('ZADD', KEYS[1], now, hash)
local total = redis.call('INCRBY', KEYS[2], size)

while total > cap do
  local victim = redis.call('ZPOPMIN', KEYS[1])
  if #victim == 0 then break end
  local vkey = prefix .. ':entry:' .. victim[1]
  local vsize = redis.call('HGET', vkey, 'size')
  redis.call('DEL', vkey)
  if vsize then
    total = redis.call('INCRBY', KEYS[2], -tonumber(vsize))
  end
end
return total
`)

// RedisStore is a [Store] on a shared Redis instance, letting several
// gateway processes serve one artifact pool.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	maxSizeBytes int64
}

// NewRedisStore creates a [RedisStore] capped at maxSizeBytes. An empty
// prefix defaults to "chorus:cache".
func NewRedisStore(client redis.UniversalClient, prefix string, maxSizeBytes int64) *RedisStore {
	if prefix == "" {
		prefix = "chorus:cache"
	}
	return &RedisStore{client: client, prefix: prefix, maxSizeBytes: maxSizeBytes}
}

func (s *RedisStore) entryKey(hash string) string { return s.prefix + ":entry:" + hash }
func (s *RedisStore) recencyKey() string          { return s.prefix + ":recency" }
func (s *RedisStore) sizeKey() string             { return s.prefix + ":size" }
func (s *RedisStore) hitsKey() string             { return s.prefix + ":hits" }
func (s *RedisStore) missesKey() string           { return s.prefix + ":misses" }

// Get implements [Store.Get].
func (s *RedisStore) Get(ctx context.Context, hash string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryKey(hash)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", hash, err)
	}
	if len(fields) == 0 {
		_ = s.client.Incr(ctx, s.missesKey()).Err()
		return nil, nil
	}

	now := time.Now()
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, s.hitsKey())
	pipe.ZAdd(ctx, s.recencyKey(), redis.Z{Score: float64(now.UnixMilli()), Member: hash})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("cache: touch %s: %w", hash, err)
	}

	durationMS, _ := strconv.ParseInt(fields["duration_ms"], 10, 64)
	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	return &Entry{
		VariantHash:     hash,
		Audio:           []byte(fields["audio"]),
		AudioDurationMS: durationMS,
		ModelID:         fields["model_id"],
		VoiceID:         fields["voice_id"],
		SizeBytes:       size,
		LastAccessedAt:  now,
	}, nil
}

// Put implements [Store.Put].
func (s *RedisStore) Put(ctx context.Context, hash string, audio []byte, durationMS int64, modelID, voiceID string) error {
	keys := []string{s.recencyKey(), s.sizeKey()}
	err := putScript.Run(ctx, s.client, keys,
		s.prefix,
		hash,
		len(audio),
		s.maxSizeBytes,
		time.Now().UnixMilli(),
		audio,
		durationMS,
		modelID,
		voiceID,
	).Err()
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", hash, err)
	}
	return nil
}

// Stats implements [Store.Stats].
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.client.Pipeline()
	sizeCmd := pipe.Get(ctx, s.sizeKey())
	countCmd := pipe.ZCard(ctx, s.recencyKey())
	hitsCmd := pipe.Get(ctx, s.hitsKey())
	missesCmd := pipe.Get(ctx, s.missesKey())
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}

	size, _ := sizeCmd.Int64()
	hits, _ := hitsCmd.Int64()
	misses, _ := missesCmd.Int64()
	return Stats{
		SizeBytes:  size,
		EntryCount: countCmd.Val(),
		HitCount:   hits,
		MissCount:  misses,
	}, nil
}
