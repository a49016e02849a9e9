package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time assertion that RedisStore satisfies the Store interface.
var _ Store = (*RedisStore)(nil)

// Redis key layout, all under a configurable prefix:
//
//	{prefix}:queue:{model}   list of queued job IDs (RPUSH tail, LPOP head)
//	{prefix}:jobs:{model}    hash job_id -> JSON envelope (queued or claimed)
//	{prefix}:claims:{model}  hash job_id -> claim timestamp (unix ms)
//	{prefix}:dlq:{model}     list of JSON dead letters
//	{results key}            list of JSON results (RPUSH, BLPOP)
//
// Queue entries are IDs rather than envelopes so the claim scripts never
// parse JSON inside Redis.

// popAndClaimScript atomically moves the queue head into the claim set.
// Returns {id, envelope} or false when the queue is empty.
//
// A queued ID without an envelope is a settled duplicate: the visibility
// scanner requeued the job and the original worker's late Complete then
// deleted the envelope. Such IDs are discarded without writing a claim,
// otherwise the claim would dangle forever (nothing would ever Complete it
// and ScanStale skips envelope-less claims).
var popAndClaimScript = redis.NewScript(`
while true do
	local id = redis.call('LPOP', KEYS[1])
	if not id then return false end
	local env = redis.call('HGET', KEYS[2], id)
	if env then
		redis.call('HSET', KEYS[3], id, ARGV[1])
		return {id, env}
	end
end
`)

// claimAgedScript claims a specific still-queued job for the overflow
// scanner. Returns 1 on success, 0 when the job was already taken or already
// settled by a late duplicate completion (envelope gone).
var claimAgedScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then return 0 end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[2])
return 1
`)

// RedisConfig holds the tunables for a [RedisStore].
type RedisConfig struct {
	// KeyPrefix namespaces every queue key. Default: "chorus".
	KeyPrefix string

	// ResultsKey is the list the result consumer drains.
	// Default: "chorus:results".
	ResultsKey string

	// MaxRetries is the shared retry budget enforced by Requeue.
	MaxRetries int

	// PollInterval bounds how long PopAndClaim and PopResult block before
	// reporting empty. Default: 250ms.
	PollInterval time.Duration
}

// RedisStore is a [Store] backed by a shared Redis instance. It is the
// production backend: gateway, scanners, and workers on different machines
// coordinate purely through these keys.
type RedisStore struct {
	client       redis.UniversalClient
	prefix       string
	resultsKey   string
	maxRetries   int
	pollInterval time.Duration
}

// NewRedisStore creates a [RedisStore] on the given client. Zero-value
// config fields are replaced with defaults.
func NewRedisStore(client redis.UniversalClient, cfg RedisConfig) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "chorus"
	}
	if cfg.ResultsKey == "" {
		cfg.ResultsKey = "chorus:results"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &RedisStore{
		client:       client,
		prefix:       cfg.KeyPrefix,
		resultsKey:   cfg.ResultsKey,
		maxRetries:   cfg.MaxRetries,
		pollInterval: cfg.PollInterval,
	}
}

func (s *RedisStore) queueKey(model string) string  { return s.prefix + ":queue:" + model }
func (s *RedisStore) jobsKey(model string) string   { return s.prefix + ":jobs:" + model }
func (s *RedisStore) claimsKey(model string) string { return s.prefix + ":claims:" + model }
func (s *RedisStore) dlqKey(model string) string    { return s.prefix + ":dlq:" + model }

// Ping reports whether the backing Redis is reachable. Used by readiness
// checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Push implements [Store.Push].
func (s *RedisStore) Push(ctx context.Context, modelID string, job Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	env, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.JobID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.jobsKey(modelID), job.JobID, env)
	pipe.RPush(ctx, s.queueKey(modelID), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: push %s: %w", job.JobID, err)
	}
	return nil
}

// PopAndClaim implements [Store.PopAndClaim]. The pop-and-claim step is a
// single Lua script, so a job is never both queued and claimed, and never
// claimed twice. Blocking is a bounded poll: Redis scripting cannot combine
// with BLPOP, so the loop sleeps briefly between attempts.
func (s *RedisStore) PopAndClaim(ctx context.Context, modelID, workerID string) (*Job, time.Time, error) {
	deadline := time.After(s.pollInterval)
	keys := []string{s.queueKey(modelID), s.jobsKey(modelID), s.claimsKey(modelID)}

	for {
		now := time.Now()
		res, err := popAndClaimScript.Run(ctx, s.client, keys, now.UnixMilli()).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, time.Time{}, fmt.Errorf("queue: pop %s: %w", modelID, err)
		}
		if pair, ok := res.([]interface{}); ok && len(pair) == 2 {
			env, _ := pair[1].(string)
			var job Job
			if err := json.Unmarshal([]byte(env), &job); err != nil {
				return nil, time.Time{}, fmt.Errorf("queue: decode job envelope: %w", err)
			}
			return &job, now, nil
		}

		select {
		case <-ctx.Done():
			return nil, time.Time{}, ctx.Err()
		case <-deadline:
			return nil, time.Time{}, nil
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Complete implements [Store.Complete].
func (s *RedisStore) Complete(ctx context.Context, modelID, jobID string) error {
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.claimsKey(modelID), jobID)
	pipe.HDel(ctx, s.jobsKey(modelID), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	return nil
}

// Requeue implements [Store.Requeue].
func (s *RedisStore) Requeue(ctx context.Context, modelID string, job Job) error {
	if job.RetryCount+1 > s.maxRetries {
		return ErrRetriesExhausted
	}
	job.RetryCount++
	job.EnqueuedAt = time.Now()

	env, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.JobID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.claimsKey(modelID), job.JobID)
	pipe.HSet(ctx, s.jobsKey(modelID), job.JobID, env)
	pipe.RPush(ctx, s.queueKey(modelID), job.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: requeue %s: %w", job.JobID, err)
	}
	return nil
}

// DeadLetter implements [Store.DeadLetter].
func (s *RedisStore) DeadLetter(ctx context.Context, modelID string, job Job, reason string) error {
	entry, err := json.Marshal(DeadLetter{
		Job:        job,
		Reason:     reason,
		RetryCount: job.RetryCount,
		FailedAt:   time.Now(),
	})
	if err != nil {
		return fmt.Errorf("queue: marshal dead letter %s: %w", job.JobID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.claimsKey(modelID), job.JobID)
	pipe.HDel(ctx, s.jobsKey(modelID), job.JobID)
	pipe.RPush(ctx, s.dlqKey(modelID), entry)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: dead-letter %s: %w", job.JobID, err)
	}
	return nil
}

// DeadLetters implements [Store.DeadLetters].
func (s *RedisStore) DeadLetters(ctx context.Context, modelID string) ([]DeadLetter, error) {
	raw, err := s.client.LRange(ctx, s.dlqKey(modelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: list dlq %s: %w", modelID, err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("queue: decode dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

// ScanStale implements [Store.ScanStale].
func (s *RedisStore) ScanStale(ctx context.Context, modelID string, timeout time.Duration) ([]Job, error) {
	claims, err := s.client.HGetAll(ctx, s.claimsKey(modelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan claims %s: %w", modelID, err)
	}

	cutoff := time.Now().Add(-timeout).UnixMilli()
	var staleIDs []string
	for id, tsStr := range claims {
		ts, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			continue
		}
		if ts < cutoff {
			staleIDs = append(staleIDs, id)
		}
	}
	if len(staleIDs) == 0 {
		return nil, nil
	}

	envs, err := s.client.HMGet(ctx, s.jobsKey(modelID), staleIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load stale envelopes %s: %w", modelID, err)
	}
	var stale []Job
	for _, env := range envs {
		str, ok := env.(string)
		if !ok {
			continue // claim without envelope: completed concurrently
		}
		var job Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, fmt.Errorf("queue: decode stale envelope: %w", err)
		}
		stale = append(stale, job)
	}
	return stale, nil
}

// ScanAged implements [Store.ScanAged].
func (s *RedisStore) ScanAged(ctx context.Context, modelID string, threshold time.Duration) ([]Job, error) {
	ids, err := s.client.LRange(ctx, s.queueKey(modelID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan queue %s: %w", modelID, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	envs, err := s.client.HMGet(ctx, s.jobsKey(modelID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: load queued envelopes %s: %w", modelID, err)
	}

	cutoff := time.Now().Add(-threshold)
	var aged []Job
	for _, env := range envs {
		str, ok := env.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			return nil, fmt.Errorf("queue: decode queued envelope: %w", err)
		}
		if job.EnqueuedAt.Before(cutoff) {
			aged = append(aged, job)
		}
	}
	return aged, nil
}

// ClaimAged implements [Store.ClaimAged].
func (s *RedisStore) ClaimAged(ctx context.Context, modelID, jobID, owner string) (bool, error) {
	keys := []string{s.queueKey(modelID), s.jobsKey(modelID), s.claimsKey(modelID)}
	res, err := claimAgedScript.Run(ctx, s.client, keys, jobID, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("queue: claim aged %s: %w", jobID, err)
	}
	return res == 1, nil
}

// Depth implements [Store.Depth].
func (s *RedisStore) Depth(ctx context.Context, modelID string) (int64, error) {
	n, err := s.client.LLen(ctx, s.queueKey(modelID)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: depth %s: %w", modelID, err)
	}
	return n, nil
}

// PushResult implements [Store.PushResult].
func (s *RedisStore) PushResult(ctx context.Context, r Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("queue: marshal result %s: %w", r.JobID, err)
	}
	if err := s.client.RPush(ctx, s.resultsKey, payload).Err(); err != nil {
		return fmt.Errorf("queue: push result %s: %w", r.JobID, err)
	}
	return nil
}

// PopResult implements [Store.PopResult].
func (s *RedisStore) PopResult(ctx context.Context) (*Result, error) {
	res, err := s.client.BLPop(ctx, s.pollInterval, s.resultsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: pop result: %w", err)
	}
	// BLPop returns [key, value].
	var r Result
	if err := json.Unmarshal([]byte(res[1]), &r); err != nil {
		return nil, fmt.Errorf("queue: decode result: %w", err)
	}
	return &r, nil
}
