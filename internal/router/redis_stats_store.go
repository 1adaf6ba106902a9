package router

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore shares ProviderStats across gateway instances. Each
// provider is one hash; a set indexes the providers seen.
type RedisStatsStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration

	record  *redis.Script
	addLoad *redis.Script
}

// RedisStatsOption configures RedisStatsStore.
type RedisStatsOption func(*RedisStatsStore)

// WithKeyPrefix sets the Redis key prefix (default: "llmrelay:router:stats").
func WithKeyPrefix(prefix string) RedisStatsOption {
	return func(r *RedisStatsStore) {
		r.keyPrefix = prefix
	}
}

// WithStatsTTL expires a provider's stats after ttl without traffic
// (default: 1h, 0 keeps them forever).
func WithStatsTTL(ttl time.Duration) RedisStatsOption {
	return func(r *RedisStatsStore) {
		r.ttl = ttl
	}
}

// NewRedisStatsStore wraps an existing client. The client is not closed by
// Close.
func NewRedisStatsStore(client redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	r := &RedisStatsStore{
		client:    client,
		keyPrefix: "llmrelay:router:stats",
		ttl:       time.Hour,
		record:    redis.NewScript(recordScript),
		addLoad:   redis.NewScript(addLoadScript),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStatsStore) statsKey(id string) string {
	return r.keyPrefix + ":" + id
}

func (r *RedisStatsStore) indexKey() string {
	return r.keyPrefix + ":providers"
}

func (r *RedisStatsStore) Get(ctx context.Context, id string) (ProviderStats, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.statsKey(id)).Result()
	if err != nil {
		return ProviderStats{}, false, fmt.Errorf("get stats for %s: %w", id, err)
	}
	if len(fields) == 0 {
		return ProviderStats{}, false, nil
	}
	return parseStats(fields), true, nil
}

func (r *RedisStatsStore) Record(ctx context.Context, id string, success bool, latencyMs float64, at time.Time) error {
	ok := "0"
	if success {
		ok = "1"
	}
	err := r.record.Run(ctx, r.client,
		[]string{r.statsKey(id), r.indexKey()},
		id, ok, strconv.FormatFloat(latencyMs, 'f', -1, 64),
		strconv.FormatFloat(LatencySmoothing, 'f', -1, 64),
		at.UnixMilli(), int64(r.ttl/time.Second),
	).Err()
	if err != nil {
		return fmt.Errorf("record stats for %s: %w", id, err)
	}
	return nil
}

func (r *RedisStatsStore) AddLoad(ctx context.Context, id string, delta int) error {
	err := r.addLoad.Run(ctx, r.client, []string{r.statsKey(id), r.indexKey()}, id, delta).Err()
	if err != nil {
		return fmt.Errorf("update load for %s: %w", id, err)
	}
	return nil
}

func (r *RedisStatsStore) Snapshot(ctx context.Context) (map[string]ProviderStats, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGetAll(ctx, r.statsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read provider stats: %w", err)
	}

	out := make(map[string]ProviderStats, len(ids))
	for id, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		out[id] = parseStats(fields)
	}
	return out, nil
}

// Close is a no-op; the caller owns the client.
func (r *RedisStatsStore) Close() error { return nil }

func parseStats(fields map[string]string) ProviderStats {
	var s ProviderStats
	s.TotalRequests, _ = strconv.ParseUint(fields["total_requests"], 10, 64)
	s.SuccessfulRequests, _ = strconv.ParseUint(fields["successful_requests"], 10, 64)
	s.FailedRequests, _ = strconv.ParseUint(fields["failed_requests"], 10, 64)
	s.AverageLatencyMs, _ = strconv.ParseFloat(fields["average_latency_ms"], 64)
	if ms, err := strconv.ParseInt(fields["last_used"], 10, 64); err == nil && ms > 0 {
		s.LastUsed = time.UnixMilli(ms)
	}
	if load, err := strconv.ParseUint(fields["current_load"], 10, 32); err == nil {
		s.CurrentLoad = uint32(load)
	}
	return s
}
