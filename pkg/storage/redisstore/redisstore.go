// Package redisstore implements storage.CounterStore on Redis so that rate limit
// windows are shared by every instance pointing at the same server.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/agentgate/pkg/storage"
)

// consumeScript reads, compares and increments in one server-side step.
// KEYS[1] counter key; ARGV[1] max; ARGV[2] ttl in milliseconds.
// Returns {count, admitted}.
var consumeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {current, 0}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {current, 1}
`)

// dailyTTL keeps usage counters around long enough to be read the following day
const dailyTTL = 48 * time.Hour

// Store is a Redis-backed counter store
type Store struct {
	client *redis.Client
	prefix string
}

var (
	_ storage.CounterStore = (*Store)(nil)
	_ storage.Pinger       = (*Store)(nil)
)

// New wraps an existing client
func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = "agentgate"
	}
	return &Store{client: client, prefix: prefix}
}

// Open creates a client from the storage config and verifies the connection
func Open(cfg storage.Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB >= 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, ""), nil
}

func (s *Store) windowKey(key storage.WindowKey) string {
	return fmt.Sprintf("%s:ratelimit:%s:%s:%d", s.prefix, key.SubjectID, key.Category, key.WindowStart.UnixMilli())
}

func (s *Store) dailyKey(subjectID string, day time.Time) string {
	return fmt.Sprintf("%s:usage:%s:%s", s.prefix, subjectID, storage.DayStart(day).Format("2006-01-02"))
}

// ConsumeWindow admits the request if the window counter is below max, incrementing it.
// The key expires one window after its start so stale windows never accumulate.
func (s *Store) ConsumeWindow(ctx context.Context, key storage.WindowKey, max int, window time.Duration) (int, bool, error) {
	if max <= 0 {
		return 0, false, nil
	}

	ttl := time.Until(key.WindowStart.Add(window))
	if ttl < time.Second {
		ttl = window
	}

	res, err := consumeScript.Run(ctx, s.client, []string{s.windowKey(key)}, max, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis consume failed: %w", err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script reply length %d", len(res))
	}
	count, ok1 := res[0].(int64)
	admitted, ok2 := res[1].(int64)
	if !ok1 || !ok2 {
		return 0, false, fmt.Errorf("unexpected script reply %v", res)
	}
	return int(count), admitted == 1, nil
}

// IncrementDailyUsage bumps the per-day counter
func (s *Store) IncrementDailyUsage(ctx context.Context, subjectID string, day time.Time) error {
	key := s.dailyKey(subjectID, day)

	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, dailyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis usage increment failed: %w", err)
	}
	return nil
}

// GetDailyUsage reads the per-day counter; a missing key reads as zero
func (s *Store) GetDailyUsage(ctx context.Context, subjectID string, day time.Time) (int64, error) {
	n, err := s.client.Get(ctx, s.dailyKey(subjectID, day)).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	return n, nil
}

// PurgeCounters is a no-op; every key carries its own expiry
func (s *Store) PurgeCounters(ctx context.Context, endedBefore time.Time) (int64, error) {
	return 0, nil
}

// Ping checks connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}
