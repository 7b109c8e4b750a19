package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arenalive/relay/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis list per key.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

type RedisConfig struct {
	URL      string
	Password string
	TTL      time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects and pings so a dead store surfaces at startup, not
// on the first append.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: failed to connect to redis: %v", protocol.ErrUpstreamUnavailable, err)
	}

	return &RedisStore{rdb: rdb, ttl: cfg.TTL}, nil
}

func (s *RedisStore) Append(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal event for %s: %w", key, err)
	}
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("%w: rpush %s: %v", protocol.ErrUpstreamUnavailable, key, err)
	}
	// Refresh expiry on every append so an active room's history survives a
	// full day past its last event.
	if err := s.rdb.Expire(ctx, key, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", protocol.ErrUpstreamUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) Range(ctx context.Context, key string, start, count int64) ([]string, error) {
	count = clampCount(count)
	entries, err := s.rdb.LRange(ctx, key, start, start+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: lrange %s: %v", protocol.ErrUpstreamUnavailable, key, err)
	}
	return entries, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: expire %s: %v", protocol.ErrUpstreamUnavailable, key, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}
