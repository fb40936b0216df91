package dispatch

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// Suppressor decides whether a correlation key was recently notified.
// AlreadyNotified must atomically record the key as notified when it
// was not, so concurrent dispatchers agree on exactly one winner.
type Suppressor interface {
	AlreadyNotified(ctx context.Context, key string) (bool, error)
}

const suppressKeyPrefix = "decoynet:notified:"

// RedisSuppressor suppresses duplicate notifications across engine
// instances using SET NX with a TTL. When Redis is unreachable it falls
// back to the local in-memory suppressor so alerting keeps working,
// trading cross-instance dedup for availability.
type RedisSuppressor struct {
	client   *redis.Client
	ttl      time.Duration
	fallback *LocalSuppressor
	logger   *slog.Logger
}

// NewRedisSuppressor creates a Redis-backed suppressor.
func NewRedisSuppressor(client *redis.Client, ttl time.Duration, logger *slog.Logger) (*RedisSuppressor, error) {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	fallback, err := NewLocalSuppressor(1024, ttl)
	if err != nil {
		return nil, err
	}
	return &RedisSuppressor{
		client:   client,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger,
	}, nil
}

func (s *RedisSuppressor) AlreadyNotified(ctx context.Context, key string) (bool, error) {
	set, err := s.client.SetNX(ctx, suppressKeyPrefix+key, 1, s.ttl).Result()
	if err != nil {
		s.logger.Warn("redis suppression unavailable, using local fallback", "error", err)
		return s.fallback.AlreadyNotified(ctx, key)
	}
	return !set, nil
}

// LocalSuppressor is a single-instance suppressor over a bounded LRU.
// Entries expire after the TTL; the LRU bound caps memory under key
// churn.
type LocalSuppressor struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

// NewLocalSuppressor creates an in-memory suppressor.
func NewLocalSuppressor(size int, ttl time.Duration) (*LocalSuppressor, error) {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &LocalSuppressor{cache: cache, ttl: ttl}, nil
}

func (s *LocalSuppressor) AlreadyNotified(_ context.Context, key string) (bool, error) {
	now := time.Now()
	if at, ok := s.cache.Get(key); ok && now.Sub(at) < s.ttl {
		return true, nil
	}
	s.cache.Add(key, now)
	return false, nil
}
