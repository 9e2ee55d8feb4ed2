package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/logger"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const terminalCacheKeyPrefix = "terminal:pin:"

// DefaultTerminalCacheTTL is how long a resolved terminal is served from Redis
const DefaultTerminalCacheTTL = 30 * time.Second

// CacheClient is the subset of Redis used by the terminal cache
type CacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// CachedTerminalRepository is a read-through Redis cache in front of a TerminalRepository.
// Unknown PINs are never cached and Redis errors fall through to the database.
type CachedTerminalRepository struct {
	next  TerminalRepository
	cache CacheClient
	ttl   time.Duration
}

// NewCachedTerminalRepository creates a new CachedTerminalRepository
func NewCachedTerminalRepository(next TerminalRepository, cache CacheClient, ttl time.Duration) *CachedTerminalRepository {
	if ttl <= 0 {
		ttl = DefaultTerminalCacheTTL
	}
	return &CachedTerminalRepository{next: next, cache: cache, ttl: ttl}
}

// FindByPIN serves the terminal from Redis, loading it from the database on a miss
func (r *CachedTerminalRepository) FindByPIN(ctx context.Context, pin string) (*domain.Terminal, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.redis.terminal.find_by_pin")
	defer span.End()

	key := terminalCacheKeyPrefix + pin

	raw, err := r.cache.Get(ctx, key).Result()
	switch {
	case err == nil:
		var terminal domain.Terminal
		if jsonErr := json.Unmarshal([]byte(raw), &terminal); jsonErr == nil {
			span.SetAttributes(attribute.Bool("cache_hit", true))
			return &terminal, nil
		}
		logger.WarnContext(ctx, "discarding undecodable cached terminal", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		logger.WarnContext(ctx, "terminal cache unavailable", zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("cache_hit", false))

	terminal, err := r.next.FindByPIN(ctx, pin)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(terminal); err == nil {
		if err := r.cache.Set(ctx, key, string(data), r.ttl).Err(); err != nil {
			logger.WarnContext(ctx, "failed to cache terminal", zap.Error(err))
		}
	}
	return terminal, nil
}
