package repository

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/logger"
	pkgredis "github.com/prohmpiriya/fwe-access/pkg/redis"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const (
	scriptReleaseLock    = "release_lock"
	ticketLockKeyPrefix  = "checkin:lock:ticket:"
	defaultLockTTL       = 10 * time.Second
	defaultLockPollEvery = 20 * time.Millisecond
)

// RedisTicketLocker serializes scans of one ticket across service instances
// with a SET NX PX lock owned by a random token
type RedisTicketLocker struct {
	client    *pkgredis.Client
	ttl       time.Duration
	pollEvery time.Duration
}

// NewRedisTicketLocker creates a new RedisTicketLocker. ttl bounds how long a
// crashed holder can block the ticket.
func NewRedisTicketLocker(client *pkgredis.Client, ttl time.Duration) *RedisTicketLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisTicketLocker{client: client, ttl: ttl, pollEvery: defaultLockPollEvery}
}

// LoadScripts preloads the release script
func (l *RedisTicketLocker) LoadScripts(ctx context.Context) error {
	if _, err := l.client.LoadScript(ctx, scriptReleaseLock, releaseLockScript); err != nil {
		return fmt.Errorf("failed to load script %s: %w", scriptReleaseLock, err)
	}
	return nil
}

// Lock blocks until the ticket lock is acquired or ctx ends
func (l *RedisTicketLocker) Lock(parent context.Context, ticketID int64) (context.Context, func(), error) {
	ctx, span := telemetry.StartSpan(parent, "repo.redis.ticket_lock.lock")
	defer span.End()

	span.SetAttributes(attribute.Int64("ticket_id", ticketID))

	key := ticketLockKeyPrefix + strconv.FormatInt(ticketID, 10)
	token := uuid.New().String()

	ticker := time.NewTicker(l.pollEvery)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil && ctx.Err() == nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, nil, fmt.Errorf("failed to acquire ticket lock: %w", err)
		}
		if err == nil && ok {
			span.SetAttributes(attribute.Int("attempts", attempt))
			span.SetStatus(codes.Ok, "")
			return parent, func() { l.release(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			span.SetStatus(codes.Error, "lock timeout")
			return nil, nil, fmt.Errorf("%w: ticket %d: %v", domain.ErrLockTimeout, ticketID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// release runs detached from the request so a timed-out scan still frees its lock
func (l *RedisTicketLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := l.client.EvalWithFallback(ctx, scriptReleaseLock, releaseLockScript, []string{key}, token).Err(); err != nil {
		logger.Warn("failed to release ticket lock", zap.String("key", key), zap.Error(err))
	}
}
