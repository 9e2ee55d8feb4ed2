package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/database"
	"github.com/prohmpiriya/fwe-access/pkg/logger"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// PostgresTicketLocker serializes scans of one ticket with a session-level
// advisory lock held on a dedicated pooled connection. The returned context
// carries that connection, so the holder's count and insert never wait on the
// pool while other scans sit in pg_advisory_lock.
type PostgresTicketLocker struct {
	pool *pgxpool.Pool
}

// NewPostgresTicketLocker creates a new PostgresTicketLocker
func NewPostgresTicketLocker(pool *pgxpool.Pool) *PostgresTicketLocker {
	return &PostgresTicketLocker{pool: pool}
}

// Lock blocks in pg_advisory_lock until acquired or ctx ends
func (l *PostgresTicketLocker) Lock(parent context.Context, ticketID int64) (context.Context, func(), error) {
	ctx, span := telemetry.StartSpan(parent, "repo.postgres.ticket_lock.lock")
	defer span.End()

	span.SetAttributes(attribute.Int64("ticket_id", ticketID))

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: ticket %d: %v", domain.ErrLockTimeout, ticketID, ctx.Err())
		}
		return nil, nil, fmt.Errorf("failed to acquire connection for ticket lock: %w", err)
	}

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", ticketID); err != nil {
		// a cancelled statement leaves the connection unusable; drop it from the pool
		conn.Conn().Close(context.Background())
		conn.Release()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() != nil {
			return nil, nil, fmt.Errorf("%w: ticket %d: %v", domain.ErrLockTimeout, ticketID, ctx.Err())
		}
		return nil, nil, fmt.Errorf("failed to acquire ticket lock: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return database.WithQuerier(parent, conn), func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock($1)", ticketID); err != nil {
			logger.Warn("failed to release ticket advisory lock", zap.Int64("ticket_id", ticketID), zap.Error(err))
			// closing the session releases every advisory lock it holds
			conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, nil
}
