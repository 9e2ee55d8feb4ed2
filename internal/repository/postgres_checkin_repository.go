package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/database"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const pgFindTerminalByPIN = `
	SELECT term.id, term.pin, term.name, term.category_group_id,
	       COALESCE(g.name, ''), COALESCE(term.ip_address, '')
	FROM terminals term
	LEFT JOIN category_groups g ON g.id = term.category_group_id
	WHERE term.pin = $1 AND term.active
	LIMIT 1
`

const pgFindTicketForCheckIn = `
	SELECT t.id, t.code, term.id, e.id, e.name, e.active,
	       t.full_name, c.name, c.multiplo, t.master, t.action
	FROM tickets t
	JOIN events e ON e.id = t.event_id
	JOIN categories c ON c.id = t.category_id
	JOIN terminals term ON term.pin = $1 AND term.active
	WHERE ltrim(t.code, '0') = $2
	  AND (term.category_group_id IS NULL OR c.category_group_id = term.category_group_id)
	ORDER BY t.id
	LIMIT 1
`

// PostgresTerminalRepository implements TerminalRepository using PostgreSQL with pgxpool
type PostgresTerminalRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresTerminalRepository creates a new PostgresTerminalRepository
func NewPostgresTerminalRepository(pool *pgxpool.Pool) *PostgresTerminalRepository {
	return &PostgresTerminalRepository{pool: pool}
}

// FindByPIN retrieves the active terminal holding pin
func (r *PostgresTerminalRepository) FindByPIN(ctx context.Context, pin string) (*domain.Terminal, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.terminal.find_by_pin")
	defer span.End()

	terminal := &domain.Terminal{}
	err := r.pool.QueryRow(ctx, pgFindTerminalByPIN, pin).Scan(
		&terminal.ID,
		&terminal.PIN,
		&terminal.Name,
		&terminal.GroupID,
		&terminal.GroupName,
		&terminal.Address,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrTerminalNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find terminal: %w", err)
	}

	span.SetAttributes(attribute.Int64("terminal_id", terminal.ID))
	span.SetStatus(codes.Ok, "")
	return terminal, nil
}

// PostgresCheckInRepository implements CheckInRepository using PostgreSQL with pgxpool
type PostgresCheckInRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresCheckInRepository creates a new PostgresCheckInRepository
func NewPostgresCheckInRepository(pool *pgxpool.Pool) *PostgresCheckInRepository {
	return &PostgresCheckInRepository{pool: pool}
}

// q returns the connection bound to ctx by the ticket lock, or the pool
func (r *PostgresCheckInRepository) q(ctx context.Context) database.Querier {
	return database.QuerierFrom(ctx, r.pool)
}

// FindTicketForCheckIn resolves a normalized code to its check-in row
func (r *PostgresCheckInRepository) FindTicketForCheckIn(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.checkin.find_ticket")
	defer span.End()

	span.SetAttributes(attribute.String("ticket_code", code))

	row := &domain.CheckInRow{}
	var (
		multiplo bool
		action   int16
	)
	err := r.q(ctx).QueryRow(ctx, pgFindTicketForCheckIn, pin, code).Scan(
		&row.TicketID,
		&row.Code,
		&row.TerminalID,
		&row.EventID,
		&row.EventName,
		&row.EventActive,
		&row.FullName,
		&row.CategoryName,
		&multiplo,
		&row.Master,
		&action,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrTicketNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find ticket: %w", err)
	}
	row.SingleUse = !multiplo
	row.Active = action != 0

	span.SetAttributes(attribute.Int64("ticket_id", row.TicketID))
	span.SetStatus(codes.Ok, "")
	return row, nil
}

// CountPriorAccess counts admissions already logged for the ticket
func (r *PostgresCheckInRepository) CountPriorAccess(ctx context.Context, ticketID int64) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.checkin.count_prior_access")
	defer span.End()

	span.SetAttributes(attribute.Int64("ticket_id", ticketID))

	var count int
	err := r.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ticket_accesses WHERE ticket_id = $1 AND access_action_id = $2`,
		ticketID, int(domain.AccessActionGranted),
	).Scan(&count)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("failed to count prior access: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return count, nil
}

// AppendAccess inserts one access log row
func (r *PostgresCheckInRepository) AppendAccess(ctx context.Context, record *domain.AccessRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.checkin.append_access")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("ticket_id", record.TicketID),
		attribute.Int64("terminal_id", record.TerminalID),
		attribute.Int("access_action_id", int(record.Action)),
	)

	query := `
		INSERT INTO ticket_accesses (
			ticket_id, event_id, terminal_id, code, accessed_at, access_action_id
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := r.q(ctx).QueryRow(ctx, query,
		record.TicketID,
		record.EventID,
		record.TerminalID,
		record.Code,
		record.AccessedAt,
		int(record.Action),
	).Scan(&record.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		var pgErr *pgconn.PgError
		// class 23: integrity constraint violation
		if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
			return fmt.Errorf("failed to append access: %w: %w", domain.ErrAccessRejected, err)
		}
		return fmt.Errorf("failed to append access: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// ListAccesses returns a page of the ticket's access log
func (r *PostgresCheckInRepository) ListAccesses(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.postgres.checkin.list_accesses")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("ticket_id", ticketID),
		attribute.Int("limit", limit),
		attribute.Int("offset", offset),
	)

	var total int
	if err := r.q(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM ticket_accesses WHERE ticket_id = $1`, ticketID,
	).Scan(&total); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("failed to count accesses: %w", err)
	}

	query := `
		SELECT id, ticket_id, event_id, terminal_id, code, accessed_at, access_action_id
		FROM ticket_accesses
		WHERE ticket_id = $1
		ORDER BY accessed_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.q(ctx).Query(ctx, query, ticketID, limit, offset)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("failed to list accesses: %w", err)
	}
	defer rows.Close()

	var records []*domain.AccessRecord
	for rows.Next() {
		rec := &domain.AccessRecord{}
		var (
			accessedAt time.Time
			action     int16
		)
		if err := rows.Scan(&rec.ID, &rec.TicketID, &rec.EventID, &rec.TerminalID, &rec.Code, &accessedAt, &action); err != nil {
			return nil, 0, fmt.Errorf("failed to scan access: %w", err)
		}
		rec.AccessedAt = accessedAt
		rec.Action = domain.AccessAction(action)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate accesses: %w", err)
	}

	span.SetAttributes(attribute.Int("count", len(records)))
	span.SetStatus(codes.Ok, "")
	return records, total, nil
}
