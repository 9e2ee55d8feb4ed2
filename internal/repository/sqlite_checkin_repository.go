package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/pkg/database"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteTimeLayout keeps accessed_at sortable as text
const sqliteTimeLayout = time.RFC3339

const sqliteFindTerminalByPIN = `
	SELECT term.id, term.pin, term.name, term.category_group_id,
	       COALESCE(g.name, ''), COALESCE(term.ip_address, '')
	FROM terminals term
	LEFT JOIN category_groups g ON g.id = term.category_group_id
	WHERE term.pin = ? AND term.active = 1
	LIMIT 1
`

const sqliteFindTicketForCheckIn = `
	SELECT t.id, t.code, term.id, e.id, e.name, e.active,
	       t.full_name, c.name, c.multiplo, t.master, t.action
	FROM tickets t
	JOIN events e ON e.id = t.event_id
	JOIN categories c ON c.id = t.category_id
	JOIN terminals term ON term.pin = ? AND term.active = 1
	WHERE ltrim(t.code, '0') = ?
	  AND (term.category_group_id IS NULL OR c.category_group_id = term.category_group_id)
	ORDER BY t.id
	LIMIT 1
`

// SQLiteTerminalRepository implements TerminalRepository for standalone venues
type SQLiteTerminalRepository struct {
	db *sql.DB
}

// NewSQLiteTerminalRepository creates a new SQLiteTerminalRepository
func NewSQLiteTerminalRepository(db *database.SQLiteDB) *SQLiteTerminalRepository {
	return &SQLiteTerminalRepository{db: db.DB()}
}

// FindByPIN retrieves the active terminal holding pin
func (r *SQLiteTerminalRepository) FindByPIN(ctx context.Context, pin string) (*domain.Terminal, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.sqlite.terminal.find_by_pin")
	defer span.End()

	terminal := &domain.Terminal{}
	var groupID sql.NullInt64
	err := r.db.QueryRowContext(ctx, sqliteFindTerminalByPIN, pin).Scan(
		&terminal.ID,
		&terminal.PIN,
		&terminal.Name,
		&groupID,
		&terminal.GroupName,
		&terminal.Address,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrTerminalNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find terminal: %w", err)
	}
	if groupID.Valid {
		id := groupID.Int64
		terminal.GroupID = &id
	}

	span.SetStatus(codes.Ok, "")
	return terminal, nil
}

// SQLiteCheckInRepository implements CheckInRepository on SQLite. Reads share the
// single connection; writes go through the database worker.
type SQLiteCheckInRepository struct {
	db     *sql.DB
	writer *database.Worker
}

// NewSQLiteCheckInRepository creates a new SQLiteCheckInRepository
func NewSQLiteCheckInRepository(db *database.SQLiteDB) *SQLiteCheckInRepository {
	return &SQLiteCheckInRepository{db: db.DB(), writer: db.Writer()}
}

// FindTicketForCheckIn resolves a normalized code to its check-in row
func (r *SQLiteCheckInRepository) FindTicketForCheckIn(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.sqlite.checkin.find_ticket")
	defer span.End()

	span.SetAttributes(attribute.String("ticket_code", code))

	row := &domain.CheckInRow{}
	var (
		multiplo bool
		action   int64
	)
	err := r.db.QueryRowContext(ctx, sqliteFindTicketForCheckIn, pin, code).Scan(
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
		if errors.Is(err, sql.ErrNoRows) {
			span.SetStatus(codes.Error, "not found")
			return nil, domain.ErrTicketNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to find ticket: %w", err)
	}
	row.SingleUse = !multiplo
	row.Active = action != 0

	span.SetStatus(codes.Ok, "")
	return row, nil
}

// CountPriorAccess counts admissions already logged for the ticket
func (r *SQLiteCheckInRepository) CountPriorAccess(ctx context.Context, ticketID int64) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.sqlite.checkin.count_prior_access")
	defer span.End()

	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticket_accesses WHERE ticket_id = ? AND access_action_id = ?`,
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

// AppendAccess inserts one access log row through the single writer
func (r *SQLiteCheckInRepository) AppendAccess(ctx context.Context, record *domain.AccessRecord) error {
	ctx, span := telemetry.StartSpan(ctx, "repo.sqlite.checkin.append_access")
	defer span.End()

	span.SetAttributes(
		attribute.Int64("ticket_id", record.TicketID),
		attribute.Int("access_action_id", int(record.Action)),
	)

	err := r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ticket_accesses (
				ticket_id, event_id, terminal_id, code, accessed_at, access_action_id
			) VALUES (?, ?, ?, ?, ?, ?)`,
			record.TicketID,
			record.EventID,
			record.TerminalID,
			record.Code,
			record.AccessedAt.UTC().Format(sqliteTimeLayout),
			int(record.Action),
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		record.ID = id
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isSQLiteConstraint(err) {
			return fmt.Errorf("failed to append access: %w: %w", domain.ErrAccessRejected, err)
		}
		return fmt.Errorf("failed to append access: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// isSQLiteConstraint reports a SQLITE_CONSTRAINT family error
func isSQLiteConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// ListAccesses returns a page of the ticket's access log
func (r *SQLiteCheckInRepository) ListAccesses(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error) {
	ctx, span := telemetry.StartSpan(ctx, "repo.sqlite.checkin.list_accesses")
	defer span.End()

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ticket_accesses WHERE ticket_id = ?`, ticketID,
	).Scan(&total); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, fmt.Errorf("failed to count accesses: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, ticket_id, event_id, terminal_id, code, accessed_at, access_action_id
		FROM ticket_accesses
		WHERE ticket_id = ?
		ORDER BY accessed_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		ticketID, limit, offset,
	)
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
			accessedAt string
			action     int64
		)
		if err := rows.Scan(&rec.ID, &rec.TicketID, &rec.EventID, &rec.TerminalID, &rec.Code, &accessedAt, &action); err != nil {
			return nil, 0, fmt.Errorf("failed to scan access: %w", err)
		}
		ts, err := time.Parse(sqliteTimeLayout, accessedAt)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse accessed_at %q: %w", accessedAt, err)
		}
		rec.AccessedAt = ts
		rec.Action = domain.AccessAction(action)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate accesses: %w", err)
	}

	span.SetStatus(codes.Ok, "")
	return records, total, nil
}
