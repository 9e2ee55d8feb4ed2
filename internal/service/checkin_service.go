package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prohmpiriya/fwe-access/internal/decision"
	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/prohmpiriya/fwe-access/internal/metrics"
	"github.com/prohmpiriya/fwe-access/internal/repository"
	"github.com/prohmpiriya/fwe-access/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Access history paging bounds
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// CheckInService defines the interface for terminal check-in
type CheckInService interface {
	// Register decides one ticket scan at a terminal and records the outcome.
	// Every decided scan, including TERMINAL_NOT_FOUND, is returned as a
	// Decision with a nil error. Errors are validation or infrastructure failures.
	Register(ctx context.Context, pin, ticket string) (*domain.Decision, error)

	// ListAccesses returns a page of a ticket's access log, newest first
	ListAccesses(ctx context.Context, ticketID int64, page, pageSize int) ([]*domain.AccessRecord, int, error)
}

// CheckInServiceConfig contains configuration for the check-in service
type CheckInServiceConfig struct {
	// Timeout bounds one whole scan, lock wait included
	Timeout time.Duration
	// Location is the venue time zone used for accessed_at
	Location *time.Location
	// LockBackend labels lock wait metrics
	LockBackend string
	// Now overrides the clock in tests
	Now func() time.Time
}

// checkInService implements CheckInService
type checkInService struct {
	terminals   repository.TerminalRepository
	checkins    repository.CheckInRepository
	locker      TicketLocker
	recorder    AccessRecorder
	timeout     time.Duration
	location    *time.Location
	lockBackend string
	now         func() time.Time
}

// NewCheckInService creates a new check-in service
func NewCheckInService(
	terminals repository.TerminalRepository,
	checkins repository.CheckInRepository,
	locker TicketLocker,
	recorder AccessRecorder,
	cfg *CheckInServiceConfig,
) CheckInService {
	timeout := 5 * time.Second
	location := time.Local
	lockBackend := "local"
	now := time.Now
	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.Location != nil {
			location = cfg.Location
		}
		if cfg.LockBackend != "" {
			lockBackend = cfg.LockBackend
		}
		if cfg.Now != nil {
			now = cfg.Now
		}
	}
	if locker == nil {
		locker = NewKeyedLocker(DefaultLockStripes)
	}
	return &checkInService{
		terminals:   terminals,
		checkins:    checkins,
		locker:      locker,
		recorder:    recorder,
		timeout:     timeout,
		location:    location,
		lockBackend: lockBackend,
		now:         now,
	}
}

// Register decides one ticket scan at a terminal and records the outcome
func (s *checkInService) Register(ctx context.Context, pin, ticket string) (*domain.Decision, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.checkin.register")
	defer span.End()

	pin = strings.TrimSpace(pin)
	if pin == "" {
		span.SetStatus(codes.Error, "pin required")
		return nil, domain.ErrPINRequired
	}
	if strings.TrimSpace(ticket) == "" {
		span.SetStatus(codes.Error, "ticket required")
		return nil, domain.ErrTicketCodeRequired
	}

	span.SetAttributes(attribute.String("ticket_code", ticket))

	start := time.Now()
	metrics.ScanStarted(ctx)
	defer metrics.ScanFinished(ctx)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	d := &domain.Decision{
		ScannedCode:    ticket,
		NormalizedCode: domain.NormalizeCode(ticket),
		AccessedAt:     s.now().In(s.location).Truncate(time.Second),
	}

	terminal, err := s.terminals.FindByPIN(ctx, pin)
	switch {
	case errors.Is(err, domain.ErrTerminalNotFound):
		return s.decide(ctx, span, d, start), nil
	case err != nil:
		return nil, s.fail(ctx, span, "find_terminal", err)
	}
	d.Terminal = terminal
	span.SetAttributes(attribute.Int64("terminal_id", terminal.ID))

	if d.NormalizedCode == "" {
		return s.decide(ctx, span, d, start), nil
	}

	row, err := s.checkins.FindTicketForCheckIn(ctx, pin, d.NormalizedCode)
	switch {
	case errors.Is(err, domain.ErrTicketNotFound):
		return s.decide(ctx, span, d, start), nil
	case err != nil:
		return nil, s.fail(ctx, span, "find_ticket", err)
	}
	d.Row = row
	span.SetAttributes(attribute.Int64("ticket_id", row.TicketID))

	lockStart := time.Now()
	lockCtx, unlock, err := s.locker.Lock(ctx, row.TicketID)
	if err != nil {
		return nil, s.fail(ctx, span, "lock", err)
	}
	defer unlock()
	ctx = lockCtx
	lockWait := time.Since(lockStart)
	metrics.RecordLockWait(ctx, s.lockBackend, float64(lockWait.Milliseconds()))
	telemetry.AddSpanEvent(ctx, "ticket.locked",
		attribute.String("lock_backend", s.lockBackend),
		attribute.Int64("lock_wait_ms", lockWait.Milliseconds()),
	)

	if decision.NeedsPriorAdmissions(row) {
		prior, err := s.checkins.CountPriorAccess(ctx, row.TicketID)
		if err != nil {
			return nil, s.fail(ctx, span, "count_prior_access", err)
		}
		d.PriorAdmissions = prior
	}

	s.decide(ctx, span, d, start)

	if record := d.NewAccessRecord(); record != nil {
		if err := s.recorder.Record(ctx, record); err != nil {
			d.RecordError = err
		} else {
			d.Recorded = true
		}
	}

	return d, nil
}

// decide runs the rule chain over the facts gathered so far
func (s *checkInService) decide(ctx context.Context, span trace.Span, d *domain.Decision, start time.Time) *domain.Decision {
	d.Outcome = decision.Evaluate(decision.Facts{
		Terminal:        d.Terminal,
		Row:             d.Row,
		PriorAdmissions: d.PriorAdmissions,
	})

	span.SetAttributes(attribute.String("outcome", d.Outcome.String()))
	span.SetStatus(codes.Ok, "")
	metrics.RecordDecision(ctx, d.Outcome.String(), float64(time.Since(start).Milliseconds()))
	return d
}

func (s *checkInService) fail(ctx context.Context, span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, stage)
	metrics.RecordError(ctx, stage)
	return err
}

// ListAccesses returns a page of a ticket's access log, newest first
func (s *checkInService) ListAccesses(ctx context.Context, ticketID int64, page, pageSize int) ([]*domain.AccessRecord, int, error) {
	ctx, span := telemetry.StartSpan(ctx, "service.checkin.list_accesses")
	defer span.End()

	if ticketID <= 0 {
		span.SetStatus(codes.Error, "invalid ticket id")
		return nil, 0, domain.ErrInvalidTicketID
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	span.SetAttributes(
		attribute.Int64("ticket_id", ticketID),
		attribute.Int("page", page),
		attribute.Int("page_size", pageSize),
	)

	records, total, err := s.checkins.ListAccesses(ctx, ticketID, pageSize, (page-1)*pageSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, 0, err
	}
	if records == nil {
		records = []*domain.AccessRecord{}
	}

	span.SetStatus(codes.Ok, "")
	return records, total, nil
}
