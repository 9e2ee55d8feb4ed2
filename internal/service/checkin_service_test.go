package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var (
	testTerminal = &domain.Terminal{ID: 5, PIN: "1234", Name: "Portão A"}
	testClock    = time.Date(2026, 10, 16, 23, 15, 3, 987654321, time.UTC)
	saoPaulo     = time.FixedZone("BRT", -3*60*60)
)

func terminalRepo() *MockTerminalRepository {
	return &MockTerminalRepository{
		FindByPINFunc: func(ctx context.Context, pin string) (*domain.Terminal, error) {
			if pin == testTerminal.PIN {
				return testTerminal, nil
			}
			return nil, domain.ErrTerminalNotFound
		},
	}
}

func ticketRow(mod func(r *domain.CheckInRow)) *domain.CheckInRow {
	row := &domain.CheckInRow{
		TicketID:     10,
		Code:         "45",
		TerminalID:   5,
		EventID:      3,
		EventName:    "Show",
		EventActive:  true,
		FullName:     "Maria",
		CategoryName: "Pista",
		SingleUse:    true,
		Master:       false,
		Active:       true,
	}
	if mod != nil {
		mod(row)
	}
	return row
}

func newTestService(checkins *MockCheckInRepository, locker TicketLocker, recorder AccessRecorder) CheckInService {
	return NewCheckInService(terminalRepo(), checkins, locker, recorder, &CheckInServiceConfig{
		Timeout:  time.Second,
		Location: saoPaulo,
		Now:      func() time.Time { return testClock },
	})
}

func TestCheckInService_Register_DecisionTable(t *testing.T) {
	tests := []struct {
		name        string
		row         *domain.CheckInRow
		prior       int
		wantOutcome domain.Outcome
		wantAction  domain.AccessAction
		wantCount   bool
	}{
		{
			name:        "first scan of single-use ticket",
			row:         ticketRow(nil),
			wantOutcome: domain.OutcomeGranted,
			wantAction:  domain.AccessActionGranted,
			wantCount:   true,
		},
		{
			name:        "second scan of single-use ticket",
			row:         ticketRow(nil),
			prior:       1,
			wantOutcome: domain.OutcomeAlreadyUsed,
			wantAction:  domain.AccessActionAlreadyUsed,
			wantCount:   true,
		},
		{
			name:        "multi-use ticket skips the count",
			row:         ticketRow(func(r *domain.CheckInRow) { r.SingleUse = false }),
			prior:       7,
			wantOutcome: domain.OutcomeGranted,
			wantAction:  domain.AccessActionGranted,
		},
		{
			name:        "master beats blocked and expired",
			row:         ticketRow(func(r *domain.CheckInRow) { r.Master = true; r.Active = false; r.EventActive = false }),
			prior:       3,
			wantOutcome: domain.OutcomeMasterOverride,
			wantAction:  domain.AccessActionGranted,
		},
		{
			name:        "blocked beats expired",
			row:         ticketRow(func(r *domain.CheckInRow) { r.Active = false; r.EventActive = false }),
			wantOutcome: domain.OutcomeBlocked,
			wantAction:  domain.AccessActionBlocked,
		},
		{
			name:        "expired event",
			row:         ticketRow(func(r *domain.CheckInRow) { r.EventActive = false }),
			prior:       1,
			wantOutcome: domain.OutcomeEventExpired,
			wantAction:  domain.AccessActionExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counted := false
			checkins := &MockCheckInRepository{
				FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
					assert.Equal(t, "1234", pin)
					assert.Equal(t, "45", code)
					return tt.row, nil
				},
				CountPriorAccessFunc: func(ctx context.Context, ticketID int64) (int, error) {
					counted = true
					return tt.prior, nil
				},
			}
			recorder := &MockAccessRecorder{}
			locker := &MockTicketLocker{}
			svc := newTestService(checkins, locker, recorder)

			d, err := svc.Register(context.Background(), "1234", "045")
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, d.Outcome)
			assert.Equal(t, tt.wantCount, counted)
			assert.True(t, d.Recorded)
			assert.NoError(t, d.RecordError)
			assert.Equal(t, 1, locker.unlocked)

			records := recorder.Records()
			require.Len(t, records, 1)
			assert.Equal(t, tt.wantAction, records[0].Action)
			assert.Equal(t, int64(10), records[0].TicketID)
			assert.Equal(t, int64(3), records[0].EventID)
			assert.Equal(t, int64(5), records[0].TerminalID)
			assert.Equal(t, "45", records[0].Code)
		})
	}
}

func TestCheckInService_Register_AccessedAt(t *testing.T) {
	recorder := &MockAccessRecorder{}
	svc := newTestService(&MockCheckInRepository{
		FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
			return ticketRow(nil), nil
		},
	}, nil, recorder)

	d, err := svc.Register(context.Background(), "1234", "45")
	require.NoError(t, err)

	assert.Equal(t, "2026-10-16 20:15:03", d.AccessedAt.Format("2006-01-02 15:04:05"))
	assert.Zero(t, d.AccessedAt.Nanosecond())
	require.Len(t, recorder.Records(), 1)
	assert.True(t, recorder.Records()[0].AccessedAt.Equal(d.AccessedAt))
}

func TestCheckInService_Register_NoRecordCases(t *testing.T) {
	t.Run("unknown terminal", func(t *testing.T) {
		checkins := &MockCheckInRepository{
			FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
				t.Fatal("ticket lookup must not run for an unknown terminal")
				return nil, nil
			},
		}
		recorder := &MockAccessRecorder{}
		svc := newTestService(checkins, nil, recorder)

		d, err := svc.Register(context.Background(), "9999", "45")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeTerminalNotFound, d.Outcome)
		assert.Nil(t, d.Terminal)
		assert.Empty(t, recorder.Records())
	})

	t.Run("unknown ticket", func(t *testing.T) {
		recorder := &MockAccessRecorder{}
		locker := &MockTicketLocker{
			LockFunc: func(ctx context.Context, ticketID int64) (context.Context, func(), error) {
				t.Fatal("no lock for an unknown ticket")
				return nil, nil, nil
			},
		}
		svc := newTestService(&MockCheckInRepository{}, locker, recorder)

		d, err := svc.Register(context.Background(), "1234", "12345")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeInvalidTicket, d.Outcome)
		assert.Equal(t, testTerminal, d.Terminal)
		assert.Nil(t, d.Row)
		assert.False(t, d.Recorded)
		assert.Empty(t, recorder.Records())
	})

	for _, code := range []string{"0", "000", " 00 "} {
		t.Run("all-zero code "+code, func(t *testing.T) {
			checkins := &MockCheckInRepository{
				FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
					t.Fatal("empty normalized code must not be looked up")
					return nil, nil
				},
			}
			svc := newTestService(checkins, nil, &MockAccessRecorder{})

			d, err := svc.Register(context.Background(), "1234", code)
			require.NoError(t, err)
			assert.Equal(t, domain.OutcomeInvalidTicket, d.Outcome)
			assert.Empty(t, d.NormalizedCode)
		})
	}
}

func TestCheckInService_Register_Validation(t *testing.T) {
	tests := []struct {
		name    string
		pin     string
		ticket  string
		wantErr error
	}{
		{name: "missing pin", pin: "", ticket: "45", wantErr: domain.ErrPINRequired},
		{name: "blank pin", pin: "   ", ticket: "45", wantErr: domain.ErrPINRequired},
		{name: "missing ticket", pin: "1234", ticket: "", wantErr: domain.ErrTicketCodeRequired},
		{name: "blank ticket", pin: "1234", ticket: "  ", wantErr: domain.ErrTicketCodeRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terminals := &MockTerminalRepository{
				FindByPINFunc: func(ctx context.Context, pin string) (*domain.Terminal, error) {
					t.Fatal("validation must fail before any lookup")
					return nil, nil
				},
			}
			svc := NewCheckInService(terminals, &MockCheckInRepository{}, nil, &MockAccessRecorder{}, nil)

			d, err := svc.Register(context.Background(), tt.pin, tt.ticket)
			assert.Nil(t, d)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.True(t, domain.IsValidationError(err))
		})
	}
}

func TestCheckInService_Register_InfrastructureErrors(t *testing.T) {
	dbErr := errors.New("connection reset")

	t.Run("terminal lookup", func(t *testing.T) {
		terminals := &MockTerminalRepository{
			FindByPINFunc: func(ctx context.Context, pin string) (*domain.Terminal, error) {
				return nil, dbErr
			},
		}
		recorder := &MockAccessRecorder{}
		svc := NewCheckInService(terminals, &MockCheckInRepository{}, nil, recorder, nil)

		_, err := svc.Register(context.Background(), "1234", "45")
		assert.ErrorIs(t, err, dbErr)
		assert.Empty(t, recorder.Records())
	})

	t.Run("ticket lookup", func(t *testing.T) {
		recorder := &MockAccessRecorder{}
		svc := newTestService(&MockCheckInRepository{
			FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
				return nil, dbErr
			},
		}, nil, recorder)

		_, err := svc.Register(context.Background(), "1234", "45")
		assert.ErrorIs(t, err, dbErr)
		assert.Empty(t, recorder.Records())
	})

	t.Run("prior access count", func(t *testing.T) {
		recorder := &MockAccessRecorder{}
		locker := &MockTicketLocker{}
		svc := newTestService(&MockCheckInRepository{
			FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
				return ticketRow(nil), nil
			},
			CountPriorAccessFunc: func(ctx context.Context, ticketID int64) (int, error) {
				return 0, dbErr
			},
		}, locker, recorder)

		_, err := svc.Register(context.Background(), "1234", "45")
		assert.ErrorIs(t, err, dbErr)
		assert.Empty(t, recorder.Records())
		assert.Equal(t, 1, locker.unlocked)
	})

	t.Run("lock timeout", func(t *testing.T) {
		held := NewKeyedLocker(1)
		_, unlock, err := held.Lock(context.Background(), 10)
		require.NoError(t, err)
		defer unlock()

		recorder := &MockAccessRecorder{}
		svc := NewCheckInService(terminalRepo(), &MockCheckInRepository{
			FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
				return ticketRow(nil), nil
			},
		}, held, recorder, &CheckInServiceConfig{Timeout: 50 * time.Millisecond})

		_, err = svc.Register(context.Background(), "1234", "45")
		assert.ErrorIs(t, err, domain.ErrLockTimeout)
		assert.Empty(t, recorder.Records())
	})
}

func TestCheckInService_Register_RecorderFailureKeepsDecision(t *testing.T) {
	recorder := &MockAccessRecorder{RecordErr: errors.New("disk full")}
	svc := newTestService(&MockCheckInRepository{
		FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
			return ticketRow(nil), nil
		},
	}, nil, recorder)

	d, err := svc.Register(context.Background(), "1234", "45")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeGranted, d.Outcome)
	assert.False(t, d.Recorded)
	assert.EqualError(t, d.RecordError, "disk full")
}

type lockSessionKey struct{}

// capturingRecorder records the context each access row was written with
type capturingRecorder struct {
	ctx context.Context
}

func (r *capturingRecorder) Record(ctx context.Context, record *domain.AccessRecord) error {
	r.ctx = ctx
	return nil
}

func TestCheckInService_Register_WorkUnderLockUsesLockContext(t *testing.T) {
	var countCtx context.Context
	checkins := &MockCheckInRepository{
		FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
			assert.Nil(t, ctx.Value(lockSessionKey{}), "ticket lookup runs before the lock")
			return ticketRow(nil), nil
		},
		CountPriorAccessFunc: func(ctx context.Context, ticketID int64) (int, error) {
			countCtx = ctx
			return 0, nil
		},
	}
	unlocked := false
	locker := &MockTicketLocker{
		LockFunc: func(ctx context.Context, ticketID int64) (context.Context, func(), error) {
			return context.WithValue(ctx, lockSessionKey{}, ticketID), func() { unlocked = true }, nil
		},
	}
	recorder := &capturingRecorder{}
	svc := newTestService(checkins, locker, recorder)

	d, err := svc.Register(context.Background(), "1234", "45")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeGranted, d.Outcome)
	assert.True(t, unlocked)

	require.NotNil(t, countCtx)
	assert.Equal(t, int64(10), countCtx.Value(lockSessionKey{}))
	require.NotNil(t, recorder.ctx)
	assert.Equal(t, int64(10), recorder.ctx.Value(lockSessionKey{}))
	_, hasDeadline := recorder.ctx.Deadline()
	assert.True(t, hasDeadline, "the scan timeout still bounds work under the lock")
}

func TestCheckInService_Register_RecordsLockEvent(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	svc := newTestService(&MockCheckInRepository{
		FindTicketForCheckInFunc: func(ctx context.Context, pin, code string) (*domain.CheckInRow, error) {
			return ticketRow(nil), nil
		},
	}, nil, &capturingRecorder{})

	ctx, span := tp.Tracer("test").Start(context.Background(), "scan")
	_, err := svc.Register(ctx, "1234", "45")
	require.NoError(t, err)
	span.End()

	ended := sr.Ended()
	require.NotEmpty(t, ended)
	var locked bool
	for _, s := range ended {
		for _, ev := range s.Events() {
			if ev.Name == "ticket.locked" {
				locked = true
			}
		}
	}
	assert.True(t, locked)
}

func TestCheckInService_Register_SequentialSingleUse(t *testing.T) {
	store := newAccessLogStore(
		ticketRow(nil),
		ticketRow(func(r *domain.CheckInRow) { r.TicketID = 20; r.Code = "77"; r.SingleUse = false }),
	)
	recorder := NewAccessRecorder(store, nil, nil, nil)
	svc := NewCheckInService(terminalRepo(), store, nil, recorder, nil)
	ctx := context.Background()

	first, err := svc.Register(ctx, "1234", "45")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeGranted, first.Outcome)

	second, err := svc.Register(ctx, "1234", "0045")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyUsed, second.Outcome)

	// a denial does not consume the ticket further
	third, err := svc.Register(ctx, "1234", "45")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeAlreadyUsed, third.Outcome)
	assert.Equal(t, 1, store.admissions(10))

	for i := 0; i < 3; i++ {
		d, err := svc.Register(ctx, "1234", "77")
		require.NoError(t, err)
		assert.Equal(t, domain.OutcomeGranted, d.Outcome)
	}
	assert.Equal(t, 3, store.admissions(20))
}

func TestCheckInService_Register_ConcurrentSingleUse(t *testing.T) {
	store := newAccessLogStore(ticketRow(nil))
	recorder := NewAccessRecorder(store, nil, nil, nil)
	svc := NewCheckInService(terminalRepo(), store, NewKeyedLocker(DefaultLockStripes), recorder, &CheckInServiceConfig{
		Timeout: 5 * time.Second,
	})

	const scans = 50
	outcomes := make(chan domain.Outcome, scans)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < scans; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			d, err := svc.Register(context.Background(), "1234", "45")
			if assert.NoError(t, err) {
				outcomes <- d.Outcome
			}
		}()
	}
	close(start)
	wg.Wait()
	close(outcomes)
	recorder.Wait()

	counts := map[domain.Outcome]int{}
	for o := range outcomes {
		counts[o]++
	}
	assert.Equal(t, 1, counts[domain.OutcomeGranted])
	assert.Equal(t, scans-1, counts[domain.OutcomeAlreadyUsed])
	assert.Equal(t, 1, store.admissions(10))

	_, total, err := store.ListAccesses(context.Background(), 10, 100, 0)
	require.NoError(t, err)
	assert.Equal(t, scans, total)
}

func TestCheckInService_ListAccesses(t *testing.T) {
	var gotLimit, gotOffset int
	checkins := &MockCheckInRepository{
		ListAccessesFunc: func(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error) {
			gotLimit, gotOffset = limit, offset
			return nil, 0, nil
		},
	}
	svc := NewCheckInService(terminalRepo(), checkins, nil, &MockAccessRecorder{}, nil)
	ctx := context.Background()

	tests := []struct {
		name       string
		page       int
		pageSize   int
		wantLimit  int
		wantOffset int
	}{
		{name: "defaults", page: 0, pageSize: 0, wantLimit: DefaultPageSize, wantOffset: 0},
		{name: "third page", page: 3, pageSize: 10, wantLimit: 10, wantOffset: 20},
		{name: "clamped page size", page: 1, pageSize: 1000, wantLimit: MaxPageSize, wantOffset: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, _, err := svc.ListAccesses(ctx, 10, tt.page, tt.pageSize)
			require.NoError(t, err)
			assert.NotNil(t, records)
			assert.Equal(t, tt.wantLimit, gotLimit)
			assert.Equal(t, tt.wantOffset, gotOffset)
		})
	}

	_, _, err := svc.ListAccesses(ctx, 0, 1, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidTicketID)
}
