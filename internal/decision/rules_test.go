package decision

import (
	"testing"

	"github.com/prohmpiriya/fwe-access/internal/domain"
	"github.com/stretchr/testify/assert"
)

func validRow() *domain.CheckInRow {
	return &domain.CheckInRow{
		TicketID:     10,
		Code:         "45",
		TerminalID:   5,
		EventID:      3,
		EventName:    "Show",
		EventActive:  true,
		FullName:     "Maria Silva",
		CategoryName: "Pista",
		SingleUse:    false,
		Master:       false,
		Active:       true,
	}
}

func TestEvaluate(t *testing.T) {
	terminal := &domain.Terminal{ID: 5, PIN: "1234"}

	tests := []struct {
		name     string
		terminal *domain.Terminal
		row      func() *domain.CheckInRow
		prior    int
		want     domain.Outcome
	}{
		{
			name:     "terminal not found beats everything",
			terminal: nil,
			row:      validRow,
			want:     domain.OutcomeTerminalNotFound,
		},
		{
			name:     "no matching ticket",
			terminal: terminal,
			row:      func() *domain.CheckInRow { return nil },
			want:     domain.OutcomeInvalidTicket,
		},
		{
			name:     "plain ticket is granted",
			terminal: terminal,
			row:      validRow,
			want:     domain.OutcomeGranted,
		},
		{
			name:     "master on blocked ticket of expired event already used",
			terminal: terminal,
			row: func() *domain.CheckInRow {
				r := validRow()
				r.Master = true
				r.Active = false
				r.EventActive = false
				r.SingleUse = true
				return r
			},
			prior: 3,
			want:  domain.OutcomeMasterOverride,
		},
		{
			name:     "blocked beats expired event",
			terminal: terminal,
			row: func() *domain.CheckInRow {
				r := validRow()
				r.Active = false
				r.EventActive = false
				return r
			},
			want: domain.OutcomeBlocked,
		},
		{
			name:     "blocked beats already used",
			terminal: terminal,
			row: func() *domain.CheckInRow {
				r := validRow()
				r.Active = false
				r.SingleUse = true
				return r
			},
			prior: 1,
			want:  domain.OutcomeBlocked,
		},
		{
			name:     "expired beats already used",
			terminal: terminal,
			row: func() *domain.CheckInRow {
				r := validRow()
				r.EventActive = false
				r.SingleUse = true
				return r
			},
			prior: 1,
			want:  domain.OutcomeEventExpired,
		},
		{
			name:     "single use with prior admission",
			terminal: terminal,
			row: func() *domain.CheckInRow {
				r := validRow()
				r.SingleUse = true
				return r
			},
			prior: 1,
			want:  domain.OutcomeAlreadyUsed,
		},
		{
			name:     "single use first admission",
			terminal: terminal,
			row: func() *domain.CheckInRow {
				r := validRow()
				r.SingleUse = true
				return r
			},
			prior: 0,
			want:  domain.OutcomeGranted,
		},
		{
			name:     "multi use ignores prior admissions",
			terminal: terminal,
			row:      validRow,
			prior:    12,
			want:     domain.OutcomeGranted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(Facts{Terminal: tt.terminal, Row: tt.row(), PriorAdmissions: tt.prior})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluate_MasterNeverDeniedBySingleUse(t *testing.T) {
	terminal := &domain.Terminal{ID: 1}
	for prior := 0; prior < 5; prior++ {
		for _, eventActive := range []bool{true, false} {
			for _, active := range []bool{true, false} {
				r := validRow()
				r.Master = true
				r.SingleUse = true
				r.EventActive = eventActive
				r.Active = active

				got := Evaluate(Facts{Terminal: terminal, Row: r, PriorAdmissions: prior})
				assert.Equal(t, domain.OutcomeMasterOverride, got)
			}
		}
	}
}

func TestRules_Order(t *testing.T) {
	want := []domain.Outcome{
		domain.OutcomeTerminalNotFound,
		domain.OutcomeInvalidTicket,
		domain.OutcomeMasterOverride,
		domain.OutcomeBlocked,
		domain.OutcomeEventExpired,
		domain.OutcomeAlreadyUsed,
		domain.OutcomeGranted,
	}

	got := make([]domain.Outcome, 0, len(Rules))
	for _, r := range Rules {
		got = append(got, r.Outcome)
	}
	assert.Equal(t, want, got)
}

func TestEvaluateWith_ReportsMatchedIndex(t *testing.T) {
	outcome, idx := EvaluateWith(Rules, Facts{Terminal: &domain.Terminal{ID: 1}, Row: validRow()})
	assert.Equal(t, domain.OutcomeGranted, outcome)
	assert.Equal(t, len(Rules)-1, idx)

	outcome, idx = EvaluateWith(nil, Facts{})
	assert.Equal(t, domain.Outcome(""), outcome)
	assert.Equal(t, -1, idx)
}

func TestNeedsPriorAdmissions(t *testing.T) {
	assert.False(t, NeedsPriorAdmissions(nil))
	assert.False(t, NeedsPriorAdmissions(validRow()))

	r := validRow()
	r.SingleUse = true
	assert.True(t, NeedsPriorAdmissions(r))

	r.Master = true
	assert.False(t, NeedsPriorAdmissions(r))

	r.Master = false
	r.Active = false
	assert.False(t, NeedsPriorAdmissions(r))

	r.Active = true
	r.EventActive = false
	assert.False(t, NeedsPriorAdmissions(r))
}
