package domain

import "time"

// Outcome is the classification of a single ticket scan
type Outcome string

const (
	OutcomeTerminalNotFound Outcome = "TERMINAL_NOT_FOUND"
	OutcomeInvalidTicket    Outcome = "INVALID_TICKET"
	OutcomeMasterOverride   Outcome = "MASTER_OVERRIDE"
	OutcomeBlocked          Outcome = "BLOCKED"
	OutcomeEventExpired     Outcome = "EVENT_EXPIRED"
	OutcomeAlreadyUsed      Outcome = "ALREADY_USED"
	OutcomeGranted          Outcome = "GRANTED"
)

// ActionCode is the short code a terminal uses to drive its gate and screen
type ActionCode string

const (
	ActionPass          ActionCode = "PS"
	ActionBlocked       ActionCode = "CB"
	ActionEventExpired  ActionCode = "CE"
	ActionInvalidTicket ActionCode = "CI"
)

// AccessAction is the numeric outcome id stored with each access record
type AccessAction int

const (
	AccessActionNone        AccessAction = 0
	AccessActionGranted     AccessAction = 1
	AccessActionBlocked     AccessAction = 2
	AccessActionExpired     AccessAction = 3
	AccessActionAlreadyUsed AccessAction = 4
)

// Display style tags understood by the terminal UI
const (
	StyleSuccess = "success"
	StyleDanger  = "danger"
	StyleWarning = "warning"
)

// Display is the user-facing tuple for an outcome
type Display struct {
	Action ActionCode
	Info   string
	Style  string
}

type outcomeSpec struct {
	display Display
	action  AccessAction
}

var outcomeSpecs = map[Outcome]outcomeSpec{
	OutcomeInvalidTicket:  {Display{ActionInvalidTicket, "Ticket Inválido", StyleDanger}, AccessActionNone},
	OutcomeMasterOverride: {Display{ActionPass, "Ticket Liberado", StyleSuccess}, AccessActionGranted},
	OutcomeBlocked:        {Display{ActionBlocked, "Ticket Bloqueado", StyleDanger}, AccessActionBlocked},
	OutcomeEventExpired:   {Display{ActionEventExpired, "Evento Expirado", StyleWarning}, AccessActionExpired},
	OutcomeAlreadyUsed:    {Display{ActionBlocked, "Ticket Já Utilizado", StyleDanger}, AccessActionAlreadyUsed},
	OutcomeGranted:        {Display{ActionPass, "Ticket Liberado", StyleSuccess}, AccessActionGranted},
}

// IsValid checks if the outcome is a known Outcome
func (o Outcome) IsValid() bool {
	if o == OutcomeTerminalNotFound {
		return true
	}
	_, ok := outcomeSpecs[o]
	return ok
}

// String returns the string representation of Outcome
func (o Outcome) String() string {
	return string(o)
}

// Display returns the terminal display tuple. TERMINAL_NOT_FOUND has none.
func (o Outcome) Display() Display {
	return outcomeSpecs[o].display
}

// AccessAction returns the numeric id written to the access log
func (o Outcome) AccessAction() AccessAction {
	return outcomeSpecs[o].action
}

// WritesRecord reports whether the outcome must be appended to the access log
func (o Outcome) WritesRecord() bool {
	return o.AccessAction() != AccessActionNone
}

// IsAdmission reports whether the person is let through
func (o Outcome) IsAdmission() bool {
	return o == OutcomeGranted || o == OutcomeMasterOverride
}

// CheckInRow is the denormalized ticket+event+category+terminal state for one scan
type CheckInRow struct {
	TicketID     int64
	Code         string
	TerminalID   int64
	EventID      int64
	EventName    string
	EventActive  bool
	FullName     string
	CategoryName string
	SingleUse    bool // category multiplo == 0
	Master       bool
	Active       bool // administrative action flag != 0
}

// AccessRecord is one immutable row of the access log
type AccessRecord struct {
	ID         int64        `json:"id"`
	TicketID   int64        `json:"ticket_id"`
	EventID    int64        `json:"event_id"`
	TerminalID int64        `json:"terminal_id"`
	Code       string       `json:"code"`
	AccessedAt time.Time    `json:"accessed_at"`
	Action     AccessAction `json:"access_action_id"`
}

// Decision is the result of evaluating one scan
type Decision struct {
	Outcome         Outcome
	Terminal        *Terminal
	Row             *CheckInRow // nil for INVALID_TICKET
	ScannedCode     string
	NormalizedCode  string
	AccessedAt      time.Time
	PriorAdmissions int
	Recorded        bool
	RecordError     error
}

// NewAccessRecord builds the access log row for the decision, or nil when none is written
func (d *Decision) NewAccessRecord() *AccessRecord {
	if d.Row == nil || !d.Outcome.WritesRecord() {
		return nil
	}
	// Row.TerminalID is read uncached; d.Terminal may be up to a cache TTL old
	terminalID := d.Row.TerminalID
	if terminalID == 0 && d.Terminal != nil {
		terminalID = d.Terminal.ID
	}
	return &AccessRecord{
		TicketID:   d.Row.TicketID,
		EventID:    d.Row.EventID,
		TerminalID: terminalID,
		Code:       d.NormalizedCode,
		AccessedAt: d.AccessedAt,
		Action:     d.Outcome.AccessAction(),
	}
}
