package dto

import (
	"encoding/json"
	"time"

	"github.com/prohmpiriya/fwe-access/internal/domain"
)

// HoraAcessoLayout is the terminal-facing timestamp format
const HoraAcessoLayout = "2006-01-02 15:04:05"

// Error codes returned in ErrorResponse.Code
const (
	CodeValidationError  = "VALIDATION_ERROR"
	CodeTerminalNotFound = "TERMINAL_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
)

// Terminal-facing messages
const (
	MessageValidation    = "Os campos pin e ticket são obrigatórios."
	MessageInternalError = "Erro ao processar acesso."
)

// CheckInRequest is the body a terminal posts for one scan
type CheckInRequest struct {
	PIN    string `json:"pin" binding:"required"`
	Ticket string `json:"ticket" binding:"required"`
	// ViewImage is passed back to the terminal as sent
	ViewImage json.RawMessage `json:"viewImage,omitempty"`
}

// ActionType is the display label and severity for the terminal screen
type ActionType struct {
	Info  string `json:"info"`
	Style string `json:"style"`
}

// CheckInResponse is returned with 200 for every decided scan
type CheckInResponse struct {
	Proccess     bool            `json:"proccess"`
	Action       string          `json:"action"`
	TicketNumber string          `json:"ticketNumber"`
	TicketID     *int64          `json:"ticketId"`
	DeviceID     int64           `json:"deviceId"`
	EventID      *int64          `json:"eventId"`
	EventName    string          `json:"eventName"`
	Valid        bool            `json:"valid"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	HoraAcesso   string          `json:"hora_acesso"`
	ActionType   ActionType      `json:"actionType"`
	ViewImage    json.RawMessage `json:"viewImage,omitempty"`
}

// ErrorResponse is returned when a scan could not be decided
type ErrorResponse struct {
	Proccess bool   `json:"proccess"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// NewErrorResponse builds an ErrorResponse
func NewErrorResponse(code, message string) ErrorResponse {
	return ErrorResponse{Proccess: false, Code: code, Message: message}
}

// FromDecision maps a decided scan to the terminal response.
// valid carries the event-active flag, not the outcome.
func FromDecision(d *domain.Decision, viewImage json.RawMessage) *CheckInResponse {
	display := d.Outcome.Display()
	resp := &CheckInResponse{
		Proccess:     true,
		Action:       string(display.Action),
		TicketNumber: d.NormalizedCode,
		HoraAcesso:   d.AccessedAt.Format(HoraAcessoLayout),
		ActionType: ActionType{
			Info:  display.Info,
			Style: display.Style,
		},
		ViewImage: viewImage,
	}
	if d.Terminal != nil {
		resp.DeviceID = d.Terminal.ID
	}
	if row := d.Row; row != nil {
		ticketID, eventID := row.TicketID, row.EventID
		resp.TicketNumber = row.Code
		resp.TicketID = &ticketID
		resp.EventID = &eventID
		resp.EventName = row.EventName
		resp.Valid = row.EventActive
		resp.Name = row.FullName
		resp.Category = row.CategoryName
	}
	return resp
}

// AccessRecordResponse is one access log row in the history API
type AccessRecordResponse struct {
	ID             int64     `json:"id"`
	TicketID       int64     `json:"ticket_id"`
	EventID        int64     `json:"event_id"`
	TerminalID     int64     `json:"terminal_id"`
	Code           string    `json:"code"`
	AccessedAt     time.Time `json:"accessed_at"`
	AccessActionID int       `json:"access_action_id"`
	AccessAction   string    `json:"access_action"`
}

var accessActionNames = map[domain.AccessAction]string{
	domain.AccessActionGranted:     "Liberado",
	domain.AccessActionBlocked:     "Bloqueado",
	domain.AccessActionExpired:     "Expirado",
	domain.AccessActionAlreadyUsed: "Já utilizado",
}

// FromAccessRecords maps access log rows for the history API
func FromAccessRecords(records []*domain.AccessRecord) []*AccessRecordResponse {
	out := make([]*AccessRecordResponse, 0, len(records))
	for _, r := range records {
		out = append(out, &AccessRecordResponse{
			ID:             r.ID,
			TicketID:       r.TicketID,
			EventID:        r.EventID,
			TerminalID:     r.TerminalID,
			Code:           r.Code,
			AccessedAt:     r.AccessedAt,
			AccessActionID: int(r.Action),
			AccessAction:   accessActionNames[r.Action],
		})
	}
	return out
}
