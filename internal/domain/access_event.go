package domain

import (
	"strconv"
	"time"
)

// AccessEventType represents the type of access event
type AccessEventType string

const (
	AccessEventRecorded AccessEventType = "ticket.access.recorded"
)

// AccessEvent is published for every access log row that was written
type AccessEvent struct {
	EventID    string          `json:"event_id"`
	EventType  AccessEventType `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Version    int             `json:"version"`
	Data       *AccessRecord   `json:"data"`
}

// NewAccessEvent wraps a written record in an event envelope
func NewAccessEvent(eventType AccessEventType, record *AccessRecord, eventID string) *AccessEvent {
	return &AccessEvent{
		EventID:    eventID,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		Version:    1,
		Data:       record,
	}
}

// Key partitions events by ticket so consumers see one ticket's accesses in order
func (e *AccessEvent) Key() string {
	if e.Data == nil {
		return ""
	}
	return strconv.FormatInt(e.Data.TicketID, 10)
}
