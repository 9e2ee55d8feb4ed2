package repository

import (
	"context"

	"github.com/prohmpiriya/fwe-access/internal/domain"
)

// TerminalRepository resolves terminals by pairing PIN
type TerminalRepository interface {
	// FindByPIN returns the active terminal with the given PIN or domain.ErrTerminalNotFound
	FindByPIN(ctx context.Context, pin string) (*domain.Terminal, error)
}

// CheckInRepository is the data access the check-in flow depends on
type CheckInRepository interface {
	// FindTicketForCheckIn returns the joined ticket/event/category row for a normalized
	// code within the scope of the terminal holding pin, or domain.ErrTicketNotFound
	FindTicketForCheckIn(ctx context.Context, pin, code string) (*domain.CheckInRow, error)

	// CountPriorAccess counts earlier admissions logged for the ticket
	CountPriorAccess(ctx context.Context, ticketID int64) (int, error)

	// AppendAccess inserts one access log row and sets its ID
	AppendAccess(ctx context.Context, record *domain.AccessRecord) error

	// ListAccesses returns a page of the ticket's access log, newest first, and the total count
	ListAccesses(ctx context.Context, ticketID int64, limit, offset int) ([]*domain.AccessRecord, int, error)
}
