package domain

import "errors"

// Domain errors
var (
	// Validation errors
	ErrPINRequired        = errors.New("pin is required")
	ErrTicketCodeRequired = errors.New("ticket code is required")
	ErrInvalidTicketID    = errors.New("invalid ticket id")

	// Identity errors
	ErrTerminalNotFound = errors.New("terminal not found")

	// Lookup errors
	ErrTicketNotFound = errors.New("ticket not found")

	// Serialization errors
	ErrLockTimeout = errors.New("timed out waiting for ticket lock")

	// Storage errors
	ErrAccessRejected = errors.New("access row rejected by a database constraint")
)

// TerminalNotFoundMessage is the only message shown to a terminal whose PIN does not resolve
const TerminalNotFoundMessage = "Equipamento não encontrado."

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrTerminalNotFound) ||
		errors.Is(err, ErrTicketNotFound)
}

// IsValidationError checks if the error is a validation error
func IsValidationError(err error) bool {
	return errors.Is(err, ErrPINRequired) ||
		errors.Is(err, ErrTicketCodeRequired) ||
		errors.Is(err, ErrInvalidTicketID)
}
