package domain

import "strings"

// NormalizeCode strips surrounding whitespace and leading zeros from a ticket code.
// "007", "07" and "7" all normalize to "7". Codes made only of zeros normalize to ""
// and never match a ticket.
func NormalizeCode(code string) string {
	return strings.TrimLeft(strings.TrimSpace(code), "0")
}
