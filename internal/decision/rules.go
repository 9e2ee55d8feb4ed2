// Package decision classifies a ticket scan into exactly one outcome.
//
// Rules are held in an ordered slice and evaluated by a single loop; the
// first rule whose predicate matches decides the outcome. Several rules can
// hold at once for the same ticket (a master ticket of an expired event, a
// blocked ticket already used), so the order of Rules is the contract.
package decision

import "github.com/prohmpiriya/fwe-access/internal/domain"

// Facts is everything the rules may look at for one scan
type Facts struct {
	// Terminal is nil when the PIN did not resolve
	Terminal *domain.Terminal
	// Row is nil when no ticket matched the scanned code
	Row *domain.CheckInRow
	// PriorAdmissions is the number of earlier admissions logged for the ticket
	PriorAdmissions int
}

// Rule pairs a predicate with the outcome it produces
type Rule struct {
	Name    string
	Outcome domain.Outcome
	Match   func(f Facts) bool
}

// Rules is the ordered rule chain. Do not reorder.
var Rules = []Rule{
	{
		Name:    "terminal_not_found",
		Outcome: domain.OutcomeTerminalNotFound,
		Match:   func(f Facts) bool { return f.Terminal == nil },
	},
	{
		Name:    "invalid_ticket",
		Outcome: domain.OutcomeInvalidTicket,
		Match:   func(f Facts) bool { return f.Row == nil },
	},
	{
		Name:    "master_override",
		Outcome: domain.OutcomeMasterOverride,
		Match:   func(f Facts) bool { return f.Row.Master },
	},
	{
		Name:    "blocked",
		Outcome: domain.OutcomeBlocked,
		Match:   func(f Facts) bool { return !f.Row.Active },
	},
	{
		Name:    "event_expired",
		Outcome: domain.OutcomeEventExpired,
		Match:   func(f Facts) bool { return !f.Row.EventActive },
	},
	{
		Name:    "already_used",
		Outcome: domain.OutcomeAlreadyUsed,
		Match: func(f Facts) bool {
			return f.Row.SingleUse && f.PriorAdmissions > 0 && !f.Row.Master
		},
	},
	{
		Name:    "granted",
		Outcome: domain.OutcomeGranted,
		Match:   func(Facts) bool { return true },
	},
}

// Evaluate returns the outcome of the first matching rule
func Evaluate(f Facts) domain.Outcome {
	outcome, _ := EvaluateWith(Rules, f)
	return outcome
}

// EvaluateWith runs an arbitrary ordered chain and also returns the index of the rule that matched.
// It returns -1 and an empty outcome when nothing matches.
func EvaluateWith(rules []Rule, f Facts) (domain.Outcome, int) {
	for i, r := range rules {
		if r.Match(f) {
			return r.Outcome, i
		}
	}
	return "", -1
}

// NeedsPriorAdmissions reports whether the single-use rule can still be reached for
// this row, so callers only pay for the access log count when it matters.
func NeedsPriorAdmissions(row *domain.CheckInRow) bool {
	return row != nil && row.SingleUse && !row.Master && row.Active && row.EventActive
}
