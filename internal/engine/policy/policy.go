package policy

import (
	"strings"

	"govline/internal/domain"
	"govline/internal/reason"
)

// allowed is the forward-only lifecycle graph. BLOCKED is reachable from
// every non-terminal state and is a dead end: its only exit is a manual
// re-triage, never an automatic resume.
var allowed = map[string]map[string]struct{}{
	domain.StateInbox:    {domain.StateTriaged: {}, domain.StateBlocked: {}},
	domain.StateTriaged:  {domain.StateReady: {}, domain.StateBlocked: {}},
	domain.StateReady:    {domain.StateDoing: {}, domain.StateBlocked: {}},
	domain.StateDoing:    {domain.StateReview: {}, domain.StateBlocked: {}},
	domain.StateReview:   {domain.StateApproval: {}, domain.StateBlocked: {}},
	domain.StateApproval: {domain.StateDone: {}, domain.StateBlocked: {}},
	domain.StateDone:     {},
	domain.StateBlocked:  {domain.StateTriaged: {}},
}

// Request carries the transition context strict rules inspect.
type Request struct {
	Task    domain.Task
	Summary string
}

// Rule is a strict-mode precondition on a single edge. The table is meant
// to grow; new preconditions are product decisions, added here.
type Rule struct {
	From  string
	To    string
	Check func(Request) *reason.Error
}

var strictRules = []Rule{
	{
		From: domain.StateDoing,
		To:   domain.StateReview,
		Check: func(req Request) *reason.Error {
			if strings.TrimSpace(req.Summary) == "" {
				return reason.New(reason.MissingSummary, "entering REVIEW requires a non-empty execution summary")
			}
			return nil
		},
	},
}

// Check returns every violation for the requested transition, or nil when
// the transition is legal. A request where to equals from is an idempotent
// no-op and never violates anything.
func Check(from, to string, req Request, strict bool) []*reason.Error {
	if to == from {
		return nil
	}
	var violations []*reason.Error
	if !domain.ValidState(to) {
		violations = append(violations, reason.Newf(reason.InvalidState, "unknown task state %s", to).With("state", to))
		return violations
	}
	next, ok := allowed[from]
	if !ok {
		violations = append(violations, reason.Newf(reason.InvalidState, "unknown task state %s", from).With("state", from))
		return violations
	}
	if _, ok := next[to]; !ok {
		violations = append(violations, reason.Newf(reason.InvalidTransition, "invalid task state transition %s -> %s", from, to).
			With("from", from).With("to", to))
	}
	if strict {
		for _, rule := range strictRules {
			if rule.From == from && rule.To == to {
				if err := rule.Check(req); err != nil {
					violations = append(violations, err)
				}
			}
		}
	}
	return violations
}

// Validate is the single-error form of Check used by the engine: the first
// violation wins.
func Validate(from, to string, req Request, strict bool) error {
	violations := Check(from, to, req, strict)
	if len(violations) == 0 {
		return nil
	}
	return violations[0]
}

// Successors lists the legal next states from a given state.
func Successors(from string) []string {
	next, ok := allowed[from]
	if !ok {
		return nil
	}
	res := make([]string, 0, len(next))
	for _, s := range domain.States {
		if _, ok := next[s]; ok {
			res = append(res, s)
		}
	}
	return res
}
