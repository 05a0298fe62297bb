package policy_test

import (
	"testing"

	"govline/internal/domain"
	"govline/internal/engine/policy"
	"govline/internal/reason"
)

func TestForwardPath(t *testing.T) {
	path := []string{
		domain.StateInbox,
		domain.StateTriaged,
		domain.StateReady,
		domain.StateDoing,
		domain.StateReview,
		domain.StateApproval,
		domain.StateDone,
	}
	for i := 0; i < len(path)-1; i++ {
		req := policy.Request{Summary: "ran the migration, all checks green"}
		if err := policy.Validate(path[i], path[i+1], req, true); err != nil {
			t.Fatalf("%s -> %s: %v", path[i], path[i+1], err)
		}
	}
}

func TestNoSkippingStates(t *testing.T) {
	cases := [][2]string{
		{domain.StateInbox, domain.StateReady},
		{domain.StateInbox, domain.StateDone},
		{domain.StateTriaged, domain.StateDoing},
		{domain.StateReady, domain.StateReview},
		{domain.StateDoing, domain.StateDone},
		{domain.StateReview, domain.StateDone},
	}
	for _, c := range cases {
		err := policy.Validate(c[0], c[1], policy.Request{}, true)
		if err == nil {
			t.Fatalf("%s -> %s: expected rejection", c[0], c[1])
		}
		if reason.CodeOf(err) != reason.InvalidTransition {
			t.Fatalf("%s -> %s: code %s", c[0], c[1], reason.CodeOf(err))
		}
	}
}

func TestNoBackwardMoves(t *testing.T) {
	cases := [][2]string{
		{domain.StateTriaged, domain.StateInbox},
		{domain.StateDoing, domain.StateReady},
		{domain.StateReview, domain.StateDoing},
		{domain.StateDone, domain.StateApproval},
		{domain.StateDone, domain.StateInbox},
	}
	for _, c := range cases {
		if err := policy.Validate(c[0], c[1], policy.Request{}, true); err == nil {
			t.Fatalf("%s -> %s: expected rejection", c[0], c[1])
		}
	}
}

func TestBlockedReachableFromNonTerminals(t *testing.T) {
	for _, s := range domain.States {
		if s == domain.StateDone || s == domain.StateBlocked {
			continue
		}
		if err := policy.Validate(s, domain.StateBlocked, policy.Request{}, true); err != nil {
			t.Fatalf("%s -> BLOCKED: %v", s, err)
		}
	}
	if err := policy.Validate(domain.StateDone, domain.StateBlocked, policy.Request{}, true); err == nil {
		t.Fatalf("DONE -> BLOCKED: expected rejection")
	}
}

func TestBlockedIsDeadEnd(t *testing.T) {
	// the only way out is a manual re-triage
	if err := policy.Validate(domain.StateBlocked, domain.StateTriaged, policy.Request{}, true); err != nil {
		t.Fatalf("BLOCKED -> TRIAGED: %v", err)
	}
	for _, to := range []string{domain.StateReady, domain.StateDoing, domain.StateReview, domain.StateApproval, domain.StateDone, domain.StateInbox} {
		if err := policy.Validate(domain.StateBlocked, to, policy.Request{}, true); err == nil {
			t.Fatalf("BLOCKED -> %s: expected rejection", to)
		}
	}
}

func TestSameStateIsNoOp(t *testing.T) {
	for _, s := range domain.States {
		if err := policy.Validate(s, s, policy.Request{}, true); err != nil {
			t.Fatalf("%s -> %s: %v", s, s, err)
		}
	}
}

func TestUnknownStateRejected(t *testing.T) {
	err := policy.Validate(domain.StateInbox, "SHIPPED", policy.Request{}, true)
	if err == nil || reason.CodeOf(err) != reason.InvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	err = policy.Validate("LIMBO", domain.StateTriaged, policy.Request{}, true)
	if err == nil || reason.CodeOf(err) != reason.InvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestReviewRequiresSummaryInStrictMode(t *testing.T) {
	err := policy.Validate(domain.StateDoing, domain.StateReview, policy.Request{}, true)
	if err == nil || reason.CodeOf(err) != reason.MissingSummary {
		t.Fatalf("expected missing_review_summary, got %v", err)
	}
	// whitespace does not count
	err = policy.Validate(domain.StateDoing, domain.StateReview, policy.Request{Summary: "   "}, true)
	if err == nil || reason.CodeOf(err) != reason.MissingSummary {
		t.Fatalf("expected missing_review_summary for blank, got %v", err)
	}
	if err := policy.Validate(domain.StateDoing, domain.StateReview, policy.Request{Summary: "fixed the flaky retry"}, true); err != nil {
		t.Fatalf("with summary: %v", err)
	}
	// non-strict mode only checks adjacency
	if err := policy.Validate(domain.StateDoing, domain.StateReview, policy.Request{}, false); err != nil {
		t.Fatalf("non-strict: %v", err)
	}
}

func TestCheckCollectsViolations(t *testing.T) {
	violations := policy.Check(domain.StateDoing, domain.StateReview, policy.Request{}, true)
	if len(violations) != 1 {
		t.Fatalf("expected one violation, got %d", len(violations))
	}
	if violations[0].Code != reason.MissingSummary {
		t.Fatalf("code %s", violations[0].Code)
	}
	if violations := policy.Check(domain.StateReady, domain.StateDoing, policy.Request{}, true); violations != nil {
		t.Fatalf("expected none, got %v", violations)
	}
}

func TestSuccessors(t *testing.T) {
	next := policy.Successors(domain.StateReady)
	want := map[string]bool{domain.StateDoing: true, domain.StateBlocked: true}
	if len(next) != len(want) {
		t.Fatalf("READY successors: %v", next)
	}
	for _, s := range next {
		if !want[s] {
			t.Fatalf("unexpected successor %s", s)
		}
	}
	if got := policy.Successors(domain.StateDone); len(got) != 0 {
		t.Fatalf("DONE successors: %v", got)
	}
}
