package engine

import (
	"testing"

	"reqline/internal/domain"
)

func TestTestCaseTransitionTable(t *testing.T) {
	cases := []struct {
		from domain.TestCaseStatus
		op   Op
		to   domain.TestCaseStatus
		ok   bool
	}{
		{domain.TestCasePreview, OpConfirm, domain.TestCaseGenerated, true},
		{domain.TestCaseGenerated, OpConfirm, "", false},
		{domain.TestCaseStale, OpApprove, domain.TestCaseGenerated, true},
		{domain.TestCaseGenerated, OpApprove, "", false},
		{domain.TestCaseRejected, OpReject, "", false},
		{domain.TestCasePushed, OpReject, "", false},
		{domain.TestCaseRejected, OpRegenerate, domain.TestCaseStale, true},
		{domain.TestCasePushed, OpRegenerate, "", false},
		{domain.TestCasePushed, OpPropagateStale, "", false},
		{domain.TestCaseRejected, OpPropagateStale, "", false},
		{domain.TestCasePreview, OpReplacePreview, "", false},
		{domain.TestCaseStale, OpReplaceConfirmed, domain.TestCaseGenerated, true},
		{domain.TestCasePreview, OpExport, "", false},
		{domain.TestCaseGenerated, OpExport, domain.TestCasePushed, true},
	}
	for _, c := range cases {
		to, err := TestCaseTransition(c.from, c.op, "tc-1")
		if c.ok {
			if err != nil || to != c.to {
				t.Fatalf("%s via %s: got %s, %v; want %s", c.from, c.op, to, err, c.to)
			}
			continue
		}
		if !HasCode(err, CodeIllegalTransition) {
			t.Fatalf("%s via %s: expected IllegalTransition, got %v", c.from, c.op, err)
		}
	}
}

func TestPushedIsTerminal(t *testing.T) {
	for edge := range testCaseTransitions {
		if edge.from == domain.TestCasePushed {
			t.Fatalf("pushed must have no outgoing edges, found %s", edge.op)
		}
	}
}

func TestRequirementTransitionTable(t *testing.T) {
	for _, from := range []domain.RequirementStatus{domain.RequirementExtracted, domain.RequirementInReview, domain.RequirementApproved, domain.RequirementNeedsAuthor} {
		for op, want := range map[Op]domain.RequirementStatus{
			OpReviewApprove:  domain.RequirementApproved,
			OpReviewHold:     domain.RequirementInReview,
			OpReturnToAuthor: domain.RequirementNeedsAuthor,
			OpArchive:        domain.RequirementArchived,
		} {
			got, err := RequirementTransition(from, op, "r")
			if err != nil || got != want {
				t.Fatalf("%s via %s: got %s, %v", from, op, got, err)
			}
		}
	}
	if _, err := RequirementTransition(domain.RequirementApproved, OpAutoApprove, "r"); err == nil {
		t.Fatalf("auto approve must only apply to extracted requirements")
	}
	if _, err := RequirementTransition(domain.RequirementArchived, OpReviewApprove, "r"); err == nil {
		t.Fatalf("archived requirements cannot be reviewed")
	}
}
