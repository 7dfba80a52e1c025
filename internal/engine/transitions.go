package engine

import "reqline/internal/domain"

// Op names a lifecycle operation in the transition tables.
type Op string

const (
	OpReviewApprove  Op = "review.approve"
	OpReviewHold     Op = "review.hold"
	OpReturnToAuthor Op = "review.return_to_author"
	OpAutoApprove    Op = "auto_approve"
	OpSupersede      Op = "supersede"
	OpArchive        Op = "archive"

	OpConfirm          Op = "confirm"
	OpApprove          Op = "decide.approve"
	OpReject           Op = "decide.reject"
	OpRegenerate       Op = "decide.regenerate"
	OpPropagateStale   Op = "propagate_stale"
	OpReplacePreview   Op = "replace_content.preview"
	OpReplaceConfirmed Op = "replace_content.confirmed"
	OpExport           Op = "export"
)

type requirementEdge struct {
	from domain.RequirementStatus
	op   Op
}

type testCaseEdge struct {
	from domain.TestCaseStatus
	op   Op
}

var requirementTransitions = map[requirementEdge]domain.RequirementStatus{}

var testCaseTransitions = map[testCaseEdge]domain.TestCaseStatus{
	{domain.TestCasePreview, OpConfirm}: domain.TestCaseGenerated,

	{domain.TestCasePreview, OpApprove}: domain.TestCaseGenerated,
	{domain.TestCaseStale, OpApprove}:   domain.TestCaseGenerated,

	{domain.TestCasePreview, OpReject}:   domain.TestCaseRejected,
	{domain.TestCaseGenerated, OpReject}: domain.TestCaseRejected,
	{domain.TestCaseStale, OpReject}:     domain.TestCaseRejected,

	{domain.TestCasePreview, OpRegenerate}:   domain.TestCaseStale,
	{domain.TestCaseGenerated, OpRegenerate}: domain.TestCaseStale,
	{domain.TestCaseStale, OpRegenerate}:     domain.TestCaseStale,
	{domain.TestCaseRejected, OpRegenerate}:  domain.TestCaseStale,

	{domain.TestCasePreview, OpPropagateStale}:   domain.TestCaseStale,
	{domain.TestCaseGenerated, OpPropagateStale}: domain.TestCaseStale,

	{domain.TestCaseStale, OpReplacePreview}:   domain.TestCasePreview,
	{domain.TestCaseStale, OpReplaceConfirmed}: domain.TestCaseGenerated,

	{domain.TestCaseGenerated, OpExport}: domain.TestCasePushed,
}

func init() {
	// Every live requirement status accepts the same review and retirement operations.
	for _, s := range []domain.RequirementStatus{
		domain.RequirementExtracted,
		domain.RequirementInReview,
		domain.RequirementApproved,
		domain.RequirementNeedsAuthor,
	} {
		requirementTransitions[requirementEdge{s, OpReviewApprove}] = domain.RequirementApproved
		requirementTransitions[requirementEdge{s, OpReviewHold}] = domain.RequirementInReview
		requirementTransitions[requirementEdge{s, OpReturnToAuthor}] = domain.RequirementNeedsAuthor
		requirementTransitions[requirementEdge{s, OpSupersede}] = domain.RequirementArchived
		requirementTransitions[requirementEdge{s, OpArchive}] = domain.RequirementArchived
	}
	requirementTransitions[requirementEdge{domain.RequirementExtracted, OpAutoApprove}] = domain.RequirementApproved
}

// RequirementTransition returns the status reached by applying op from the given status.
func RequirementTransition(from domain.RequirementStatus, op Op, entityID string) (domain.RequirementStatus, error) {
	to, ok := requirementTransitions[requirementEdge{from, op}]
	if !ok {
		return "", preconditionErr(CodeIllegalTransition, entityID, "requirement cannot %s from %s", op, from)
	}
	return to, nil
}

// TestCaseTransition returns the status reached by applying op from the given status.
func TestCaseTransition(from domain.TestCaseStatus, op Op, entityID string) (domain.TestCaseStatus, error) {
	to, ok := testCaseTransitions[testCaseEdge{from, op}]
	if !ok {
		return "", preconditionErr(CodeIllegalTransition, entityID, "test case cannot %s from %s", op, from)
	}
	return to, nil
}

// reviewOp picks the review edge for the outcome of the confidence policy.
func reviewOp(target domain.RequirementStatus) Op {
	switch target {
	case domain.RequirementApproved:
		return OpReviewApprove
	case domain.RequirementNeedsAuthor:
		return OpReturnToAuthor
	default:
		return OpReviewHold
	}
}
