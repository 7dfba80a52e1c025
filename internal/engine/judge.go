package engine

import (
	"context"
	"database/sql"

	"reqline/internal/domain"
	"reqline/internal/repo"
)

const (
	actionJudge       = "judge"
	actionJudgeFailed = "judge.failed"
)

type JudgeInput struct {
	TestCaseID string
	Output     domain.CollaboratorOutput
}

// Judge records a rubric verdict for a test case. It never changes the test
// case status; the verdict is advisory input for a later human decision.
func (e Engine) Judge(ctx context.Context, in JudgeInput) (domain.Verdict, error) {
	ev := domain.ReviewEvent{EntityKind: "test_case", EntityID: in.TestCaseID, Actor: ActorJudge, Action: actionJudgeFailed}
	verdict, err := ParseVerdict(in.Output.Payload)
	if err != nil {
		ev.Payload = map[string]any{"output": in.Output.Payload}
		return verdict, e.recordReviewFailure(ctx, ev, withEntity(err, in.TestCaseID))
	}
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		tc, err := r.GetTestCase(ctx, in.TestCaseID)
		if err != nil {
			return storageErr(err, "test case", in.TestCaseID)
		}
		if _, err := e.writer().AppendGeneration(ctx, tx, domain.GenerationEvent{
			EntityKind:   "test_case",
			EntityID:     tc.ID,
			Actor:        ActorJudge,
			Operation:    actionJudge,
			Collaborator: in.Output.Collaborator,
			Model:        in.Output.Model,
			Input:        in.Output.Input,
			Output:       in.Output.Payload,
			Raw:          in.Output.Raw,
		}); err != nil {
			return err
		}
		payload := map[string]any{
			"feedback":     verdict.Feedback,
			"evaluation":   verdict.Evaluation,
			"total_rating": verdict.TotalRating,
			"status":       string(tc.Status),
		}
		if len(verdict.Dims) > 0 {
			payload["dims"] = verdict.Dims
		}
		_, err = e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "test_case",
			EntityID:   tc.ID,
			Actor:      ActorJudge,
			Action:     actionJudge,
			Payload:    payload,
		})
		return err
	})
	if err != nil {
		return verdict, e.recordReviewFailure(ctx, ev, err)
	}
	return verdict, nil
}

// RecordJudgeFailure notes a failed judge call against the test case.
func (e Engine) RecordJudgeFailure(ctx context.Context, testCaseID string, cause error) error {
	return e.recordReviewFailure(ctx, domain.ReviewEvent{
		EntityKind: "test_case",
		EntityID:   testCaseID,
		Actor:      ActorJudge,
		Action:     actionJudgeFailed,
	}, CollaboratorErr(CodeJudgeFailed, testCaseID, cause))
}

// CollaboratorFailure identifies a failed extractor or generator call.
type CollaboratorFailure struct {
	EntityKind   string
	EntityID     string
	LineageID    string
	Operation    string
	Code         string
	Actor        string
	Collaborator string
	Model        string
	Input        any
}

// RecordCollaboratorFailure appends a failed call to the generation stream and
// returns the matching collaborator error.
func (e Engine) RecordCollaboratorFailure(ctx context.Context, f CollaboratorFailure, cause error) error {
	return e.recordGenerationFailure(ctx, domain.GenerationEvent{
		EntityKind:   f.EntityKind,
		EntityID:     f.EntityID,
		LineageID:    f.LineageID,
		Actor:        actorOr(f.Actor),
		Operation:    f.Operation,
		Collaborator: f.Collaborator,
		Model:        f.Model,
		Input:        f.Input,
	}, CollaboratorErr(f.Code, f.EntityID, cause))
}

// RecordRejected appends err to the review stream for an operation that never
// reached the engine, such as a batch item skipped after cancellation.
func (e Engine) RecordRejected(ctx context.Context, entityKind, entityID, action, actor string, err error) error {
	return e.recordReviewFailure(ctx, domain.ReviewEvent{
		EntityKind: entityKind,
		EntityID:   entityID,
		Actor:      actorOr(actor),
		Action:     action,
	}, err)
}
