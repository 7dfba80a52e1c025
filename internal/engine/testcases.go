package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reqline/internal/domain"
	"reqline/internal/repo"
)

type PreviewInput struct {
	RequirementID string
	TestType      domain.TestType
	Output        domain.CollaboratorOutput
	Actor         string
}

// TestCaseCode derives the human readable code from the owning requirement,
// the test type and the generation time.
func TestCaseCode(req domain.Requirement, tt domain.TestType, unix int64) string {
	initial := strings.ToUpper(string(tt)[:1])
	return fmt.Sprintf("TC-%s-%s-%d", req.DisplayCode(), initial, unix)
}

// RequireApproved fails with RequirementNotApproved unless the requirement
// exists and is approved. Callers use it to skip collaborator calls early;
// CreatePreview checks again under the lineage lock.
func (e Engine) RequireApproved(ctx context.Context, requirementID string) (domain.Requirement, error) {
	req, err := e.Repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return req, storageErr(err, "requirement", requirementID)
	}
	if req.Status != domain.RequirementApproved {
		return req, preconditionErr(CodeRequirementNotApproved, requirementID, "requirement is %s", req.Status)
	}
	return req, nil
}

// CreatePreview stores generator output as a new test case in preview.
func (e Engine) CreatePreview(ctx context.Context, in PreviewInput) (domain.TestCase, error) {
	actor := in.Actor
	if actor == "" {
		actor = ActorSystem
	}
	ev := domain.GenerationEvent{
		EntityKind:   "requirement",
		EntityID:     in.RequirementID,
		Actor:        actor,
		Operation:    "generate",
		Collaborator: in.Output.Collaborator,
		Model:        in.Output.Model,
		Input:        in.Output.Input,
		Output:       in.Output.Payload,
		Raw:          in.Output.Raw,
	}
	if !in.TestType.Valid() {
		return domain.TestCase{}, e.recordGenerationFailure(ctx, ev, validationErr(CodeInvalidInput, in.RequirementID, "unknown test type %q", in.TestType))
	}
	req, err := e.Repo.GetRequirement(ctx, in.RequirementID)
	if err != nil {
		return domain.TestCase{}, e.recordGenerationFailure(ctx, ev, storageErr(err, "requirement", in.RequirementID))
	}
	ev.LineageID = req.LineageID
	unlock := e.lock(requirementKey(req.LineageID))
	defer unlock()

	var tc domain.TestCase
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		cur, err := r.GetRequirement(ctx, in.RequirementID)
		if err != nil {
			return storageErr(err, "requirement", in.RequirementID)
		}
		if cur.Status != domain.RequirementApproved {
			return preconditionErr(CodeRequirementNotApproved, cur.ID, "requirement is %s", cur.Status)
		}
		content, err := ParseTestContent(in.Output.Payload)
		if err != nil {
			return withEntity(err, cur.ID)
		}
		now := e.now()
		stamp := e.stamp()
		tc = domain.TestCase{
			ID:            newID(),
			Code:          TestCaseCode(cur, in.TestType, now.Unix()),
			RequirementID: cur.ID,
			TestType:      in.TestType,
			Content:       content,
			Status:        domain.TestCasePreview,
			GeneratedAt:   stamp,
			UpdatedAt:     stamp,
		}
		if err := r.InsertTestCase(ctx, tc); err != nil {
			return err
		}
		gen := ev
		gen.EntityKind = "test_case"
		gen.EntityID = tc.ID
		gen.LineageID = ""
		gen.ProducedIDs = []string{tc.ID}
		if gen.Input == nil {
			gen.Input = map[string]any{"requirement_id": cur.ID, "test_type": string(in.TestType)}
		}
		if _, err := e.writer().AppendGeneration(ctx, tx, gen); err != nil {
			return err
		}
		_, err = e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "test_case",
			EntityID:   tc.ID,
			Actor:      actor,
			Action:     "create_preview",
			ToStatus:   string(tc.Status),
			Payload:    map[string]any{"requirement_id": cur.ID, "test_type": string(tc.TestType), "code": tc.Code},
		})
		return err
	})
	if err != nil {
		return domain.TestCase{}, e.recordGenerationFailure(ctx, ev, err)
	}
	return tc, nil
}

// tcChange describes one guarded test case mutation.
type tcChange struct {
	op      Op
	action  string
	note    string
	payload map[string]any
	mutate  func(tc *domain.TestCase) (map[string]domain.FieldDiff, error)
}

// changeTestCase applies ch under the test case lock. The transition is checked
// against the stored status inside the same transaction that writes it.
func (e Engine) changeTestCase(ctx context.Context, id, actor string, ch tcChange) (domain.TestCase, error) {
	ev := domain.ReviewEvent{EntityKind: "test_case", EntityID: id, Actor: actor, Action: ch.action, Note: ch.note}
	if err := requireActor(actor, id); err != nil {
		ev.Actor = ActorSystem
		return domain.TestCase{}, e.recordReviewFailure(ctx, ev, err)
	}
	unlock := e.lock(testCaseKey(id))
	defer unlock()

	var out domain.TestCase
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		tc, err := r.GetTestCase(ctx, id)
		if err != nil {
			return storageErr(err, "test case", id)
		}
		ev.FromStatus = string(tc.Status)
		to, err := TestCaseTransition(tc.Status, ch.op, id)
		if err != nil {
			return err
		}
		var diffs map[string]domain.FieldDiff
		if ch.mutate != nil {
			if diffs, err = ch.mutate(&tc); err != nil {
				return withEntity(err, id)
			}
		}
		from := tc.Status
		tc.Status = to
		tc.UpdatedAt = e.stamp()
		if err := r.UpdateTestCase(ctx, tc); err != nil {
			return err
		}
		if _, err := e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "test_case",
			EntityID:   id,
			Actor:      actor,
			Action:     ch.action,
			FromStatus: string(from),
			ToStatus:   string(to),
			Note:       ch.note,
			Diffs:      diffs,
			Payload:    ch.payload,
		}); err != nil {
			return err
		}
		out = tc
		return nil
	})
	if err != nil {
		return out, e.recordReviewFailure(ctx, ev, err)
	}
	return out, nil
}

// Confirm moves a preview to generated.
func (e Engine) Confirm(ctx context.Context, id, actor string) (domain.TestCase, error) {
	return e.changeTestCase(ctx, id, actor, tcChange{
		op:     OpConfirm,
		action: string(OpConfirm),
		mutate: func(tc *domain.TestCase) (map[string]domain.FieldDiff, error) {
			tc.Confirmed = true
			return nil, nil
		},
	})
}

type Decision string

const (
	DecisionApprove    Decision = "approve"
	DecisionReject     Decision = "reject"
	DecisionRegenerate Decision = "regenerate"
)

type DecideOptions struct {
	TestCaseID string         `json:"test_case_id"`
	Decision   Decision       `json:"decision"`
	Edits      map[string]any `json:"edits,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Actor      string         `json:"-"`
}

// Decide applies a human decision. Edits, when given, are validated like
// generator output and written in the same transaction as the transition.
func (e Engine) Decide(ctx context.Context, opts DecideOptions) (domain.TestCase, error) {
	var op Op
	switch opts.Decision {
	case DecisionApprove:
		op = OpApprove
	case DecisionReject:
		op = OpReject
	case DecisionRegenerate:
		op = OpRegenerate
	default:
		err := validationErr(CodeInvalidInput, opts.TestCaseID, "unknown decision %q", opts.Decision)
		return domain.TestCase{}, e.recordReviewFailure(ctx, domain.ReviewEvent{
			EntityKind: "test_case", EntityID: opts.TestCaseID, Actor: actorOr(opts.Actor), Action: "decide", Note: opts.Reason,
		}, err)
	}
	return e.changeTestCase(ctx, opts.TestCaseID, opts.Actor, tcChange{
		op:     op,
		action: string(op),
		note:   opts.Reason,
		mutate: func(tc *domain.TestCase) (map[string]domain.FieldDiff, error) {
			var diffs map[string]domain.FieldDiff
			if len(opts.Edits) > 0 {
				content, d, err := applyContentEdits(tc.Content, opts.Edits)
				if err != nil {
					return nil, err
				}
				tc.Content = content
				diffs = d
			}
			switch opts.Decision {
			case DecisionApprove:
				tc.Confirmed = true
			case DecisionRegenerate:
				tc.RegenerationCount++
			}
			return diffs, nil
		},
	})
}

type RegenerateInput struct {
	TestCaseID string
	Output     domain.CollaboratorOutput
	Actor      string
}

// RegenerationTarget returns a stale test case together with the current
// approved version of its requirement lineage, which is what new content must
// be generated from.
func (e Engine) RegenerationTarget(ctx context.Context, id string) (domain.TestCase, domain.Requirement, error) {
	return regenerationTarget(ctx, e.Repo, id)
}

func regenerationTarget(ctx context.Context, r repo.Repo, id string) (domain.TestCase, domain.Requirement, error) {
	tc, err := r.GetTestCase(ctx, id)
	if err != nil {
		return tc, domain.Requirement{}, storageErr(err, "test case", id)
	}
	if _, err := TestCaseTransition(tc.Status, OpReplacePreview, id); err != nil {
		return tc, domain.Requirement{}, err
	}
	owner, err := r.GetRequirement(ctx, tc.RequirementID)
	if err != nil {
		return tc, owner, storageErr(err, "requirement", tc.RequirementID)
	}
	head, err := r.GetLineageHead(ctx, owner.LineageID)
	if errors.Is(err, repo.ErrNotFound) {
		return tc, owner, preconditionErr(CodeRequirementNotApproved, owner.ID, "requirement lineage is archived")
	}
	if err != nil {
		return tc, owner, storageErr(err, "requirement", owner.LineageID)
	}
	if head.Status != domain.RequirementApproved {
		return tc, head, preconditionErr(CodeRequirementNotApproved, head.ID, "requirement is %s", head.Status)
	}
	return tc, head, nil
}

// RequestRegeneration replaces the content of a stale test case in place. The
// case returns to generated if it was ever confirmed and to preview otherwise,
// and is re-pointed at the current requirement version.
func (e Engine) RequestRegeneration(ctx context.Context, in RegenerateInput) (domain.TestCase, error) {
	actor := actorOr(in.Actor)
	ev := domain.GenerationEvent{
		EntityKind:   "test_case",
		EntityID:     in.TestCaseID,
		Actor:        actor,
		Operation:    "regenerate",
		Collaborator: in.Output.Collaborator,
		Model:        in.Output.Model,
		Input:        in.Output.Input,
		Output:       in.Output.Payload,
		Raw:          in.Output.Raw,
	}
	unlock := e.lock(testCaseKey(in.TestCaseID))
	defer unlock()

	var out domain.TestCase
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		tc, head, err := regenerationTarget(ctx, r, in.TestCaseID)
		if err != nil {
			return err
		}
		content, err := ParseTestContent(in.Output.Payload)
		if err != nil {
			return withEntity(err, tc.ID)
		}
		op := OpReplacePreview
		if tc.Confirmed {
			op = OpReplaceConfirmed
		}
		to, err := TestCaseTransition(tc.Status, op, tc.ID)
		if err != nil {
			return err
		}
		from := tc.Status
		prevOwner := tc.RequirementID
		now := e.stamp()
		tc.Content = content
		tc.RequirementID = head.ID
		tc.RegenerationCount++
		tc.Status = to
		tc.GeneratedAt = now
		tc.UpdatedAt = now
		if err := r.UpdateTestCase(ctx, tc); err != nil {
			return err
		}
		gen := ev
		gen.ProducedIDs = []string{tc.ID}
		if gen.Input == nil {
			gen.Input = map[string]any{"requirement_id": head.ID, "test_type": string(tc.TestType)}
		}
		if _, err := e.writer().AppendGeneration(ctx, tx, gen); err != nil {
			return err
		}
		if _, err := e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "test_case",
			EntityID:   tc.ID,
			Actor:      actor,
			Action:     "regenerate_content",
			FromStatus: string(from),
			ToStatus:   string(to),
			Payload: map[string]any{
				"requirement_id":          head.ID,
				"previous_requirement_id": prevOwner,
				"regeneration_count":      tc.RegenerationCount,
			},
		}); err != nil {
			return err
		}
		out = tc
		return nil
	})
	if err != nil {
		return out, e.recordGenerationFailure(ctx, ev, err)
	}
	e.log().Debug("test case regenerated", zap.String("test_case_id", out.ID), zap.String("status", string(out.Status)))
	return out, nil
}

func actorOr(actor string) string {
	if actor == "" {
		return ActorSystem
	}
	return actor
}

func withEntity(err error, id string) error {
	if e, ok := asError(err); ok && e.EntityID == "" {
		cp := *e
		cp.EntityID = id
		return &cp
	}
	return err
}
