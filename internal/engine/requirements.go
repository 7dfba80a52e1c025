package engine

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"reqline/internal/domain"
	"reqline/internal/policy"
	"reqline/internal/repo"
)

// RegisterDocument stores doc unless a document with the same id exists, in
// which case the stored one is returned unchanged.
func (e Engine) RegisterDocument(ctx context.Context, doc domain.Document) (domain.Document, error) {
	if strings.TrimSpace(doc.Filename) == "" {
		return doc, validationErr(CodeInvalidInput, doc.ID, "filename is required")
	}
	if doc.ID == "" {
		doc.ID = newID()
	}
	if doc.UploadedAt == "" {
		doc.UploadedAt = e.stamp()
	}
	if doc.UploadSessionID == "" {
		doc.UploadSessionID = newID()
	}
	out := doc
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		existing, err := r.GetDocument(ctx, doc.ID)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		return r.InsertDocument(ctx, doc)
	})
	if err != nil {
		return doc, storageErr(err, "document", doc.ID)
	}
	return out, nil
}

type IngestInput struct {
	DocumentID string
	RawText    string
	Code       string
	Output     domain.CollaboratorOutput
	Actor      string
}

type IngestResult struct {
	Requirement domain.Requirement `json:"requirement"`
	// Recommendation is what the confidence policy suggests; ingestion always stores extracted.
	Recommendation domain.RequirementStatus `json:"recommendation"`
}

// Ingest creates version 1 of a new requirement lineage from one extracted fragment.
func (e Engine) Ingest(ctx context.Context, in IngestInput) (IngestResult, error) {
	actor := in.Actor
	if actor == "" {
		actor = ActorSystem
	}
	input := in.Output.Input
	if input == nil {
		input = map[string]any{"text": in.RawText}
	}
	ev := domain.GenerationEvent{
		EntityKind:   "document",
		EntityID:     in.DocumentID,
		Actor:        actor,
		Operation:    "extract",
		Collaborator: in.Output.Collaborator,
		Model:        in.Output.Model,
		Input:        input,
		Output:       in.Output.Payload,
		Raw:          in.Output.Raw,
	}
	if strings.TrimSpace(in.RawText) == "" {
		return IngestResult{}, e.recordGenerationFailure(ctx, ev, validationErr(CodeInvalidInput, in.DocumentID, "raw text is empty"))
	}
	ext, err := ParseExtraction(in.Output.Payload)
	if err != nil {
		return IngestResult{}, e.recordGenerationFailure(ctx, ev, err)
	}
	cfg := e.cfg()
	now := e.stamp()
	req := domain.Requirement{
		ID:                newID(),
		LineageID:         newID(),
		DocumentID:        in.DocumentID,
		Code:              in.Code,
		RawText:           in.RawText,
		Structured:        ext.Fields,
		FieldConfidences:  ext.Confidences,
		OverallConfidence: policy.Overall(ext.Confidences, cfg.Confidence.Default),
		Status:            domain.RequirementExtracted,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.Code == "" {
		if code, ok := ext.Fields["code"].(string); ok {
			req.Code = strings.TrimSpace(code)
		}
	}
	rec := policy.Recommend(req.OverallConfidence, cfg.Confidence.Threshold, domain.RequirementExtracted)
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		if _, err := r.GetDocument(ctx, in.DocumentID); err != nil {
			return storageErr(err, "document", in.DocumentID)
		}
		if err := r.InsertRequirement(ctx, req); err != nil {
			return err
		}
		gen := ev
		gen.EntityKind = "requirement"
		gen.EntityID = req.ID
		gen.LineageID = req.LineageID
		gen.ProducedIDs = []string{req.ID}
		if _, err := e.writer().AppendGeneration(ctx, tx, gen); err != nil {
			return err
		}
		_, err := e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "requirement",
			EntityID:   req.ID,
			LineageID:  req.LineageID,
			Actor:      actor,
			Action:     "ingest",
			ToStatus:   string(req.Status),
			Payload: map[string]any{
				"document_id":        req.DocumentID,
				"overall_confidence": req.OverallConfidence,
				"recommendation":     string(rec),
			},
		})
		return err
	})
	if err != nil {
		return IngestResult{}, e.recordGenerationFailure(ctx, ev, storageErr(err, "requirement", req.ID))
	}
	e.log().Debug("requirement ingested", zap.String("requirement_id", req.ID), zap.Float64("overall_confidence", req.OverallConfidence))
	return IngestResult{Requirement: req, Recommendation: rec}, nil
}

type ReviewOptions struct {
	RequirementID      string
	Edits              map[string]any
	ReviewerConfidence float64
	Note               string
	ReturnToAuthor     bool
	Actor              string
}

type ReviewResult struct {
	Requirement domain.Requirement `json:"requirement"`
	PreviousID  string             `json:"previous_id"`
	Staled      []string           `json:"staled_test_case_ids"`
}

// Review applies edits as a new version of the requirement. The prior version
// is archived and its live test cases are marked stale, even for an empty edit.
func (e Engine) Review(ctx context.Context, opts ReviewOptions) (ReviewResult, error) {
	conf := opts.ReviewerConfidence
	ev := domain.ReviewEvent{
		EntityKind:         "requirement",
		EntityID:           opts.RequirementID,
		Actor:              opts.Actor,
		Action:             "review",
		Note:               opts.Note,
		ReviewerConfidence: &conf,
	}
	if ev.Actor == "" {
		ev.Actor = ActorSystem
	}
	if err := validateReview(opts); err != nil {
		return ReviewResult{}, e.recordReviewFailure(ctx, ev, err)
	}
	prior, err := e.Repo.GetRequirement(ctx, opts.RequirementID)
	if err != nil {
		return ReviewResult{}, e.recordReviewFailure(ctx, ev, storageErr(err, "requirement", opts.RequirementID))
	}
	ev.LineageID = prior.LineageID
	unlock := e.lock(requirementKey(prior.LineageID))
	defer unlock()
	res, err := e.review(ctx, opts)
	if err != nil {
		return res, e.recordReviewFailure(ctx, ev, err)
	}
	e.log().Info("requirement reviewed",
		zap.String("requirement_id", res.Requirement.ID),
		zap.Int("version", res.Requirement.Version),
		zap.String("status", string(res.Requirement.Status)),
		zap.Int("staled", len(res.Staled)))
	return res, nil
}

func validateReview(opts ReviewOptions) error {
	if err := requireActor(opts.Actor, opts.RequirementID); err != nil {
		return err
	}
	c := opts.ReviewerConfidence
	if math.IsNaN(c) || c < 0 || c > 1 {
		return validationErr(CodeEditMalformed, opts.RequirementID, "reviewer confidence %v is outside [0,1]", c)
	}
	for k := range opts.Edits {
		if strings.TrimSpace(k) == "" {
			return validationErr(CodeEditMalformed, opts.RequirementID, "edit with empty field name")
		}
	}
	return nil
}

func (e Engine) review(ctx context.Context, opts ReviewOptions) (ReviewResult, error) {
	cfg := e.cfg()
	var res ReviewResult
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		prior, err := r.GetRequirement(ctx, opts.RequirementID)
		if err != nil {
			return storageErr(err, "requirement", opts.RequirementID)
		}
		target := domain.RequirementNeedsAuthor
		if !opts.ReturnToAuthor {
			target = policy.Recommend(opts.ReviewerConfidence, cfg.Confidence.Threshold, domain.RequirementInReview)
		}
		to, err := RequirementTransition(prior.Status, reviewOp(target), prior.ID)
		if err != nil {
			return err
		}
		if _, err := RequirementTransition(prior.Status, OpSupersede, prior.ID); err != nil {
			return err
		}

		structured := make(map[string]any, len(prior.Structured)+len(opts.Edits))
		for k, v := range prior.Structured {
			structured[k] = v
		}
		confidences := make(map[string]float64, len(prior.FieldConfidences)+len(opts.Edits))
		for k, v := range prior.FieldConfidences {
			confidences[k] = v
		}
		diffs := map[string]domain.FieldDiff{}
		for k, v := range opts.Edits {
			old, had := structured[k]
			if !had || !reflect.DeepEqual(old, v) {
				diffs[k] = domain.FieldDiff{Old: old, New: v}
			}
			structured[k] = v
			confidences[k] = policy.Clamp(opts.ReviewerConfidence)
		}

		now := e.stamp()
		next := domain.Requirement{
			ID:                newID(),
			LineageID:         prior.LineageID,
			DocumentID:        prior.DocumentID,
			Code:              prior.Code,
			RawText:           prior.RawText,
			Structured:        structured,
			FieldConfidences:  confidences,
			OverallConfidence: policy.Overall(confidences, cfg.Confidence.Default),
			Status:            to,
			Version:           prior.Version + 1,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := r.SetRequirementStatus(ctx, prior.ID, domain.RequirementArchived, now); err != nil {
			return err
		}
		if err := r.InsertRequirement(ctx, next); err != nil {
			return err
		}
		staled, err := e.propagateStale(ctx, tx, r, prior.ID, next.ID, opts.Actor)
		if err != nil {
			return err
		}
		conf := opts.ReviewerConfidence
		if _, err := e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind:         "requirement",
			EntityID:           next.ID,
			LineageID:          next.LineageID,
			Actor:              opts.Actor,
			Action:             "review",
			FromStatus:         string(prior.Status),
			ToStatus:           string(next.Status),
			Note:               opts.Note,
			Diffs:              diffs,
			ReviewerConfidence: &conf,
			Payload: map[string]any{
				"previous_id":        prior.ID,
				"version":            next.Version,
				"overall_confidence": next.OverallConfidence,
				"staled":             staled,
			},
		}); err != nil {
			return err
		}
		res = ReviewResult{Requirement: next, PreviousID: prior.ID, Staled: staled}
		return nil
	})
	return res, err
}

// propagateStale marks the live test cases of a superseded version stale.
// Pushed and rejected cases keep their status.
func (e Engine) propagateStale(ctx context.Context, tx *sql.Tx, r repo.Repo, priorID, nextID, actor string) ([]string, error) {
	cases, err := r.ListTestCases(ctx, repo.TestCaseFilters{RequirementID: priorID})
	if err != nil {
		return nil, storageErr(err, "test case", priorID)
	}
	now := e.stamp()
	var staled []string
	for _, tc := range cases {
		to, err := TestCaseTransition(tc.Status, OpPropagateStale, tc.ID)
		if err != nil {
			continue
		}
		from := tc.Status
		tc.Status = to
		tc.UpdatedAt = now
		if err := r.UpdateTestCase(ctx, tc); err != nil {
			return nil, err
		}
		if _, err := e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "test_case",
			EntityID:   tc.ID,
			Actor:      actor,
			Action:     string(OpPropagateStale),
			FromStatus: string(from),
			ToStatus:   string(to),
			Payload:    map[string]any{"superseded_requirement_id": priorID, "requirement_id": nextID},
		}); err != nil {
			return nil, err
		}
		staled = append(staled, tc.ID)
	}
	return staled, nil
}

type BulkApproveResult struct {
	Approved  []string `json:"approved"`
	Unchanged int      `json:"unchanged"`
}

// ConfiguredThreshold is the process-wide confidence threshold.
func (e Engine) ConfiguredThreshold() float64 {
	return e.cfg().Confidence.Threshold
}

// BulkApprove approves every extracted requirement of the document whose overall
// confidence reaches threshold. Requirements in any other status are left alone,
// so repeated calls add no events.
func (e Engine) BulkApprove(ctx context.Context, documentID string, threshold float64) (BulkApproveResult, error) {
	var res BulkApproveResult
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return res, validationErr(CodeInvalidInput, documentID, "threshold %v is outside [0,1]", threshold)
	}
	if _, err := e.Repo.GetDocument(ctx, documentID); err != nil {
		return res, storageErr(err, "document", documentID)
	}
	reqs, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{DocumentID: documentID})
	if err != nil {
		return res, storageErr(err, "requirement", documentID)
	}
	for _, req := range reqs {
		if req.Status != domain.RequirementExtracted || !policy.Meets(req.OverallConfidence, threshold) {
			res.Unchanged++
			continue
		}
		approved, err := e.autoApprove(ctx, req, threshold)
		if err != nil {
			return res, err
		}
		if approved {
			res.Approved = append(res.Approved, req.ID)
		} else {
			res.Unchanged++
		}
	}
	e.log().Info("bulk approve", zap.String("document_id", documentID), zap.Float64("threshold", threshold), zap.Int("approved", len(res.Approved)))
	return res, nil
}

func (e Engine) autoApprove(ctx context.Context, req domain.Requirement, threshold float64) (bool, error) {
	unlock := e.lock(requirementKey(req.LineageID))
	defer unlock()
	approved := false
	err := e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		cur, err := r.GetRequirement(ctx, req.ID)
		if err != nil {
			return storageErr(err, "requirement", req.ID)
		}
		if cur.Status != domain.RequirementExtracted {
			return nil
		}
		to, err := RequirementTransition(cur.Status, OpAutoApprove, cur.ID)
		if err != nil {
			return err
		}
		if err := r.SetRequirementStatus(ctx, cur.ID, to, e.stamp()); err != nil {
			return err
		}
		if _, err := e.writer().AppendReview(ctx, tx, domain.ReviewEvent{
			EntityKind: "requirement",
			EntityID:   cur.ID,
			LineageID:  cur.LineageID,
			Actor:      ActorAutoApprove,
			Action:     string(OpAutoApprove),
			FromStatus: string(cur.Status),
			ToStatus:   string(to),
			Payload:    map[string]any{"threshold": threshold, "overall_confidence": cur.OverallConfidence},
		}); err != nil {
			return err
		}
		approved = true
		return nil
	})
	return approved, err
}

// Archive retires the current version of a requirement. It cannot be undone.
func (e Engine) Archive(ctx context.Context, requirementID, actor, note string) (domain.Requirement, error) {
	ev := domain.ReviewEvent{EntityKind: "requirement", EntityID: requirementID, Actor: actor, Action: string(OpArchive), Note: note}
	if err := requireActor(actor, requirementID); err != nil {
		ev.Actor = ActorSystem
		return domain.Requirement{}, e.recordReviewFailure(ctx, ev, err)
	}
	req, err := e.Repo.GetRequirement(ctx, requirementID)
	if err != nil {
		return req, e.recordReviewFailure(ctx, ev, storageErr(err, "requirement", requirementID))
	}
	ev.LineageID = req.LineageID
	unlock := e.lock(requirementKey(req.LineageID))
	defer unlock()
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		cur, err := r.GetRequirement(ctx, requirementID)
		if err != nil {
			return storageErr(err, "requirement", requirementID)
		}
		to, err := RequirementTransition(cur.Status, OpArchive, cur.ID)
		if err != nil {
			return err
		}
		now := e.stamp()
		if err := r.SetRequirementStatus(ctx, cur.ID, to, now); err != nil {
			return err
		}
		out := ev
		out.FromStatus = string(cur.Status)
		out.ToStatus = string(to)
		if _, err := e.writer().AppendReview(ctx, tx, out); err != nil {
			return err
		}
		cur.Status = to
		cur.UpdatedAt = now
		req = cur
		return nil
	})
	if err != nil {
		return req, e.recordReviewFailure(ctx, ev, err)
	}
	return req, nil
}
