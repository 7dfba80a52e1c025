package engine

import (
	"context"
	"errors"

	"reqline/internal/domain"
	"reqline/internal/events"
	"reqline/internal/repo"
)

// AuditTrail returns every audit row for an entity in seq order. A
// requirement id expands to its whole lineage, so edits stay traceable across
// versions.
func (e Engine) AuditTrail(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	f := events.Filter{EntityID: entityID}
	req, err := e.Repo.GetRequirement(ctx, entityID)
	switch {
	case err == nil:
		f.LineageID = req.LineageID
	case !errors.Is(err, repo.ErrNotFound):
		return nil, storageErr(err, "requirement", entityID)
	}
	return events.Trail(ctx, e.DB, f)
}

// ReviewEvents lists review events for an entity, optionally narrowed to one actor.
func (e Engine) ReviewEvents(ctx context.Context, entityID, actor string, limit int) ([]domain.ReviewEvent, error) {
	return events.Reviews(ctx, e.DB, events.Filter{EntityID: entityID, Actor: actor, Limit: limit})
}

// PendingApproval lists test cases awaiting a human decision: previews and stale cases.
func (e Engine) PendingApproval(ctx context.Context) ([]domain.PendingItem, error) {
	cases, err := e.Repo.ListTestCases(ctx, repo.TestCaseFilters{Statuses: []domain.TestCaseStatus{domain.TestCasePreview, domain.TestCaseStale}})
	if err != nil {
		return nil, storageErr(err, "test case", "")
	}
	reqs := map[string]domain.Requirement{}
	out := make([]domain.PendingItem, 0, len(cases))
	for _, tc := range cases {
		req, ok := reqs[tc.RequirementID]
		if !ok {
			if req, err = e.Repo.GetRequirement(ctx, tc.RequirementID); err != nil {
				return nil, storageErr(err, "requirement", tc.RequirementID)
			}
			reqs[tc.RequirementID] = req
		}
		out = append(out, domain.PendingItem{TestCase: tc, RequirementCode: req.DisplayCode(), RequirementText: req.RawText})
	}
	return out, nil
}

// PipelineStatus counts live requirements and their test cases per status.
func (e Engine) PipelineStatus(ctx context.Context, documentID string) (domain.PipelineStatus, error) {
	st := domain.PipelineStatus{DocumentID: documentID, ByRequirement: map[string]int{}, ByTestCase: map[string]int{}}
	if _, err := e.Repo.GetDocument(ctx, documentID); err != nil {
		return st, storageErr(err, "document", documentID)
	}
	reqs, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{DocumentID: documentID})
	if err != nil {
		return st, storageErr(err, "requirement", documentID)
	}
	for _, r := range reqs {
		st.Requirements++
		st.ByRequirement[string(r.Status)]++
	}
	cases, err := e.Repo.ListTestCases(ctx, repo.TestCaseFilters{DocumentID: documentID})
	if err != nil {
		return st, storageErr(err, "test case", documentID)
	}
	for _, tc := range cases {
		st.TestCases++
		st.ByTestCase[string(tc.Status)]++
	}
	return st, nil
}

// Traceability lists every live requirement of the document with its test
// cases. Requirements without test cases get one row with empty test columns.
// Test cases still owned by a superseded version are listed under the live one.
func (e Engine) Traceability(ctx context.Context, documentID string) ([]domain.TraceRow, error) {
	if _, err := e.Repo.GetDocument(ctx, documentID); err != nil {
		return nil, storageErr(err, "document", documentID)
	}
	all, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{DocumentID: documentID, IncludeArchived: true})
	if err != nil {
		return nil, storageErr(err, "requirement", documentID)
	}
	cases, err := e.Repo.ListTestCases(ctx, repo.TestCaseFilters{DocumentID: documentID})
	if err != nil {
		return nil, storageErr(err, "test case", documentID)
	}
	lineageOf := map[string]string{}
	for _, r := range all {
		lineageOf[r.ID] = r.LineageID
	}
	byLineage := map[string][]domain.TestCase{}
	for _, tc := range cases {
		l := lineageOf[tc.RequirementID]
		byLineage[l] = append(byLineage[l], tc)
	}
	var rows []domain.TraceRow
	for _, r := range all {
		if r.Status == domain.RequirementArchived {
			continue
		}
		base := domain.TraceRow{
			RequirementID:     r.ID,
			RequirementCode:   r.DisplayCode(),
			RequirementText:   r.RawText,
			RequirementStatus: string(r.Status),
		}
		tcs := byLineage[r.LineageID]
		if len(tcs) == 0 {
			rows = append(rows, base)
			continue
		}
		for _, tc := range tcs {
			row := base
			row.TestCaseID = tc.ID
			row.TestCaseCode = tc.Code
			row.TestType = string(tc.TestType)
			row.TestCaseStatus = string(tc.Status)
			if tc.ExternalTicketID != nil {
				row.TicketID = *tc.ExternalTicketID
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// ReviewPackage bundles a test case with its requirement and latest judge verdict.
func (e Engine) ReviewPackage(ctx context.Context, testCaseID string) (domain.ReviewPackage, error) {
	var pkg domain.ReviewPackage
	tc, err := e.Repo.GetTestCase(ctx, testCaseID)
	if err != nil {
		return pkg, storageErr(err, "test case", testCaseID)
	}
	req, err := e.Repo.GetRequirement(ctx, tc.RequirementID)
	if err != nil {
		return pkg, storageErr(err, "requirement", tc.RequirementID)
	}
	pkg.TestCase = tc
	pkg.Requirement = req
	verdicts, err := events.Reviews(ctx, e.DB, events.Filter{EntityID: testCaseID, Actor: ActorJudge, Action: actionJudge, Limit: 1})
	if err != nil {
		return pkg, err
	}
	if len(verdicts) > 0 {
		pkg.Verdict = &verdicts[0]
	}
	return pkg, nil
}

// JudgeScores returns every verdict recorded for a test case. Evaluated is
// false when the judge has not scored it yet.
func (e Engine) JudgeScores(ctx context.Context, testCaseID string) (domain.JudgeScores, error) {
	res := domain.JudgeScores{TestCaseID: testCaseID, History: []domain.ReviewEvent{}}
	if _, err := e.GetTestCase(ctx, testCaseID); err != nil {
		return res, err
	}
	verdicts, err := events.Reviews(ctx, e.DB, events.Filter{EntityID: testCaseID, Actor: ActorJudge, Action: actionJudge})
	if err != nil {
		return res, err
	}
	if len(verdicts) > 0 {
		res.Evaluated = true
		res.History = verdicts
		res.Latest = &verdicts[len(verdicts)-1]
	}
	return res, nil
}

func (e Engine) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	d, err := e.Repo.GetDocument(ctx, id)
	return d, storageErr(err, "document", id)
}

func (e Engine) ListDocuments(ctx context.Context) ([]domain.Document, error) {
	return e.Repo.ListDocuments(ctx)
}

func (e Engine) GetRequirement(ctx context.Context, id string) (domain.Requirement, error) {
	r, err := e.Repo.GetRequirement(ctx, id)
	return r, storageErr(err, "requirement", id)
}

func (e Engine) ListRequirements(ctx context.Context, f repo.RequirementFilters) ([]domain.Requirement, error) {
	return e.Repo.ListRequirements(ctx, f)
}

func (e Engine) GetTestCase(ctx context.Context, id string) (domain.TestCase, error) {
	tc, err := e.Repo.GetTestCase(ctx, id)
	return tc, storageErr(err, "test case", id)
}

func (e Engine) ListTestCases(ctx context.Context, f repo.TestCaseFilters) ([]domain.TestCase, error) {
	return e.Repo.ListTestCases(ctx, f)
}
