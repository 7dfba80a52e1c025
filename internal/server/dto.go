package server

import (
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/pipeline"
)

// Request payloads

type DocumentRequest struct {
	ID         string `json:"id,omitempty"`
	Filename   string `json:"filename"`
	UploadedBy string `json:"uploaded_by,omitempty"`
}

type IngestRequest struct {
	Document DocumentRequest `json:"document"`
	// Text is split into fragments on blank lines when Fragments is empty.
	Text      string              `json:"text,omitempty"`
	Fragments []pipeline.Fragment `json:"fragments,omitempty"`
}

type BulkApproveRequest struct {
	Threshold *float64 `json:"threshold,omitempty" minimum:"0" maximum:"1"`
}

type ReviewRequest struct {
	Edits              map[string]any `json:"edits,omitempty"`
	ReviewerConfidence float64        `json:"reviewer_confidence" minimum:"0" maximum:"1"`
	Note               string         `json:"note,omitempty"`
	ReturnToAuthor     bool           `json:"return_to_author,omitempty"`
}

type ArchiveRequest struct {
	Note string `json:"note,omitempty"`
}

type PreviewsRequest struct {
	RequirementIDs []string          `json:"requirement_ids" minItems:"1"`
	TestTypes      []domain.TestType `json:"test_types,omitempty"`
}

type IDsRequest struct {
	IDs []string `json:"ids" minItems:"1"`
}

type DecisionRequest struct {
	Decision string         `json:"decision" enum:"approve,reject,regenerate"`
	Edits    map[string]any `json:"edits,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

type DecisionsRequest struct {
	Decisions []engine.DecideOptions `json:"decisions" minItems:"1"`
}

type EmbedRequest struct {
	// RequirementIDs defaults to every live requirement of the document.
	RequirementIDs []string `json:"requirement_ids,omitempty"`
}

type SearchRequest struct {
	Query      string `json:"query" minLength:"1"`
	DocumentID string `json:"document_id,omitempty"`
	// TopK defaults to the configured search.top_k.
	TopK int `json:"top_k,omitempty" minimum:"0" maximum:"100"`
}

// Response payloads

type ItemError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type IngestItem struct {
	ID          string                   `json:"id"`
	Requirement *domain.Requirement      `json:"requirement,omitempty"`
	Recommended domain.RequirementStatus `json:"recommendation,omitempty"`
	Error       *ItemError               `json:"error,omitempty"`
}

type IngestResponse struct {
	Document domain.Document `json:"document"`
	Failed   int             `json:"failed"`
	Items    []IngestItem    `json:"items"`
}

type TestCaseItem struct {
	ID       string           `json:"id"`
	TestCase *domain.TestCase `json:"test_case,omitempty"`
	Error    *ItemError       `json:"error,omitempty"`
}

type VerdictItem struct {
	ID      string          `json:"id"`
	Verdict *domain.Verdict `json:"verdict,omitempty"`
	Error   *ItemError      `json:"error,omitempty"`
}

type ExportItem struct {
	ID       string     `json:"id"`
	TicketID string     `json:"ticket_id,omitempty"`
	Error    *ItemError `json:"error,omitempty"`
}

type EmbeddingItem struct {
	ID        string            `json:"id"`
	Embedding *domain.Embedding `json:"embedding,omitempty"`
	Error     *ItemError        `json:"error,omitempty"`
}

type BatchResponse[T any] struct {
	Failed int `json:"failed"`
	Items  []T `json:"items"`
}

func itemError(err error) *ItemError {
	if err == nil {
		return nil
	}
	kind := string(engine.KindOf(err))
	if kind == "" {
		kind = "internal"
	}
	return &ItemError{Kind: kind, Code: engine.CodeOf(err), Message: err.Error()}
}

func ingestResponse(res pipeline.IngestBatchResult) IngestResponse {
	out := IngestResponse{Document: res.Document, Items: make([]IngestItem, len(res.Items)), Failed: pipeline.Failures(res.Items)}
	for i, r := range res.Items {
		out.Items[i] = IngestItem{ID: r.ID, Error: itemError(r.Err)}
		if r.Err == nil {
			req := r.Value.Requirement
			out.Items[i].Requirement = &req
			out.Items[i].Recommended = r.Value.Recommendation
		}
	}
	return out
}

func testCaseItems(rs []pipeline.Result[domain.TestCase]) BatchResponse[TestCaseItem] {
	out := BatchResponse[TestCaseItem]{Failed: pipeline.Failures(rs), Items: make([]TestCaseItem, len(rs))}
	for i, r := range rs {
		out.Items[i] = TestCaseItem{ID: r.ID, Error: itemError(r.Err)}
		if r.Err == nil {
			tc := r.Value
			out.Items[i].TestCase = &tc
		}
	}
	return out
}

func verdictItems(rs []pipeline.Result[domain.Verdict]) BatchResponse[VerdictItem] {
	out := BatchResponse[VerdictItem]{Failed: pipeline.Failures(rs), Items: make([]VerdictItem, len(rs))}
	for i, r := range rs {
		out.Items[i] = VerdictItem{ID: r.ID, Error: itemError(r.Err)}
		if r.Err == nil {
			v := r.Value
			out.Items[i].Verdict = &v
		}
	}
	return out
}

func exportItems(rs []pipeline.Result[string]) BatchResponse[ExportItem] {
	out := BatchResponse[ExportItem]{Failed: pipeline.Failures(rs), Items: make([]ExportItem, len(rs))}
	for i, r := range rs {
		out.Items[i] = ExportItem{ID: r.ID, TicketID: r.Value, Error: itemError(r.Err)}
	}
	return out
}

func embeddingItems(rs []pipeline.Result[domain.Embedding]) BatchResponse[EmbeddingItem] {
	out := BatchResponse[EmbeddingItem]{Failed: pipeline.Failures(rs), Items: make([]EmbeddingItem, len(rs))}
	for i, r := range rs {
		out.Items[i] = EmbeddingItem{ID: r.ID, Error: itemError(r.Err)}
		if r.Err == nil {
			emb := r.Value
			out.Items[i].Embedding = &emb
		}
	}
	return out
}

func emptyIfNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
