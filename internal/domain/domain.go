package domain

type RequirementStatus string

const (
	RequirementExtracted   RequirementStatus = "extracted"
	RequirementInReview    RequirementStatus = "in_review"
	RequirementApproved    RequirementStatus = "approved"
	RequirementNeedsAuthor RequirementStatus = "needs_author"
	RequirementArchived    RequirementStatus = "archived"
)

type TestCaseStatus string

const (
	TestCasePreview   TestCaseStatus = "preview"
	TestCaseGenerated TestCaseStatus = "generated"
	TestCaseStale     TestCaseStatus = "stale"
	TestCaseRejected  TestCaseStatus = "rejected"
	TestCasePushed    TestCaseStatus = "pushed"
)

type TestType string

const (
	TestTypePositive TestType = "positive"
	TestTypeNegative TestType = "negative"
	TestTypeBoundary TestType = "boundary"
)

// Valid reports whether t is one of the known test types.
func (t TestType) Valid() bool {
	switch t {
	case TestTypePositive, TestTypeNegative, TestTypeBoundary:
		return true
	}
	return false
}

type Document struct {
	ID              string `json:"id"`
	Filename        string `json:"filename"`
	UploadedBy      string `json:"uploaded_by,omitempty"`
	UploadedAt      string `json:"uploaded_at" format:"date-time"`
	UploadSessionID string `json:"upload_session_id"`
}

type Requirement struct {
	ID                string             `json:"id"`
	LineageID         string             `json:"lineage_id"`
	DocumentID        string             `json:"document_id"`
	Code              string             `json:"code,omitempty"`
	RawText           string             `json:"raw_text"`
	Structured        map[string]any     `json:"structured"`
	FieldConfidences  map[string]float64 `json:"field_confidences"`
	OverallConfidence float64            `json:"overall_confidence"`
	Status            RequirementStatus  `json:"status" enum:"extracted,in_review,approved,needs_author,archived"`
	Version           int                `json:"version"`
	CreatedAt         string             `json:"created_at" format:"date-time"`
	UpdatedAt         string             `json:"updated_at" format:"date-time"`
}

// DisplayCode is the human-readable code, falling back to a short surrogate form.
func (r Requirement) DisplayCode() string {
	if r.Code != "" {
		return r.Code
	}
	id := r.LineageID
	if len(id) > 8 {
		id = id[:8]
	}
	return "REQ-" + id
}

// TestContent holds the generated artifact. All five fields are populated together.
type TestContent struct {
	Script     string         `json:"script"`
	Evidence   []string       `json:"evidence"`
	Steps      []string       `json:"steps"`
	SampleData map[string]any `json:"sample_data"`
	Scaffold   string         `json:"scaffold"`
}

type TestCase struct {
	ID                string         `json:"id"`
	Code              string         `json:"code"`
	RequirementID     string         `json:"requirement_id"`
	TestType          TestType       `json:"test_type" enum:"positive,negative,boundary"`
	Content           TestContent    `json:"content"`
	Status            TestCaseStatus `json:"status" enum:"preview,generated,stale,rejected,pushed"`
	RegenerationCount int            `json:"regeneration_count"`
	Confirmed         bool           `json:"confirmed"`
	ExternalTicketID  *string        `json:"external_ticket_id,omitempty"`
	GeneratedAt       string         `json:"generated_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type FieldDiff struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type ReviewEvent struct {
	ID                 int64                `json:"id"`
	Seq                int64                `json:"seq"`
	TS                 string               `json:"ts" format:"date-time"`
	EntityKind         string               `json:"entity_kind" enum:"requirement,test_case"`
	EntityID           string               `json:"entity_id"`
	LineageID          string               `json:"lineage_id,omitempty"`
	Actor              string               `json:"actor"`
	Action             string               `json:"action"`
	FromStatus         string               `json:"from_status,omitempty"`
	ToStatus           string               `json:"to_status,omitempty"`
	Note               string               `json:"note,omitempty"`
	Diffs              map[string]FieldDiff `json:"diffs,omitempty"`
	ReviewerConfidence *float64             `json:"reviewer_confidence,omitempty"`
	Payload            map[string]any       `json:"payload,omitempty"`
	ErrorKind          string               `json:"error_kind,omitempty"`
	Error              string               `json:"error,omitempty"`
}

type GenerationEvent struct {
	ID           int64    `json:"id"`
	Seq          int64    `json:"seq"`
	TS           string   `json:"ts" format:"date-time"`
	EntityKind   string   `json:"entity_kind" enum:"document,requirement,test_case"`
	EntityID     string   `json:"entity_id"`
	LineageID    string   `json:"lineage_id,omitempty"`
	Actor        string   `json:"actor"`
	Operation    string   `json:"operation"`
	Collaborator string   `json:"collaborator,omitempty"`
	Model        string   `json:"model,omitempty"`
	Input        any      `json:"input,omitempty"`
	Output       any      `json:"output,omitempty"`
	Raw          string   `json:"raw,omitempty"`
	ProducedIDs  []string `json:"produced_ids,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// AuditEntry is one row of a merged audit trail, ordered by Seq.
type AuditEntry struct {
	Seq        int64            `json:"seq"`
	Stream     string           `json:"stream" enum:"review,generation"`
	Review     *ReviewEvent     `json:"review,omitempty"`
	Generation *GenerationEvent `json:"generation,omitempty"`
}

// CollaboratorOutput is what an external collaborator hands back: the decoded,
// untrusted payload plus what is needed to reproduce the call.
type CollaboratorOutput struct {
	Collaborator string `json:"collaborator"`
	Model        string `json:"model,omitempty"`
	Input        any    `json:"input,omitempty"`
	Payload      any    `json:"payload"`
	Raw          string `json:"raw,omitempty"`
}

type Verdict struct {
	Feedback    string             `json:"feedback"`
	Evaluation  string             `json:"evaluation"`
	TotalRating int                `json:"total_rating"`
	Dims        map[string]float64 `json:"dims,omitempty"`
}

type PendingItem struct {
	TestCase        TestCase `json:"test_case"`
	RequirementCode string   `json:"requirement_code"`
	RequirementText string   `json:"requirement_text"`
}

type PipelineStatus struct {
	DocumentID    string         `json:"document_id"`
	Requirements  int            `json:"requirements"`
	ByRequirement map[string]int `json:"requirements_by_status"`
	TestCases     int            `json:"test_cases"`
	ByTestCase    map[string]int `json:"test_cases_by_status"`
}

type TraceRow struct {
	RequirementID     string `json:"requirement_id"`
	RequirementCode   string `json:"requirement_code"`
	RequirementText   string `json:"requirement_text"`
	RequirementStatus string `json:"requirement_status"`
	TestCaseID        string `json:"test_case_id,omitempty"`
	TestCaseCode      string `json:"test_case_code,omitempty"`
	TestType          string `json:"test_type,omitempty"`
	TestCaseStatus    string `json:"test_case_status,omitempty"`
	TicketID          string `json:"ticket_id,omitempty"`
}

type ReviewPackage struct {
	TestCase    TestCase     `json:"test_case"`
	Requirement Requirement  `json:"requirement"`
	Verdict     *ReviewEvent `json:"judge_verdict,omitempty"`
}

// TicketResult is the per-id outcome of one ticket sink call. Ids absent from
// both maps are treated as failed.
type TicketResult struct {
	Collaborator string
	Succeeded    map[string]string
	Failed       map[string]error
}

// JudgeScores lists every recorded verdict for a test case, oldest first.
type JudgeScores struct {
	TestCaseID string        `json:"test_case_id"`
	Evaluated  bool          `json:"evaluated"`
	Latest     *ReviewEvent  `json:"latest,omitempty"`
	History    []ReviewEvent `json:"history"`
}

// EmbeddingOutput is what an embedder returns: one vector per input text.
type EmbeddingOutput struct {
	Collaborator string
	Model        string
	Vectors      [][]float32
}

// Embedding holds the chunk vectors of one requirement version.
type Embedding struct {
	RequirementID string      `json:"requirement_id"`
	Model         string      `json:"model"`
	Chunks        []string    `json:"chunks"`
	Vectors       [][]float32 `json:"-"`
	Dimension     int         `json:"dimension"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
}

type SearchHit struct {
	Requirement Requirement `json:"requirement"`
	Score       float64     `json:"score"`
	BestChunk   string      `json:"best_chunk"`
}

type EmbeddingStatus struct {
	DocumentID   string  `json:"document_id"`
	Requirements int     `json:"requirements"`
	Embedded     int     `json:"embedded"`
	Percentage   float64 `json:"percentage_embedded"`
}
