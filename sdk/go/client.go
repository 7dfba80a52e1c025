package reqlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal reqline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, for example http://127.0.0.1:8080/v1.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Document represents an uploaded document.
type Document struct {
	ID         string `json:"id"`
	Filename   string `json:"filename"`
	UploadedBy string `json:"uploaded_by,omitempty"`
	UploadedAt string `json:"uploaded_at"`
}

// Requirement represents one requirement version (partial).
type Requirement struct {
	ID                string         `json:"id"`
	LineageID         string         `json:"lineage_id"`
	DocumentID        string         `json:"document_id"`
	Code              string         `json:"code,omitempty"`
	RawText           string         `json:"raw_text"`
	Structured        map[string]any `json:"structured"`
	OverallConfidence float64        `json:"overall_confidence"`
	Status            string         `json:"status"`
	Version           int            `json:"version"`
}

// TestCase represents the API test case model (partial).
type TestCase struct {
	ID                string         `json:"id"`
	Code              string         `json:"code"`
	RequirementID     string         `json:"requirement_id"`
	TestType          string         `json:"test_type"`
	Content           map[string]any `json:"content"`
	Status            string         `json:"status"`
	RegenerationCount int            `json:"regeneration_count"`
	ExternalTicketID  *string        `json:"external_ticket_id,omitempty"`
}

// ItemError describes why one batch item failed.
type ItemError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type IngestItem struct {
	ID             string       `json:"id"`
	Requirement    *Requirement `json:"requirement,omitempty"`
	Recommendation string       `json:"recommendation,omitempty"`
	Error          *ItemError   `json:"error,omitempty"`
}

type IngestResponse struct {
	Document Document     `json:"document"`
	Failed   int          `json:"failed"`
	Items    []IngestItem `json:"items"`
}

type TestCaseItem struct {
	ID       string     `json:"id"`
	TestCase *TestCase  `json:"test_case,omitempty"`
	Error    *ItemError `json:"error,omitempty"`
}

type ExportItem struct {
	ID       string     `json:"id"`
	TicketID string     `json:"ticket_id,omitempty"`
	Error    *ItemError `json:"error,omitempty"`
}

// Batch is the per-item response of batch endpoints.
type Batch[T any] struct {
	Failed int `json:"failed"`
	Items  []T `json:"items"`
}

// AuditEntry is one merged audit row; the event bodies are left undecoded.
type AuditEntry struct {
	Seq        int64          `json:"seq"`
	Stream     string         `json:"stream"`
	Review     map[string]any `json:"review,omitempty"`
	Generation map[string]any `json:"generation,omitempty"`
}

// SearchHit is one ranked requirement.
type SearchHit struct {
	Requirement Requirement `json:"requirement"`
	Score       float64     `json:"score"`
	BestChunk   string      `json:"best_chunk"`
}

// JudgeScores lists judge verdicts for a test case, oldest first.
type JudgeScores struct {
	TestCaseID string           `json:"test_case_id"`
	Evaluated  bool             `json:"evaluated"`
	History    []map[string]any `json:"history"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Ingest uploads document text. The server splits it into fragments on blank lines.
func (c *Client) Ingest(ctx context.Context, filename, text string) (IngestResponse, error) {
	body := map[string]any{
		"document": map[string]any{"filename": filename},
		"text":     text,
	}
	var resp IngestResponse
	err := c.do(ctx, http.MethodPost, "documents", body, &resp)
	return resp, err
}

// BulkApprove approves confident extracted requirements. A nil threshold uses the server's.
func (c *Client) BulkApprove(ctx context.Context, documentID string, threshold *float64) ([]string, error) {
	body := map[string]any{}
	if threshold != nil {
		body["threshold"] = *threshold
	}
	var resp struct {
		Approved []string `json:"approved"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("documents/%s/bulk-approve", url.PathEscape(documentID)), body, &resp)
	return resp.Approved, err
}

// Review records a human review of a requirement.
func (c *Client) Review(ctx context.Context, requirementID string, confidence float64, edits map[string]any, note string) (Requirement, error) {
	body := map[string]any{
		"reviewer_confidence": confidence,
		"edits":               edits,
		"note":                note,
	}
	var resp struct {
		Requirement Requirement `json:"requirement"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requirements/%s/review", url.PathEscape(requirementID)), body, &resp)
	return resp.Requirement, err
}

// CreatePreviews generates previews; empty testTypes uses the server defaults.
func (c *Client) CreatePreviews(ctx context.Context, requirementIDs, testTypes []string) (Batch[TestCaseItem], error) {
	body := map[string]any{"requirement_ids": requirementIDs}
	if len(testTypes) > 0 {
		body["test_types"] = testTypes
	}
	var resp Batch[TestCaseItem]
	err := c.do(ctx, http.MethodPost, "test-cases/previews", body, &resp)
	return resp, err
}

// Decide approves, rejects or requests regeneration of a test case.
func (c *Client) Decide(ctx context.Context, testCaseID, decision, reason string) (TestCase, error) {
	body := map[string]any{"decision": decision, "reason": reason}
	var resp TestCase
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("test-cases/%s/decide", url.PathEscape(testCaseID)), body, &resp)
	return resp, err
}

// Export pushes generated test cases to the ticket system.
func (c *Client) Export(ctx context.Context, ids []string) (Batch[ExportItem], error) {
	var resp Batch[ExportItem]
	err := c.do(ctx, http.MethodPost, "test-cases/export", map[string]any{"ids": ids}, &resp)
	return resp, err
}

// Pending lists test cases awaiting a decision.
func (c *Client) Pending(ctx context.Context) ([]TestCase, error) {
	var resp []struct {
		TestCase TestCase `json:"test_case"`
	}
	if err := c.do(ctx, http.MethodGet, "test-cases/pending", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]TestCase, len(resp))
	for i, p := range resp {
		out[i] = p.TestCase
	}
	return out, nil
}

// AuditTrail returns the merged audit trail of an entity.
func (c *Client) AuditTrail(ctx context.Context, entityID string) ([]AuditEntry, error) {
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("audit/%s", url.PathEscape(entityID)), nil, &resp)
	return resp, err
}

// Search ranks embedded requirements by similarity to query. Empty documentID
// searches every document; topK <= 0 uses the server default.
func (c *Client) Search(ctx context.Context, query, documentID string, topK int) ([]SearchHit, error) {
	body := map[string]any{"query": query}
	if documentID != "" {
		body["document_id"] = documentID
	}
	if topK > 0 {
		body["top_k"] = topK
	}
	var resp []SearchHit
	err := c.do(ctx, http.MethodPost, "search", body, &resp)
	return resp, err
}

func (c *Client) JudgeScores(ctx context.Context, testCaseID string) (JudgeScores, error) {
	var resp JudgeScores
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("test-cases/%s/judge-scores", url.PathEscape(testCaseID)), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
