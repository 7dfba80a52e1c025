package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/migrate"
	"reqline/internal/pipeline"
)

const testSecret = "test-secret"

type stubExtractor struct{}

func (stubExtractor) Extract(ctx context.Context, text string) (domain.CollaboratorOutput, error) {
	return domain.CollaboratorOutput{Collaborator: "stub", Payload: map[string]any{
		"fields":      map[string]any{"text": text},
		"confidences": map[string]any{"text": 0.95},
	}}, nil
}

type stubGenerator struct{}

func (stubGenerator) Generate(ctx context.Context, req domain.Requirement, tt domain.TestType) (domain.CollaboratorOutput, error) {
	return domain.CollaboratorOutput{Collaborator: "stub", Payload: map[string]any{
		"script": "Given " + req.RawText, "evidence": []any{"log"}, "steps": []any{"run"},
		"sample_data": map[string]any{}, "scaffold": "// test",
	}}, nil
}

type stubSink struct{}

func (stubSink) CreateTickets(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error) {
	res := domain.TicketResult{Collaborator: "stub", Succeeded: map[string]string{}}
	for i, tc := range cases {
		res.Succeeded[tc.ID] = "QA-" + string(rune('1'+i))
	}
	return res, nil
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, texts []string) (domain.EmbeddingOutput, error) {
	out := domain.EmbeddingOutput{Collaborator: "stub", Model: "stub-embed"}
	for _, text := range texts {
		if strings.Contains(text, "alert") {
			out.Vectors = append(out.Vectors, []float32{1, 0})
		} else {
			out.Vectors = append(out.Vectors, []float32{0, 1})
		}
	}
	return out, nil
}

type testServer struct {
	URL    string
	client *http.Client
	token  string
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log := zaptest.NewLogger(t)
	e := engine.New(conn, config.Default(), log)
	orch := pipeline.New(e, pipeline.Collaborators{
		Extractor: stubExtractor{},
		Generator: stubGenerator{},
		Tickets:   stubSink{},
		Embedder:  stubEmbedder{},
	}, 2, log)
	handler, err := New(Config{Orchestrator: orch, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}, Log: log})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	token, err := MintToken(testSecret, "alice", time.Hour)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	ts := &testServer{
		URL:    "http://" + ln.Addr().String() + "/v1",
		client: &http.Client{},
		token:  token,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) (int, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if out != nil && res.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
	return res.StatusCode, data
}

type envelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	status, _ := srv.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status)

	srv.token = ""
	status, data := srv.do(t, http.MethodGet, "/documents", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "unauthorized", decodeError(t, data).Code)

	bad, err := MintToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	srv.token = bad
	status, data = srv.do(t, http.MethodGet, "/documents", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
	require.Equal(t, "invalid_credentials", decodeError(t, data).Code)
}

func TestAuthenticateJWTYieldsSubjectOnly(t *testing.T) {
	tok, err := MintToken(testSecret, "alice", time.Hour)
	require.NoError(t, err)
	p, err := authenticateJWT(tok, testSecret)
	require.NoError(t, err)
	require.Equal(t, Principal{ActorID: "alice"}, p)

	_, err = MintToken(testSecret, " ", time.Hour)
	require.Error(t, err)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = authenticateJWT(expired, testSecret)
	require.ErrorIs(t, err, jwt.ErrTokenExpired)

	anonymous, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Issuer: "reqline"}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = authenticateJWT(anonymous, testSecret)
	require.ErrorContains(t, err, "subject")
}

func TestPipelineOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	var ingested IngestResponse
	status, data := srv.do(t, http.MethodPost, "/documents", map[string]any{
		"document": map[string]any{"id": "doc-1", "filename": "srs.txt"},
		"text":     "The system shall alert.\n\nThe system shall log.",
	}, &ingested)
	require.Equal(t, http.StatusCreated, status, string(data))
	require.Equal(t, 0, ingested.Failed)
	require.Len(t, ingested.Items, 2)
	require.Equal(t, "alice", ingested.Document.UploadedBy)
	require.Equal(t, domain.RequirementApproved, ingested.Items[0].Recommended)
	require.Equal(t, domain.RequirementExtracted, ingested.Items[0].Requirement.Status)

	var approved engine.BulkApproveResult
	status, data = srv.do(t, http.MethodPost, "/documents/doc-1/bulk-approve", map[string]any{}, &approved)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Len(t, approved.Approved, 2)

	reqID := ingested.Items[0].Requirement.ID
	var previews BatchResponse[TestCaseItem]
	status, data = srv.do(t, http.MethodPost, "/test-cases/previews", map[string]any{
		"requirement_ids": []string{reqID},
		"test_types":      []string{"positive"},
	}, &previews)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, 0, previews.Failed)
	tcID := previews.Items[0].TestCase.ID

	var pending []domain.PendingItem
	status, _ = srv.do(t, http.MethodGet, "/test-cases/pending", nil, &pending)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pending, 1)

	var decided domain.TestCase
	status, data = srv.do(t, http.MethodPost, "/test-cases/"+tcID+"/decide", map[string]any{"decision": "approve"}, &decided)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, domain.TestCaseGenerated, decided.Status)

	var exported BatchResponse[ExportItem]
	status, data = srv.do(t, http.MethodPost, "/test-cases/export", map[string]any{"ids": []string{tcID}}, &exported)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, "QA-1", exported.Items[0].TicketID)

	var rows []domain.TraceRow
	status, _ = srv.do(t, http.MethodGet, "/documents/doc-1/traceability", nil, &rows)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, rows, 2)

	var trail []domain.AuditEntry
	status, _ = srv.do(t, http.MethodGet, "/audit/"+tcID, nil, &trail)
	require.Equal(t, http.StatusOK, status)
	last := trail[len(trail)-1]
	require.NotNil(t, last.Review)
	require.Equal(t, "alice", last.Review.Actor)
	require.Equal(t, string(domain.TestCasePushed), last.Review.ToStatus)
}

func TestSearchAndJudgeScoresOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	status, data := srv.do(t, http.MethodPost, "/documents", map[string]any{
		"document": map[string]any{"id": "doc-1", "filename": "srs.txt"},
		"text":     "The system shall alert.\n\nThe system shall log.",
	}, nil)
	require.Equal(t, http.StatusCreated, status, string(data))

	var embedded BatchResponse[EmbeddingItem]
	status, data = srv.do(t, http.MethodPost, "/documents/doc-1/embeddings", map[string]any{}, &embedded)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Equal(t, 0, embedded.Failed)
	require.Len(t, embedded.Items, 2)
	require.Equal(t, 2, embedded.Items[0].Embedding.Dimension)

	var st domain.EmbeddingStatus
	status, _ = srv.do(t, http.MethodGet, "/documents/doc-1/embeddings", nil, &st)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, domain.EmbeddingStatus{DocumentID: "doc-1", Requirements: 2, Embedded: 2, Percentage: 100}, st)

	var hits []domain.SearchHit
	status, data = srv.do(t, http.MethodPost, "/search", map[string]any{"query": "alert the operator", "top_k": 1}, &hits)
	require.Equal(t, http.StatusOK, status, string(data))
	require.Len(t, hits, 1)
	require.Equal(t, "The system shall alert.", hits[0].Requirement.RawText)

	status, data = srv.do(t, http.MethodGet, "/documents/missing/embeddings", nil, nil)
	require.Equal(t, http.StatusNotFound, status, string(data))

	status, data = srv.do(t, http.MethodPost, "/documents/doc-1/bulk-approve", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var previews BatchResponse[TestCaseItem]
	status, data = srv.do(t, http.MethodPost, "/test-cases/previews", map[string]any{
		"requirement_ids": []string{hits[0].Requirement.ID},
		"test_types":      []string{"positive"},
	}, &previews)
	require.Equal(t, http.StatusOK, status, string(data))
	tcID := previews.Items[0].TestCase.ID

	var scores domain.JudgeScores
	status, data = srv.do(t, http.MethodGet, "/test-cases/"+tcID+"/judge-scores", nil, &scores)
	require.Equal(t, http.StatusOK, status, string(data))
	require.False(t, scores.Evaluated)
	require.Empty(t, scores.History)

	status, data = srv.do(t, http.MethodGet, "/test-cases/missing/judge-scores", nil, nil)
	require.Equal(t, http.StatusNotFound, status, string(data))
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	status, data := srv.do(t, http.MethodPost, "/test-cases/missing/decide", map[string]any{"decision": "reject"}, nil)
	require.Equal(t, http.StatusNotFound, status, string(data))
	require.Equal(t, engine.CodeNotFound, decodeError(t, data).Code)

	status, data = srv.do(t, http.MethodPost, "/test-cases/missing/decide", map[string]any{"decision": "shrug"}, nil)
	require.Equal(t, http.StatusBadRequest, status, string(data))

	var ingested IngestResponse
	status, _ = srv.do(t, http.MethodPost, "/documents", map[string]any{
		"document":  map[string]any{"filename": "srs.txt"},
		"fragments": []map[string]any{{"text": "Unreviewed."}},
	}, &ingested)
	require.Equal(t, http.StatusCreated, status)
	reqID := ingested.Items[0].Requirement.ID

	var previews BatchResponse[TestCaseItem]
	status, _ = srv.do(t, http.MethodPost, "/test-cases/previews", map[string]any{
		"requirement_ids": []string{reqID},
		"test_types":      []string{"negative"},
	}, &previews)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, previews.Failed)
	require.Equal(t, engine.CodeRequirementNotApproved, previews.Items[0].Error.Code)
	require.Equal(t, "precondition", previews.Items[0].Error.Kind)

	status, data = srv.do(t, http.MethodPost, "/requirements/"+reqID+"/archive", nil, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	status, data = srv.do(t, http.MethodPost, "/requirements/"+reqID+"/review", map[string]any{"reviewer_confidence": 0.9}, nil)
	require.Equal(t, http.StatusConflict, status, string(data))
	require.Equal(t, engine.CodeIllegalTransition, decodeError(t, data).Code)
}

func TestHandleErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{engine.InvalidInputErr("x", "bad"), http.StatusBadRequest},
		{engine.InFlightErr("x", "export"), http.StatusConflict},
		{engine.CollaboratorErr(engine.CodeTicketFailed, "x", errors.New("down")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		require.Equal(t, tc.status, se.GetStatus(), tc.err.Error())
	}
}
