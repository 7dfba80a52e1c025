package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/migrate"
	"reqline/internal/pipeline"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type fakeExtractor struct{}

func (fakeExtractor) Name() string { return "fake-extractor" }

func (fakeExtractor) Extract(ctx context.Context, text string) (domain.CollaboratorOutput, error) {
	switch {
	case strings.Contains(text, "timeout"):
		return domain.CollaboratorOutput{}, errors.New("upstream timeout")
	case strings.Contains(text, "garbage"):
		return domain.CollaboratorOutput{Payload: []any{"not", "an", "object"}}, nil
	}
	return domain.CollaboratorOutput{Payload: map[string]any{
		"fields":      map[string]any{"text": text},
		"confidences": map[string]any{"text": 0.9},
	}}, nil
}

type fakeGenerator struct {
	calls  atomic.Int32
	onCall func(n int32)
	fail   error
}

func (g *fakeGenerator) Name() string { return "fake-generator" }

func (g *fakeGenerator) Generate(ctx context.Context, req domain.Requirement, tt domain.TestType) (domain.CollaboratorOutput, error) {
	n := g.calls.Add(1)
	if g.onCall != nil {
		g.onCall(n)
	}
	if g.fail != nil {
		return domain.CollaboratorOutput{}, g.fail
	}
	return domain.CollaboratorOutput{Payload: map[string]any{
		"script":      "script for " + req.ID + " " + string(tt),
		"evidence":    []any{"log"},
		"steps":       []any{"step"},
		"sample_data": map[string]any{"k": "v"},
		"scaffold":    "scaffold",
	}}, nil
}

type fakeJudge struct{ failFor string }

func (fakeJudge) Name() string { return "fake-judge" }

func (j fakeJudge) Evaluate(ctx context.Context, req domain.Requirement, tc domain.TestCase) (domain.CollaboratorOutput, error) {
	if tc.ID == j.failFor {
		return domain.CollaboratorOutput{}, errors.New("judge unavailable")
	}
	return domain.CollaboratorOutput{Payload: map[string]any{"feedback": "fine", "evaluation": "ok", "total_rating": 4}}, nil
}

type fakeSink struct {
	mu    sync.Mutex
	calls int
	fail  map[string]bool
}

func (s *fakeSink) CreateTickets(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	res := domain.TicketResult{Collaborator: "fake-tickets", Succeeded: map[string]string{}, Failed: map[string]error{}}
	for _, tc := range cases {
		if s.fail[tc.ID] {
			res.Failed[tc.ID] = errors.New("rejected by tracker")
			continue
		}
		res.Succeeded[tc.ID] = "QA-" + tc.Code
	}
	return res, nil
}

// fakeEmbedder counts a few keywords, which is enough to rank fixtures.
type fakeEmbedder struct{ failOn string }

func (fakeEmbedder) Name() string { return "fake-embedder" }

func (e fakeEmbedder) Embed(ctx context.Context, texts []string) (domain.EmbeddingOutput, error) {
	out := domain.EmbeddingOutput{Model: "keywords"}
	for _, text := range texts {
		if e.failOn != "" && strings.Contains(text, e.failOn) {
			return out, errors.New("embedding quota exceeded")
		}
		lower := strings.ToLower(text)
		out.Vectors = append(out.Vectors, []float32{
			float32(strings.Count(lower, "log in")),
			float32(strings.Count(lower, "alarm")),
			0.01,
		})
	}
	return out, nil
}

type testEnv struct {
	Orch *pipeline.Orchestrator
	Gen  *fakeGenerator
	Sink *fakeSink
	Ctx  context.Context
}

func newTestEnv(t *testing.T, workers int) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	eng := engine.New(conn, config.Default(), zaptest.NewLogger(t))
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	gen := &fakeGenerator{}
	sink := &fakeSink{fail: map[string]bool{}}
	orch := pipeline.New(eng, pipeline.Collaborators{Extractor: fakeExtractor{}, Generator: gen, Judge: fakeJudge{}, Tickets: sink}, workers, zaptest.NewLogger(t))
	return testEnv{Orch: orch, Gen: gen, Sink: sink, Ctx: ctx}
}

func (env testEnv) ingest(t *testing.T, fragments ...string) pipeline.IngestBatchResult {
	t.Helper()
	req := pipeline.IngestRequest{Document: domain.Document{ID: "doc-1", Filename: "srs.txt"}, Actor: "tester"}
	for _, f := range fragments {
		req.Fragments = append(req.Fragments, pipeline.Fragment{Text: f})
	}
	res, err := env.Orch.IngestBatch(env.Ctx, req)
	require.NoError(t, err)
	return res
}

func (env testEnv) approved(t *testing.T, fragments ...string) []string {
	t.Helper()
	res := env.ingest(t, fragments...)
	_, err := env.Orch.BulkApprove(env.Ctx, res.Document.ID, nil)
	require.NoError(t, err)
	var ids []string
	for _, it := range res.Items {
		require.NoError(t, it.Err)
		ids = append(ids, it.Value.Requirement.ID)
	}
	return ids
}

func TestIngestBatchIsolatesFailures(t *testing.T) {
	env := newTestEnv(t, 3)
	res := env.ingest(t, "The user shall log in.", "timeout please", "garbage output", "The user shall log out.")
	require.Len(t, res.Items, 4)
	require.NoError(t, res.Items[0].Err)
	require.True(t, engine.HasCode(res.Items[1].Err, engine.CodeExtractionFailed))
	require.True(t, engine.IsCollaborator(res.Items[1].Err))
	require.True(t, engine.HasCode(res.Items[2].Err, engine.CodeExtractionMalformed))
	require.NoError(t, res.Items[3].Err)
	require.Equal(t, 2, pipeline.Failures(res.Items))

	trail, err := env.Orch.GetAuditTrail(env.Ctx, res.Document.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	kinds := []string{trail[0].Generation.ErrorKind, trail[1].Generation.ErrorKind}
	require.ElementsMatch(t, []string{"collaborator", "validation"}, kinds)
}

func TestCreatePreviewsFailsFastOnUnapproved(t *testing.T) {
	env := newTestEnv(t, 2)
	approved := env.approved(t, "The user shall log in.")
	res, err := env.Orch.IngestBatch(env.Ctx, pipeline.IngestRequest{
		Document:  domain.Document{ID: "doc-2", Filename: "other.txt"},
		Fragments: []pipeline.Fragment{{Text: "Unreviewed requirement."}},
	})
	require.NoError(t, err)
	pending := res.Items[0].Value.Requirement.ID

	results := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{
		RequirementIDs: []string{approved[0], pending},
		TestTypes:      []domain.TestType{domain.TestTypePositive, domain.TestTypeNegative},
		Actor:          "tester",
	})
	require.Len(t, results, 4)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)
	require.True(t, engine.HasCode(results[2].Err, engine.CodeRequirementNotApproved))
	require.True(t, engine.HasCode(results[3].Err, engine.CodeRequirementNotApproved))
	require.EqualValues(t, 2, env.Gen.calls.Load())

	pendingItems, err := env.Orch.GetPendingApproval(env.Ctx)
	require.NoError(t, err)
	require.Len(t, pendingItems, 2)
}

func TestGeneratorFailureIsRecorded(t *testing.T) {
	env := newTestEnv(t, 1)
	ids := env.approved(t, "The user shall log in.")
	env.Gen.fail = errors.New("model overloaded")
	results := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{RequirementIDs: ids, TestTypes: []domain.TestType{domain.TestTypeBoundary}, Actor: "tester"})
	require.True(t, engine.HasCode(results[0].Err, engine.CodeGenerationFailed))

	trail, err := env.Orch.GetAuditTrail(env.Ctx, ids[0])
	require.NoError(t, err)
	last := trail[len(trail)-1]
	require.NotNil(t, last.Generation)
	require.Equal(t, "generate", last.Generation.Operation)
	require.Equal(t, "collaborator", last.Generation.ErrorKind)
	require.Equal(t, "fake-generator", last.Generation.Collaborator)
}

func TestCancellationStopsNewCalls(t *testing.T) {
	env := newTestEnv(t, 1)
	ids := env.approved(t, "One.", "Two.", "Three.")
	ctx, cancel := context.WithCancel(env.Ctx)
	defer cancel()
	env.Gen.onCall = func(n int32) {
		if n == 1 {
			cancel()
		}
	}
	results := env.Orch.CreatePreviews(ctx, pipeline.PreviewRequest{RequirementIDs: ids, TestTypes: []domain.TestType{domain.TestTypePositive}, Actor: "tester"})
	require.Len(t, results, 3)
	require.NoError(t, results[0].Err, "the in-flight call completes and is recorded")
	require.Equal(t, domain.TestCasePreview, results[0].Value.Status)
	for _, r := range results[1:] {
		require.True(t, engine.HasCode(r.Err, engine.CodeCanceled), "%v", r.Err)
	}
	require.EqualValues(t, 1, env.Gen.calls.Load())
}

func TestInFlightRejectsConcurrentDuplicate(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.approved(t, "The user shall log in.")
	entered := make(chan struct{})
	release := make(chan struct{})
	env.Gen.onCall = func(n int32) {
		if n == 1 {
			close(entered)
			<-release
		}
	}
	req := pipeline.PreviewRequest{RequirementIDs: ids, TestTypes: []domain.TestType{domain.TestTypePositive}, Actor: "tester"}
	done := make(chan []pipeline.Result[domain.TestCase])
	go func() { done <- env.Orch.CreatePreviews(env.Ctx, req) }()
	<-entered

	second := env.Orch.CreatePreviews(env.Ctx, req)
	require.True(t, engine.HasCode(second[0].Err, engine.CodeInFlight), "%v", second[0].Err)
	close(release)
	first := <-done
	require.NoError(t, first[0].Err)
}

func TestConfirmDecideAndDuplicates(t *testing.T) {
	env := newTestEnv(t, 4)
	ids := env.approved(t, "The user shall log in.")
	previews := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{RequirementIDs: ids, Actor: "tester"})
	require.Len(t, previews, 3)
	a, b, c := previews[0].Value.ID, previews[1].Value.ID, previews[2].Value.ID

	confirmed := env.Orch.ConfirmPreviews(env.Ctx, []string{a, a, "missing"}, "tester")
	require.NoError(t, confirmed[0].Err)
	require.True(t, engine.HasCode(confirmed[1].Err, engine.CodeInvalidInput))
	require.True(t, engine.HasCode(confirmed[2].Err, engine.CodeNotFound))

	decided := env.Orch.DecideBatch(env.Ctx, []engine.DecideOptions{
		{TestCaseID: a, Decision: engine.DecisionReject, Reason: "dup"},
		{TestCaseID: b, Decision: engine.DecisionApprove},
		{TestCaseID: c, Decision: engine.DecisionApprove, Edits: map[string]any{"evidence": 3}},
	}, "alice")
	require.NoError(t, decided[0].Err)
	require.Equal(t, domain.TestCaseRejected, decided[0].Value.Status)
	require.NoError(t, decided[1].Err)
	require.Equal(t, domain.TestCaseGenerated, decided[1].Value.Status)
	require.True(t, engine.HasCode(decided[2].Err, engine.CodeEditMalformed))
}

func TestRegenerationUsesCurrentVersion(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.approved(t, "The user shall log in.")
	previews := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{RequirementIDs: ids, TestTypes: []domain.TestType{domain.TestTypePositive}, Actor: "tester"})
	tc := previews[0].Value

	reviewed, err := env.Orch.ReviewRequirement(env.Ctx, engine.ReviewOptions{RequirementID: ids[0], Edits: map[string]any{"text": "edited"}, ReviewerConfidence: 0.9, Actor: "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{tc.ID}, reviewed.Staled)

	regen := env.Orch.RequestRegeneration(env.Ctx, []string{tc.ID}, "alice")
	require.NoError(t, regen[0].Err)
	require.Equal(t, reviewed.Requirement.ID, regen[0].Value.RequirementID)
	require.Equal(t, domain.TestCasePreview, regen[0].Value.Status)
	require.Contains(t, regen[0].Value.Content.Script, reviewed.Requirement.ID)

	again := env.Orch.RequestRegeneration(env.Ctx, []string{tc.ID}, "alice")
	require.True(t, engine.HasCode(again[0].Err, engine.CodeIllegalTransition))
}

func TestJudgeBatchContinuesPastFailures(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.approved(t, "The user shall log in.")
	previews := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{RequirementIDs: ids, TestTypes: []domain.TestType{domain.TestTypePositive, domain.TestTypeNegative}, Actor: "tester"})
	env.Orch.Collabs.Judge = fakeJudge{failFor: previews[0].Value.ID}

	verdicts := env.Orch.JudgeBatch(env.Ctx, []string{previews[0].Value.ID, previews[1].Value.ID})
	require.True(t, engine.HasCode(verdicts[0].Err, engine.CodeJudgeFailed))
	require.NoError(t, verdicts[1].Err)
	require.Equal(t, 4, verdicts[1].Value.TotalRating)

	trail, err := env.Orch.GetAuditTrail(env.Ctx, previews[0].Value.ID)
	require.NoError(t, err)
	last := trail[len(trail)-1]
	require.NotNil(t, last.Review)
	require.Equal(t, engine.ActorJudge, last.Review.Actor)
	require.NotEmpty(t, last.Review.Error)
}

func TestExportBatchPartialSuccess(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.approved(t, "The user shall log in.")
	previews := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{RequirementIDs: ids, Actor: "tester"})
	var tcIDs []string
	for _, p := range previews {
		require.NoError(t, p.Err)
		tcIDs = append(tcIDs, p.Value.ID)
	}
	confirmed := env.Orch.ConfirmPreviews(env.Ctx, tcIDs[:2], "tester")
	require.Zero(t, pipeline.Failures(confirmed))
	env.Sink.fail[tcIDs[1]] = true

	results := env.Orch.ExportBatch(env.Ctx, tcIDs, "tester")
	require.Equal(t, 1, env.Sink.calls)
	require.NoError(t, results[0].Err)
	require.True(t, strings.HasPrefix(results[0].Value, "QA-TC-"))
	require.True(t, engine.HasCode(results[1].Err, engine.CodeTicketFailed))
	require.True(t, engine.HasCode(results[2].Err, engine.CodeIllegalTransition))

	canceled, cancel := context.WithCancel(env.Ctx)
	cancel()
	results = env.Orch.ExportBatch(canceled, tcIDs[1:2], "tester")
	require.True(t, engine.HasCode(results[0].Err, engine.CodeCanceled))
	require.Equal(t, 1, env.Sink.calls)
}

type blockingSink struct {
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) CreateTickets(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error) {
	close(s.entered)
	<-s.release
	res := domain.TicketResult{Collaborator: "blocking-tickets", Succeeded: map[string]string{}}
	for _, tc := range cases {
		res.Succeeded[tc.ID] = "QA-" + tc.Code
	}
	return res, nil
}

func TestDecideIsRejectedWhileExportRuns(t *testing.T) {
	env := newTestEnv(t, 2)
	ids := env.approved(t, "The user shall log in.")
	previews := env.Orch.CreatePreviews(env.Ctx, pipeline.PreviewRequest{RequirementIDs: ids, TestTypes: []domain.TestType{domain.TestTypePositive}, Actor: "tester"})
	require.NoError(t, previews[0].Err)
	tc := previews[0].Value
	_, err := env.Orch.Decide(env.Ctx, engine.DecideOptions{TestCaseID: tc.ID, Decision: engine.DecisionApprove, Actor: "alice"})
	require.NoError(t, err)

	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	env.Orch.Collabs.Tickets = sink
	done := make(chan []pipeline.Result[string], 1)
	go func() {
		done <- env.Orch.ExportBatch(env.Ctx, []string{tc.ID}, "alice")
	}()
	<-sink.entered

	_, err = env.Orch.Decide(env.Ctx, engine.DecideOptions{TestCaseID: tc.ID, Decision: engine.DecisionReject, Actor: "bob"})
	require.True(t, engine.HasCode(err, engine.CodeInFlight), "got %v", err)

	close(sink.release)
	results := <-done
	require.NoError(t, results[0].Err)
	require.Equal(t, "QA-"+tc.Code, results[0].Value)

	got, err := env.Orch.Engine.GetTestCase(env.Ctx, tc.ID)
	require.NoError(t, err)
	require.Equal(t, domain.TestCasePushed, got.Status)
	require.NotNil(t, got.ExternalTicketID)
	require.Equal(t, "QA-"+tc.Code, *got.ExternalTicketID)

	_, err = env.Orch.Decide(env.Ctx, engine.DecideOptions{TestCaseID: tc.ID, Decision: engine.DecisionReject, Actor: "bob"})
	require.True(t, engine.HasCode(err, engine.CodeIllegalTransition))
}

func TestEmbedAndSearch(t *testing.T) {
	env := newTestEnv(t, 2)
	env.Orch.Collabs.Embedder = fakeEmbedder{failOn: "outage"}
	res := env.ingest(t, "The user shall log in.", "The monitor shall raise an alarm.", "Alarm during outage shall be logged.")
	docID := res.Document.ID

	embs, err := env.Orch.EmbedRequirements(env.Ctx, pipeline.EmbedRequest{DocumentID: docID, Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, embs, 3)
	require.Equal(t, 1, pipeline.Failures(embs))
	for _, r := range embs {
		if r.Err != nil {
			require.True(t, engine.HasCode(r.Err, engine.CodeEmbeddingFailed), "%v", r.Err)
			continue
		}
		require.Equal(t, "keywords", r.Value.Model)
		require.Equal(t, 3, r.Value.Dimension)
	}

	hits, err := env.Orch.Search(env.Ctx, pipeline.SearchRequest{Query: "alarm", DocumentID: docID})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "The monitor shall raise an alarm.", hits[0].Requirement.RawText)
	require.Equal(t, "The user shall log in.", hits[1].Requirement.RawText)
	require.Greater(t, hits[0].Score, hits[1].Score)

	hits, err = env.Orch.Search(env.Ctx, pipeline.SearchRequest{Query: "log in", TopK: 1})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "The user shall log in.", hits[0].BestChunk)

	st, err := env.Orch.Engine.EmbeddingStatus(env.Ctx, docID)
	require.NoError(t, err)
	require.Equal(t, 3, st.Requirements)
	require.Equal(t, 2, st.Embedded)

	_, err = env.Orch.Search(env.Ctx, pipeline.SearchRequest{Query: "  "})
	require.True(t, engine.HasCode(err, engine.CodeInvalidInput))
	_, err = env.Orch.EmbedRequirements(env.Ctx, pipeline.EmbedRequest{Actor: "alice"})
	require.True(t, engine.HasCode(err, engine.CodeInvalidInput))

	env.Orch.Collabs.Embedder = nil
	_, err = env.Orch.Search(env.Ctx, pipeline.SearchRequest{Query: "alarm"})
	require.ErrorIs(t, err, pipeline.ErrNotConfigured)
	require.True(t, engine.IsCollaborator(err))
}

func TestChunkText(t *testing.T) {
	require.Equal(t, []string{"aaaa bbbb", "bbbb cccc", "cccc dddd", "dddd eeee"}, pipeline.ChunkText("aaaa bbbb cccc dddd eeee", 10, 5))
	require.Equal(t, []string{"aaaa bbbb", "cccc"}, pipeline.ChunkText("aaaa bbbb\ncccc", 10, 0))
	require.Equal(t, []string{"one two"}, pipeline.ChunkText("  one   two ", 500, 50))
	require.Empty(t, pipeline.ChunkText(" \t ", 500, 50))
}

func TestSplitFragments(t *testing.T) {
	got := pipeline.SplitFragments("REQ-1 The user shall log in.\n\n  \nREQ-2 The user shall log out.\r\n\r\n\n")
	require.Equal(t, []string{"REQ-1 The user shall log in.", "REQ-2 The user shall log out."}, got)
	require.Empty(t, pipeline.SplitFragments(" \n\n "))
}
