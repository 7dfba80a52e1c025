// Package pipeline drives batches of lifecycle operations through the external
// collaborators. Items run on a bounded worker pool and fail independently.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/repo"
)

// Result is the outcome for one item of a batch.
type Result[T any] struct {
	ID    string `json:"id"`
	Value T      `json:"value"`
	Err   error  `json:"-"`
}

func (r Result[T]) OK() bool { return r.Err == nil }

// Failures counts failed items.
func Failures[T any](rs []Result[T]) int {
	n := 0
	for _, r := range rs {
		if r.Err != nil {
			n++
		}
	}
	return n
}

type Orchestrator struct {
	Engine  engine.Engine
	Collabs Collaborators
	Workers int
	Log     *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func New(eng engine.Engine, collabs Collaborators, workers int, log *zap.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{Engine: eng, Collabs: collabs, Workers: workers, Log: log, inflight: map[string]struct{}{}}
}

// acquire marks key as running. It returns false if another call holds it.
func (o *Orchestrator) acquire(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == nil {
		o.inflight = map[string]struct{}{}
	}
	if _, busy := o.inflight[key]; busy {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

// item is one unit of batch work.
type item struct {
	id     string
	kind   string
	action string
	key    string
}

// runBatch runs do for every item on the worker pool. Once ctx is canceled no
// new item starts; items already running finish on a context that ignores
// the cancellation so their side effects are recorded. Skipped items get a
// Canceled error which is also written to the audit store.
func runBatch[T any](ctx context.Context, o *Orchestrator, actor string, items []item, do func(ctx context.Context, it item) (T, error)) []Result[T] {
	results := make([]Result[T], len(items))
	seen := map[string]bool{}
	var g errgroup.Group
	g.SetLimit(o.Workers)
	for i, it := range items {
		results[i].ID = it.id
		if seen[it.key] {
			results[i].Err = o.Engine.RecordRejected(ctx, it.kind, it.id, it.action, actor, engine.InvalidInputErr(it.id, "duplicate item in batch"))
			continue
		}
		seen[it.key] = true
		if err := ctx.Err(); err != nil {
			results[i].Err = o.Engine.RecordRejected(ctx, it.kind, it.id, it.action, actor, engine.CanceledErr(it.id, err))
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = o.Engine.RecordRejected(ctx, it.kind, it.id, it.action, actor, engine.CanceledErr(it.id, err))
				return nil
			}
			if !o.acquire(it.key) {
				results[i].Err = o.Engine.RecordRejected(ctx, it.kind, it.id, it.action, actor, engine.InFlightErr(it.id, it.action))
				return nil
			}
			defer o.release(it.key)
			v, err := do(context.WithoutCancel(ctx), it)
			results[i].Value = v
			results[i].Err = err
			if err != nil {
				o.Log.Warn("batch item failed", zap.String("action", it.action), zap.String("id", it.id), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

type Fragment struct {
	Text string `json:"text"`
	Code string `json:"code,omitempty"`
}

type IngestRequest struct {
	Document  domain.Document
	Fragments []Fragment
	Actor     string
}

type IngestBatchResult struct {
	Document domain.Document                `json:"document"`
	Items    []Result[engine.IngestResult] `json:"items"`
}

// IngestBatch registers the document and extracts each fragment into a new
// requirement. Result ids are fragment indexes.
func (o *Orchestrator) IngestBatch(ctx context.Context, req IngestRequest) (IngestBatchResult, error) {
	doc, err := o.Engine.RegisterDocument(ctx, req.Document)
	if err != nil {
		return IngestBatchResult{}, err
	}
	items := make([]item, len(req.Fragments))
	for i := range req.Fragments {
		id := strconv.Itoa(i)
		items[i] = item{id: id, kind: "document", action: "extract", key: "extract:" + doc.ID + ":" + id}
	}
	ext := o.Collabs.Extractor
	results := runBatch(ctx, o, req.Actor, items, func(ctx context.Context, it item) (engine.IngestResult, error) {
		frag := req.Fragments[mustIndex(it.id)]
		var out domain.CollaboratorOutput
		var err error
		if ext == nil {
			err = ErrNotConfigured
		} else {
			out, err = ext.Extract(ctx, frag.Text)
		}
		if err != nil {
			return engine.IngestResult{}, o.Engine.RecordCollaboratorFailure(ctx, engine.CollaboratorFailure{
				EntityKind:   "document",
				EntityID:     doc.ID,
				Operation:    "extract",
				Code:         engine.CodeExtractionFailed,
				Actor:        req.Actor,
				Collaborator: collaboratorName(ext),
				Input:        map[string]any{"text": frag.Text},
			}, err)
		}
		if out.Collaborator == "" {
			out.Collaborator = collaboratorName(ext)
		}
		return o.Engine.Ingest(ctx, engine.IngestInput{DocumentID: doc.ID, RawText: frag.Text, Code: frag.Code, Output: out, Actor: req.Actor})
	})
	return IngestBatchResult{Document: doc, Items: results}, nil
}

func mustIndex(id string) int {
	i, _ := strconv.Atoi(id)
	return i
}

// ReviewRequirement applies one human review. It fails with InFlight while
// another review of the same requirement is running.
func (o *Orchestrator) ReviewRequirement(ctx context.Context, opts engine.ReviewOptions) (engine.ReviewResult, error) {
	key := "requirement:" + opts.RequirementID
	if !o.acquire(key) {
		return engine.ReviewResult{}, o.Engine.RecordRejected(ctx, "requirement", opts.RequirementID, "review", opts.Actor, engine.InFlightErr(opts.RequirementID, "review"))
	}
	defer o.release(key)
	return o.Engine.Review(ctx, opts)
}

// Archive retires a requirement under the same key as ReviewRequirement.
func (o *Orchestrator) Archive(ctx context.Context, requirementID, actor, note string) (domain.Requirement, error) {
	key := "requirement:" + requirementID
	if !o.acquire(key) {
		return domain.Requirement{}, o.Engine.RecordRejected(ctx, "requirement", requirementID, string(engine.OpArchive), actor, engine.InFlightErr(requirementID, string(engine.OpArchive)))
	}
	defer o.release(key)
	return o.Engine.Archive(ctx, requirementID, actor, note)
}

// BulkApprove auto-approves a document's confident requirements. A nil
// threshold uses the configured one.
func (o *Orchestrator) BulkApprove(ctx context.Context, documentID string, threshold *float64) (engine.BulkApproveResult, error) {
	t := o.Engine.ConfiguredThreshold()
	if threshold != nil {
		t = *threshold
	}
	return o.Engine.BulkApprove(ctx, documentID, t)
}

type PreviewRequest struct {
	RequirementIDs []string
	// TestTypes defaults to the configured generation types.
	TestTypes []domain.TestType
	Actor     string
}

// CreatePreviews generates one preview per requirement and test type.
// Unapproved requirements fail before the generator is called.
func (o *Orchestrator) CreatePreviews(ctx context.Context, req PreviewRequest) []Result[domain.TestCase] {
	types := req.TestTypes
	if len(types) == 0 && o.Engine.Config != nil {
		types = o.Engine.Config.Generation.TestTypes
	}
	var items []item
	for _, id := range req.RequirementIDs {
		for _, tt := range types {
			items = append(items, item{id: id + "/" + string(tt), kind: "requirement", action: "generate", key: "generate:" + id + ":" + string(tt)})
		}
	}
	gen := o.Collabs.Generator
	return runBatch(ctx, o, req.Actor, items, func(ctx context.Context, it item) (domain.TestCase, error) {
		reqID, tt := splitPair(it.id)
		requirement, err := o.Engine.RequireApproved(ctx, reqID)
		if err != nil {
			return domain.TestCase{}, o.Engine.RecordRejected(ctx, "requirement", reqID, "generate", req.Actor, err)
		}
		var out domain.CollaboratorOutput
		if gen == nil {
			err = ErrNotConfigured
		} else {
			out, err = gen.Generate(ctx, requirement, tt)
		}
		if err != nil {
			return domain.TestCase{}, o.Engine.RecordCollaboratorFailure(ctx, engine.CollaboratorFailure{
				EntityKind:   "requirement",
				EntityID:     reqID,
				LineageID:    requirement.LineageID,
				Operation:    "generate",
				Code:         engine.CodeGenerationFailed,
				Actor:        req.Actor,
				Collaborator: collaboratorName(gen),
				Input:        map[string]any{"requirement_id": reqID, "test_type": string(tt)},
			}, err)
		}
		if out.Collaborator == "" {
			out.Collaborator = collaboratorName(gen)
		}
		return o.Engine.CreatePreview(ctx, engine.PreviewInput{RequirementID: reqID, TestType: tt, Output: out, Actor: req.Actor})
	})
}

func splitPair(id string) (string, domain.TestType) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[:i], domain.TestType(id[i+1:])
		}
	}
	return id, ""
}

func testCaseItems(ids []string, action string) []item {
	items := make([]item, len(ids))
	for i, id := range ids {
		items[i] = item{id: id, kind: "test_case", action: action, key: "test_case:" + id}
	}
	return items
}

// ConfirmPreviews confirms each preview independently.
func (o *Orchestrator) ConfirmPreviews(ctx context.Context, ids []string, actor string) []Result[domain.TestCase] {
	return runBatch(ctx, o, actor, testCaseItems(ids, string(engine.OpConfirm)), func(ctx context.Context, it item) (domain.TestCase, error) {
		return o.Engine.Confirm(ctx, it.id, actor)
	})
}

// Decide applies a single human decision. It shares the per-test-case key
// with the batch operations, so a case being exported or regenerated cannot
// be decided until that finishes.
func (o *Orchestrator) Decide(ctx context.Context, opts engine.DecideOptions) (domain.TestCase, error) {
	key := "test_case:" + opts.TestCaseID
	if !o.acquire(key) {
		return domain.TestCase{}, o.Engine.RecordRejected(ctx, "test_case", opts.TestCaseID, "decide", opts.Actor, engine.InFlightErr(opts.TestCaseID, "decide"))
	}
	defer o.release(key)
	return o.Engine.Decide(ctx, opts)
}

// DecideBatch applies independent decisions with per-item results.
func (o *Orchestrator) DecideBatch(ctx context.Context, decisions []engine.DecideOptions, actor string) []Result[domain.TestCase] {
	ids := make([]string, len(decisions))
	byID := make(map[string]engine.DecideOptions, len(decisions))
	for i, d := range decisions {
		ids[i] = d.TestCaseID
		if _, dup := byID[d.TestCaseID]; !dup {
			d.Actor = actor
			byID[d.TestCaseID] = d
		}
	}
	return runBatch(ctx, o, actor, testCaseItems(ids, "decide"), func(ctx context.Context, it item) (domain.TestCase, error) {
		return o.Engine.Decide(ctx, byID[it.id])
	})
}

// RequestRegeneration regenerates stale test cases from the current version
// of their requirement.
func (o *Orchestrator) RequestRegeneration(ctx context.Context, ids []string, actor string) []Result[domain.TestCase] {
	gen := o.Collabs.Generator
	return runBatch(ctx, o, actor, testCaseItems(ids, "regenerate_content"), func(ctx context.Context, it item) (domain.TestCase, error) {
		tc, head, err := o.Engine.RegenerationTarget(ctx, it.id)
		if err != nil {
			return tc, o.Engine.RecordRejected(ctx, "test_case", it.id, "regenerate_content", actor, err)
		}
		var out domain.CollaboratorOutput
		if gen == nil {
			err = ErrNotConfigured
		} else {
			out, err = gen.Generate(ctx, head, tc.TestType)
		}
		if err != nil {
			return tc, o.Engine.RecordCollaboratorFailure(ctx, engine.CollaboratorFailure{
				EntityKind:   "test_case",
				EntityID:     tc.ID,
				Operation:    "regenerate",
				Code:         engine.CodeGenerationFailed,
				Actor:        actor,
				Collaborator: collaboratorName(gen),
				Input:        map[string]any{"requirement_id": head.ID, "test_type": string(tc.TestType)},
			}, err)
		}
		if out.Collaborator == "" {
			out.Collaborator = collaboratorName(gen)
		}
		return o.Engine.RequestRegeneration(ctx, engine.RegenerateInput{TestCaseID: tc.ID, Output: out, Actor: actor})
	})
}

// JudgeBatch evaluates each test case. A failed evaluation is recorded and
// does not stop the others.
func (o *Orchestrator) JudgeBatch(ctx context.Context, ids []string) []Result[domain.Verdict] {
	judge := o.Collabs.Judge
	return runBatch(ctx, o, engine.ActorJudge, testCaseItems(ids, "judge"), func(ctx context.Context, it item) (domain.Verdict, error) {
		tc, err := o.Engine.GetTestCase(ctx, it.id)
		if err != nil {
			return domain.Verdict{}, o.Engine.RecordRejected(ctx, "test_case", it.id, "judge.failed", engine.ActorJudge, err)
		}
		req, err := o.Engine.GetRequirement(ctx, tc.RequirementID)
		if err != nil {
			return domain.Verdict{}, o.Engine.RecordRejected(ctx, "test_case", it.id, "judge.failed", engine.ActorJudge, err)
		}
		var out domain.CollaboratorOutput
		if judge == nil {
			err = ErrNotConfigured
		} else {
			out, err = judge.Evaluate(ctx, req, tc)
		}
		if err != nil {
			return domain.Verdict{}, o.Engine.RecordJudgeFailure(ctx, tc.ID, err)
		}
		if out.Collaborator == "" {
			out.Collaborator = collaboratorName(judge)
		}
		return o.Engine.Judge(ctx, engine.JudgeInput{TestCaseID: tc.ID, Output: out})
	})
}

// ExportBatch pushes generated test cases with a single ticket sink call.
// If ctx is already canceled nothing is sent; once the call starts it is
// allowed to finish and its results are recorded.
func (o *Orchestrator) ExportBatch(ctx context.Context, ids []string, actor string) []Result[string] {
	results := make([]Result[string], len(ids))
	if err := ctx.Err(); err != nil {
		for i, id := range ids {
			results[i] = Result[string]{ID: id, Err: o.Engine.RecordRejected(ctx, "test_case", id, string(engine.OpExport), actor, engine.CanceledErr(id, err))}
		}
		return results
	}
	var run []string
	var held []string
	for _, id := range ids {
		key := "test_case:" + id
		if !o.acquire(key) {
			continue
		}
		held = append(held, key)
		run = append(run, id)
	}
	defer func() {
		for _, key := range held {
			o.release(key)
		}
	}()

	sink := o.Collabs.Tickets
	create := func(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error) {
		if sink == nil {
			return domain.TicketResult{}, ErrNotConfigured
		}
		res, err := sink.CreateTickets(ctx, cases)
		if res.Collaborator == "" {
			res.Collaborator = collaboratorName(sink)
		}
		return res, err
	}
	exported := map[string]engine.ExportItem{}
	for _, ex := range o.Engine.Export(context.WithoutCancel(ctx), run, actor, create) {
		if _, seen := exported[ex.TestCaseID]; !seen {
			exported[ex.TestCaseID] = ex
		}
	}
	started := map[string]bool{}
	for i, id := range ids {
		results[i].ID = id
		ex, ok := exported[id]
		switch {
		case !ok:
			results[i].Err = o.Engine.RecordRejected(ctx, "test_case", id, string(engine.OpExport), actor, engine.InFlightErr(id, string(engine.OpExport)))
		case started[id]:
			results[i].Err = engine.InvalidInputErr(id, "duplicate id in export batch")
		default:
			started[id] = true
			results[i].Value = ex.TicketID
			results[i].Err = ex.Err
		}
	}
	return results
}

type EmbedRequest struct {
	DocumentID string
	// RequirementIDs defaults to every live requirement of DocumentID.
	RequirementIDs []string
	Actor          string
}

// EmbedRequirements chunks each requirement's text and stores one vector per
// chunk. A failed requirement does not stop the others.
func (o *Orchestrator) EmbedRequirements(ctx context.Context, req EmbedRequest) ([]Result[domain.Embedding], error) {
	ids := req.RequirementIDs
	if len(ids) == 0 {
		if req.DocumentID == "" {
			return nil, engine.InvalidInputErr("", "document or requirement ids required")
		}
		if _, err := o.Engine.GetDocument(ctx, req.DocumentID); err != nil {
			return nil, err
		}
		reqs, err := o.Engine.ListRequirements(ctx, repo.RequirementFilters{DocumentID: req.DocumentID})
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			ids = append(ids, r.ID)
		}
	}
	items := make([]item, len(ids))
	for i, id := range ids {
		items[i] = item{id: id, kind: "requirement", action: "embed", key: "embed:" + id}
	}
	size, overlap, _ := o.Engine.SearchSettings()
	emb := o.Collabs.Embedder
	return runBatch(ctx, o, req.Actor, items, func(ctx context.Context, it item) (domain.Embedding, error) {
		requirement, err := o.Engine.GetRequirement(ctx, it.id)
		if err != nil {
			return domain.Embedding{}, o.Engine.RecordRejected(ctx, "requirement", it.id, "embed", req.Actor, err)
		}
		chunks := ChunkText(requirement.RawText, size, overlap)
		var out domain.EmbeddingOutput
		if len(chunks) > 0 {
			if emb == nil {
				err = ErrNotConfigured
			} else {
				out, err = emb.Embed(ctx, chunks)
			}
			if err != nil {
				return domain.Embedding{}, o.Engine.RecordEmbedFailure(ctx, requirement, req.Actor, collaboratorName(emb), err)
			}
		}
		if out.Collaborator == "" {
			out.Collaborator = collaboratorName(emb)
		}
		return o.Engine.StoreEmbedding(ctx, engine.EmbedInput{RequirementID: requirement.ID, Chunks: chunks, Output: out, Actor: req.Actor})
	}), nil
}

type SearchRequest struct {
	Query      string
	DocumentID string
	// TopK defaults to the configured search.top_k.
	TopK int
}

// Search embeds the query and ranks embedded live requirements against it.
// Searches are reads and leave no audit record.
func (o *Orchestrator) Search(ctx context.Context, req SearchRequest) ([]domain.SearchHit, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, engine.InvalidInputErr("", "query is required")
	}
	topK := req.TopK
	if topK == 0 {
		_, _, topK = o.Engine.SearchSettings()
	}
	emb := o.Collabs.Embedder
	if emb == nil {
		return nil, engine.CollaboratorErr(engine.CodeEmbeddingFailed, "", ErrNotConfigured)
	}
	out, err := emb.Embed(ctx, []string{req.Query})
	if err != nil {
		return nil, engine.CollaboratorErr(engine.CodeEmbeddingFailed, "", err)
	}
	if len(out.Vectors) != 1 {
		return nil, engine.CollaboratorErr(engine.CodeEmbeddingFailed, "", fmt.Errorf("%d vectors for one query", len(out.Vectors)))
	}
	return o.Engine.Search(ctx, engine.SearchInput{Query: out.Vectors[0], DocumentID: req.DocumentID, TopK: topK})
}

// GetAuditTrail returns the seq-ordered audit trail for an entity.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, entityID string) ([]domain.AuditEntry, error) {
	return o.Engine.AuditTrail(ctx, entityID)
}

// GetPendingApproval lists test cases waiting for a human decision.
func (o *Orchestrator) GetPendingApproval(ctx context.Context) ([]domain.PendingItem, error) {
	return o.Engine.PendingApproval(ctx)
}
