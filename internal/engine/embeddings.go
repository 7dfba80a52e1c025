package engine

import (
	"context"
	"database/sql"
	"math"
	"sort"

	"reqline/internal/domain"
	"reqline/internal/repo"
)

const actionEmbed = "embed"

type EmbedInput struct {
	RequirementID string
	Chunks        []string
	Output        domain.EmbeddingOutput
	Actor         string
}

// StoreEmbedding validates the embedder output for one requirement version and
// replaces its stored vectors. The call is recorded on the generation stream.
// Embedding never changes the requirement status.
func (e Engine) StoreEmbedding(ctx context.Context, in EmbedInput) (domain.Embedding, error) {
	ev := domain.GenerationEvent{
		EntityKind:   "requirement",
		EntityID:     in.RequirementID,
		Actor:        actorOr(in.Actor),
		Operation:    actionEmbed,
		Collaborator: in.Output.Collaborator,
		Model:        in.Output.Model,
		Input:        map[string]any{"chunks": len(in.Chunks)},
	}
	dim, err := checkVectors(in.RequirementID, in.Chunks, in.Output.Vectors)
	if err != nil {
		return domain.Embedding{}, e.recordGenerationFailure(ctx, ev, err)
	}
	req, err := e.Repo.GetRequirement(ctx, in.RequirementID)
	if err != nil {
		return domain.Embedding{}, e.recordGenerationFailure(ctx, ev, storageErr(err, "requirement", in.RequirementID))
	}
	ev.LineageID = req.LineageID
	emb := domain.Embedding{
		RequirementID: req.ID,
		Model:         in.Output.Model,
		Chunks:        in.Chunks,
		Vectors:       in.Output.Vectors,
		Dimension:     dim,
	}
	unlock := e.lock(requirementKey(req.LineageID))
	defer unlock()
	err = e.inTx(ctx, func(tx *sql.Tx, r repo.Repo) error {
		cur, err := r.GetRequirement(ctx, in.RequirementID)
		if err != nil {
			return storageErr(err, "requirement", in.RequirementID)
		}
		if cur.Status == domain.RequirementArchived {
			return preconditionErr(CodeRequirementArchived, cur.ID, "archived requirements are not embedded")
		}
		emb.CreatedAt = e.stamp()
		if err := r.UpsertEmbedding(ctx, emb); err != nil {
			return err
		}
		out := ev
		out.Output = map[string]any{"chunks": len(in.Chunks), "dimension": dim}
		out.ProducedIDs = []string{cur.ID}
		_, err = e.writer().AppendGeneration(ctx, tx, out)
		return err
	})
	if err != nil {
		return domain.Embedding{}, e.recordGenerationFailure(ctx, ev, err)
	}
	return emb, nil
}

// checkVectors requires one finite vector per chunk, all of one non-zero dimension.
func checkVectors(id string, chunks []string, vectors [][]float32) (int, error) {
	if len(chunks) == 0 {
		return 0, validationErr(CodeEmbeddingMalformed, id, "no text to embed")
	}
	if len(vectors) != len(chunks) {
		return 0, validationErr(CodeEmbeddingMalformed, id, "%d vectors for %d chunks", len(vectors), len(chunks))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return 0, validationErr(CodeEmbeddingMalformed, id, "empty vector")
	}
	for i, v := range vectors {
		if len(v) != dim {
			return 0, validationErr(CodeEmbeddingMalformed, id, "vector %d has dimension %d, want %d", i, len(v), dim)
		}
		for _, x := range v {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return 0, validationErr(CodeEmbeddingMalformed, id, "vector %d is not finite", i)
			}
		}
	}
	return dim, nil
}

// RecordEmbedFailure notes a failed embedder call against a requirement.
func (e Engine) RecordEmbedFailure(ctx context.Context, req domain.Requirement, actor, collaborator string, cause error) error {
	return e.RecordCollaboratorFailure(ctx, CollaboratorFailure{
		EntityKind:   "requirement",
		EntityID:     req.ID,
		LineageID:    req.LineageID,
		Operation:    actionEmbed,
		Code:         CodeEmbeddingFailed,
		Actor:        actor,
		Collaborator: collaborator,
		Input:        map[string]any{"requirement_id": req.ID},
	}, cause)
}

// SearchSettings returns the configured chunking and default result count.
func (e Engine) SearchSettings() (chunkSize, overlap, topK int) {
	s := e.cfg().Search
	return s.ChunkSize, s.Overlap, s.TopK
}

type SearchInput struct {
	Query      []float32
	DocumentID string
	TopK       int
}

// Search ranks embedded, non-archived requirements by the best cosine
// similarity between the query and any of their chunks. Ties keep requirement
// creation order. Vectors whose dimension differs from the query are skipped.
func (e Engine) Search(ctx context.Context, in SearchInput) ([]domain.SearchHit, error) {
	if len(in.Query) == 0 {
		return nil, InvalidInputErr("", "query vector is empty")
	}
	if in.TopK < 1 {
		return nil, InvalidInputErr("", "top_k must be at least 1")
	}
	if in.DocumentID != "" {
		if _, err := e.GetDocument(ctx, in.DocumentID); err != nil {
			return nil, err
		}
	}
	reqs, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{DocumentID: in.DocumentID})
	if err != nil {
		return nil, err
	}
	embs, err := e.Repo.ListEmbeddings(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	hits := []domain.SearchHit{}
	for _, req := range reqs {
		emb, ok := embs[req.ID]
		if !ok {
			continue
		}
		best, chunk, found := -2.0, "", false
		for i, v := range emb.Vectors {
			if len(v) != len(in.Query) {
				continue
			}
			if s := cosine(in.Query, v); s > best {
				best, found = s, true
				if i < len(emb.Chunks) {
					chunk = emb.Chunks[i]
				}
			}
		}
		if found {
			hits = append(hits, domain.SearchHit{Requirement: req, Score: best, BestChunk: chunk})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > in.TopK {
		hits = hits[:in.TopK]
	}
	return hits, nil
}

// EmbeddingStatus reports how many live requirements of a document carry an embedding.
func (e Engine) EmbeddingStatus(ctx context.Context, documentID string) (domain.EmbeddingStatus, error) {
	st := domain.EmbeddingStatus{DocumentID: documentID}
	if _, err := e.GetDocument(ctx, documentID); err != nil {
		return st, err
	}
	reqs, err := e.Repo.ListRequirements(ctx, repo.RequirementFilters{DocumentID: documentID})
	if err != nil {
		return st, err
	}
	embs, err := e.Repo.ListEmbeddings(ctx, documentID)
	if err != nil {
		return st, err
	}
	st.Requirements = len(reqs)
	st.Embedded = len(embs)
	if st.Requirements > 0 {
		st.Percentage = math.Round(float64(st.Embedded)/float64(st.Requirements)*10000) / 100
	}
	return st, nil
}

// cosine returns 0 when either vector has zero magnitude.
func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
