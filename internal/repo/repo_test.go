package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/migrate"
	"reqline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertDocument(context.Background(), domain.Document{ID: "d1", Filename: "a.txt", UploadedAt: "2024-01-01T00:00:00Z", UploadSessionID: "s1"}))
	return r
}

func requirement(id, lineage string, version int, status domain.RequirementStatus) domain.Requirement {
	return domain.Requirement{
		ID: id, LineageID: lineage, DocumentID: "d1", RawText: "text",
		Structured: map[string]any{"a": "b"}, FieldConfidences: map[string]float64{"a": 0.5},
		OverallConfidence: 0.5, Status: status, Version: version,
		CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
}

func TestOneLiveVersionPerLineage(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertRequirement(ctx, requirement("r1", "L", 1, domain.RequirementExtracted)))
	require.Error(t, r.InsertRequirement(ctx, requirement("r2", "L", 2, domain.RequirementApproved)))

	require.NoError(t, r.SetRequirementStatus(ctx, "r1", domain.RequirementArchived, "2024-01-02T00:00:00Z"))
	require.NoError(t, r.InsertRequirement(ctx, requirement("r2", "L", 2, domain.RequirementApproved)))

	head, err := r.GetLineageHead(ctx, "L")
	require.NoError(t, err)
	require.Equal(t, "r2", head.ID)
	require.Equal(t, map[string]any{"a": "b"}, head.Structured)

	_, err = r.GetRequirement(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestPushedRequiresTicket(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertRequirement(ctx, requirement("r1", "L", 1, domain.RequirementApproved)))
	tc := domain.TestCase{
		ID: "t1", Code: "TC-1", RequirementID: "r1", TestType: domain.TestTypePositive,
		Content: domain.TestContent{Script: "s", Evidence: []string{}, Steps: []string{}, SampleData: map[string]any{}, Scaffold: "x"},
		Status: domain.TestCasePushed, GeneratedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
	}
	require.Error(t, r.InsertTestCase(ctx, tc))

	tc.Status = domain.TestCaseGenerated
	require.NoError(t, r.InsertTestCase(ctx, tc))
	ticket := "QA-9"
	tc.ExternalTicketID = &ticket
	require.Error(t, r.UpdateTestCase(ctx, tc))

	tc.Status = domain.TestCasePushed
	require.NoError(t, r.UpdateTestCase(ctx, tc))
	got, err := r.GetTestCase(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, "QA-9", *got.ExternalTicketID)

	list, err := r.ListTestCases(ctx, repo.TestCaseFilters{DocumentID: "d1", Statuses: []domain.TestCaseStatus{domain.TestCasePushed}})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestEmbeddingsSkipArchivedAndReplace(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.InsertRequirement(ctx, requirement("r1", "L1", 1, domain.RequirementApproved)))
	require.NoError(t, r.InsertRequirement(ctx, requirement("r2", "L2", 1, domain.RequirementApproved)))

	emb := domain.Embedding{RequirementID: "r1", Model: "m1", Chunks: []string{"text"}, Vectors: [][]float32{{1, 0}}, Dimension: 2, CreatedAt: "2024-01-01T00:00:00Z"}
	require.NoError(t, r.UpsertEmbedding(ctx, emb))
	emb.Model = "m2"
	emb.Vectors = [][]float32{{0, 1}}
	require.NoError(t, r.UpsertEmbedding(ctx, emb))
	require.NoError(t, r.UpsertEmbedding(ctx, domain.Embedding{RequirementID: "r2", Model: "m1", Chunks: []string{"x"}, Vectors: [][]float32{{1, 1}}, Dimension: 2, CreatedAt: "2024-01-01T00:00:00Z"}))

	got, err := r.ListEmbeddings(ctx, "d1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "m2", got["r1"].Model)
	require.Equal(t, [][]float32{{0, 1}}, got["r1"].Vectors)

	require.NoError(t, r.SetRequirementStatus(ctx, "r2", domain.RequirementArchived, "2024-01-02T00:00:00Z"))
	got, err = r.ListEmbeddings(ctx, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Contains(t, got, "r1")

	got, err = r.ListEmbeddings(ctx, "other-doc")
	require.NoError(t, err)
	require.Empty(t, got)
}
