package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/pipeline"
	"reqline/internal/repo"
)

type output[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *output[T] { return &output[T]{Body: v} }

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}

func requireBody(ctx context.Context) error {
	if len(bodyBytes(ctx)) == 0 {
		return newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return nil
}

func registerDocuments(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-document",
		Method:        http.MethodPost,
		Path:          "/documents",
		Summary:       "Register a document and extract its fragments into requirements",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IngestRequest `json:"body"`
	}) (*output[IngestResponse], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fragments := input.Body.Fragments
		if len(fragments) == 0 {
			for _, text := range pipeline.SplitFragments(input.Body.Text) {
				fragments = append(fragments, pipeline.Fragment{Text: text})
			}
		}
		if len(fragments) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text or fragments required", nil)
		}
		uploadedBy := input.Body.Document.UploadedBy
		if uploadedBy == "" {
			uploadedBy = actor
		}
		res, err := o.IngestBatch(ctx, pipeline.IngestRequest{
			Document: domain.Document{
				ID:         input.Body.Document.ID,
				Filename:   input.Body.Document.Filename,
				UploadedBy: uploadedBy,
			},
			Fragments: fragments,
			Actor:     actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(ingestResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/documents",
		Summary:     "List documents",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Document], error) {
		docs, err := o.Engine.ListDocuments(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(docs)), nil
	})

	type documentPath struct {
		DocumentID string `path:"document_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-document",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}",
		Summary:     "Get document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*output[domain.Document], error) {
		doc, err := o.Engine.GetDocument(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(doc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-status",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/status",
		Summary:     "Requirement and test case counts per status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*output[domain.PipelineStatus], error) {
		st, err := o.Engine.PipelineStatus(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "document-traceability",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/traceability",
		Summary:     "Traceability matrix of live requirements and their test cases",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*output[[]domain.TraceRow], error) {
		rows, err := o.Engine.Traceability(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(rows)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bulk-approve",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/bulk-approve",
		Summary:     "Auto-approve extracted requirements at or above the threshold",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string             `path:"document_id"`
		Body       BulkApproveRequest `json:"body" required:"false"`
	}) (*output[engine.BulkApproveResult], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := o.BulkApprove(ctx, input.DocumentID, input.Body.Threshold)
		if err != nil {
			return nil, handleError(err)
		}
		res.Approved = emptyIfNil(res.Approved)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "embed-document",
		Method:      http.MethodPost,
		Path:        "/documents/{document_id}/embeddings",
		Summary:     "Embed the live requirements of a document for semantic search",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		DocumentID string       `path:"document_id"`
		Body       EmbedRequest `json:"body" required:"false"`
	}) (*output[BatchResponse[EmbeddingItem]], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := o.Engine.GetDocument(ctx, input.DocumentID); err != nil {
			return nil, handleError(err)
		}
		rs, err := o.EmbedRequirements(ctx, pipeline.EmbedRequest{DocumentID: input.DocumentID, RequirementIDs: input.Body.RequirementIDs, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(embeddingItems(rs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "embedding-status",
		Method:      http.MethodGet,
		Path:        "/documents/{document_id}/embeddings",
		Summary:     "How many live requirements of a document are embedded",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *documentPath) (*output[domain.EmbeddingStatus], error) {
		st, err := o.Engine.EmbeddingStatus(ctx, input.DocumentID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(st), nil
	})
}

func registerSearch(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "search-requirements",
		Method:      http.MethodPost,
		Path:        "/search",
		Summary:     "Rank embedded live requirements by similarity to a query",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body SearchRequest `json:"body"`
	}) (*output[[]domain.SearchHit], error) {
		hits, err := o.Search(ctx, pipeline.SearchRequest{Query: input.Body.Query, DocumentID: input.Body.DocumentID, TopK: input.Body.TopK})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(hits)), nil
	})
}

func registerRequirements(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/requirements",
		Summary:     "List requirements",
	}, func(ctx context.Context, input *struct {
		DocumentID      string `query:"document_id"`
		Status          string `query:"status"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.Requirement], error) {
		reqs, err := o.Engine.ListRequirements(ctx, repo.RequirementFilters{
			DocumentID:      input.DocumentID,
			Status:          domain.RequirementStatus(input.Status),
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(reqs)), nil
	})

	type requirementPath struct {
		RequirementID string `path:"requirement_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-requirement",
		Method:      http.MethodGet,
		Path:        "/requirements/{requirement_id}",
		Summary:     "Get requirement version",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *requirementPath) (*output[domain.Requirement], error) {
		req, err := o.Engine.GetRequirement(ctx, input.RequirementID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-requirement",
		Method:      http.MethodPost,
		Path:        "/requirements/{requirement_id}/review",
		Summary:     "Review a requirement, creating its next version",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequirementID string        `path:"requirement_id"`
		Body          ReviewRequest `json:"body"`
	}) (*output[engine.ReviewResult], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := o.ReviewRequirement(ctx, engine.ReviewOptions{
			RequirementID:      input.RequirementID,
			Edits:              input.Body.Edits,
			ReviewerConfidence: input.Body.ReviewerConfidence,
			Note:               input.Body.Note,
			ReturnToAuthor:     input.Body.ReturnToAuthor,
			Actor:              actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		res.Staled = emptyIfNil(res.Staled)
		return reply(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-requirement",
		Method:      http.MethodPost,
		Path:        "/requirements/{requirement_id}/archive",
		Summary:     "Archive a requirement",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		RequirementID string         `path:"requirement_id"`
		Body          ArchiveRequest `json:"body" required:"false"`
	}) (*output[domain.Requirement], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := o.Archive(ctx, input.RequirementID, actor, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(req), nil
	})
}

func registerTestCases(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "create-previews",
		Method:      http.MethodPost,
		Path:        "/test-cases/previews",
		Summary:     "Generate preview test cases for approved requirements",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body PreviewsRequest `json:"body"`
	}) (*output[BatchResponse[TestCaseItem]], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		for _, tt := range input.Body.TestTypes {
			if !tt.Valid() {
				return nil, newAPIError(http.StatusBadRequest, engine.CodeInvalidInput, "unknown test type "+string(tt), nil)
			}
		}
		res := o.CreatePreviews(ctx, pipeline.PreviewRequest{
			RequirementIDs: input.Body.RequirementIDs,
			TestTypes:      input.Body.TestTypes,
			Actor:          actor,
		})
		return reply(testCaseItems(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-previews",
		Method:      http.MethodPost,
		Path:        "/test-cases/confirm",
		Summary:     "Confirm previews",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*output[BatchResponse[TestCaseItem]], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(testCaseItems(o.ConfirmPreviews(ctx, input.Body.IDs, actor))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-batch",
		Method:      http.MethodPost,
		Path:        "/test-cases/decisions",
		Summary:     "Apply independent decisions",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body DecisionsRequest `json:"body"`
	}) (*output[BatchResponse[TestCaseItem]], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(testCaseItems(o.DecideBatch(ctx, input.Body.Decisions, actor))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate",
		Method:      http.MethodPost,
		Path:        "/test-cases/regenerate",
		Summary:     "Regenerate stale test cases from the current requirement version",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*output[BatchResponse[TestCaseItem]], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(testCaseItems(o.RequestRegeneration(ctx, input.Body.IDs, actor))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "judge",
		Method:      http.MethodPost,
		Path:        "/test-cases/judge",
		Summary:     "Score test cases with the judge",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*output[BatchResponse[VerdictItem]], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return reply(verdictItems(o.JudgeBatch(ctx, input.Body.IDs))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "export",
		Method:      http.MethodPost,
		Path:        "/test-cases/export",
		Summary:     "Push generated test cases to the ticket system",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body IDsRequest `json:"body"`
	}) (*output[BatchResponse[ExportItem]], error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return reply(exportItems(o.ExportBatch(ctx, input.Body.IDs, actor))), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pending-approval",
		Method:      http.MethodGet,
		Path:        "/test-cases/pending",
		Summary:     "Test cases waiting for a human decision",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.PendingItem], error) {
		items, err := o.GetPendingApproval(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-test-cases",
		Method:      http.MethodGet,
		Path:        "/test-cases",
		Summary:     "List test cases",
	}, func(ctx context.Context, input *struct {
		DocumentID    string `query:"document_id"`
		RequirementID string `query:"requirement_id"`
		Status        string `query:"status" doc:"Comma separated statuses"`
		Limit         int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.TestCase], error) {
		f := repo.TestCaseFilters{DocumentID: input.DocumentID, RequirementID: input.RequirementID, Limit: input.Limit}
		for _, s := range strings.Split(input.Status, ",") {
			if s = strings.TrimSpace(s); s != "" {
				f.Statuses = append(f.Statuses, domain.TestCaseStatus(s))
			}
		}
		cases, err := o.Engine.ListTestCases(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(cases)), nil
	})

	type testCasePath struct {
		TestCaseID string `path:"test_case_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-test-case",
		Method:      http.MethodGet,
		Path:        "/test-cases/{test_case_id}",
		Summary:     "Get test case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *testCasePath) (*output[domain.TestCase], error) {
		tc, err := o.Engine.GetTestCase(ctx, input.TestCaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/test-cases/{test_case_id}/decide",
		Summary:     "Approve, reject or send a test case back for regeneration",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TestCaseID string          `path:"test_case_id"`
		Body       DecisionRequest `json:"body"`
	}) (*output[domain.TestCase], error) {
		if err := requireBody(ctx); err != nil {
			return nil, err
		}
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tc, err := o.Decide(ctx, engine.DecideOptions{
			TestCaseID: input.TestCaseID,
			Decision:   engine.Decision(input.Body.Decision),
			Edits:      input.Body.Edits,
			Reason:     input.Body.Reason,
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(tc), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-package",
		Method:      http.MethodGet,
		Path:        "/test-cases/{test_case_id}/review-package",
		Summary:     "Test case with its requirement and latest judge verdict",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *testCasePath) (*output[domain.ReviewPackage], error) {
		pkg, err := o.Engine.ReviewPackage(ctx, input.TestCaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(pkg), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "judge-scores",
		Method:      http.MethodGet,
		Path:        "/test-cases/{test_case_id}/judge-scores",
		Summary:     "Every judge verdict recorded for a test case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *testCasePath) (*output[domain.JudgeScores], error) {
		scores, err := o.Engine.JudgeScores(ctx, input.TestCaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(scores), nil
	})
}

func registerAudit(api huma.API, o *pipeline.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit/{entity_id}",
		Summary:     "Merged review and generation trail in seq order",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
	}) (*output[[]domain.AuditEntry], error) {
		trail, err := o.GetAuditTrail(ctx, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(trail)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-events",
		Method:      http.MethodGet,
		Path:        "/audit/{entity_id}/reviews",
		Summary:     "Review events for an entity",
	}, func(ctx context.Context, input *struct {
		EntityID string `path:"entity_id"`
		Actor    string `query:"actor"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*output[[]domain.ReviewEvent], error) {
		evs, err := o.Engine.ReviewEvents(ctx, input.EntityID, input.Actor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(emptyIfNil(evs)), nil
	})
}
