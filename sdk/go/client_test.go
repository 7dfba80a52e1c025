package reqlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIngestSendsBearerAndBody(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/documents", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"document":{"id":"doc-1","filename":"srs.txt"},"failed":0,"items":[{"id":"0","requirement":{"id":"r1","status":"extracted"},"recommendation":"approved"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1/", "tok")
	res, err := c.Ingest(context.Background(), "srs.txt", "The system shall alert.")
	require.NoError(t, err)
	require.Equal(t, "doc-1", res.Document.ID)
	require.Equal(t, "r1", res.Items[0].Requirement.ID)
	require.Equal(t, "approved", res.Items[0].Recommendation)
	require.Equal(t, "The system shall alert.", got["text"])
}

func TestErrorEnvelopeDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"IllegalTransition","message":"cannot reject pushed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "tok").Decide(context.Background(), "tc-1", "reject", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusConflict, apiErr.StatusCode)
	require.Equal(t, "IllegalTransition", apiErr.Code)
}

func TestSearchOmitsDefaults(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`[{"requirement":{"id":"r1","status":"approved"},"score":0.92,"best_chunk":"shall alert"}]`))
	}))
	defer srv.Close()

	hits, err := New(srv.URL, "").Search(context.Background(), "alerting", "", 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "r1", hits[0].Requirement.ID)
	require.InDelta(t, 0.92, hits[0].Score, 1e-9)
	require.Equal(t, map[string]any{"query": "alerting"}, got)
}

func TestJudgeScoresPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/test-cases/tc 1/judge-scores", r.URL.Path)
		w.Write([]byte(`{"test_case_id":"tc 1","evaluated":true,"history":[{"action":"judge","payload":{"total_rating":4}}]}`))
	}))
	defer srv.Close()

	scores, err := New(srv.URL, "").JudgeScores(context.Background(), "tc 1")
	require.NoError(t, err)
	require.True(t, scores.Evaluated)
	require.Len(t, scores.History, 1)
	require.Equal(t, "judge", scores.History[0]["action"])
}
