package tickets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"reqline/internal/config"
	"reqline/internal/domain"
)

func TestCreateTicketsReportsPerID(t *testing.T) {
	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "s3cret", r.Header.Get("X-Reqline-Secret"))
		require.NotEmpty(t, r.Header.Get("X-Reqline-Delivery"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(response{
			Tickets: map[string]string{"tc-1": "QA-1"},
			Errors:  map[string]string{"tc-2": "missing project"},
		})
	}))
	defer srv.Close()

	hook, err := New(config.TicketsConfig{URL: srv.URL, Secret: "s3cret", TimeoutSeconds: 2})
	require.NoError(t, err)
	res, err := hook.CreateTickets(context.Background(), []domain.TestCase{
		{ID: "tc-1", Code: "TC-REQ-1-P-1"},
		{ID: "tc-2", Code: "TC-REQ-1-N-1"},
		{ID: "tc-3", Code: "TC-REQ-1-B-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "ticket-webhook", res.Collaborator)
	require.Equal(t, map[string]string{"tc-1": "QA-1"}, res.Succeeded)
	require.EqualError(t, res.Failed["tc-2"], "missing project")
	require.NotContains(t, res.Failed, "tc-3")
	require.Len(t, got.TestCases, 3)
	require.Equal(t, "Test Case: TC-REQ-1-P-1", got.TestCases[0].Summary)
}

func TestCreateTicketsFailsBatchOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tracker down", http.StatusBadGateway)
	}))
	defer srv.Close()

	hook, err := New(config.TicketsConfig{URL: srv.URL})
	require.NoError(t, err)
	_, err = hook.CreateTickets(context.Background(), []domain.TestCase{{ID: "tc-1"}})
	require.ErrorContains(t, err, "status 502")
	require.ErrorContains(t, err, "tracker down")
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(config.TicketsConfig{})
	require.Error(t, err)
}
