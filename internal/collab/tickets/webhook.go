// Package tickets exports test cases to an external tracker through a JSON webhook.
package tickets

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"reqline/internal/config"
	"reqline/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Webhook creates tickets by POSTing a batch of test cases to URL. The
// receiver answers with the ticket id created for each test case and an
// error message for each one it refused.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func New(cfg config.TicketsConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("tickets url is required")
	}
	timeout := defaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Webhook{URL: cfg.URL, Secret: cfg.Secret, Client: &http.Client{Timeout: timeout}}, nil
}

func (w *Webhook) Name() string { return "ticket-webhook" }

type ticketCase struct {
	ID            string             `json:"id"`
	Code          string             `json:"code"`
	RequirementID string             `json:"requirement_id"`
	TestType      domain.TestType    `json:"test_type"`
	Summary       string             `json:"summary"`
	Content       domain.TestContent `json:"content"`
}

type request struct {
	DeliveryID string       `json:"delivery_id"`
	TestCases  []ticketCase `json:"test_cases"`
}

type response struct {
	Tickets map[string]string `json:"tickets"`
	Errors  map[string]string `json:"errors"`
}

// CreateTickets sends one request for the whole batch. A transport failure or
// non-2xx status fails the batch; otherwise results are reported per id.
func (w *Webhook) CreateTickets(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error) {
	res := domain.TicketResult{Collaborator: w.Name(), Succeeded: map[string]string{}, Failed: map[string]error{}}
	body := request{DeliveryID: uuid.NewString(), TestCases: make([]ticketCase, len(cases))}
	for i, tc := range cases {
		body.TestCases[i] = ticketCase{
			ID:            tc.ID,
			Code:          tc.Code,
			RequirementID: tc.RequirementID,
			TestType:      tc.TestType,
			Summary:       "Test Case: " + tc.Code,
			Content:       tc.Content,
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reqline-Delivery", body.DeliveryID)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Reqline-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return res, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return res, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return res, fmt.Errorf("decode ticket response: %w", err)
	}
	for id, ticket := range out.Tickets {
		res.Succeeded[id] = ticket
	}
	for id, msg := range out.Errors {
		if _, ok := res.Succeeded[id]; ok {
			continue
		}
		res.Failed[id] = errors.New(msg)
	}
	return res, nil
}
