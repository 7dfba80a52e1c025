// Package gemini implements the extract, generate, judge and embed
// collaborators on top of the Gemini API.
package gemini

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"reqline/internal/config"
	"reqline/internal/domain"
)

const (
	DefaultModel          = "gemini-2.5-flash-lite"
	DefaultJudgeModel     = "gemini-2.5-pro"
	DefaultEmbeddingModel = "text-embedding-004"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

var prompts = template.Must(template.ParseFS(promptFS, "prompts/*.tmpl"))

// modelsAPI is the part of *genai.Models the collaborators use.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// Client is an Extractor, Generator, Judge and Embedder backed by one Gemini
// client. Generation and extraction share Model; evaluation uses JudgeModel.
type Client struct {
	models         modelsAPI
	model          string
	judgeModel     string
	embeddingModel string
	log            *zap.Logger
}

// New creates a client for the Gemini API.
func New(ctx context.Context, apiKey string, cfg config.GeminiConfig, log *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newClient(gc.Models, cfg, log), nil
}

func newClient(models modelsAPI, cfg config.GeminiConfig, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{models: models, model: cfg.Model, judgeModel: cfg.JudgeModel, embeddingModel: cfg.EmbeddingModel, log: log}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.judgeModel == "" {
		c.judgeModel = DefaultJudgeModel
	}
	if c.embeddingModel == "" {
		c.embeddingModel = DefaultEmbeddingModel
	}
	return c
}

func (c *Client) Name() string { return "gemini" }

// Extract asks the model for structured fields and per-field confidences.
func (c *Client) Extract(ctx context.Context, text string) (domain.CollaboratorOutput, error) {
	prompt, err := render("extract.tmpl", map[string]any{"Text": text})
	if err != nil {
		return domain.CollaboratorOutput{}, err
	}
	out, err := c.call(ctx, c.model, prompt)
	if err != nil {
		return out, err
	}
	if obj, ok := out.Payload.(map[string]any); ok {
		out.Payload = normalizeExtraction(obj)
	}
	return out, nil
}

// Generate asks the model for one test case of the given type.
func (c *Client) Generate(ctx context.Context, req domain.Requirement, testType domain.TestType) (domain.CollaboratorOutput, error) {
	prompt, err := render("generate.tmpl", map[string]any{
		"TestType":   string(testType),
		"Code":       req.DisplayCode(),
		"Text":       req.RawText,
		"Structured": indentJSON(req.Structured),
	})
	if err != nil {
		return domain.CollaboratorOutput{}, err
	}
	out, err := c.call(ctx, c.model, prompt)
	if err != nil {
		return out, err
	}
	out.Input = map[string]any{"prompt": prompt, "requirement_id": req.ID, "test_type": string(testType)}
	return out, nil
}

// Evaluate scores tc against req with the judge model.
func (c *Client) Evaluate(ctx context.Context, req domain.Requirement, tc domain.TestCase) (domain.CollaboratorOutput, error) {
	prompt, err := render("judge.tmpl", map[string]any{
		"Code":     req.DisplayCode(),
		"Text":     req.RawText,
		"TestCase": tc,
		"Content":  indentJSON(tc.Content),
	})
	if err != nil {
		return domain.CollaboratorOutput{}, err
	}
	out, err := c.call(ctx, c.judgeModel, prompt)
	if err != nil {
		return out, err
	}
	out.Input = map[string]any{"prompt": prompt, "test_case_id": tc.ID, "requirement_id": req.ID}
	return out, nil
}

// Embed returns one semantic-similarity vector per text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) (domain.EmbeddingOutput, error) {
	out := domain.EmbeddingOutput{Collaborator: c.Name(), Model: c.embeddingModel}
	if len(texts) == 0 {
		return out, nil
	}
	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}
	resp, err := c.models.EmbedContent(ctx, c.embeddingModel, contents, &genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"})
	if err != nil {
		return out, fmt.Errorf("gemini embed %s: %w", c.embeddingModel, err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return out, fmt.Errorf("gemini embed %s: %d embeddings for %d texts", c.embeddingModel, got, len(texts))
	}
	out.Vectors = make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		if e == nil {
			return out, fmt.Errorf("gemini embed %s: embedding %d missing", c.embeddingModel, i)
		}
		out.Vectors[i] = e.Values
	}
	c.log.Debug("gemini embed", zap.String("model", c.embeddingModel), zap.Int("texts", len(texts)))
	return out, nil
}

// call sends prompt and decodes the reply. A reply that is not JSON is passed
// through as the raw string so that the engine rejects and records it.
func (c *Client) call(ctx context.Context, model, prompt string) (domain.CollaboratorOutput, error) {
	out := domain.CollaboratorOutput{Collaborator: c.Name(), Model: model, Input: map[string]any{"prompt": prompt}}
	resp, err := c.models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	})
	if err != nil {
		return out, fmt.Errorf("gemini %s: %w", model, err)
	}
	raw := responseText(resp)
	if raw == "" {
		return out, fmt.Errorf("gemini %s: empty response", model)
	}
	out.Raw = raw
	if v, ok := decodeJSON(raw); ok {
		out.Payload = v
	} else {
		out.Payload = raw
		c.log.Warn("gemini reply is not JSON", zap.String("model", model), zap.Int("bytes", len(raw)))
	}
	if resp.UsageMetadata != nil {
		c.log.Debug("gemini call",
			zap.String("model", model),
			zap.Int32("prompt_tokens", resp.UsageMetadata.PromptTokenCount),
			zap.Int32("output_tokens", resp.UsageMetadata.CandidatesTokenCount))
	}
	return out, nil
}

// responseText concatenates the text parts of the first candidate, skipping thoughts.
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}

var (
	fence      = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	jsonObject = regexp.MustCompile(`(?s)\{.*\}`)
)

// decodeJSON parses a model reply, tolerating a markdown fence or prose
// around a single object.
func decodeJSON(raw string) (any, bool) {
	s := strings.TrimSpace(raw)
	if m := fence.FindStringSubmatch(s); m != nil {
		s = m[1]
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, true
	}
	m := jsonObject.FindString(s)
	if m == "" {
		return nil, false
	}
	if err := json.Unmarshal([]byte(m), &v); err != nil {
		return nil, false
	}
	return v, true
}

// normalizeExtraction accepts the flat form models tend to produce, with the
// scores under field_confidences next to the fields.
func normalizeExtraction(obj map[string]any) map[string]any {
	if _, ok := obj["fields"]; ok {
		return obj
	}
	fields := make(map[string]any, len(obj))
	var confidences any
	for k, v := range obj {
		switch k {
		case "field_confidences", "confidences":
			confidences = v
		default:
			fields[k] = v
		}
	}
	out := map[string]any{"fields": fields}
	if confidences != nil {
		out["confidences"] = confidences
	}
	return out
}

func render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

func indentJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
