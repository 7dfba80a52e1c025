package pipeline

import (
	"context"
	"errors"

	"reqline/internal/domain"
)

// ErrNotConfigured is returned when an operation needs a collaborator that was not wired.
var ErrNotConfigured = errors.New("collaborator not configured")

// Extractor turns one text fragment into structured fields with per-field
// confidences. The payload is untrusted and validated by the engine.
type Extractor interface {
	Extract(ctx context.Context, text string) (domain.CollaboratorOutput, error)
}

// Generator produces a candidate test artifact for an approved requirement.
type Generator interface {
	Generate(ctx context.Context, req domain.Requirement, testType domain.TestType) (domain.CollaboratorOutput, error)
}

// Judge scores a test case against its requirement.
type Judge interface {
	Evaluate(ctx context.Context, req domain.Requirement, tc domain.TestCase) (domain.CollaboratorOutput, error)
}

// TicketSink creates one external ticket per test case.
type TicketSink interface {
	CreateTickets(ctx context.Context, cases []domain.TestCase) (domain.TicketResult, error)
}

// Embedder maps texts to vectors, one per text in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) (domain.EmbeddingOutput, error)
}

type Collaborators struct {
	Extractor Extractor
	Generator Generator
	Judge     Judge
	Tickets   TicketSink
	Embedder  Embedder
}

type named interface {
	Name() string
}

func collaboratorName(c any) string {
	if n, ok := c.(named); ok {
		return n.Name()
	}
	return ""
}
