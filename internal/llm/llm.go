// Package llm models the three external AI services the pipelines consume:
// completion (plain and reasoning), embedding, and reranking. Each service is
// an interface with a production client and a deterministic stub; callers
// never depend on a concrete provider.
package llm

import (
	"context"
	"fmt"

	"github.com/Chen-speculation/narrarc/internal/config"
)

// ResponseSchema requests JSON-constrained output. Definition is a JSON
// Schema object; see GenerateSchema for deriving one from a Go struct.
type ResponseSchema struct {
	Name       string
	Definition map[string]interface{}
}

// CompletionRequest is the common shape for completion calls.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int

	// Schema, when set, constrains the response to JSON matching it.
	Schema *ResponseSchema
}

// Completer is the plain completion service.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Reasoner is the chain-of-thought-capable completion service. When the
// request carries no schema, implementations may prepend a deliberation
// preamble to the prompt.
type Reasoner interface {
	ThinkAndComplete(ctx context.Context, req CompletionRequest) (string, error)
}

// Embedder generates vector embeddings. EmbedBatch results are aligned with
// the input order.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// Reranker scores documents against a query. Scores are index-aligned with
// the documents slice.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// Services bundles the configured service clients.
type Services struct {
	Completer Completer
	Reasoner  Reasoner
	Embedder  Embedder
	Reranker  Reranker
}

// NewServices builds the service clients from configuration. Provider "stub"
// selects the deterministic in-process implementations for offline runs.
func NewServices(cfg *config.Config) (*Services, error) {
	svc := &Services{}

	switch cfg.LLM.Provider {
	case "openai":
		client := NewOpenAIClient(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model)
		svc.Completer = client
		svc.Reasoner = client
	case "stub":
		stub := NewStubCompleter()
		svc.Completer = stub
		svc.Reasoner = stub
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLM.Provider)
	}

	emb, err := NewEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	svc.Embedder = emb

	switch cfg.Reranker.Provider {
	case "http", "":
		svc.Reranker = NewHTTPReranker(cfg.Reranker.BaseURL, cfg.Reranker.APIKey, cfg.Reranker.Model)
	case "stub":
		svc.Reranker = NewStubReranker()
	default:
		return nil, fmt.Errorf("unsupported reranker provider: %s", cfg.Reranker.Provider)
	}

	return svc, nil
}

// NewEmbedder builds an embedding client for the configured provider.
func NewEmbedder(cfg config.EmbeddingConfig) (Embedder, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model, cfg.Dimensions), nil
	case "genai":
		return NewGenAIEmbedder(cfg.APIKey, cfg.Model, cfg.TaskType)
	case "stub":
		return NewStubEmbedder(), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s (use 'openai', 'genai' or 'stub')", cfg.Provider)
	}
}
