// Package embeddings provides embedding generation via langchaingo.
//
// The same embedder is shared by the knowledge retriever and the memory
// store so that corpus chunks, queries, and stored problem fingerprints all
// live in one vector space. The backend is any OpenAI-compatible embedding
// endpoint (OpenAI itself or a local TEI server).
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid embedding configuration")
)

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments generates embeddings for multiple texts.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery generates an embedding for a single query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Config holds configuration for the embedding service.
type Config struct {
	// BaseURL is the embedding API endpoint, e.g. https://api.openai.com/v1
	// or a local TEI server.
	BaseURL string

	// Model is the embedding model name.
	Model string

	// APIKey is optional for local endpoints.
	APIKey string
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	return nil
}

// Service wraps a langchaingo embedder behind the Embedder interface.
type Service struct {
	embedder *embeddings.EmbedderImpl
	config   Config
}

// NewService creates an embedding service for the configured backend.
func NewService(config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	apiKey := config.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for keyless local endpoints.
		apiKey = "placeholder"
	}

	client, err := openai.New(
		openai.WithBaseURL(config.BaseURL),
		openai.WithEmbeddingModel(config.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating embedding client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	return &Service{embedder: embedder, config: config}, nil
}

// EmbedDocuments generates embeddings for the given texts.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vector, err := s.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return vector, nil
}

var _ Embedder = (*Service)(nil)
