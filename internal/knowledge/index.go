// Package knowledge provides the embedded knowledge index and the retriever
// the solver consults for grounded context.
//
// The index is a chromem-go persistent database built ahead of time from a
// curated reference corpus (see the ingest command). At query time it is
// read-only; retrieval embeds the query, searches by cosine similarity, and
// applies a relevance floor.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/embeddings"
)

var tracer = otel.Tracer("mentord.knowledge")

// Sentinel errors.
var (
	ErrInvalidConfig = errors.New("invalid knowledge index configuration")
	ErrEmptyCorpus   = errors.New("empty corpus")
)

// Chunk is a bounded span of curated reference text plus its source
// identifier. Relevance is query-dependent and recomputed per retrieval.
type Chunk struct {
	Content   string  `json:"content"`
	SourceID  string  `json:"source_id"`
	Section   string  `json:"section,omitempty"`
	Relevance float64 `json:"relevance_score"`
}

// Config holds index configuration.
type Config struct {
	// Path is the directory for the persistent chromem database.
	Path string

	// Collection is the collection holding reference chunks.
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.config/mentord/index"
	}
	if c.Collection == "" {
		c.Collection = "reference"
	}
}

// Index is the chromem-backed knowledge index.
type Index struct {
	db       *chromem.DB
	embedder embeddings.Embedder
	config   Config
	logger   *zap.Logger
}

// NewIndex opens (or creates) the persistent index at the configured path.
func NewIndex(config Config, embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	config.ApplyDefaults()

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("opening chromem DB: %w", err)
	}

	idx := &Index{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}

	logger.Info("knowledge index opened",
		zap.String("path", path),
		zap.String("collection", config.Collection),
	)
	return idx, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

func (idx *Index) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return idx.embedder.EmbedQuery(ctx, text)
	}
}

// Document is a reference chunk to be stored during ingestion.
type Document struct {
	ID       string
	Content  string
	SourceID string
	Section  string
}

// Add stores reference documents in the index. Used only by the one-time
// corpus build; the pipeline never writes here.
func (idx *Index) Add(ctx context.Context, docs []Document) error {
	ctx, span := tracer.Start(ctx, "Index.Add")
	defer span.End()
	span.SetAttributes(attribute.Int("document_count", len(docs)))

	if len(docs) == 0 {
		return ErrEmptyCorpus
	}

	collection, err := idx.db.GetOrCreateCollection(idx.config.Collection, nil, idx.embeddingFunc())
	if err != nil {
		return fmt.Errorf("opening collection %s: %w", idx.config.Collection, err)
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	vectors, err := idx.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding corpus: %w", err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, d := range docs {
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("%s#%d", d.SourceID, i)
		}
		chromemDocs[i] = chromem.Document{
			ID:      id,
			Content: d.Content,
			Metadata: map[string]string{
				"source":  d.SourceID,
				"section": d.Section,
			},
			Embedding: vectors[i],
		}
	}

	if err := collection.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	idx.logger.Info("indexed reference chunks", zap.Int("count", len(docs)))
	return nil
}

// Count returns the number of chunks in the index, or 0 if the collection
// does not exist yet.
func (idx *Index) Count() int {
	collection := idx.db.GetCollection(idx.config.Collection, idx.embeddingFunc())
	if collection == nil {
		return 0
	}
	return collection.Count()
}
