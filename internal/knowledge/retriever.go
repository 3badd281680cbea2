package knowledge

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Retriever performs similarity search over the knowledge index.
//
// Failure policy: if the index is unavailable or embedding fails, Retrieve
// returns an empty slice. Callers must treat "no chunks" as a valid,
// lower-confidence case, not an error; nothing is raised past this boundary.
type Retriever struct {
	index    *Index
	minScore float64
	logger   *zap.Logger
}

// NewRetriever creates a retriever with the given relevance floor.
func NewRetriever(index *Index, minScore float64, logger *zap.Logger) *Retriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if minScore <= 0 {
		minScore = 0.5
	}
	return &Retriever{index: index, minScore: minScore, logger: logger}
}

// Retrieve embeds the query, searches the index, and returns up to k chunks
// with relevance >= the floor, ordered by descending relevance. Filters, if
// given, restrict results to chunks whose source or section mentions any
// filter keyword.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, filters []string) []Chunk {
	ctx, span := tracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.Int("k", k), attribute.Float64("min_score", r.minScore))

	if r.index == nil || query == "" || k <= 0 {
		return nil
	}

	collection := r.index.db.GetCollection(r.index.config.Collection, r.index.embeddingFunc())
	if collection == nil {
		r.logger.Warn("knowledge collection missing, retrieval degraded to empty")
		return nil
	}

	docCount := collection.Count()
	if docCount == 0 {
		return nil
	}

	// Over-fetch when filtering so post-filter results can still reach k.
	searchK := k
	if len(filters) > 0 {
		searchK = k * 3
	}
	if searchK > docCount {
		searchK = docCount
	}

	results, err := collection.Query(ctx, query, searchK, nil, nil)
	if err != nil {
		// Recoverable: embedding or search failure degrades to no context.
		r.logger.Warn("retrieval failed, degrading to empty result", zap.Error(err))
		span.RecordError(err)
		return nil
	}

	chunks := make([]Chunk, 0, k)
	for _, res := range results {
		score := float64(res.Similarity)
		if score < r.minScore {
			continue
		}
		source := res.Metadata["source"]
		section := res.Metadata["section"]
		if len(filters) > 0 && !matchesFilters(source, section, filters) {
			continue
		}
		chunks = append(chunks, Chunk{
			Content:   res.Content,
			SourceID:  source,
			Section:   section,
			Relevance: score,
		})
		if len(chunks) >= k {
			break
		}
	}

	span.SetAttributes(attribute.Int("results_count", len(chunks)))
	r.logger.Debug("retrieved chunks",
		zap.String("query", query),
		zap.Int("results", len(chunks)),
	)
	return chunks
}

// matchesFilters reports whether any filter keyword appears in the chunk's
// source or section identifiers.
func matchesFilters(source, section string, filters []string) bool {
	haystack := strings.ToLower(source + " " + section)
	for _, f := range filters {
		if f == "" {
			continue
		}
		if strings.Contains(haystack, strings.ToLower(f)) {
			return true
		}
	}
	return false
}

// Citation returns the canonical citation string for a chunk, as embedded in
// solver prompts and checked by the verifier.
func (c Chunk) Citation() string {
	if c.Section != "" {
		return c.SourceID + " > " + c.Section
	}
	return c.SourceID
}
