package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mentorlabs/mentord/internal/embeddings"
)

// fakeEmbedder maps known phrases onto fixed vectors so similarity is
// deterministic in tests.
type fakeEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if f.fail {
		return nil, errors.New("embedding backend down")
	}
	for phrase, vec := range f.vectors {
		if strings.Contains(text, phrase) {
			return vec, nil
		}
	}
	return []float32{0, 0, 1}, nil
}

func (f *fakeEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := f.EmbedQuery(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func newTestStore(t *testing.T, embedder *fakeEmbedder) *Store {
	t.Helper()
	var e embeddings.Embedder
	if embedder != nil {
		e = embedder
	}
	store, err := Open(Config{Path: ":memory:"}, e, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFingerprintDeterministic(t *testing.T) {
	tests := []struct {
		name string
		a    string
		b    string
		same bool
	}{
		{
			name: "identical text",
			a:    "Solve 2x + 3 = 7",
			b:    "Solve 2x + 3 = 7",
			same: true,
		},
		{
			name: "case and whitespace insensitive",
			a:    "Solve 2x + 3 = 7",
			b:    "  solve   2X + 3 = 7\n",
			same: true,
		},
		{
			name: "different problems differ",
			a:    "Solve 2x + 3 = 7",
			b:    "Solve 2x + 3 = 9",
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fa, fb := Fingerprint(tt.a), Fingerprint(tt.b)
			assert.Len(t, fa, 64)
			if tt.same {
				assert.Equal(t, fa, fb)
			} else {
				assert.NotEqual(t, fa, fb)
			}
		})
	}
}

func TestSaveIdempotentByFingerprint(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{})
	ctx := context.Background()

	id1, err := store.Save(ctx, "Solve 2x + 3 = 7", `{"answer":"x = 2"}`, 0.8, "algebra", "generated")
	require.NoError(t, err)

	// Same problem modulo case and whitespace: same row, refreshed solution.
	id2, err := store.Save(ctx, "  solve 2X + 3 = 7 ", `{"answer":"x = 2 (revised)"}`, 0.9, "algebra", "generated")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)

	entry, err := store.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"x = 2 (revised)"}`, entry.Solution)
	assert.InDelta(t, 0.9, entry.Confidence, 1e-9)
}

func TestFindSimilarExactMatch(t *testing.T) {
	// No embedder at all: exact fingerprint matching must still work.
	store := newTestStore(t, nil)
	ctx := context.Background()

	id, err := store.Save(ctx, "What is the derivative of x^2?", `{"answer":"2x"}`, 0.85, "calculus", "generated")
	require.NoError(t, err)

	entry, err := store.FindSimilar(ctx, "what is the derivative of X^2?", 0.85)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, id, entry.ID)
	assert.Equal(t, 1.0, entry.Similarity)
}

func TestFindSimilarThreshold(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"derivative": {1, 0, 0},
		"integral":   {0, 1, 0},
		"slope":      {0.95, 0.05, 0},
	}}
	store := newTestStore(t, embedder)
	ctx := context.Background()

	_, err := store.Save(ctx, "Find the derivative of x^3", `{"answer":"3x^2"}`, 0.9, "calculus", "generated")
	require.NoError(t, err)
	_, err = store.Save(ctx, "Evaluate the integral of x", `{"answer":"x^2/2"}`, 0.9, "calculus", "generated")
	require.NoError(t, err)

	// Related query above threshold.
	entry, err := store.FindSimilar(ctx, "Find the slope function of x^3", 0.9)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Contains(t, entry.ProblemText, "derivative")
	assert.GreaterOrEqual(t, entry.Similarity, 0.9)

	// Unrelated query below threshold: miss, not error.
	entry, err = store.FindSimilar(ctx, "completely unrelated geometry question", 0.9)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFindSimilarDegradesWhenEmbedderFails(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{"derivative": {1, 0, 0}}}
	store := newTestStore(t, embedder)
	ctx := context.Background()

	_, err := store.Save(ctx, "Find the derivative of x^3", `{"answer":"3x^2"}`, 0.9, "calculus", "generated")
	require.NoError(t, err)

	embedder.fail = true
	entry, err := store.FindSimilar(ctx, "Find the slope function of x^3", 0.8)
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRecordFeedbackAppendOnly(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{})
	ctx := context.Background()

	id, err := store.Save(ctx, "Solve 2x = 4", `{"answer":"x = 2"}`, 0.8, "algebra", "generated")
	require.NoError(t, err)

	require.NoError(t, store.RecordFeedback(ctx, id, FeedbackIncorrect, "sign error in step 2"))
	require.NoError(t, store.RecordFeedback(ctx, id, FeedbackCorrect, ""))

	history, err := store.FeedbackHistory(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, FeedbackIncorrect, history[0].Type)
	assert.Equal(t, "sign error in step 2", history[0].Correction)
	assert.Equal(t, FeedbackCorrect, history[1].Type)

	// Original solution untouched; latest marker updated.
	entry, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, `{"answer":"x = 2"}`, entry.Solution)
	assert.Equal(t, FeedbackCorrect, entry.Feedback)
}

func TestRecordFeedbackValidation(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{})
	ctx := context.Background()

	id, err := store.Save(ctx, "Solve 2x = 4", `{"answer":"x = 2"}`, 0.8, "algebra", "generated")
	require.NoError(t, err)

	assert.ErrorIs(t, store.RecordFeedback(ctx, id, "maybe", ""), ErrInvalidFeedback)
	assert.ErrorIs(t, store.RecordFeedback(ctx, "no-such-id", FeedbackCorrect, ""), ErrNotFound)
}

func TestStats(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{})
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Zero(t, stats.AvgConfidence)

	id1, err := store.Save(ctx, "problem one", `{"answer":"1"}`, 0.6, "arithmetic", "generated")
	require.NoError(t, err)
	_, err = store.Save(ctx, "problem two", `{"answer":"2"}`, 0.8, "arithmetic", "generated")
	require.NoError(t, err)
	require.NoError(t, store.RecordFeedback(ctx, id1, FeedbackCorrect, ""))

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)
	assert.InDelta(t, 0.7, stats.AvgConfidence, 1e-9)
	assert.Equal(t, map[string]int{FeedbackCorrect: 1}, stats.FeedbackBreakdown)
}

func TestRecent(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{})
	ctx := context.Background()

	for _, text := range []string{"problem a", "problem b", "problem c"} {
		_, err := store.Save(ctx, text, `{"answer":"x"}`, 0.7, "algebra", "generated")
		require.NoError(t, err)
	}

	entries, err := store.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCorrections(t *testing.T) {
	store := newTestStore(t, &fakeEmbedder{})
	ctx := context.Background()

	algebraID, err := store.Save(ctx, "Solve 2x = 4", `{"answer":"x = 3"}`, 0.8, "algebra", "generated")
	require.NoError(t, err)
	probID, err := store.Save(ctx, "Chance of heads twice", `{"answer":"1/3"}`, 0.7, "probability", "generated")
	require.NoError(t, err)
	_, err = store.Save(ctx, "Solve 3x = 9", `{"answer":"x = 3"}`, 0.9, "algebra", "generated")
	require.NoError(t, err)

	require.NoError(t, store.RecordFeedback(ctx, algebraID, FeedbackIncorrect, "should be x = 2"))
	require.NoError(t, store.RecordFeedback(ctx, probID, FeedbackIncorrect, "should be 1/4"))

	all, err := store.Corrections(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 2)

	algebra, err := store.Corrections(ctx, "algebra", 10)
	require.NoError(t, err)
	require.Len(t, algebra, 1)
	assert.Equal(t, algebraID, algebra[0].ID)
	assert.Equal(t, "should be x = 2", algebra[0].Correction)

	// An entry later confirmed correct drops out.
	require.NoError(t, store.RecordFeedback(ctx, algebraID, FeedbackCorrect, ""))
	algebra, err = store.Corrections(ctx, "algebra", 10)
	require.NoError(t, err)
	assert.Empty(t, algebra)
}

func TestConcurrentReadsShareOneDatabase(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id, err := store.Save(ctx, "Integrate x dx", `{"answer":"x²/2 + C"}`, 0.9, "calculus", "generated")
	require.NoError(t, err)

	// Parallel reads force the pool to hand out more than one connection.
	// With ":memory:" each extra connection would be a fresh empty database
	// without a problems table at all.
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			entry, err := store.Get(ctx, id)
			if err != nil {
				return err
			}
			if entry.Topic != "calculus" {
				return errors.New("wrong topic")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
}
