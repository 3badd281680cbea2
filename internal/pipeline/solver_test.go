package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/memory"
)

func TestSolveStructuredOutput(t *testing.T) {
	client := &fakeLLM{jsonQueue: []map[string]any{solverAnswer()}}
	solver := NewSolver(client, nil, nil, zap.NewNop())

	sol := solver.Solve(context.Background(),
		Problem{Text: "Solve x² - 5x + 6 = 0", Topic: TopicAlgebra},
		Route{Strategy: "algebraic", UseRetrieval: true},
	)

	assert.Equal(t, "x = 2 or x = 3", sol.Answer)
	assert.Len(t, sol.Steps, 3)
	assert.Equal(t, []string{"algebra.md > Quadratic Equations"}, sol.Citations)
	assert.InDelta(t, 0.9, sol.SelfConfidence, 1e-9)
	assert.False(t, sol.UsedMemory)
}

func TestSolveListConfidenceCoerced(t *testing.T) {
	answer := solverAnswer()
	answer["confidence"] = []any{0.8, 0.1}
	client := &fakeLLM{jsonQueue: []map[string]any{answer}}
	solver := NewSolver(client, nil, nil, zap.NewNop())

	sol := solver.Solve(context.Background(), Problem{Text: "p"}, Route{})
	assert.InDelta(t, 0.8, sol.SelfConfidence, 1e-9)
}

func TestSolveFreeTextFallback(t *testing.T) {
	client := &fakeLLM{
		// Empty json queue: structured generation fails.
		text: "x = 4\nDivide both sides of 2x = 8 by 2.\nThat leaves x equal to 4.",
	}
	solver := NewSolver(client, nil, nil, zap.NewNop())

	sol := solver.Solve(context.Background(), Problem{Text: "Solve 2x = 8"}, Route{})

	assert.Equal(t, "x = 4", sol.Answer)
	assert.Len(t, sol.Steps, 2)
	assert.InDelta(t, 0.7, sol.SelfConfidence, 1e-9)
	assert.Equal(t, 1, client.jsonCalls)
	assert.Equal(t, 1, client.textCalls)
}

func TestSolvePlaceholderWhenAllGenerationFails(t *testing.T) {
	client := &fakeLLM{textErr: errors.New("backend down")}
	solver := NewSolver(client, nil, nil, zap.NewNop())

	sol := solver.Solve(context.Background(), Problem{Text: "Solve 2x = 8"}, Route{})

	assert.Equal(t, "Unable to generate a solution.", sol.Answer)
	assert.Zero(t, sol.SelfConfidence)
	assert.NotEmpty(t, sol.UncertaintyNote)
}

func TestSolveUsesMemoryHint(t *testing.T) {
	store, err := memory.Open(memory.Config{Path: ":memory:"}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = store.Save(context.Background(), "Solve 2x = 8",
		`{"answer":"x = 4"}`, 0.9, TopicAlgebra, SourceText)
	require.NoError(t, err)

	client := &fakeLLM{jsonQueue: []map[string]any{solverAnswer()}}
	solver := NewSolver(client, nil, store, zap.NewNop())

	// The identical problem is an exact fingerprint hit.
	sol := solver.Solve(context.Background(), Problem{Text: "Solve 2x = 8"}, Route{})
	assert.True(t, sol.UsedMemory)
	assert.Contains(t, sol.MemoryHint, "x = 4")
}

func TestSolveNoModelConfigured(t *testing.T) {
	solver := NewSolver(nil, nil, nil, zap.NewNop())

	sol := solver.Solve(context.Background(), Problem{Text: "anything"}, Route{})
	assert.Equal(t, "Unable to generate a solution.", sol.Answer)
	assert.Zero(t, sol.SelfConfidence)
}

func TestSolveSurvivesBrokenStore(t *testing.T) {
	// A zero-value store has no database behind it; the lookup goroutine
	// must contain the resulting panic and degrade to a memory miss.
	client := &fakeLLM{jsonQueue: []map[string]any{solverAnswer()}}
	solver := NewSolver(client, nil, &memory.Store{}, zap.NewNop())

	sol := solver.Solve(context.Background(),
		Problem{Text: "Solve x² - 5x + 6 = 0", Topic: TopicAlgebra},
		Route{Strategy: "algebraic"},
	)

	assert.Equal(t, "x = 2 or x = 3", sol.Answer)
	assert.False(t, sol.UsedMemory)
}
