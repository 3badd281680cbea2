package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/memory"
)

func newTestOrchestrator(t *testing.T, client *fakeLLM) (*Orchestrator, *memory.Store) {
	t.Helper()
	store, err := memory.Open(memory.Config{Path: ":memory:"}, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	return NewOrchestrator(
		NewParser(client, logger),
		NewSolver(client, nil, store, logger),
		NewVerifier(client, logger),
		NewExplainer(client, logger),
		store,
		Config{},
		logger,
	), store
}

func stageStatuses(trace []StageEvent) map[string]string {
	out := map[string]string{}
	for _, ev := range trace {
		out[ev.Stage] = ev.Status
	}
	return out
}

func TestRunAnswersQuadratic(t *testing.T) {
	client := &fakeLLM{jsonQueue: []map[string]any{
		parserAnalysis(),
		solverAnswer(),
		verifierApproval(),
		explainerOutput(),
	}}
	orch, store := newTestOrchestrator(t, client)

	outcome := orch.Run(context.Background(), "Solve x squared minus 5x plus 6 equals 0", SourceText)

	assert.Equal(t, StatusAnswered, outcome.Status)
	require.NotNil(t, outcome.Answer)
	assert.Nil(t, outcome.Review)
	assert.Empty(t, outcome.Clarification)

	answer := outcome.Answer
	assert.Equal(t, "x = 2 or x = 3", answer.Solution.Answer)
	assert.Equal(t, TopicAlgebra, answer.Problem.Topic)
	assert.False(t, answer.Assessment.NeedsReview)
	assert.NotEmpty(t, answer.Explanation.Steps)
	assert.NotEmpty(t, answer.ProblemID)

	statuses := stageStatuses(outcome.Trace)
	for _, stage := range []string{StageParse, StageRoute, StageSolve, StageVerify, StageExplain, StageMemory} {
		assert.Contains(t, statuses, stage)
	}

	// The answered problem landed in memory.
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)

	// Feedback round-trips through the orchestrator.
	require.NoError(t, orch.RecordFeedback(context.Background(), answer.ProblemID, memory.FeedbackCorrect, ""))
	history, err := store.FeedbackHistory(context.Background(), answer.ProblemID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRunAmbiguousProblemAsksForClarification(t *testing.T) {
	client := &fakeLLM{jsonQueue: []map[string]any{{
		"cleaned_problem":        "Find the value",
		"primary_topic":          TopicOther,
		"is_ambiguous":           true,
		"ambiguity_reason":       "no target expression",
		"clarification_question": "What should be evaluated?",
		"confidence":             0.2,
	}}}
	orch, store := newTestOrchestrator(t, client)

	outcome := orch.Run(context.Background(), "Find the value", SourceASR)

	assert.Equal(t, StatusClarificationNeeded, outcome.Status)
	assert.Equal(t, "What should be evaluated?", outcome.Clarification)
	assert.Nil(t, outcome.Answer)

	// The solver never ran: only the parser consumed a scripted response.
	assert.Equal(t, 1, client.jsonCalls)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}

func TestRunEscalatesOnHardFailure(t *testing.T) {
	badSolver := solverAnswer()
	badSolver["answer"] = "P(A) = 1.5"
	badSolver["steps"] = []any{"Computed the probability as 1.5"}

	parse := parserAnalysis()
	parse["cleaned_problem"] = "Find P(A)"
	parse["primary_topic"] = TopicProbability

	client := &fakeLLM{jsonQueue: []map[string]any{
		parse,
		badSolver,
		verifierApproval(), // model approves, the domain check still fails it
	}}
	orch, store := newTestOrchestrator(t, client)

	outcome := orch.Run(context.Background(), "Find the probability of A", SourceText)

	assert.Equal(t, StatusEscalated, outcome.Status)
	require.NotNil(t, outcome.Review)
	assert.Nil(t, outcome.Answer)
	assert.True(t, outcome.Review.Assessment.NeedsReview)
	assert.NotEmpty(t, outcome.Review.Question)
	assert.NotEmpty(t, outcome.Review.Issues)
	assert.Equal(t, "P(A) = 1.5", outcome.Review.Draft.Answer)

	// Nothing escalated is persisted, and the explainer never ran.
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
	assert.Equal(t, 3, client.jsonCalls)
}

func TestRunEscalatesOnLowConfidence(t *testing.T) {
	weakSolver := solverAnswer()
	weakSolver["confidence"] = 0.2
	weakSolver["citations"] = []any{}
	weakSolver["uncertainty_note"] = "context had no relevant formulas"

	client := &fakeLLM{jsonQueue: []map[string]any{
		parserAnalysis(),
		weakSolver,
		{
			"is_logically_consistent":   true,
			"is_mathematically_correct": false,
			"is_complete":               false,
			"is_reasonable":             true,
			"issues_found":              []any{"the factoring step is not justified"},
			"verification_confidence":   0.3,
		},
	}}
	orch, _ := newTestOrchestrator(t, client)

	outcome := orch.Run(context.Background(), "Solve x squared minus 5x plus 6 equals 0", SourceText)

	assert.Equal(t, StatusEscalated, outcome.Status)
	require.NotNil(t, outcome.Review)
	assert.Less(t, outcome.Review.Assessment.Score, 0.70)
	assert.Contains(t, outcome.Review.Question, "the factoring step is not justified")
}

func TestRunNeverPanics(t *testing.T) {
	// A missing solver degrades to a placeholder solution and ends in an
	// escalation instead of crashing the caller.
	orch := NewOrchestrator(
		NewParser(nil, zap.NewNop()),
		nil,
		NewVerifier(nil, zap.NewNop()),
		NewExplainer(nil, zap.NewNop()),
		nil,
		Config{},
		zap.NewNop(),
	)

	outcome := orch.Run(context.Background(), "Solve 2x = 8 for x please", SourceText)
	assert.Equal(t, StatusEscalated, outcome.Status)
	require.NotNil(t, outcome.Review)
	assert.NotEmpty(t, outcome.Trace)
}

func TestRunSurvivesBrokenStore(t *testing.T) {
	// A store without a database panics inside the solver's concurrent
	// lookup; the run must still terminate with a normal outcome.
	client := &fakeLLM{jsonQueue: []map[string]any{
		parserAnalysis(),
		solverAnswer(),
		verifierApproval(),
		explainerOutput(),
	}}
	logger := zap.NewNop()
	broken := &memory.Store{}
	orch := NewOrchestrator(
		NewParser(client, logger),
		NewSolver(client, nil, broken, logger),
		NewVerifier(client, logger),
		NewExplainer(client, logger),
		nil,
		Config{},
		logger,
	)

	outcome := orch.Run(context.Background(), "Solve x squared minus 5x plus 6 equals 0", SourceText)
	assert.Equal(t, StatusAnswered, outcome.Status)
	require.NotNil(t, outcome.Answer)
	assert.False(t, outcome.Answer.Solution.UsedMemory)
}

func TestRunWithoutStoreStillAnswers(t *testing.T) {
	client := &fakeLLM{jsonQueue: []map[string]any{
		parserAnalysis(),
		solverAnswer(),
		verifierApproval(),
		explainerOutput(),
	}}
	logger := zap.NewNop()
	orch := NewOrchestrator(
		NewParser(client, logger),
		NewSolver(client, nil, nil, logger),
		NewVerifier(client, logger),
		NewExplainer(client, logger),
		nil,
		Config{},
		logger,
	)

	outcome := orch.Run(context.Background(), "Solve x squared minus 5x plus 6 equals 0", SourceText)
	assert.Equal(t, StatusAnswered, outcome.Status)
	require.NotNil(t, outcome.Answer)
	assert.Empty(t, outcome.Answer.ProblemID)
}

func TestRunResubmissionReusesMemoryEntry(t *testing.T) {
	client := &fakeLLM{jsonQueue: []map[string]any{
		parserAnalysis(), solverAnswer(), verifierApproval(), explainerOutput(),
		parserAnalysis(), solverAnswer(), verifierApproval(), explainerOutput(),
	}}
	orch, store := newTestOrchestrator(t, client)
	text := "Solve x squared minus 5x plus 6 equals 0"

	first := orch.Run(context.Background(), text, SourceText)
	require.Equal(t, StatusAnswered, first.Status)
	assert.False(t, first.Answer.Solution.UsedMemory)

	second := orch.Run(context.Background(), text, SourceText)
	require.Equal(t, StatusAnswered, second.Status)
	assert.True(t, second.Answer.Solution.UsedMemory)
	assert.Equal(t, first.Answer.ProblemID, second.Answer.ProblemID)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Count)
}

func TestRunVagueTextAsksForClarification(t *testing.T) {
	// Lexical-only parsing of topic-free text stays under the
	// clarification threshold; no solver or verifier call happens.
	logger := zap.NewNop()
	orch := NewOrchestrator(
		NewParser(nil, logger),
		NewSolver(nil, nil, nil, logger),
		NewVerifier(nil, logger),
		NewExplainer(nil, logger),
		nil,
		Config{},
		logger,
	)

	outcome := orch.Run(context.Background(), "do the thing", SourceText)
	assert.Equal(t, StatusClarificationNeeded, outcome.Status)
	assert.NotEmpty(t, outcome.Clarification)
	assert.Nil(t, outcome.Answer)
	assert.Nil(t, outcome.Review)
}

func TestRunEscalatesWhenVerifierModelFails(t *testing.T) {
	// The queue runs dry after the solver, so the verifier's model review
	// degrades and caps the verdict at uncertain. A non-pass verdict must
	// force review even when the aggregate score clears the threshold.
	client := &fakeLLM{jsonQueue: []map[string]any{
		parserAnalysis(),
		solverAnswer(),
	}}
	orch, store := newTestOrchestrator(t, client)

	outcome := orch.Run(context.Background(), "Solve x squared minus 5x plus 6 equals 0", SourceText)

	assert.Equal(t, StatusEscalated, outcome.Status)
	require.NotNil(t, outcome.Review)
	assert.True(t, outcome.Review.Assessment.NeedsReview)
	assert.GreaterOrEqual(t, outcome.Review.Assessment.Score, 0.70)

	// Unverified problems never land in memory.
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}
