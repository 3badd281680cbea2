package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mentorlabs/mentord/internal/confidence"
	"github.com/mentorlabs/mentord/internal/knowledge"
	"github.com/mentorlabs/mentord/internal/llm"
	"github.com/mentorlabs/mentord/internal/memory"
)

// Solver generates a draft solution grounded in retrieved knowledge and,
// when available, a similar previously solved problem.
type Solver struct {
	llm             llm.Client
	retriever       *knowledge.Retriever
	store           *memory.Store
	topK            int
	memoryThreshold float64
	logger          *zap.Logger
}

// SolverOption configures a Solver.
type SolverOption func(*Solver)

// WithTopK sets how many chunks the solver retrieves.
func WithTopK(k int) SolverOption {
	return func(s *Solver) {
		if k > 0 {
			s.topK = k
		}
	}
}

// WithMemoryThreshold sets the similarity floor for memory reuse.
func WithMemoryThreshold(threshold float64) SolverOption {
	return func(s *Solver) {
		if threshold > 0 {
			s.memoryThreshold = threshold
		}
	}
}

// NewSolver creates a solver. Retriever and store may be nil; the solver
// then works from the model alone.
func NewSolver(client llm.Client, retriever *knowledge.Retriever, store *memory.Store, logger *zap.Logger, opts ...SolverOption) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Solver{
		llm:             client,
		retriever:       retriever,
		store:           store,
		topK:            5,
		memoryThreshold: 0.85,
		logger:          logger.Named("solver"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const solverSystemPrompt = `You are an expert mathematics tutor solving problems step by step.

RULES:
1. Cite which knowledge base sections you used with [source] notation.
2. If the provided context has no relevant information, say so; never invent formulas.
3. Show each reasoning step clearly.
4. Verify your answer when possible.

Respond with JSON:
{
  "answer": "final answer to the problem",
  "steps": ["Step 1: ...", "Step 2: ..."],
  "citations": ["source1 > section1"],
  "verification": "how the answer was checked",
  "confidence": 0.0 to 1.0,
  "uncertainty_note": "any uncertainty, empty if confident"
}`

// Solve produces a draft solution. It never returns an error: retrieval
// and memory failures degrade to solving without them, and a model that
// cannot produce structured output degrades through a free-text fallback
// down to a zero-confidence placeholder.
func (s *Solver) Solve(ctx context.Context, prob Problem, route Route) Solution {
	chunks, hint, usedMemory := s.gatherContext(ctx, prob, route)

	sol := s.generate(ctx, prob, route, chunks, hint)
	sol.Chunks = chunks
	sol.UsedMemory = usedMemory
	sol.MemoryHint = hint
	if len(sol.Citations) == 0 {
		// The model cited nothing; fall back to what was actually provided.
		for i, c := range chunks {
			if i == 3 {
				break
			}
			sol.Citations = append(sol.Citations, c.Citation())
		}
	}
	return sol
}

// gatherContext runs retrieval and the memory lookup concurrently. Both
// are best-effort.
func (s *Solver) gatherContext(ctx context.Context, prob Problem, route Route) ([]knowledge.Chunk, string, bool) {
	var (
		chunks []knowledge.Chunk
		prior  *memory.Entry
	)

	// A panic in either goroutine would escape the orchestrator's recover,
	// so each lookup contains its own and degrades to a miss.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("retrieval panicked", zap.Any("panic", r))
				chunks = nil
			}
		}()
		if s.retriever != nil && route.UseRetrieval {
			chunks = s.retriever.Retrieve(gctx, prob.Text, s.topK, route.Filters)
		}
		return nil
	})
	g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("memory lookup panicked", zap.Any("panic", r))
				prior = nil
			}
		}()
		if s.store == nil {
			return nil
		}
		entry, err := s.store.FindSimilar(gctx, prob.Text, s.memoryThreshold)
		if err != nil {
			s.logger.Warn("memory lookup failed", zap.Error(err))
			return nil
		}
		prior = entry
		return nil
	})
	_ = g.Wait()

	if prior == nil {
		return chunks, "", false
	}
	hint := fmt.Sprintf("SIMILAR PAST PROBLEM (similarity %.2f):\nProblem: %s\nSolution: %s",
		prior.Similarity, truncate(prior.ProblemText, 200), truncate(prior.Solution, 400))
	return chunks, hint, true
}

func (s *Solver) generate(ctx context.Context, prob Problem, route Route, chunks []knowledge.Chunk, hint string) Solution {
	if s.llm == nil {
		return placeholderSolution("no solver model configured")
	}

	prompt := buildSolvePrompt(prob, route, chunks, hint)

	obj, err := s.llm.CompleteJSON(ctx, solverSystemPrompt, prompt)
	if err == nil {
		return solutionFromJSON(obj)
	}
	s.logger.Warn("structured generation failed, using free-text fallback", zap.Error(err))

	text, err := s.llm.Complete(ctx, solverSystemPrompt,
		prompt+"\n\nAnswer in plain text: the final answer first, then the steps, one per line.")
	if err != nil {
		s.logger.Error("free-text fallback failed", zap.Error(err))
		return placeholderSolution("solution generation failed")
	}
	return solutionFromText(text)
}

func buildSolvePrompt(prob Problem, route Route, chunks []knowledge.Chunk, hint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Solve the following mathematics problem using ONLY the provided context.\n\nPROBLEM:\n%s\n\nTOPIC: %s\nSTRATEGY: %s\n", prob.Text, prob.Topic, route.Strategy)
	if len(prob.Variables) > 0 {
		fmt.Fprintf(&b, "VARIABLES: %s\n", strings.Join(prob.Variables, ", "))
	}
	if len(prob.Constraints) > 0 {
		fmt.Fprintf(&b, "CONSTRAINTS: %s\n", strings.Join(prob.Constraints, "; "))
	}

	b.WriteString("\nKNOWLEDGE BASE CONTEXT:\n")
	if len(chunks) == 0 {
		b.WriteString("No relevant context found.\n")
	}
	for i, c := range chunks {
		if i > 0 {
			b.WriteString("\n---\n")
		}
		fmt.Fprintf(&b, "[%s]:\n%s\n", c.Citation(), c.Content)
	}
	if hint != "" {
		b.WriteString("\n")
		b.WriteString(hint)
		b.WriteString("\n")
	}
	b.WriteString("\nSolve step by step and cite your sources.")
	return b.String()
}

func solutionFromJSON(obj map[string]any) Solution {
	sol := Solution{SelfConfidence: confidence.CoerceScore(obj["confidence"])}
	if s, ok := obj["answer"].(string); ok {
		sol.Answer = strings.TrimSpace(s)
	}
	// Some models answer under "solution" instead.
	if sol.Answer == "" {
		if s, ok := obj["solution"].(string); ok {
			sol.Answer = strings.TrimSpace(s)
		}
	}
	sol.Steps = stringList(obj["steps"])
	if len(sol.Steps) == 0 {
		sol.Steps = stringList(obj["reasoning_steps"])
	}
	sol.Citations = stringList(obj["citations"])
	if s, ok := obj["verification"].(string); ok {
		sol.Verification = s
	}
	if s, ok := obj["uncertainty_note"].(string); ok {
		sol.UncertaintyNote = s
	}
	if sol.Answer == "" {
		return placeholderSolution("model returned no answer")
	}
	return sol
}

// solutionFromText parses a free-text response: first line is the answer,
// substantial lines become steps.
func solutionFromText(text string) Solution {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return placeholderSolution("model returned empty text")
	}
	sol := Solution{
		Answer:         strings.TrimSpace(lines[0]),
		SelfConfidence: 0.7,
	}
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		if len(line) > 10 {
			sol.Steps = append(sol.Steps, line)
		}
		if len(sol.Steps) == 10 {
			break
		}
	}
	return sol
}

func placeholderSolution(reason string) Solution {
	return Solution{
		Answer:          "Unable to generate a solution.",
		UncertaintyNote: reason,
		SelfConfidence:  0,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
