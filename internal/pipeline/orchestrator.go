package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/confidence"
	"github.com/mentorlabs/mentord/internal/memory"
)

var tracer = otel.Tracer("mentord.pipeline")

// Config holds orchestrator tuning.
type Config struct {
	// HITLThreshold routes results below it to human review.
	HITLThreshold float64
	// Weights for the confidence factors.
	Weights confidence.Weights
	// StageTimeout bounds each model-calling stage; zero disables it.
	StageTimeout time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.HITLThreshold <= 0 {
		c.HITLThreshold = confidence.DefaultReviewThreshold
	}
	zero := confidence.Weights{}
	if c.Weights == zero {
		c.Weights = confidence.DefaultWeights()
	}
}

// Orchestrator drives the parse-route-solve-verify-explain pipeline and
// applies the confidence gate to its results.
type Orchestrator struct {
	parser    *Parser
	solver    *Solver
	verifier  *Verifier
	explainer *Explainer
	store     *memory.Store
	config    Config
	logger    *zap.Logger
}

// NewOrchestrator wires the pipeline. The store may be nil; answered
// problems are then not persisted.
func NewOrchestrator(parser *Parser, solver *Solver, verifier *Verifier, explainer *Explainer, store *memory.Store, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	return &Orchestrator{
		parser:    parser,
		solver:    solver,
		verifier:  verifier,
		explainer: explainer,
		store:     store,
		config:    cfg,
		logger:    logger.Named("orchestrator"),
	}
}

// Run executes the pipeline on raw problem text. It always returns a
// terminal Outcome: internal failures degrade or escalate, they never
// surface as errors or panics.
func (o *Orchestrator) Run(ctx context.Context, rawText, source string) (outcome Outcome) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	trace := &traceRecorder{}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline panicked", zap.Any("panic", r))
			trace.add(StageVerify, EventFailed, fmt.Sprintf("internal failure: %v", r), time.Now())
			outcome = Outcome{
				Status: StatusEscalated,
				Review: &ReviewRequest{
					Question: "The system hit an internal failure while solving this problem. Please review it manually.",
					Problem:  Problem{RawText: rawText, Source: source},
				},
				Trace: trace.events,
			}
		}
	}()

	// Parse.
	start := time.Now()
	sctx, cancel := o.withTimeout(ctx)
	prob := o.parser.Parse(sctx, rawText, source)
	cancel()
	span.SetAttributes(attribute.String("problem.topic", prob.Topic))
	trace.add(StageParse, EventCompleted,
		fmt.Sprintf("topic=%s variables=%s", prob.Topic, strings.Join(prob.Variables, ",")), start)

	if prob.NeedsClarification {
		trace.add(StageParse, EventReview, "clarification needed: "+prob.AmbiguityReason, start)
		return Outcome{
			Status:        StatusClarificationNeeded,
			Clarification: prob.ClarificationQuestion,
			Trace:         trace.events,
		}
	}

	// Route.
	start = time.Now()
	route := RouteProblem(prob)
	trace.add(StageRoute, EventCompleted,
		fmt.Sprintf("strategy=%s difficulty=%s retrieval=%t", route.Strategy, route.Difficulty, route.UseRetrieval), start)

	// Solve. A missing solver degrades like a failed generation; the
	// placeholder's zero confidence sends the run to review.
	start = time.Now()
	sol := placeholderSolution("no solver configured")
	if o.solver != nil {
		sctx, cancel = o.withTimeout(ctx)
		sol = o.solver.Solve(sctx, prob, route)
		cancel()
	}
	solveStatus := EventCompleted
	if sol.SelfConfidence == 0 {
		solveStatus = EventDegraded
	}
	trace.add(StageSolve, solveStatus,
		fmt.Sprintf("chunks=%d citations=%d memory=%t", len(sol.Chunks), len(sol.Citations), sol.UsedMemory), start)

	// Verify.
	start = time.Now()
	sctx, cancel = o.withTimeout(ctx)
	verification := o.verifier.Verify(sctx, prob, sol, route)
	cancel()
	verifyStatus := EventCompleted
	if verification.Verdict != VerdictPass {
		verifyStatus = EventReview
	}
	trace.add(StageVerify, verifyStatus,
		fmt.Sprintf("verdict=%s score=%.2f issues=%d", verification.Verdict, verification.Score, len(verification.Issues)), start)

	// Only a pass verdict may reach the explainer; uncertain and fail both
	// force review no matter the aggregate score.
	assessment := confidence.Assess(
		o.factors(sol, verification),
		o.config.Weights,
		o.config.HITLThreshold,
		verification.HardFailure || verification.Verdict != VerdictPass,
	)
	span.SetAttributes(attribute.Float64("confidence.score", assessment.Score))

	if assessment.NeedsReview {
		o.logger.Info("escalating to human review",
			zap.Float64("score", assessment.Score),
			zap.String("reason", assessment.Reason))
		return Outcome{
			Status: StatusEscalated,
			Review: &ReviewRequest{
				Question:   reviewQuestion(verification),
				Problem:    prob,
				Draft:      sol,
				Issues:     verification.Issues,
				Assessment: assessment,
			},
			Trace: trace.events,
		}
	}

	// Explain.
	start = time.Now()
	sctx, cancel = o.withTimeout(ctx)
	explanation := o.explainer.Explain(sctx, prob, sol, route)
	cancel()
	trace.add(StageExplain, EventCompleted,
		fmt.Sprintf("steps=%d concepts=%d", len(explanation.Steps), len(explanation.KeyConcepts)), start)

	answer := Answer{
		Problem:     prob,
		Solution:    sol,
		Explanation: explanation,
		Assessment:  assessment,
	}
	answer.ProblemID = o.persist(ctx, prob, sol, assessment, trace)

	return Outcome{Status: StatusAnswered, Answer: &answer, Trace: trace.events}
}

// RecordFeedback attaches feedback to a previously answered problem.
func (o *Orchestrator) RecordFeedback(ctx context.Context, problemID, feedbackType, correction string) error {
	if o.store == nil {
		return memory.ErrNotFound
	}
	return o.store.RecordFeedback(ctx, problemID, feedbackType, correction)
}

// persist writes the answered problem to memory. Failure degrades: the
// answer still goes out, just without an id.
func (o *Orchestrator) persist(ctx context.Context, prob Problem, sol Solution, assessment confidence.Assessment, trace *traceRecorder) string {
	if o.store == nil {
		return ""
	}
	start := time.Now()
	payload, err := json.Marshal(sol)
	if err != nil {
		o.logger.Warn("solution serialization failed", zap.Error(err))
		trace.add(StageMemory, EventDegraded, "not persisted", start)
		return ""
	}
	id, err := o.store.Save(ctx, prob.Text, string(payload), assessment.Score, prob.Topic, prob.Source)
	if err != nil {
		o.logger.Warn("memory save failed", zap.Error(err))
		trace.add(StageMemory, EventDegraded, "not persisted", start)
		return ""
	}
	trace.add(StageMemory, EventCompleted, "saved "+id, start)
	return id
}

// factors maps pipeline signals onto the four confidence factors.
func (o *Orchestrator) factors(sol Solution, verification Verification) confidence.Factors {
	retrieval := 0.3
	for _, c := range sol.Chunks {
		if c.Relevance > retrieval {
			retrieval = c.Relevance
		}
	}
	citation := 0.4
	if len(sol.Citations) > 0 {
		citation = 0.9
	}
	return confidence.Factors{
		Retrieval:    retrieval,
		Citation:     citation,
		Generative:   sol.SelfConfidence,
		Verification: verification.Score,
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.StageTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, o.config.StageTimeout)
}

func reviewQuestion(v Verification) string {
	if len(v.Issues) > 0 {
		limit := len(v.Issues)
		if limit > 2 {
			limit = 2
		}
		return fmt.Sprintf("The solution may have issues: %s. Please verify or correct.",
			strings.Join(v.Issues[:limit], "; "))
	}
	return "Verification confidence is low. Please review the solution."
}

type traceRecorder struct {
	events []StageEvent
}

func (t *traceRecorder) add(stage, status, summary string, start time.Time) {
	t.events = append(t.events, StageEvent{
		Stage:    stage,
		Status:   status,
		Summary:  summary,
		Duration: time.Since(start),
	})
}
