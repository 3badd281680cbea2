package pipeline

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/confidence"
	"github.com/mentorlabs/mentord/internal/llm"
)

// equationClaimRe matches "expr = value" claims in reasoning steps where
// the left side is bare arithmetic the evaluator can re-compute.
var equationClaimRe = regexp.MustCompile(`([\d.\s+\-*/^()]+)=\s*(-?\d+(?:\.\d+)?)`)

// numberRe extracts numeric values from an answer for domain checks.
var numberRe = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

var trigValueRe = regexp.MustCompile(`(?i)\b(?:sin|cos)\b[^=]*=\s*(-?\d+(?:\.\d+)?)`)

// verifyState tracks the verifier's progress. Transitions only move
// forward; a regression is a programming error.
type verifyState int

const (
	statePending verifyState = iota
	stateChecked
	stateAggregated
	stateFinal
)

func (s *verifyState) advance(to verifyState) {
	if to <= *s {
		panic(fmt.Sprintf("verifier state cannot regress from %d to %d", *s, to))
	}
	*s = to
}

// Verifier performs quality assurance on a draft solution: deterministic
// arithmetic re-checks, domain constraint checks, and a model-based review
// of the reasoning, aggregated into a verdict.
type Verifier struct {
	llm    llm.Client
	logger *zap.Logger
}

// NewVerifier creates a verifier. The client may be nil; verification then
// relies on the deterministic checks alone.
func NewVerifier(client llm.Client, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{llm: client, logger: logger.Named("verifier")}
}

const verifierSystemPrompt = `You are a rigorous mathematics verifier. Check the solution for logical consistency, mathematical correctness, completeness, and reasonableness. Be critical but fair.

Respond with JSON:
{
  "is_logically_consistent": true or false,
  "is_mathematically_correct": true or false,
  "is_complete": true or false,
  "is_reasonable": true or false,
  "issues_found": ["issue descriptions"],
  "suggestions": ["improvement suggestions"],
  "verification_confidence": 0.0 to 1.0
}`

// Verify assesses a solution. It never returns an error: a failed model
// review degrades to the deterministic checks with an uncertain verdict.
func (v *Verifier) Verify(ctx context.Context, prob Problem, sol Solution, route Route) Verification {
	state := statePending
	result := Verification{}

	// Deterministic checks first.
	if route.UseSymbolicCheck {
		result.Checked = recheckArithmetic(sol.Steps)
		for _, c := range result.Checked {
			if !c.OK {
				result.Issues = append(result.Issues,
					fmt.Sprintf("arithmetic mismatch: %s evaluates to %g, not %g", c.Expression, c.Computed, c.Claimed))
				result.HardFailure = true
			}
		}
	}
	violations := checkDomainConstraints(sol.Answer, prob.Topic)
	if len(violations) > 0 {
		result.Issues = append(result.Issues, violations...)
		result.HardFailure = true
	}
	state.advance(stateChecked)

	review := v.modelReview(ctx, prob, sol)
	result.Issues = append(result.Issues, review.issues...)
	result.Suggestions = review.suggestions
	state.advance(stateAggregated)

	// Aggregate sub-scores into the verification score.
	factors := map[string]float64{
		"logical_consistency":      boolScore(review.consistent, 0.95, 0.4),
		"mathematical_correctness": boolScore(review.correct, 0.95, 0.3),
		"completeness":             boolScore(review.complete, 0.9, 0.5),
		"reasonableness":           boolScore(review.reasonable, 0.9, 0.4),
		"no_domain_violations":     boolScore(len(violations) == 0, 0.9, 0.3),
		"arithmetic_consistency":   boolScore(!result.HardFailure, 0.9, 0.2),
		"model_verification":       review.confidence,
	}
	var sum float64
	for _, f := range factors {
		sum += f
	}
	result.Score = sum / float64(len(factors))

	switch {
	case result.HardFailure:
		result.Verdict = VerdictFail
	// A run without a model review never reaches pass on its own.
	case result.Score >= 0.8 && len(result.Issues) == 0 && !review.degraded:
		result.Verdict = VerdictPass
	case result.Score >= 0.5:
		result.Verdict = VerdictUncertain
	default:
		result.Verdict = VerdictFail
	}
	state.advance(stateFinal)
	return result
}

type modelReview struct {
	consistent  bool
	correct     bool
	complete    bool
	reasonable  bool
	confidence  float64
	issues      []string
	suggestions []string
	degraded    bool
}

func (v *Verifier) modelReview(ctx context.Context, prob Problem, sol Solution) modelReview {
	// Neutral defaults when no model review is possible.
	degraded := modelReview{
		consistent: true, correct: true, complete: true, reasonable: true,
		confidence: 0.5,
		degraded:   true,
	}
	if v.llm == nil {
		return degraded
	}

	var steps strings.Builder
	for i, step := range sol.Steps {
		fmt.Fprintf(&steps, "%d. %s\n", i+1, step)
	}
	prompt := fmt.Sprintf("Verify this mathematics solution:\n\nPROBLEM:\n%s\n\nANSWER:\n%s\n\nREASONING STEPS:\n%s\nTOPIC: %s\nCONSTRAINTS: %s",
		prob.Text, sol.Answer, steps.String(), prob.Topic, strings.Join(prob.Constraints, "; "))

	obj, err := v.llm.CompleteJSON(ctx, verifierSystemPrompt, prompt)
	if err != nil {
		v.logger.Warn("model review unavailable", zap.Error(err))
		return degraded
	}

	return modelReview{
		consistent:  boolField(obj, "is_logically_consistent"),
		correct:     boolField(obj, "is_mathematically_correct"),
		complete:    boolField(obj, "is_complete"),
		reasonable:  boolField(obj, "is_reasonable"),
		confidence:  confidence.CoerceScore(obj["verification_confidence"]),
		issues:      stringList(obj["issues_found"]),
		suggestions: stringList(obj["suggestions"]),
	}
}

// recheckArithmetic re-evaluates "expr = value" claims found in the steps.
func recheckArithmetic(steps []string) []CheckedCalculation {
	var checked []CheckedCalculation
	for _, step := range steps {
		matches := equationClaimRe.FindAllStringSubmatch(step, 3)
		for _, m := range matches {
			expr := strings.TrimSpace(m[1])
			if !strings.ContainsAny(expr, "+-*/^") {
				continue // a bare number is a statement, not a computation
			}
			// Fragments of symbolic equations ("x - 2 = 0" matching as
			// "- 2 = 0") are not arithmetic claims.
			if len(numberRe.FindAllString(expr, -1)) < 2 {
				continue
			}
			claimed, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				continue
			}
			computed, err := Evaluate(expr)
			if err != nil {
				continue
			}
			checked = append(checked, CheckedCalculation{
				Expression: expr,
				Claimed:    claimed,
				Computed:   computed,
				OK:         approxEqual(computed, claimed),
			})
		}
	}
	return checked
}

// checkDomainConstraints validates topic-specific value ranges in the
// final answer.
func checkDomainConstraints(answer, topic string) []string {
	var violations []string
	switch topic {
	case TopicProbability:
		if nums := numberRe.FindAllString(answer, -1); len(nums) > 0 {
			// The last number is usually the answer.
			if v, err := strconv.ParseFloat(nums[len(nums)-1], 64); err == nil && (v < 0 || v > 1) {
				violations = append(violations,
					fmt.Sprintf("probability must be between 0 and 1: got %g", v))
			}
		}
	case TopicTrigonometry:
		for _, m := range trigValueRe.FindAllStringSubmatch(answer, -1) {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil && (v < -1 || v > 1) {
				violations = append(violations,
					fmt.Sprintf("sin/cos values must be in [-1, 1]: got %g", v))
			}
		}
	case TopicCombinatorics:
		if nums := numberRe.FindAllString(answer, -1); len(nums) > 0 {
			if v, err := strconv.ParseFloat(nums[len(nums)-1], 64); err == nil && v < 0 {
				violations = append(violations,
					fmt.Sprintf("count must be non-negative: got %g", v))
			}
		}
	}
	return violations
}

func approxEqual(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff < 1e-6 {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff/scale < 1e-6
}

func boolScore(ok bool, yes, no float64) float64 {
	if ok {
		return yes
	}
	return no
}

func boolField(obj map[string]any, key string) bool {
	b, ok := obj[key].(bool)
	return ok && b
}
