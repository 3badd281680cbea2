// Package pipeline implements the five-stage problem solving pipeline:
// parse, route, solve, verify, explain. The Orchestrator drives the stages
// and applies the confidence gate to the result.
package pipeline

import (
	"time"

	"github.com/mentorlabs/mentord/internal/confidence"
	"github.com/mentorlabs/mentord/internal/knowledge"
)

// Stage names used in traces.
const (
	StageParse   = "parse"
	StageRoute   = "route"
	StageSolve   = "solve"
	StageVerify  = "verify"
	StageExplain = "explain"
	StageMemory  = "memory"
)

// Stage event statuses.
const (
	EventCompleted = "completed"
	EventDegraded  = "degraded"
	EventFailed    = "failed"
	EventReview    = "review"
)

// Outcome statuses.
const (
	StatusAnswered            = "answered"
	StatusClarificationNeeded = "clarification_needed"
	StatusEscalated           = "escalated"
)

// Input sources.
const (
	SourceText = "text"
	SourceOCR  = "ocr"
	SourceASR  = "asr"
)

// Topic taxonomy.
const (
	TopicAlgebra               = "algebra"
	TopicCalculus              = "calculus"
	TopicTrigonometry          = "trigonometry"
	TopicProbability           = "probability"
	TopicGeometry              = "geometry"
	TopicLinearAlgebra         = "linear_algebra"
	TopicSequences             = "sequences"
	TopicDifferentialEquations = "differential_equations"
	TopicCombinatorics         = "combinatorics"
	TopicStatistics            = "statistics"
	TopicOther                 = "other"
)

// Problem is the structured form of a raw problem produced by the parser.
type Problem struct {
	RawText         string   `json:"raw_text"`
	Text            string   `json:"problem_text"`
	Source          string   `json:"source"`
	Topic           string   `json:"topic"`
	SecondaryTopics []string `json:"secondary_topics,omitempty"`
	Variables       []string `json:"variables,omitempty"`
	Constraints     []string `json:"constraints,omitempty"`
	ProblemType     string   `json:"problem_type,omitempty"`

	NeedsClarification    bool   `json:"needs_clarification"`
	ClarificationQuestion string `json:"clarification_question,omitempty"`
	AmbiguityReason       string `json:"ambiguity_reason,omitempty"`

	ParseConfidence float64 `json:"parse_confidence"`
}

// Route is the solving strategy chosen for a parsed problem.
type Route struct {
	Strategy         string   `json:"strategy"`
	UseRetrieval     bool     `json:"use_retrieval"`
	UseSymbolicCheck bool     `json:"use_symbolic_check"`
	Difficulty       string   `json:"difficulty"`
	Filters          []string `json:"filters,omitempty"`
}

// Difficulty levels assigned by the router.
const (
	DifficultyBasic        = "basic"
	DifficultyIntermediate = "intermediate"
	DifficultyAdvanced     = "advanced"
)

// Solution is the solver's draft answer with its grounding.
type Solution struct {
	Answer          string            `json:"answer"`
	Steps           []string          `json:"steps,omitempty"`
	Citations       []string          `json:"citations,omitempty"`
	Verification    string            `json:"verification,omitempty"`
	UncertaintyNote string            `json:"uncertainty_note,omitempty"`
	SelfConfidence  float64           `json:"self_confidence"`
	Chunks          []knowledge.Chunk `json:"-"`
	UsedMemory      bool              `json:"used_memory"`
	MemoryHint      string            `json:"-"`
}

// CheckedCalculation is one arithmetic claim re-evaluated by the verifier.
type CheckedCalculation struct {
	Expression string  `json:"expression"`
	Claimed    float64 `json:"claimed"`
	Computed   float64 `json:"computed"`
	OK         bool    `json:"ok"`
}

// Verification verdicts.
const (
	VerdictPass      = "pass"
	VerdictUncertain = "uncertain"
	VerdictFail      = "fail"
)

// Verification is the verifier's assessment of a solution.
type Verification struct {
	Verdict     string               `json:"verdict"`
	Score       float64              `json:"score"`
	Issues      []string             `json:"issues,omitempty"`
	Suggestions []string             `json:"suggestions,omitempty"`
	Checked     []CheckedCalculation `json:"checked_calculations,omitempty"`
	HardFailure bool                 `json:"hard_failure"`
}

// ExplainedStep is one pedagogical step of the final explanation.
type ExplainedStep struct {
	Number      int    `json:"number"`
	Action      string `json:"action"`
	Explanation string `json:"explanation,omitempty"`
	Formula     string `json:"formula,omitempty"`
}

// Explanation is the student-facing rendering of a verified solution.
type Explanation struct {
	Overview    string          `json:"overview,omitempty"`
	Approach    string          `json:"approach,omitempty"`
	Steps       []ExplainedStep `json:"steps"`
	FinalAnswer string          `json:"final_answer"`
	KeyConcepts []string        `json:"key_concepts,omitempty"`
	Tips        []string        `json:"tips,omitempty"`
	Difficulty  string          `json:"difficulty,omitempty"`
}

// StageEvent is one append-only entry of the execution trace.
type StageEvent struct {
	Stage    string        `json:"stage"`
	Status   string        `json:"status"`
	Summary  string        `json:"summary"`
	Duration time.Duration `json:"duration"`
}

// Answer is the payload of an answered outcome.
type Answer struct {
	ProblemID   string                `json:"problem_id,omitempty"`
	Problem     Problem               `json:"problem"`
	Solution    Solution              `json:"solution"`
	Explanation Explanation           `json:"explanation"`
	Assessment  confidence.Assessment `json:"assessment"`
}

// ReviewRequest is the payload of an escalated outcome.
type ReviewRequest struct {
	Question   string                `json:"question"`
	Problem    Problem               `json:"problem"`
	Draft      Solution              `json:"draft"`
	Issues     []string              `json:"issues,omitempty"`
	Assessment confidence.Assessment `json:"assessment"`
}

// Outcome is the terminal result of one pipeline run. Exactly one of
// Answer, Clarification, or Review is set, matching Status.
type Outcome struct {
	Status        string         `json:"status"`
	Answer        *Answer        `json:"answer,omitempty"`
	Clarification string         `json:"clarification,omitempty"`
	Review        *ReviewRequest `json:"review,omitempty"`
	Trace         []StageEvent   `json:"trace"`
}
