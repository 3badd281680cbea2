package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/confidence"
	"github.com/mentorlabs/mentord/internal/llm"
)

// topicKeywords drives lexical topic detection. Detection order follows
// map iteration, so a problem may match several topics; the first match
// per topic wins and multi-topic problems carry the extras as secondary.
var topicKeywords = map[string][]string{
	TopicAlgebra: {
		"equation", "solve", "roots", "quadratic", "polynomial", "factor",
		"expand", "simplify", "logarithm", "log", "exponent", "inequality",
	},
	TopicCalculus: {
		"derivative", "differentiate", "integral", "integrate", "limit",
		"continuous", "maximum", "minimum", "tangent", "area under",
	},
	TopicTrigonometry: {
		"sin", "cos", "tan", "angle", "triangle", "radian", "degree",
		"trigonometric",
	},
	TopicProbability: {
		"probability", "chance", "dice", "card", "random", "expected",
		"binomial", "bayes", "conditional", "independent",
	},
	TopicGeometry: {
		"line", "circle", "parabola", "ellipse", "hyperbola", "slope",
		"intercept", "conic", "locus",
	},
	TopicLinearAlgebra: {
		"vector", "matrix", "determinant", "eigenvalue", "dot product",
		"cross product", "plane",
	},
	TopicSequences: {
		"sequence", "series", "nth term", "arithmetic progression",
		"geometric progression", "sum of",
	},
	TopicDifferentialEquations: {
		"differential equation", "dy/dx", "separable",
	},
	TopicCombinatorics: {
		"permutation", "combination", "arrange", "select", "ways",
		"factorial", "ncr", "npr",
	},
	TopicStatistics: {
		"mean", "median", "mode", "variance", "standard deviation",
		"correlation", "regression",
	},
}

// topicOrder fixes the priority when several topics match.
var topicOrder = []string{
	TopicDifferentialEquations, TopicCalculus, TopicProbability,
	TopicCombinatorics, TopicStatistics, TopicTrigonometry,
	TopicLinearAlgebra, TopicSequences, TopicGeometry, TopicAlgebra,
}

// notationRules normalizes spoken or sloppy math notation before any
// downstream processing.
var notationRules = []struct {
	pattern *regexp.Regexp
	repl    string
}{
	{regexp.MustCompile(`(?i)\bsquare root of\b`), "√"},
	{regexp.MustCompile(`(?i)\bsqrt\b`), "√"},
	{regexp.MustCompile(`(?i)\bcube root of\b`), "∛"},
	{regexp.MustCompile(`(?i)\bintegral of\b`), "∫"},
	{regexp.MustCompile(`(?i)\bpi\b`), "π"},
	{regexp.MustCompile(`(?i)\btheta\b`), "θ"},
	{regexp.MustCompile(`(?i)\binfinity\b`), "∞"},
	{regexp.MustCompile(`(?i)\bless than or equal\b`), "≤"},
	{regexp.MustCompile(`(?i)\bgreater than or equal\b`), "≥"},
	{regexp.MustCompile(`(?i)\bnot equal\b`), "≠"},
	{regexp.MustCompile(`(?i)\bplus or minus\b`), "±"},
	{regexp.MustCompile(`(?i)\bx\s*\^\s*2\b`), "x²"},
	{regexp.MustCompile(`(?i)\bx\s*\^\s*3\b`), "x³"},
	{regexp.MustCompile(`(?i)\bx squared\b`), "x²"},
	{regexp.MustCompile(`(?i)\bx cubed\b`), "x³"},
	{regexp.MustCompile(`(?i)\bequals\b`), "="},
	{regexp.MustCompile(`(?i)\bminus\b`), "-"},
	{regexp.MustCompile(`(?i)\bplus\b`), "+"},
}

var (
	variableRe   = regexp.MustCompile(`\b([b-hj-np-z])\b`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Parser structures raw problem text: notation normalization, topic
// detection, variable extraction, and an ambiguity gate. The LLM refines
// the lexical analysis; when it is unavailable the lexical result stands.
type Parser struct {
	llm       llm.Client
	threshold float64
	logger    *zap.Logger
}

// DefaultClarificationThreshold is the parse confidence below which the
// pipeline asks for clarification instead of proceeding.
const DefaultClarificationThreshold = 0.55

// ParserOption configures a Parser.
type ParserOption func(*Parser)

// WithClarificationThreshold overrides the confidence floor for the
// clarification gate.
func WithClarificationThreshold(threshold float64) ParserOption {
	return func(p *Parser) {
		if threshold > 0 {
			p.threshold = threshold
		}
	}
}

// NewParser creates a parser. The client may be nil for lexical-only
// operation.
func NewParser(client llm.Client, logger *zap.Logger, opts ...ParserOption) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Parser{
		llm:       client,
		threshold: DefaultClarificationThreshold,
		logger:    logger.Named("parser"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

const parserSystemPrompt = `You are a mathematics problem parser. Analyze the given math problem and respond with JSON:
{
  "cleaned_problem": "the cleaned, well-formatted problem text",
  "primary_topic": "one of: algebra, calculus, trigonometry, probability, geometry, linear_algebra, sequences, differential_equations, combinatorics, statistics, other",
  "secondary_topics": ["other relevant topics"],
  "variables": ["variables used"],
  "constraints": ["constraints or conditions"],
  "problem_type": "equation/word_problem/calculation/optimization/proof",
  "is_ambiguous": true or false,
  "ambiguity_reason": "reason if ambiguous, empty otherwise",
  "clarification_question": "question to ask if ambiguous, empty otherwise",
  "confidence": 0.0 to 1.0
}
If the problem is incomplete or unclear, identify exactly what information is missing.`

// Parse structures the raw input. It never returns an error: LLM failure
// degrades to the lexical analysis, and unusable input comes back marked
// as needing clarification.
func (p *Parser) Parse(ctx context.Context, rawText, source string) Problem {
	if source == "" {
		source = SourceText
	}
	normalized := NormalizeNotation(rawText)

	prob := Problem{
		RawText:   rawText,
		Text:      normalized,
		Source:    source,
		Topic:     TopicOther,
		Variables: extractVariables(normalized),
	}

	if strings.TrimSpace(rawText) == "" {
		prob.NeedsClarification = true
		prob.ClarificationQuestion = "Please provide the problem text."
		prob.AmbiguityReason = "empty input"
		return prob
	}

	primary, secondary := detectTopics(normalized)
	prob.Topic = primary
	prob.SecondaryTopics = secondary
	prob.ParseConfidence = lexicalConfidence(prob) * sourceReliability(source)

	if p.llm == nil {
		p.applyLexicalAmbiguityGate(&prob)
		p.gateOnConfidence(&prob)
		return prob
	}

	prompt := fmt.Sprintf("Analyze this math problem:\n\nINPUT SOURCE: %s\nRAW TEXT: %s\nNORMALIZED TEXT: %s\nDETECTED TOPIC (from keywords): %s\nDETECTED VARIABLES: %s",
		source, rawText, normalized, primary, strings.Join(prob.Variables, ", "))

	analysis, err := p.llm.CompleteJSON(ctx, parserSystemPrompt, prompt)
	if err != nil {
		p.logger.Warn("llm analysis unavailable, using lexical parse", zap.Error(err))
		p.applyLexicalAmbiguityGate(&prob)
		p.gateOnConfidence(&prob)
		return prob
	}

	if s, ok := analysis["cleaned_problem"].(string); ok && strings.TrimSpace(s) != "" {
		prob.Text = s
	}
	if s, ok := analysis["primary_topic"].(string); ok && validTopic(s) {
		prob.Topic = s
	}
	if list := stringList(analysis["secondary_topics"]); len(list) > 0 {
		prob.SecondaryTopics = list
	}
	if list := stringList(analysis["variables"]); len(list) > 0 {
		prob.Variables = list
	}
	prob.Constraints = stringList(analysis["constraints"])
	if s, ok := analysis["problem_type"].(string); ok {
		prob.ProblemType = s
	}
	if ambiguous, ok := analysis["is_ambiguous"].(bool); ok && ambiguous {
		prob.NeedsClarification = true
		prob.AmbiguityReason, _ = analysis["ambiguity_reason"].(string)
		prob.ClarificationQuestion, _ = analysis["clarification_question"].(string)
		if prob.ClarificationQuestion == "" {
			prob.ClarificationQuestion = "Could you restate the problem with the missing details?"
		}
	}
	prob.ParseConfidence = confidence.CoerceScore(analysis["confidence"]) * sourceReliability(source)
	p.gateOnConfidence(&prob)
	return prob
}

// gateOnConfidence flags sub-threshold parses for clarification. A lossy
// input source that drags the discounted confidence under the floor is
// treated the same as internally detected ambiguity.
func (p *Parser) gateOnConfidence(prob *Problem) {
	if prob.NeedsClarification || prob.ParseConfidence >= p.threshold {
		return
	}
	prob.NeedsClarification = true
	prob.AmbiguityReason = fmt.Sprintf("parse confidence %.2f below clarification threshold %.2f",
		prob.ParseConfidence, p.threshold)
	prob.ClarificationQuestion = "Could you restate the problem with more detail about what is given and what should be found?"
}

// sourceReliability discounts parse confidence for inputs that passed
// through a lossy converter before reaching the pipeline.
func sourceReliability(source string) float64 {
	switch source {
	case SourceOCR:
		return 0.9
	case SourceASR:
		return 0.85
	default:
		return 1.0
	}
}

// applyLexicalAmbiguityGate marks obviously underspecified input when no
// LLM analysis is available.
func (p *Parser) applyLexicalAmbiguityGate(prob *Problem) {
	words := strings.Fields(prob.Text)
	hasDigit := strings.ContainsAny(prob.Text, "0123456789")
	if len(words) < 3 && !hasDigit {
		prob.NeedsClarification = true
		prob.AmbiguityReason = "input too short to identify a problem"
		prob.ClarificationQuestion = "Could you state the full problem, including what should be found?"
	}
}

// NormalizeNotation collapses whitespace and rewrites spoken math phrasing
// into symbols.
func NormalizeNotation(text string) string {
	out := whitespaceRe.ReplaceAllString(strings.TrimSpace(text), " ")
	for _, rule := range notationRules {
		out = rule.pattern.ReplaceAllString(out, rule.repl)
	}
	return out
}

// detectTopics returns the primary topic and any secondary matches, in
// fixed priority order. No match yields TopicOther.
func detectTopics(text string) (string, []string) {
	lower := strings.ToLower(text)
	var matched []string
	for _, topic := range topicOrder {
		for _, kw := range topicKeywords[topic] {
			if strings.Contains(lower, kw) {
				matched = append(matched, topic)
				break
			}
		}
	}
	if len(matched) == 0 {
		return TopicOther, nil
	}
	if len(matched) == 1 {
		return matched[0], nil
	}
	return matched[0], matched[1:]
}

// extractVariables finds single-letter variables, excluding letters that
// commonly appear as English words.
func extractVariables(text string) []string {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	var vars []string
	for _, m := range variableRe.FindAllStringSubmatch(lower, -1) {
		v := m[1]
		if !seen[v] {
			seen[v] = true
			vars = append(vars, v)
		}
	}
	sort.Strings(vars)
	return vars
}

func lexicalConfidence(prob Problem) float64 {
	score := 0.5
	if prob.Topic != TopicOther {
		score += 0.2
	}
	if len(prob.Variables) > 0 {
		score += 0.1
	}
	return score
}

func validTopic(topic string) bool {
	if topic == TopicOther {
		return true
	}
	_, ok := topicKeywords[topic]
	return ok
}

// stringList coerces a decoded JSON value into a string slice.
func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
