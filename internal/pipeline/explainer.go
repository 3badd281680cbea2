package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mentorlabs/mentord/internal/llm"
)

// topicTips provides fallback exam tips when the model produces none.
var topicTips = map[string][]string{
	TopicAlgebra:       {"Check solutions by substituting back into the original equation.", "Watch the sign when moving terms across the equals sign."},
	TopicCalculus:      {"State the rule you apply (chain, product, quotient) before applying it.", "Check boundary points when optimizing on a closed interval."},
	TopicTrigonometry:  {"Keep track of whether angles are in degrees or radians.", "Sketch the unit circle to sanity-check signs."},
	TopicProbability:   {"Confirm the final probability lies between 0 and 1.", "Define the sample space explicitly before counting outcomes."},
	TopicCombinatorics: {"Decide first whether order matters: permutations vs combinations.", "Guard against double counting."},
	TopicSequences:     {"Identify whether the progression is arithmetic or geometric before using sum formulas."},
	TopicStatistics:    {"State whether you are using sample or population formulas."},
}

// Explainer turns a verified solution into a student-facing explanation.
type Explainer struct {
	llm    llm.Client
	logger *zap.Logger
}

// NewExplainer creates an explainer. The client may be nil; the solver's
// raw steps are then used verbatim.
func NewExplainer(client llm.Client, logger *zap.Logger) *Explainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Explainer{llm: client, logger: logger.Named("explainer")}
}

const explainerSystemPrompt = `You are an expert mathematics tutor creating clear, educational explanations. Explain the why behind each step, not just the what, in simple language. A student should be able to reproduce the solution after reading it.

Respond with JSON:
{
  "overview": "1-2 sentence summary of what we're solving",
  "approach": "brief description of the approach",
  "steps": [{"number": 1, "action": "what we do", "explanation": "why and how", "formula": "formula if any, empty otherwise"}],
  "final_answer": "the final answer, clearly stated",
  "key_concepts": ["concept 1", "concept 2"],
  "tips": ["tip for similar problems"]
}`

// Explain renders the pedagogical explanation. It never returns an error:
// a failed model call falls back to numbering the solver's own steps.
func (e *Explainer) Explain(ctx context.Context, prob Problem, sol Solution, route Route) Explanation {
	exp := e.fromModel(ctx, prob, sol)
	if exp == nil {
		exp = fallbackExplanation(sol)
	}
	exp.Difficulty = route.Difficulty
	if exp.FinalAnswer == "" {
		exp.FinalAnswer = sol.Answer
	}
	if len(exp.KeyConcepts) == 0 {
		exp.KeyConcepts = conceptsFrom(prob, sol)
	}
	if len(exp.Tips) == 0 {
		exp.Tips = topicTips[prob.Topic]
	}
	return *exp
}

func (e *Explainer) fromModel(ctx context.Context, prob Problem, sol Solution) *Explanation {
	if e.llm == nil {
		return nil
	}

	var steps strings.Builder
	for i, step := range sol.Steps {
		fmt.Fprintf(&steps, "%d. %s\n", i+1, step)
	}
	prompt := fmt.Sprintf("Create a student-friendly explanation for this mathematics problem.\n\nPROBLEM:\n%s\n\nTOPIC: %s\n\nANSWER:\n%s\n\nORIGINAL REASONING:\n%s\nKNOWLEDGE SOURCES USED: %s",
		prob.Text, prob.Topic, sol.Answer, steps.String(), strings.Join(sol.Citations, ", "))

	obj, err := e.llm.CompleteJSON(ctx, explainerSystemPrompt, prompt)
	if err != nil {
		e.logger.Warn("explanation generation failed, using solver steps", zap.Error(err))
		return nil
	}

	exp := &Explanation{}
	exp.Overview, _ = obj["overview"].(string)
	exp.Approach, _ = obj["approach"].(string)
	exp.FinalAnswer, _ = obj["final_answer"].(string)
	exp.KeyConcepts = stringList(obj["key_concepts"])
	exp.Tips = stringList(obj["tips"])

	if items, ok := obj["steps"].([]any); ok {
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			step := ExplainedStep{Number: i + 1}
			step.Action, _ = m["action"].(string)
			step.Explanation, _ = m["explanation"].(string)
			step.Formula, _ = m["formula"].(string)
			if step.Action != "" {
				exp.Steps = append(exp.Steps, step)
			}
		}
	}
	if len(exp.Steps) == 0 && exp.FinalAnswer == "" {
		return nil
	}
	return exp
}

func fallbackExplanation(sol Solution) *Explanation {
	exp := &Explanation{FinalAnswer: sol.Answer}
	for i, step := range sol.Steps {
		exp.Steps = append(exp.Steps, ExplainedStep{Number: i + 1, Action: step})
	}
	return exp
}

func conceptsFrom(prob Problem, sol Solution) []string {
	var concepts []string
	if prob.Topic != "" && prob.Topic != TopicOther {
		concepts = append(concepts, strings.ReplaceAll(prob.Topic, "_", " "))
	}
	for i, c := range sol.Citations {
		if i == 2 {
			break
		}
		concepts = append(concepts, c)
	}
	return concepts
}

// Render formats the explanation as markdown.
func (exp Explanation) Render() string {
	var b strings.Builder
	if exp.Overview != "" {
		fmt.Fprintf(&b, "**Problem Overview**\n%s\n\n", exp.Overview)
	}
	if exp.Approach != "" {
		fmt.Fprintf(&b, "**Approach**\n%s\n\n", exp.Approach)
	}
	if len(exp.Steps) > 0 {
		b.WriteString("**Step-by-Step Solution**\n")
		for _, step := range exp.Steps {
			fmt.Fprintf(&b, "\n**Step %d:** %s\n", step.Number, step.Action)
			if step.Explanation != "" {
				fmt.Fprintf(&b, "_%s_\n", step.Explanation)
			}
			if step.Formula != "" {
				fmt.Fprintf(&b, "Formula: `%s`\n", step.Formula)
			}
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "**Final Answer**\n%s\n", exp.FinalAnswer)
	if len(exp.KeyConcepts) > 0 {
		b.WriteString("\n**Key Concepts**\n")
		for _, c := range exp.KeyConcepts {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if len(exp.Tips) > 0 {
		b.WriteString("\n**Tips**\n")
		for _, tip := range exp.Tips {
			fmt.Fprintf(&b, "- %s\n", tip)
		}
	}
	return b.String()
}
