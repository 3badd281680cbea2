package pipeline

import (
	"context"
	"errors"
	"sync"
)

var errFakeLLMDown = errors.New("model backend unavailable")

// fakeLLM replays scripted responses in call order. A nil entry in the
// json queue makes that CompleteJSON call fail.
type fakeLLM struct {
	mu        sync.Mutex
	jsonQueue []map[string]any
	text      string
	textErr   error
	jsonCalls int
	textCalls int
}

func (f *fakeLLM) CompleteJSON(_ context.Context, _, _ string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jsonCalls++
	if len(f.jsonQueue) == 0 {
		return nil, errFakeLLMDown
	}
	next := f.jsonQueue[0]
	f.jsonQueue = f.jsonQueue[1:]
	if next == nil {
		return nil, errFakeLLMDown
	}
	return next, nil
}

func (f *fakeLLM) Complete(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.textCalls++
	if f.textErr != nil {
		return "", f.textErr
	}
	return f.text, nil
}

// parserAnalysis is a plausible parser response for a quadratic equation.
func parserAnalysis() map[string]any {
	return map[string]any{
		"cleaned_problem": "Solve x² - 5x + 6 = 0",
		"primary_topic":   TopicAlgebra,
		"variables":       []any{"x"},
		"constraints":     []any{},
		"problem_type":    "equation",
		"is_ambiguous":    false,
		"confidence":      0.9,
	}
}

func solverAnswer() map[string]any {
	return map[string]any{
		"answer": "x = 2 or x = 3",
		"steps": []any{
			"Factor the quadratic: x² - 5x + 6 = (x - 2)(x - 3)",
			"Set each factor to zero: x - 2 = 0 or x - 3 = 0",
			"Solve each: x = 2 or x = 3",
		},
		"citations":    []any{"algebra.md > Quadratic Equations"},
		"verification": "Substituting both roots back gives 0.",
		"confidence":   0.9,
	}
}

func verifierApproval() map[string]any {
	return map[string]any{
		"is_logically_consistent":   true,
		"is_mathematically_correct": true,
		"is_complete":               true,
		"is_reasonable":             true,
		"issues_found":              []any{},
		"verification_confidence":   0.9,
	}
}

func explainerOutput() map[string]any {
	return map[string]any{
		"overview":     "We are solving a quadratic equation by factoring.",
		"approach":     "Factor the trinomial and apply the zero product property.",
		"final_answer": "x = 2 or x = 3",
		"steps": []any{
			map[string]any{"number": 1, "action": "Factor the quadratic", "explanation": "Find two numbers that multiply to 6 and add to -5.", "formula": "x² - 5x + 6 = (x - 2)(x - 3)"},
			map[string]any{"number": 2, "action": "Apply the zero product property", "explanation": "A product is zero only when a factor is zero."},
		},
		"key_concepts": []any{"factoring", "zero product property"},
		"tips":         []any{"Always substitute the roots back into the original equation."},
	}
}
