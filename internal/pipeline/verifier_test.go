package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRecheckArithmetic(t *testing.T) {
	tests := []struct {
		name     string
		steps    []string
		wantLen  int
		allOK    bool
	}{
		{
			name:    "correct computation",
			steps:   []string{"Compute the discriminant: 25 - 24 = 1"},
			wantLen: 1,
			allOK:   true,
		},
		{
			name:    "wrong computation flagged",
			steps:   []string{"So 2 + 2 = 5"},
			wantLen: 1,
			allOK:   false,
		},
		{
			name:    "symbolic equation ignored",
			steps:   []string{"Set each factor to zero: x - 2 = 0"},
			wantLen: 0,
			allOK:   true,
		},
		{
			name:    "bare restatement ignored",
			steps:   []string{"The answer is x = 3"},
			wantLen: 0,
			allOK:   true,
		},
		{
			name:    "mixed steps",
			steps:   []string{"First 3 * 4 = 12", "then 12 / 3 = 4"},
			wantLen: 2,
			allOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checked := recheckArithmetic(tt.steps)
			require.Len(t, checked, tt.wantLen)
			for _, c := range checked {
				assert.Equal(t, tt.allOK, c.OK)
			}
		})
	}
}

func TestCheckDomainConstraints(t *testing.T) {
	tests := []struct {
		name       string
		answer     string
		topic      string
		violations int
	}{
		{"valid probability", "P(A) = 0.75", TopicProbability, 0},
		{"probability above one", "P(A) = 1.5", TopicProbability, 1},
		{"negative probability", "The probability is -0.2", TopicProbability, 1},
		{"sin out of range", "sin(x) = 2.5", TopicTrigonometry, 1},
		{"sin in range", "sin(x) = 0.5", TopicTrigonometry, 0},
		{"negative count", "There are -6 ways", TopicCombinatorics, 1},
		{"no constraints for algebra", "x = 1.5", TopicAlgebra, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, checkDomainConstraints(tt.answer, tt.topic), tt.violations)
		})
	}
}

func TestVerifyPass(t *testing.T) {
	v := NewVerifier(&fakeLLM{jsonQueue: []map[string]any{verifierApproval()}}, zap.NewNop())

	result := v.Verify(context.Background(),
		Problem{Text: "Solve x² - 5x + 6 = 0", Topic: TopicAlgebra},
		Solution{
			Answer: "x = 2 or x = 3",
			Steps:  []string{"Discriminant: 25 - 24 = 1", "Roots: (5 + 1) / 2 = 3 and (5 - 1) / 2 = 2"},
		},
		Route{UseSymbolicCheck: true},
	)

	assert.Equal(t, VerdictPass, result.Verdict)
	assert.False(t, result.HardFailure)
	assert.Empty(t, result.Issues)
	assert.GreaterOrEqual(t, result.Score, 0.8)
	assert.NotEmpty(t, result.Checked)
}

func TestVerifyArithmeticContradictionIsHardFailure(t *testing.T) {
	// The model approves, but the arithmetic does not hold.
	v := NewVerifier(&fakeLLM{jsonQueue: []map[string]any{verifierApproval()}}, zap.NewNop())

	result := v.Verify(context.Background(),
		Problem{Text: "Compute 17 + 25", Topic: TopicAlgebra},
		Solution{Answer: "43", Steps: []string{"Add: 17 + 25 = 43"}},
		Route{UseSymbolicCheck: true},
	)

	assert.True(t, result.HardFailure)
	assert.Equal(t, VerdictFail, result.Verdict)
	require.NotEmpty(t, result.Issues)
	assert.Contains(t, result.Issues[0], "arithmetic mismatch")
}

func TestVerifyDomainViolationIsHardFailure(t *testing.T) {
	v := NewVerifier(&fakeLLM{jsonQueue: []map[string]any{verifierApproval()}}, zap.NewNop())

	result := v.Verify(context.Background(),
		Problem{Text: "Find P(A)", Topic: TopicProbability},
		Solution{Answer: "P(A) = 1.5", Steps: []string{"Computed probability as 1.5"}},
		Route{UseSymbolicCheck: true},
	)

	assert.True(t, result.HardFailure)
	assert.Equal(t, VerdictFail, result.Verdict)
}

func TestVerifyModelIssuesLowerVerdict(t *testing.T) {
	v := NewVerifier(&fakeLLM{jsonQueue: []map[string]any{{
		"is_logically_consistent":   false,
		"is_mathematically_correct": true,
		"is_complete":               false,
		"is_reasonable":             true,
		"issues_found":              []any{"step 2 does not follow from step 1"},
		"verification_confidence":   0.4,
	}}}, zap.NewNop())

	result := v.Verify(context.Background(),
		Problem{Text: "some problem", Topic: TopicAlgebra},
		Solution{Answer: "x = 7", Steps: []string{"a step"}},
		Route{},
	)

	assert.NotEqual(t, VerdictPass, result.Verdict)
	assert.False(t, result.HardFailure)
	assert.Contains(t, result.Issues, "step 2 does not follow from step 1")
}

func TestVerifyDegradesWithoutModel(t *testing.T) {
	v := NewVerifier(&fakeLLM{}, zap.NewNop()) // every model call fails

	result := v.Verify(context.Background(),
		Problem{Text: "Compute 2 + 2", Topic: TopicAlgebra},
		Solution{Answer: "4", Steps: []string{"2 + 2 = 4"}},
		Route{UseSymbolicCheck: true},
	)

	// Deterministic checks pass, but a degraded review cannot reach pass.
	assert.Equal(t, VerdictUncertain, result.Verdict)
	assert.False(t, result.HardFailure)
}
