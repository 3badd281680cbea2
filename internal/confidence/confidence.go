// Package confidence scores solved problems and decides when a human
// should review the result.
//
// All functions are pure: same inputs, same outputs, no I/O and no clock.
package confidence

import (
	"fmt"
	"strconv"
	"strings"
)

// Factor names, used in assessments and traces.
const (
	FactorRetrieval    = "retrieval"
	FactorCitation     = "citation"
	FactorGenerative   = "generative"
	FactorVerification = "verification"
)

// Levels bucket a score for presentation.
const (
	LevelVeryHigh = "very_high"
	LevelHigh     = "high"
	LevelMedium   = "medium"
	LevelLow      = "low"
	LevelVeryLow  = "very_low"
)

// Factors are the four component signals, each in [0, 1]. Out-of-range
// inputs are clamped before scoring.
type Factors struct {
	// Retrieval reflects the strength of knowledge index matches.
	Retrieval float64 `json:"retrieval"`
	// Citation reflects how much of the answer is grounded in retrieved
	// material.
	Citation float64 `json:"citation"`
	// Generative is the solver model's self-reported confidence.
	Generative float64 `json:"generative"`
	// Verification is the verifier's assessment of the solution.
	Verification float64 `json:"verification"`
}

// Weights control the contribution of each factor. Scores are normalized
// by the weight sum, so weights need not add to 1.
type Weights struct {
	Retrieval    float64 `json:"retrieval"`
	Citation     float64 `json:"citation"`
	Generative   float64 `json:"generative"`
	Verification float64 `json:"verification"`
}

// DefaultWeights returns the standard factor weighting.
func DefaultWeights() Weights {
	return Weights{
		Retrieval:    0.25,
		Citation:     0.20,
		Generative:   0.30,
		Verification: 0.25,
	}
}

// DefaultReviewThreshold is the score below which a result is routed to
// human review.
const DefaultReviewThreshold = 0.70

// Assessment is the outcome of scoring one solved problem.
type Assessment struct {
	Score         float64 `json:"score"`
	Level         string  `json:"level"`
	NeedsReview   bool    `json:"needs_review"`
	Reason        string  `json:"reason,omitempty"`
	WeakestFactor string  `json:"weakest_factor"`
	Factors       Factors `json:"factors"`
}

// Score computes the weighted mean of the factors, clamped to [0, 1].
// A non-positive weight sum yields 0.
func Score(f Factors, w Weights) float64 {
	sum := w.Retrieval + w.Citation + w.Generative + w.Verification
	if sum <= 0 {
		return 0
	}
	total := clamp(f.Retrieval)*w.Retrieval +
		clamp(f.Citation)*w.Citation +
		clamp(f.Generative)*w.Generative +
		clamp(f.Verification)*w.Verification
	return clamp(total / sum)
}

// Level buckets a score into five bands, from very_low below 0.3 up to
// very_high at 0.85 and above.
func Level(score float64) string {
	switch {
	case score >= 0.85:
		return LevelVeryHigh
	case score >= 0.7:
		return LevelHigh
	case score >= 0.5:
		return LevelMedium
	case score >= 0.3:
		return LevelLow
	default:
		return LevelVeryLow
	}
}

// Assess scores the factors and decides whether human review is needed.
// forceReview overrides the threshold: a verification that did not pass
// sends the result to review regardless of the aggregate score.
func Assess(f Factors, w Weights, threshold float64, forceReview bool) Assessment {
	if threshold <= 0 {
		threshold = DefaultReviewThreshold
	}
	score := Score(f, w)
	a := Assessment{
		Score:         score,
		Level:         Level(score),
		WeakestFactor: weakest(f),
		Factors:       f,
	}
	switch {
	case forceReview:
		a.NeedsReview = true
		a.Reason = "verification did not pass"
	case score < threshold:
		a.NeedsReview = true
		a.Reason = fmt.Sprintf("confidence %.2f below review threshold %.2f (weakest factor: %s)",
			score, threshold, a.WeakestFactor)
	}
	return a
}

// CoerceScore normalizes a loosely typed confidence value, as model
// output often arrives as a string, a list, or a percentage. Unusable
// values fall back to 0.5.
func CoerceScore(v any) float64 {
	switch x := v.(type) {
	case float64:
		return clampLoose(x)
	case float32:
		return clampLoose(float64(x))
	case int:
		return clampLoose(float64(x))
	case int64:
		return clampLoose(float64(x))
	case []any:
		if len(x) > 0 {
			return CoerceScore(x[0])
		}
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(x), "%"))
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			if strings.HasSuffix(strings.TrimSpace(x), "%") {
				f /= 100
			}
			return clampLoose(f)
		}
	}
	return 0.5
}

// clampLoose treats values in (1, 100] as percentages before clamping.
func clampLoose(f float64) float64 {
	if f > 1 && f <= 100 {
		f /= 100
	}
	return clamp(f)
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func weakest(f Factors) string {
	name, min := FactorRetrieval, f.Retrieval
	if f.Citation < min {
		name, min = FactorCitation, f.Citation
	}
	if f.Generative < min {
		name, min = FactorGenerative, f.Generative
	}
	if f.Verification < min {
		name = FactorVerification
	}
	return name
}
