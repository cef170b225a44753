// Package classifier scores raw engagement samples into bounded scores.
package classifier

import (
	"math"

	"github.com/classpulse/classpulse/internal/domain"
)

// Scorer maps one engagement sample to a bounded score. Implementations must
// be pure and deterministic: same sample and prior, same score. Callers only
// depend on the scalar/label contract, never on internal weights, so a
// learned model can replace RuleScorer without touching the controller.
type Scorer interface {
	Score(sample domain.EngagementSample, prior *domain.EngagementScore) (domain.EngagementScore, error)
}

// latencyCeilingMS bounds the latency normalization window. Latencies above
// it count as fully disengaged.
const latencyCeilingMS = 10000.0

// RuleScorer is a weighted rule combination over the sample features.
type RuleScorer struct {
	// AttentionWeight, LatencyWeight and ActivityWeight are the relative
	// weights of the three features; they are normalized at Score time.
	AttentionWeight float64
	LatencyWeight   float64
	ActivityWeight  float64

	// HighThreshold and LowThreshold split the scalar into levels:
	// >= HighThreshold is high, >= LowThreshold is medium, else low.
	HighThreshold float64
	LowThreshold  float64

	// Smoothing in [0,1) blends the prior score into the new one to damp
	// single-sample noise. 0 disables smoothing.
	Smoothing float64
}

// NewRuleScorer returns a scorer with the given thresholds and smoothing and
// the default feature weights.
func NewRuleScorer(lowThreshold, highThreshold, smoothing float64) *RuleScorer {
	return &RuleScorer{
		AttentionWeight: 0.5,
		LatencyWeight:   0.3,
		ActivityWeight:  0.2,
		HighThreshold:   highThreshold,
		LowThreshold:    lowThreshold,
		Smoothing:       smoothing,
	}
}

// Score implements Scorer. Out-of-range feature values are clamped, not
// rejected; a structurally malformed sample yields a ClassificationError.
func (r *RuleScorer) Score(sample domain.EngagementSample, prior *domain.EngagementScore) (domain.EngagementScore, error) {
	if sample.ParticipantID == "" {
		return domain.EngagementScore{}, &domain.ClassificationError{Reason: "missing participant id"}
	}
	if sample.Timestamp.IsZero() {
		return domain.EngagementScore{}, &domain.ClassificationError{
			ParticipantID: sample.ParticipantID,
			Reason:        "missing timestamp",
		}
	}
	if math.IsNaN(sample.Attention) || math.IsNaN(sample.LatencyMS) {
		return domain.EngagementScore{}, &domain.ClassificationError{
			ParticipantID: sample.ParticipantID,
			Reason:        "non-numeric feature value",
		}
	}

	attention := clamp01(sample.Attention)

	// Latency inverts into [0,1]: instant response is 1, at or beyond the
	// ceiling is 0. Unknown latency (-1) is treated as neutral.
	latency := 0.5
	if sample.LatencyMS >= 0 {
		latency = 1 - clamp01(sample.LatencyMS/latencyCeilingMS)
	}

	activity := 0.0
	if sample.Active {
		activity = 1.0
	}

	total := r.AttentionWeight + r.LatencyWeight + r.ActivityWeight
	if total <= 0 {
		return domain.EngagementScore{}, &domain.ClassificationError{
			ParticipantID: sample.ParticipantID,
			Reason:        "scorer weights sum to zero",
		}
	}

	value := (r.AttentionWeight*attention + r.LatencyWeight*latency + r.ActivityWeight*activity) / total

	if prior != nil && r.Smoothing > 0 && r.Smoothing < 1 {
		value = r.Smoothing*prior.Value + (1-r.Smoothing)*value
	}
	value = clamp01(value)

	return domain.EngagementScore{
		ParticipantID: sample.ParticipantID,
		Timestamp:     sample.Timestamp,
		Value:         value,
		Level:         r.level(value),
	}, nil
}

func (r *RuleScorer) level(value float64) domain.EngagementLevel {
	switch {
	case value >= r.HighThreshold:
		return domain.EngagementHigh
	case value >= r.LowThreshold:
		return domain.EngagementMedium
	default:
		return domain.EngagementLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
