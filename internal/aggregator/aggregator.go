// Package aggregator maintains per-session rolling engagement state.
package aggregator

import (
	"sync"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

// Aggregator reduces per-participant scores to one session-level metric.
// It keeps only the latest score per currently-connected participant; a
// removed participant stops contributing on the next recomputation.
//
// Exactly one writer updates it (the session loop). Snapshot may run
// concurrently with the next write and always observes a consistent value.
type Aggregator struct {
	mu        sync.RWMutex
	sessionID string

	latest  map[string]domain.EngagementScore
	weights map[string]float64
	current domain.SessionEngagementMetric

	// hysteresis is the band below which metric movement reads as stable,
	// so trend does not oscillate on noise.
	hysteresis float64
}

// New creates an aggregator for one session.
func New(sessionID string, hysteresis float64) *Aggregator {
	return &Aggregator{
		sessionID:  sessionID,
		latest:     make(map[string]domain.EngagementScore),
		weights:    make(map[string]float64),
		hysteresis: hysteresis,
	}
}

// SetWeight overrides the uniform weight for one participant.
func (a *Aggregator) SetWeight(participantID string, weight float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if weight <= 0 {
		delete(a.weights, participantID)
		return
	}
	a.weights[participantID] = weight
}

// Update records a new score and recomputes the session metric.
func (a *Aggregator) Update(score domain.EngagementScore) domain.SessionEngagementMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.latest[score.ParticipantID] = score
	return a.recompute(score.Timestamp)
}

// Remove drops a disconnected participant's contribution.
func (a *Aggregator) Remove(participantID string) domain.SessionEngagementMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.latest, participantID)
	delete(a.weights, participantID)
	return a.recompute(time.Now())
}

// Snapshot returns the current metric without recomputing.
func (a *Aggregator) Snapshot() domain.SessionEngagementMetric {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.current
}

// Participants returns the IDs currently contributing to the metric.
func (a *Aggregator) Participants() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]string, 0, len(a.latest))
	for id := range a.latest {
		ids = append(ids, id)
	}
	return ids
}

// LevelCounts returns how many participants currently sit at each level.
func (a *Aggregator) LevelCounts() map[domain.EngagementLevel]int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	counts := make(map[domain.EngagementLevel]int, 3)
	for _, score := range a.latest {
		counts[score.Level]++
	}
	return counts
}

// recompute rebuilds the weighted mean. Caller holds the write lock.
func (a *Aggregator) recompute(at time.Time) domain.SessionEngagementMetric {
	var sum, totalWeight float64
	for id, score := range a.latest {
		w := 1.0
		if override, ok := a.weights[id]; ok {
			w = override
		}
		sum += score.Value * w
		totalWeight += w
	}

	value := 0.0
	if totalWeight > 0 {
		value = sum / totalWeight
	}

	trend := domain.TrendStable
	if a.current.Participants > 0 {
		delta := value - a.current.Value
		switch {
		case delta > a.hysteresis:
			trend = domain.TrendRising
		case delta < -a.hysteresis:
			trend = domain.TrendFalling
		}
	}

	a.current = domain.SessionEngagementMetric{
		SessionID:    a.sessionID,
		Timestamp:    at,
		Value:        value,
		Trend:        trend,
		Participants: len(a.latest),
	}
	return a.current
}
