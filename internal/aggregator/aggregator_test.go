package aggregator

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

func score(participantID string, value float64) domain.EngagementScore {
	level := domain.EngagementMedium
	switch {
	case value >= 0.66:
		level = domain.EngagementHigh
	case value < 0.33:
		level = domain.EngagementLow
	}
	return domain.EngagementScore{
		ParticipantID: participantID,
		Timestamp:     time.Now(),
		Value:         value,
		Level:         level,
	}
}

func TestAggregator_WeightedMeanOfLatestScores(t *testing.T) {
	t.Parallel()
	agg := New("s1", 0.05)

	agg.Update(score("p1", 0.2))
	agg.Update(score("p2", 0.8))
	// p1 submits again: only the latest score counts.
	metric := agg.Update(score("p1", 0.4))

	want := (0.4 + 0.8) / 2
	if math.Abs(metric.Value-want) > 1e-9 {
		t.Errorf("metric = %f, want %f", metric.Value, want)
	}
	if metric.Participants != 2 {
		t.Errorf("participants = %d, want 2", metric.Participants)
	}
}

func TestAggregator_RemoveDropsContribution(t *testing.T) {
	t.Parallel()
	agg := New("s1", 0.05)

	agg.Update(score("p1", 0.0))
	agg.Update(score("p2", 1.0))

	metric := agg.Remove("p1")
	if metric.Value != 1.0 {
		t.Errorf("metric after remove = %f, want 1.0", metric.Value)
	}
	if metric.Participants != 1 {
		t.Errorf("participants = %d, want 1", metric.Participants)
	}

	empty := agg.Remove("p2")
	if empty.Value != 0 || empty.Participants != 0 {
		t.Errorf("empty session metric = %+v", empty)
	}
}

func TestAggregator_CustomWeights(t *testing.T) {
	t.Parallel()
	agg := New("s1", 0.05)
	agg.SetWeight("p1", 3)

	agg.Update(score("p1", 1.0))
	metric := agg.Update(score("p2", 0.0))

	want := 3.0 / 4.0
	if math.Abs(metric.Value-want) > 1e-9 {
		t.Errorf("weighted metric = %f, want %f", metric.Value, want)
	}
}

func TestAggregator_TrendHysteresis(t *testing.T) {
	t.Parallel()
	agg := New("s1", 0.1)

	first := agg.Update(score("p1", 0.5))
	if first.Trend != domain.TrendStable {
		t.Errorf("first metric trend = %s, want stable", first.Trend)
	}

	// Movement inside the band reads as stable.
	small := agg.Update(score("p1", 0.55))
	if small.Trend != domain.TrendStable {
		t.Errorf("in-band trend = %s, want stable", small.Trend)
	}

	rising := agg.Update(score("p1", 0.9))
	if rising.Trend != domain.TrendRising {
		t.Errorf("trend = %s, want rising", rising.Trend)
	}

	falling := agg.Update(score("p1", 0.2))
	if falling.Trend != domain.TrendFalling {
		t.Errorf("trend = %s, want falling", falling.Trend)
	}
}

func TestAggregator_LevelCounts(t *testing.T) {
	t.Parallel()
	agg := New("s1", 0.05)

	agg.Update(score("p1", 0.9))
	agg.Update(score("p2", 0.5))
	agg.Update(score("p3", 0.1))
	agg.Update(score("p4", 0.1))

	counts := agg.LevelCounts()
	if counts[domain.EngagementHigh] != 1 || counts[domain.EngagementMedium] != 1 || counts[domain.EngagementLow] != 2 {
		t.Errorf("level counts = %v", counts)
	}
}

func TestAggregator_ConcurrentSnapshot(t *testing.T) {
	t.Parallel()
	agg := New("s1", 0.05)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			agg.Update(score("p1", float64(i%10)/10))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m := agg.Snapshot()
			if m.Value < 0 || m.Value > 1 {
				t.Errorf("snapshot observed inconsistent value %f", m.Value)
				return
			}
		}
	}()

	wg.Wait()
}
