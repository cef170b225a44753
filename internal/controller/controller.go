// Package controller implements the adaptive delivery feedback policy.
package controller

import (
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

// Decision is the outcome of one policy evaluation.
type Decision struct {
	Trigger      bool
	Reason       domain.TriggerReason
	NextInterval time.Duration
}

// Controller decides when to push a question and how aggressively to adjust
// cadence. It is not safe for concurrent use; the session loop is its only
// caller.
type Controller struct {
	cfg domain.SessionConfig

	// lastDelivery is the time of the last emitted delivery; the debounce
	// spacing is measured against it. scheduleRef is the reference point for
	// the next scheduled interval (activation or last delivery).
	lastDelivery time.Time
	scheduleRef  time.Time
	interval     time.Duration
	lowStreak    int
	highStreak   int
}

// New creates a controller starting at the session's base interval.
func New(cfg domain.SessionConfig) *Controller {
	return &Controller{
		cfg:      cfg,
		interval: cfg.BaseInterval,
	}
}

// Interval returns the current delivery interval.
func (c *Controller) Interval() time.Duration {
	return c.interval
}

// Activate stamps the start of an active stretch so the first scheduled
// interval is measured from activation, not from the zero time.
func (c *Controller) Activate(now time.Time) {
	if c.scheduleRef.IsZero() {
		c.scheduleRef = now
	}
}

// Evaluate applies the feedback policy to the latest metric.
//
// Order matters: an engagement drop overrides the schedule, and the debounce
// spacing overrides everything so a burst of low samples cannot flood the
// audience with questions.
func (c *Controller) Evaluate(metric domain.SessionEngagementMetric, now time.Time) Decision {
	c.trackStreaks(metric)

	if !c.lastDelivery.IsZero() && now.Sub(c.lastDelivery) < c.cfg.MinSpacing {
		return Decision{NextInterval: c.interval}
	}

	if metric.Trend == domain.TrendFalling && c.lowStreak >= c.cfg.LowStreakTrigger {
		c.lowStreak = 0
		return Decision{
			Trigger:      true,
			Reason:       domain.TriggerEngagementDrop,
			NextInterval: c.adapt(metric),
		}
	}

	if !c.scheduleRef.IsZero() && now.Sub(c.scheduleRef) >= c.interval {
		return Decision{
			Trigger:      true,
			Reason:       domain.TriggerScheduledInterval,
			NextInterval: c.adapt(metric),
		}
	}

	return Decision{NextInterval: c.interval}
}

// NextDue returns how long until the next scheduled evaluation is due.
func (c *Controller) NextDue(now time.Time) time.Duration {
	if c.scheduleRef.IsZero() {
		return c.interval
	}
	d := c.scheduleRef.Add(c.interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// ManualOverride always triggers and carries the base interval as the next
// cadence, regardless of prior adaptive state. The reset is installed by
// MarkDelivered once the delivery commits; a failed delivery leaves the
// current cadence untouched.
func (c *Controller) ManualOverride() Decision {
	return Decision{
		Trigger:      true,
		Reason:       domain.TriggerManualOverride,
		NextInterval: c.cfg.BaseInterval,
	}
}

// MarkDelivered records a completed delivery and installs the next interval.
// The orchestrator calls it only after the question was actually emitted, so
// a starved decision leaves the schedule untouched.
func (c *Controller) MarkDelivered(now time.Time, next time.Duration) {
	c.lastDelivery = now
	c.scheduleRef = now
	if next > 0 {
		c.interval = next
	}
}

func (c *Controller) trackStreaks(metric domain.SessionEngagementMetric) {
	// A session with nobody connected has a zero-value metric. That says
	// nothing about engagement, so streaks freeze until samples return.
	if metric.Participants == 0 {
		return
	}
	if metric.Value < c.cfg.LowThreshold {
		c.lowStreak++
	} else {
		c.lowStreak = 0
	}
	if metric.Value >= c.cfg.HighThreshold {
		c.highStreak++
	} else {
		c.highStreak = 0
	}
}

// adapt computes the next interval: cadence tightens when the audience is
// disengaged, relaxes when it is consistently engaged.
func (c *Controller) adapt(metric domain.SessionEngagementMetric) time.Duration {
	if metric.Participants == 0 {
		return c.interval
	}
	next := c.interval
	switch {
	case metric.Value < c.cfg.LowThreshold:
		next = time.Duration(float64(c.interval) * c.cfg.ShrinkFactor)
		if next < c.cfg.MinInterval {
			next = c.cfg.MinInterval
		}
	case c.highStreak >= c.cfg.LowStreakTrigger:
		next = time.Duration(float64(c.interval) / c.cfg.ShrinkFactor)
		if next > c.cfg.BaseInterval {
			next = c.cfg.BaseInterval
		}
	}
	return next
}
