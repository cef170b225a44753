// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/classpulse/classpulse/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Delivery DeliveryConfig

	SubscriberBuffer        int
	RosterReconcileInterval time.Duration
}

// DeliveryConfig holds the adaptive delivery policy defaults applied to new
// sessions unless the create request overrides them.
type DeliveryConfig struct {
	BaseInterval     time.Duration
	MinInterval      time.Duration
	MinSpacing       time.Duration
	ShrinkFactor     float64
	LowThreshold     float64
	HighThreshold    float64
	LowStreakTrigger int
	TrendHysteresis  float64
	ScoreSmoothing   float64
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/classpulse.db"),
		Delivery: DeliveryConfig{
			BaseInterval:     getEnvDuration("BASE_DELIVERY_INTERVAL", 60*time.Second),
			MinInterval:      getEnvDuration("MIN_DELIVERY_INTERVAL", 15*time.Second),
			MinSpacing:       getEnvDuration("MIN_DELIVERY_SPACING", 10*time.Second),
			ShrinkFactor:     getEnvFloat("INTERVAL_SHRINK_FACTOR", 0.75),
			LowThreshold:     getEnvFloat("LOW_ENGAGEMENT_THRESHOLD", 0.33),
			HighThreshold:    getEnvFloat("HIGH_ENGAGEMENT_THRESHOLD", 0.66),
			LowStreakTrigger: getEnvInt("LOW_STREAK_TRIGGER", 2),
			TrendHysteresis:  getEnvFloat("TREND_HYSTERESIS", 0.05),
			ScoreSmoothing:   getEnvFloat("SCORE_SMOOTHING", 0.3),
		},
		SubscriberBuffer:        getEnvInt("SUBSCRIBER_BUFFER", 32),
		RosterReconcileInterval: getEnvDuration("ROSTER_RECONCILE_INTERVAL", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and that the
// delivery policy is internally consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	d := c.Delivery
	if d.BaseInterval <= 0 {
		return fmt.Errorf("BASE_DELIVERY_INTERVAL must be > 0")
	}
	if d.MinInterval <= 0 || d.MinInterval > d.BaseInterval {
		return fmt.Errorf("MIN_DELIVERY_INTERVAL must be in (0, BASE_DELIVERY_INTERVAL]")
	}
	if d.MinSpacing < 0 {
		return fmt.Errorf("MIN_DELIVERY_SPACING cannot be negative")
	}
	if d.ShrinkFactor <= 0 || d.ShrinkFactor >= 1 {
		return fmt.Errorf("INTERVAL_SHRINK_FACTOR must be in (0, 1)")
	}
	if d.LowThreshold < 0 || d.HighThreshold > 1 || d.LowThreshold >= d.HighThreshold {
		return fmt.Errorf("engagement thresholds must satisfy 0 <= low < high <= 1")
	}
	if d.LowStreakTrigger < 1 {
		return fmt.Errorf("LOW_STREAK_TRIGGER must be >= 1")
	}
	if d.TrendHysteresis < 0 || d.TrendHysteresis >= 1 {
		return fmt.Errorf("TREND_HYSTERESIS must be in [0, 1)")
	}
	if d.ScoreSmoothing < 0 || d.ScoreSmoothing >= 1 {
		return fmt.Errorf("SCORE_SMOOTHING must be in [0, 1)")
	}
	if c.SubscriberBuffer <= 0 {
		return fmt.Errorf("SUBSCRIBER_BUFFER must be > 0")
	}
	if c.RosterReconcileInterval <= 0 {
		return fmt.Errorf("ROSTER_RECONCILE_INTERVAL must be > 0")
	}
	return nil
}

// DefaultSessionConfig converts the delivery defaults into the per-session
// config applied at session creation.
func (c *Config) DefaultSessionConfig() domain.SessionConfig {
	return domain.SessionConfig{
		BaseInterval:     c.Delivery.BaseInterval,
		MinInterval:      c.Delivery.MinInterval,
		MinSpacing:       c.Delivery.MinSpacing,
		ShrinkFactor:     c.Delivery.ShrinkFactor,
		LowThreshold:     c.Delivery.LowThreshold,
		HighThreshold:    c.Delivery.HighThreshold,
		LowStreakTrigger: c.Delivery.LowStreakTrigger,
		TrendHysteresis:  c.Delivery.TrendHysteresis,
		ScoreSmoothing:   c.Delivery.ScoreSmoothing,
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
