// Package config loads process configuration from environment variables
// with safe defaults, following the env-var-plus-typed-parser idiom this
// lineage uses rather than a config file or flag library.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice coordination service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	JanitorInterval        time.Duration
	StaleAfter             time.Duration
	SpeechGrace            time.Duration
	MaxEstimatedDuration   time.Duration
	DefaultEstimatedDuration time.Duration

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("VOICECOORD_BIND_ADDR", ":8765"),
		MetricsNamespace:         envOrDefault("VOICECOORD_METRICS_NAMESPACE", "voicecoord"),
		AllowAnyOrigin:           false,
		ShutdownTimeout:          15 * time.Second,
		JanitorInterval:          30 * time.Second,
		StaleAfter:               120 * time.Second,
		SpeechGrace:              10 * time.Second,
		MaxEstimatedDuration:     60 * time.Second,
		DefaultEstimatedDuration: 10 * time.Second,
		DatabaseURL:              stringsTrimSpace("VOICECOORD_DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("VOICECOORD_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("VOICECOORD_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.StaleAfter, err = durationFromEnv("VOICECOORD_STALE_AFTER", cfg.StaleAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.SpeechGrace, err = durationFromEnv("VOICECOORD_SPEECH_GRACE", cfg.SpeechGrace)
	if err != nil {
		return Config{}, err
	}
	if v := stringsTrimSpace("VOICECOORD_MAX_ESTIMATED_DURATION"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("VOICECOORD_MAX_ESTIMATED_DURATION parse error: %w", err)
		}
		cfg.MaxEstimatedDuration = time.Duration(secs) * time.Second
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("VOICECOORD_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.JanitorInterval <= 0 {
		return Config{}, fmt.Errorf("VOICECOORD_JANITOR_INTERVAL must be positive")
	}
	if cfg.StaleAfter <= 0 {
		return Config{}, fmt.Errorf("VOICECOORD_STALE_AFTER must be positive")
	}
	if cfg.MaxEstimatedDuration <= 0 {
		return Config{}, fmt.Errorf("VOICECOORD_MAX_ESTIMATED_DURATION must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
