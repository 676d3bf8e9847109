package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsAreValid(t *testing.T) {
	cfg := Load()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Cache.ConfidenceThreshold != 0.8 {
		t.Errorf("expected confidence threshold 0.8, got %v", cfg.Cache.ConfidenceThreshold)
	}
	if cfg.Retry.Compute.MaxAttempts != 3 {
		t.Errorf("expected 3 compute attempts, got %d", cfg.Retry.Compute.MaxAttempts)
	}
	if _, ok := cfg.Tiers["premium"]; !ok {
		t.Error("premium tier missing")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SESSION_IDLE_TIMEOUT", "90s")
	t.Setenv("TIER_BASIC_MAX_SESSIONS", "7")
	t.Setenv("INFERENCE_SIMULATED", "true")
	t.Setenv("BRIDGE_TARGET_FPS", "not-a-number")

	cfg := Load()
	if cfg.Session.IdleTimeout != 90*time.Second {
		t.Errorf("idle timeout = %v", cfg.Session.IdleTimeout)
	}
	if cfg.Tiers["basic"].MaxSessions != 7 {
		t.Errorf("basic max sessions = %d", cfg.Tiers["basic"].MaxSessions)
	}
	if !cfg.Inference.Simulated {
		t.Error("expected simulated inference")
	}
	if cfg.Bridge.TargetFPS != 25 {
		t.Errorf("unparseable value should fall back to default, got %d", cfg.Bridge.TargetFPS)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.Compute.Provider = "k8s" }, "COMPUTE_PROVIDER"},
		{"threshold", func(c *Config) { c.Cache.ConfidenceThreshold = 1.5 }, "confidence"},
		{"attempts", func(c *Config) { c.Retry.Inference.MaxAttempts = 0 }, "retry inference"},
		{"tiers", func(c *Config) { c.Tiers = nil }, "tier"},
		{"fps", func(c *Config) { c.Bridge.MinFPS = 40 }, "BRIDGE_MIN_FPS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
