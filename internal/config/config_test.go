package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("UNSO_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid UNSO_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "UNSO_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention UNSO_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("UNSO_PORT", "abc")
	t.Setenv("UNSO_STATIONARY_LIMIT", "ten minutes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "UNSO_PORT") {
		t.Fatalf("error should mention UNSO_PORT, got: %s", got)
	}
	if !strings.Contains(got, "UNSO_STATIONARY_LIMIT") {
		t.Fatalf("error should mention UNSO_STATIONARY_LIMIT, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.UsesPostgres() {
		t.Fatal("expected the embedded store without DATABASE_URL")
	}
	terms := cfg.Terms()
	if terms.ExcursionThreshold != 15*time.Second || terms.TransferWindow != time.Minute ||
		terms.StationaryLimit != 10*time.Minute || terms.RejectionThreshold != 40 {
		t.Fatalf("unexpected default terms: %+v", terms)
	}
	if cfg.Backlog != 256 {
		t.Fatalf("expected default backlog 256, got %d", cfg.Backlog)
	}
}

func TestLoadOverridesThresholds(t *testing.T) {
	t.Setenv("UNSO_EXCURSION_THRESHOLD", "30s")
	t.Setenv("UNSO_REJECTION_THRESHOLD", "25")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Terms(); got.ExcursionThreshold != 30*time.Second || got.RejectionThreshold != 25 {
		t.Fatalf("overrides not applied: %+v", got)
	}
}

func TestValidateRejectsInconsistentSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"zero backlog":          func(c *Config) { c.Backlog = 0 },
		"retry max below base":  func(c *Config) { c.RetryMax = c.RetryBase / 2 },
		"window above max":      func(c *Config) { c.DeliveryWindow = c.MaxDeliveryWindow + time.Minute },
		"threshold above 100":   func(c *Config) { c.RejectionThreshold = 101 },
		"no sqlite path":        func(c *Config) { c.SQLitePath = "" },
		"zero stationary limit": func(c *Config) { c.StationaryLimit = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("defaults: %v", err)
			}
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
