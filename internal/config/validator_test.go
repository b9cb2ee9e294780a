package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("default config should be valid, got: %v", ValidationErrors(errs))
	}
}

func TestConfig_Validate(t *testing.T) {
	negative := -1.0

	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
	}{
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"uppercase log level ok", func(c *Config) { c.Logging.Level = "DEBUG" }, ""},
		{"log size zero", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "database.dsn"},
		{"bad language", func(c *Config) { c.Council.OutputLanguage = "fr" }, "council.output_language"},
		{"empty chairman", func(c *Config) { c.Council.ChairmanModel = " " }, "council.chairman_model"},
		{"bad mode", func(c *Config) { c.Council.Discussion.Mode = "chaotic" }, "council.discussion.mode"},
		{"too many rounds", func(c *Config) { c.Council.Discussion.Rounds = 4 }, "council.discussion.rounds"},
		{"zero rounds ok", func(c *Config) { c.Council.Discussion.Rounds = 0 }, ""},
		{"max messages", func(c *Config) { c.Council.Discussion.MaxMessages = 0 }, "council.discussion.max_messages"},
		{"bad policy", func(c *Config) { c.Council.UnrankedPolicy = "drop" }, "council.unranked_policy"},
		{"too many web results", func(c *Config) { c.Council.WebSearchResults = 21 }, "council.web_search_results"},
		{"web results off ok", func(c *Config) { c.Council.WebSearchResults = 0 }, ""},
		{"zero timeout", func(c *Config) { c.Council.Timeouts.Stage2 = 0 }, "council.timeouts.stage2"},
		{"attempts above cap", func(c *Config) { c.Jobs.DefaultMaxAttempts = 50 }, "jobs.default_max_attempts"},
		{"jitter one", func(c *Config) { c.Jobs.Backoff.Jitter = 1 }, "jobs.backoff.jitter"},
		{"backoff max below base", func(c *Config) { c.Jobs.Backoff.Max = time.Second }, "jobs.backoff"},
		{"lease within dispatch interval", func(c *Config) { c.Jobs.LeaseTTL = c.Jobs.DispatchInterval }, "jobs.lease_ttl"},
		{"type concurrency", func(c *Config) {
			c.Jobs.Types[JobTypeKBIndex] = JobTypeConfig{Concurrency: 0, Timeout: time.Minute}
		}, "jobs.types.kb_index.concurrency"},
		{"agent without model", func(c *Config) {
			c.Agents.List = []AgentConfig{{ID: "a1"}}
		}, "agents.list[0].model"},
		{"duplicate agent", func(c *Config) {
			c.Agents.List = []AgentConfig{{ID: "a1", Model: "m"}, {ID: "a1", Model: "m"}}
		}, "agents.list[1].id"},
		{"negative influence", func(c *Config) {
			c.Agents.List = []AgentConfig{{ID: "a1", Model: "m", InfluenceWeight: &negative}}
		}, "agents.list[0].influence_weight"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			errs := cfg.Validate()

			if tt.wantField == "" {
				if len(errs) != 0 {
					t.Errorf("expected no errors, got %v", ValidationErrors(errs))
				}
				return
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %q, got %v", tt.wantField, ValidationErrors(errs))
			}
		})
	}
}
