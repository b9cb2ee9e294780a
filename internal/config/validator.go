package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "jobs.backoff.jitter")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDrivers returns the supported database drivers
func ValidDrivers() []string {
	return []string{"sqlite", "postgres"}
}

// ValidDiscussionModes returns the supported discussion modes
func ValidDiscussionModes() []string {
	return []string{DiscussionSerious, DiscussionLively}
}

// ValidUnrankedPolicies returns the supported unranked-agent policies
func ValidUnrankedPolicies() []string {
	return []string{UnrankedExclude, UnrankedPenalize}
}

// ValidOutputLanguages returns the supported forced output languages
func ValidOutputLanguages() []string {
	return []string{"", "en", "zh"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateCouncil()...)
	errors = append(errors, c.validateJobs()...)
	errors = append(errors, c.validateAgents()...)

	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

func (c *Config) validateDatabase() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidDrivers(), c.Database.Driver) {
		errors = append(errors, ValidationError{
			Field:   "database.driver",
			Value:   c.Database.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDrivers(), ", ")),
		})
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		errors = append(errors, ValidationError{
			Field:   "database.dsn",
			Value:   c.Database.DSN,
			Message: "is required for postgres",
		})
	}

	return errors
}

func (c *Config) validateCouncil() []ValidationError {
	var errors []ValidationError
	cc := c.Council

	if !slices.Contains(ValidOutputLanguages(), cc.OutputLanguage) {
		errors = append(errors, ValidationError{
			Field:   "council.output_language",
			Value:   cc.OutputLanguage,
			Message: "must be empty, en or zh",
		})
	}

	if strings.TrimSpace(cc.ChairmanModel) == "" {
		errors = append(errors, ValidationError{
			Field:   "council.chairman_model",
			Value:   cc.ChairmanModel,
			Message: "must not be empty",
		})
	}

	if !slices.Contains(ValidDiscussionModes(), cc.Discussion.Mode) {
		errors = append(errors, ValidationError{
			Field:   "council.discussion.mode",
			Value:   cc.Discussion.Mode,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDiscussionModes(), ", ")),
		})
	}
	if cc.Discussion.Rounds < 0 || cc.Discussion.Rounds > 3 {
		errors = append(errors, ValidationError{
			Field:   "council.discussion.rounds",
			Value:   cc.Discussion.Rounds,
			Message: "must be between 0 and 3",
		})
	}
	if cc.Discussion.MaxMessages < 1 {
		errors = append(errors, ValidationError{
			Field:   "council.discussion.max_messages",
			Value:   cc.Discussion.MaxMessages,
			Message: "must be at least 1",
		})
	}
	if cc.Discussion.MaxTurns < 1 {
		errors = append(errors, ValidationError{
			Field:   "council.discussion.max_turns",
			Value:   cc.Discussion.MaxTurns,
			Message: "must be at least 1",
		})
	}
	if cc.Discussion.LeadersMax < 1 {
		errors = append(errors, ValidationError{
			Field:   "council.discussion.leaders_max",
			Value:   cc.Discussion.LeadersMax,
			Message: "must be at least 1",
		})
	}

	if !slices.Contains(ValidUnrankedPolicies(), cc.UnrankedPolicy) {
		errors = append(errors, ValidationError{
			Field:   "council.unranked_policy",
			Value:   cc.UnrankedPolicy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidUnrankedPolicies(), ", ")),
		})
	}

	if cc.HistoryMaxMessages < 0 {
		errors = append(errors, ValidationError{
			Field:   "council.history_max_messages",
			Value:   cc.HistoryMaxMessages,
			Message: "must be non-negative",
		})
	}

	if cc.WebSearchResults < 0 || cc.WebSearchResults > 20 {
		errors = append(errors, ValidationError{
			Field:   "council.web_search_results",
			Value:   cc.WebSearchResults,
			Message: "must be between 0 and 20",
		})
	}

	timeouts := map[string]time.Duration{
		"preprocess": cc.Timeouts.Preprocess,
		"stage1":     cc.Timeouts.Stage1,
		"stage2":     cc.Timeouts.Stage2,
		"discussion": cc.Timeouts.Discussion,
		"fact_check": cc.Timeouts.FactCheck,
		"chairman":   cc.Timeouts.Chairman,
		"report":     cc.Timeouts.Report,
		"title":      cc.Timeouts.Title,
	}
	for _, name := range slices.Sorted(maps.Keys(timeouts)) {
		if timeouts[name] <= 0 {
			errors = append(errors, ValidationError{
				Field:   "council.timeouts." + name,
				Value:   timeouts[name],
				Message: "must be positive",
			})
		}
	}

	return errors
}

func (c *Config) validateJobs() []ValidationError {
	var errors []ValidationError
	jc := c.Jobs

	if jc.DispatchInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "jobs.dispatch_interval",
			Value:   jc.DispatchInterval,
			Message: "must be positive",
		})
	}
	if jc.LeaseTTL <= jc.DispatchInterval {
		errors = append(errors, ValidationError{
			Field:   "jobs.lease_ttl",
			Value:   jc.LeaseTTL,
			Message: "must be longer than jobs.dispatch_interval",
		})
	}
	if jc.Retention <= 0 {
		errors = append(errors, ValidationError{
			Field:   "jobs.retention",
			Value:   jc.Retention,
			Message: "must be positive",
		})
	}
	if jc.MaxAttemptsCap < 1 {
		errors = append(errors, ValidationError{
			Field:   "jobs.max_attempts_cap",
			Value:   jc.MaxAttemptsCap,
			Message: "must be at least 1",
		})
	}
	if jc.DefaultMaxAttempts < 1 || jc.DefaultMaxAttempts > max(jc.MaxAttemptsCap, 1) {
		errors = append(errors, ValidationError{
			Field:   "jobs.default_max_attempts",
			Value:   jc.DefaultMaxAttempts,
			Message: fmt.Sprintf("must be between 1 and max_attempts_cap (%d)", jc.MaxAttemptsCap),
		})
	}
	if jc.Backoff.Base <= 0 || jc.Backoff.Max < jc.Backoff.Base {
		errors = append(errors, ValidationError{
			Field:   "jobs.backoff",
			Value:   fmt.Sprintf("base=%s max=%s", jc.Backoff.Base, jc.Backoff.Max),
			Message: "base must be positive and not exceed max",
		})
	}
	if jc.Backoff.Jitter < 0 || jc.Backoff.Jitter >= 1 {
		errors = append(errors, ValidationError{
			Field:   "jobs.backoff.jitter",
			Value:   jc.Backoff.Jitter,
			Message: "must be in [0, 1)",
		})
	}
	for _, name := range slices.Sorted(maps.Keys(jc.Types)) {
		tc := jc.Types[name]
		if tc.Concurrency < 1 {
			errors = append(errors, ValidationError{
				Field:   "jobs.types." + name + ".concurrency",
				Value:   tc.Concurrency,
				Message: "must be at least 1",
			})
		}
		if tc.Timeout <= 0 {
			errors = append(errors, ValidationError{
				Field:   "jobs.types." + name + ".timeout",
				Value:   tc.Timeout,
				Message: "must be positive",
			})
		}
		if tc.ResultTTL < 0 {
			errors = append(errors, ValidationError{
				Field:   "jobs.types." + name + ".result_ttl",
				Value:   tc.ResultTTL,
				Message: "must be non-negative",
			})
		}
	}

	return errors
}

func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, a := range c.Agents.List {
		field := fmt.Sprintf("agents.list[%d]", i)
		if strings.TrimSpace(a.ID) == "" {
			errors = append(errors, ValidationError{Field: field + ".id", Value: a.ID, Message: "must not be empty"})
			continue
		}
		if seen[a.ID] {
			errors = append(errors, ValidationError{Field: field + ".id", Value: a.ID, Message: "duplicate agent id"})
		}
		seen[a.ID] = true
		if strings.TrimSpace(a.Model) == "" {
			errors = append(errors, ValidationError{Field: field + ".model", Value: a.Model, Message: "must not be empty"})
		}
		if a.InfluenceWeight != nil && *a.InfluenceWeight < 0 {
			errors = append(errors, ValidationError{Field: field + ".influence_weight", Value: *a.InfluenceWeight, Message: "must be non-negative"})
		}
		if a.SeniorityYears < 0 {
			errors = append(errors, ValidationError{Field: field + ".seniority_years", Value: a.SeniorityYears, Message: "must be non-negative"})
		}
	}

	return errors
}
