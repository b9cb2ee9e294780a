package config

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete council configuration
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Council   CouncilConfig   `mapstructure:"council"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Search    SearchConfig    `mapstructure:"search"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Agents    AgentsConfig    `mapstructure:"agents"`
}

// LoggingConfig controls the service log
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// File is the log file path. Empty logs to stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// DatabaseConfig selects the storage backend for jobs and conversations
type DatabaseConfig struct {
	// Driver is "sqlite" (default) or "postgres"
	Driver string `mapstructure:"driver"`
	// DSN is the driver-specific data source. For sqlite an empty DSN
	// resolves to council.db under the data directory.
	DSN string `mapstructure:"dsn"`
}

// CouncilConfig controls the deliberation pipeline
type CouncilConfig struct {
	// OutputLanguage forces the answer language: "" (follow the user), "en", "zh"
	OutputLanguage string `mapstructure:"output_language"`
	// ChairmanModel is the default chairman model spec ("provider:model")
	ChairmanModel string `mapstructure:"chairman_model"`
	// TitleModel generates conversation titles
	TitleModel string `mapstructure:"title_model"`

	EnablePreprocess bool `mapstructure:"enable_preprocess"`
	EnableDiscussion bool `mapstructure:"enable_discussion"`
	EnableFactCheck  bool `mapstructure:"enable_fact_check"`
	EnableReport     bool `mapstructure:"enable_report"`

	Discussion DiscussionConfig `mapstructure:"discussion"`

	// UnrankedPolicy decides how reviewers' omissions count:
	// "exclude" ignores them, "penalize" places the agent last
	UnrankedPolicy string `mapstructure:"unranked_policy"`

	// EnableHistoryContext adds recent conversation messages to stage1 prompts
	EnableHistoryContext bool `mapstructure:"enable_history_context"`
	// HistoryMaxMessages caps how many prior messages are included
	HistoryMaxMessages int `mapstructure:"history_max_messages"`

	// EnableDateContext adds the current date and time to stage1 prompts
	EnableDateContext bool `mapstructure:"enable_date_context"`
	// EnableWebSearch adds the top web results for the query to stage1 prompts
	EnableWebSearch  bool `mapstructure:"enable_web_search"`
	WebSearchResults int  `mapstructure:"web_search_results"`
	// EnableEvidenceJobs queues an evidence_pack job for every turn. Its
	// summary reaches the next turn of the conversation.
	EnableEvidenceJobs bool `mapstructure:"enable_evidence_jobs"`

	Report   ReportConfig   `mapstructure:"report"`
	Timeouts TimeoutsConfig `mapstructure:"timeouts"`
}

// DiscussionConfig controls the optional extended discussion stage
type DiscussionConfig struct {
	// Mode is "serious" (bounded rounds) or "lively" (simulated chat)
	Mode string `mapstructure:"mode"`
	// Rounds is the number of serious rounds (0-3)
	Rounds int `mapstructure:"rounds"`
	// MaxMessages caps lively mode messages
	MaxMessages int `mapstructure:"max_messages"`
	// MaxTurns caps lively mode speaking turns
	MaxTurns int `mapstructure:"max_turns"`
	// LeadersMax caps how many opinion leaders the chairman may select
	LeadersMax int `mapstructure:"leaders_max"`
}

// ReportConfig controls the optional long-form report stage
type ReportConfig struct {
	// Instructions are appended to the report prompt
	Instructions string `mapstructure:"instructions"`
	// AutoSave submits a report_persist job after the report is written
	AutoSave bool `mapstructure:"auto_save"`
	// KBCategory tags persisted reports in the document store
	KBCategory string `mapstructure:"kb_category"`
}

// TimeoutsConfig holds per-call model timeouts for each stage
type TimeoutsConfig struct {
	Preprocess time.Duration `mapstructure:"preprocess"`
	Stage1     time.Duration `mapstructure:"stage1"`
	Stage2     time.Duration `mapstructure:"stage2"`
	Discussion time.Duration `mapstructure:"discussion"`
	FactCheck  time.Duration `mapstructure:"fact_check"`
	Chairman   time.Duration `mapstructure:"chairman"`
	Report     time.Duration `mapstructure:"report"`
	Title      time.Duration `mapstructure:"title"`
}

// JobsConfig controls the background job engine
type JobsConfig struct {
	// DispatchInterval is how often the dispatcher scans for eligible jobs
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	// CleanupInterval is how often terminal jobs are swept
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	// LeaseTTL is how long a claimed job stays owned by its engine without
	// a heartbeat. Engines renew leases every third of it.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
	// Retention is how long terminal jobs are kept
	Retention time.Duration `mapstructure:"retention"`
	// DefaultMaxAttempts applies when a submission does not set one
	DefaultMaxAttempts int `mapstructure:"default_max_attempts"`
	// MaxAttemptsCap clamps submitted max_attempts
	MaxAttemptsCap int `mapstructure:"max_attempts_cap"`

	Backoff BackoffConfig `mapstructure:"backoff"`

	// Types holds per-type concurrency, timeout and result TTL
	Types map[string]JobTypeConfig `mapstructure:"types"`
}

// BackoffConfig controls retry delays: min(max, base*2^attempt) ± jitter
type BackoffConfig struct {
	Base   time.Duration `mapstructure:"base"`
	Max    time.Duration `mapstructure:"max"`
	Jitter float64       `mapstructure:"jitter"`
}

// JobTypeConfig holds limits for one job type
type JobTypeConfig struct {
	// Concurrency is the maximum number of running jobs of this type
	Concurrency int `mapstructure:"concurrency"`
	// Timeout bounds a single execution
	Timeout time.Duration `mapstructure:"timeout"`
	// ResultTTL is how long a succeeded result is reused for identical submissions (0 = never)
	ResultTTL time.Duration `mapstructure:"result_ttl"`
}

// ProvidersConfig holds model provider credentials
type ProvidersConfig struct {
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	Gemini     ProviderConfig `mapstructure:"gemini"`
}

// ProviderConfig holds credentials for a single provider
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// SearchConfig points the web_search tool at a search backend
type SearchConfig struct {
	// Endpoint is a SearxNG-compatible JSON search URL
	Endpoint string `mapstructure:"endpoint"`
	// MaxResults caps results per query
	MaxResults int `mapstructure:"max_results"`
}

// TraceConfig controls per-conversation model call traces
type TraceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Dir holds one JSONL file per conversation. Empty resolves under the data directory.
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
}

// AgentsConfig declares the council members
type AgentsConfig struct {
	// File is an optional YAML file with an "agents" list
	File string `mapstructure:"file"`
	// List declares agents inline
	List []AgentConfig `mapstructure:"list"`
	// DefaultModels seeds one agent per model when neither File nor List is set
	DefaultModels []string `mapstructure:"default_models"`
}

// AgentConfig declares one council member
type AgentConfig struct {
	ID              string   `mapstructure:"id" yaml:"id"`
	Name            string   `mapstructure:"name" yaml:"name"`
	Enabled         *bool    `mapstructure:"enabled" yaml:"enabled"`
	Persona         string   `mapstructure:"persona" yaml:"persona"`
	Model           string   `mapstructure:"model" yaml:"model"`
	InfluenceWeight *float64 `mapstructure:"influence_weight" yaml:"influence_weight"`
	SeniorityYears  int      `mapstructure:"seniority_years" yaml:"seniority_years"`
	KBDocIDs        []string `mapstructure:"kb_doc_ids" yaml:"kb_doc_ids"`
	KBCategories    []string `mapstructure:"kb_categories" yaml:"kb_categories"`
	GraphID         string   `mapstructure:"graph_id" yaml:"graph_id"`
}

// Job types understood by the engine
const (
	JobTypeKBIndex       = "kb_index"
	JobTypeWebSearch     = "web_search"
	JobTypeEvidencePack  = "evidence_pack"
	JobTypeReportPersist = "report_persist"
	JobTypePaperSearch   = "paper_search"
)

// Unranked-agent policies
const (
	UnrankedExclude  = "exclude"
	UnrankedPenalize = "penalize"
)

// Discussion modes
const (
	DiscussionSerious = "serious"
	DiscussionLively  = "lively"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Council: CouncilConfig{
			ChairmanModel: "openrouter:google/gemini-3-pro-preview",
			TitleModel:    "openrouter:google/gemini-2.5-flash",
			Discussion: DiscussionConfig{
				Mode:        DiscussionSerious,
				Rounds:      1,
				MaxMessages: 12,
				MaxTurns:    6,
				LeadersMax:  3,
			},
			UnrankedPolicy:       UnrankedExclude,
			EnableHistoryContext: true,
			HistoryMaxMessages:   12,
			EnableDateContext:    true,
			EnableWebSearch:      true,
			WebSearchResults:     5,
			Report: ReportConfig{
				KBCategory: "council_reports",
			},
			Timeouts: TimeoutsConfig{
				Preprocess: 90 * time.Second,
				Stage1:     120 * time.Second,
				Stage2:     180 * time.Second,
				Discussion: 180 * time.Second,
				FactCheck:  180 * time.Second,
				Chairman:   240 * time.Second,
				Report:     300 * time.Second,
				Title:      30 * time.Second,
			},
		},
		Jobs: JobsConfig{
			DispatchInterval:   time.Second,
			CleanupInterval:    time.Hour,
			LeaseTTL:           30 * time.Second,
			Retention:          14 * 24 * time.Hour,
			DefaultMaxAttempts: 3,
			MaxAttemptsCap:     20,
			Backoff: BackoffConfig{
				Base:   2 * time.Second,
				Max:    30 * time.Minute,
				Jitter: 0.2,
			},
			Types: DefaultJobTypes(),
		},
		Providers: ProvidersConfig{
			OpenRouter: ProviderConfig{BaseURL: "https://openrouter.ai/api/v1"},
			OpenAI:     ProviderConfig{BaseURL: "https://api.openai.com/v1"},
		},
		Search: SearchConfig{
			MaxResults: 8,
		},
		Trace: TraceConfig{
			Enabled:   true,
			MaxSizeMB: 20,
		},
		Agents: AgentsConfig{
			DefaultModels: []string{
				"openrouter:openai/gpt-5.1",
				"openrouter:google/gemini-3-pro-preview",
				"openrouter:anthropic/claude-sonnet-4.5",
				"openrouter:x-ai/grok-4",
			},
		},
	}
}

// DefaultJobTypes returns the built-in per-type limits
func DefaultJobTypes() map[string]JobTypeConfig {
	return map[string]JobTypeConfig{
		JobTypeKBIndex:       {Concurrency: 1, Timeout: 20 * time.Minute},
		JobTypeWebSearch:     {Concurrency: 2, Timeout: 5 * time.Minute, ResultTTL: 5 * time.Minute},
		JobTypeEvidencePack:  {Concurrency: 2, Timeout: 8 * time.Minute, ResultTTL: 10 * time.Minute},
		JobTypeReportPersist: {Concurrency: 1, Timeout: 10 * time.Minute},
		JobTypePaperSearch:   {Concurrency: 2, Timeout: 5 * time.Minute, ResultTTL: 10 * time.Minute},
	}
}

// JobType returns the limits for jobType, falling back to a single-slot,
// ten-minute default for types without configuration.
func (c *JobsConfig) JobType(jobType string) JobTypeConfig {
	if tc, ok := c.Types[jobType]; ok {
		if tc.Concurrency <= 0 {
			tc.Concurrency = 1
		}
		if tc.Timeout <= 0 {
			tc.Timeout = 10 * time.Minute
		}
		return tc
	}
	return JobTypeConfig{Concurrency: 1, Timeout: 10 * time.Minute}
}

// Snapshot returns a deep copy of the configuration. Turns and jobs hold a
// snapshot so a reload mid-flight cannot change their behavior.
func (c *Config) Snapshot() *Config {
	cp := *c
	cp.Jobs.Types = maps.Clone(c.Jobs.Types)
	cp.Agents.DefaultModels = slices.Clone(c.Agents.DefaultModels)
	if c.Agents.List != nil {
		cp.Agents.List = make([]AgentConfig, len(c.Agents.List))
		for i, a := range c.Agents.List {
			a.KBDocIDs = slices.Clone(a.KBDocIDs)
			a.KBCategories = slices.Clone(a.KBCategories)
			cp.Agents.List[i] = a
		}
	}
	return &cp
}

// SQLiteDSN returns the effective sqlite DSN, defaulting to a file in DataDir.
func (d DatabaseConfig) SQLiteDSN() string {
	if d.DSN != "" {
		return d.DSN
	}
	return filepath.Join(DataDir(), "council.db")
}

// TraceDir returns the effective trace directory.
func (t TraceConfig) TraceDir() string {
	if t.Dir != "" {
		return t.Dir
	}
	return filepath.Join(DataDir(), "traces")
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Logging defaults
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Database defaults
	viper.SetDefault("database.driver", defaults.Database.Driver)
	viper.SetDefault("database.dsn", defaults.Database.DSN)

	// Council defaults
	viper.SetDefault("council.output_language", defaults.Council.OutputLanguage)
	viper.SetDefault("council.chairman_model", defaults.Council.ChairmanModel)
	viper.SetDefault("council.title_model", defaults.Council.TitleModel)
	viper.SetDefault("council.enable_preprocess", defaults.Council.EnablePreprocess)
	viper.SetDefault("council.enable_discussion", defaults.Council.EnableDiscussion)
	viper.SetDefault("council.enable_fact_check", defaults.Council.EnableFactCheck)
	viper.SetDefault("council.enable_report", defaults.Council.EnableReport)
	viper.SetDefault("council.discussion.mode", defaults.Council.Discussion.Mode)
	viper.SetDefault("council.discussion.rounds", defaults.Council.Discussion.Rounds)
	viper.SetDefault("council.discussion.max_messages", defaults.Council.Discussion.MaxMessages)
	viper.SetDefault("council.discussion.max_turns", defaults.Council.Discussion.MaxTurns)
	viper.SetDefault("council.discussion.leaders_max", defaults.Council.Discussion.LeadersMax)
	viper.SetDefault("council.unranked_policy", defaults.Council.UnrankedPolicy)
	viper.SetDefault("council.enable_history_context", defaults.Council.EnableHistoryContext)
	viper.SetDefault("council.history_max_messages", defaults.Council.HistoryMaxMessages)
	viper.SetDefault("council.enable_date_context", defaults.Council.EnableDateContext)
	viper.SetDefault("council.enable_web_search", defaults.Council.EnableWebSearch)
	viper.SetDefault("council.web_search_results", defaults.Council.WebSearchResults)
	viper.SetDefault("council.enable_evidence_jobs", defaults.Council.EnableEvidenceJobs)
	viper.SetDefault("council.report.instructions", defaults.Council.Report.Instructions)
	viper.SetDefault("council.report.auto_save", defaults.Council.Report.AutoSave)
	viper.SetDefault("council.report.kb_category", defaults.Council.Report.KBCategory)
	viper.SetDefault("council.timeouts.preprocess", defaults.Council.Timeouts.Preprocess)
	viper.SetDefault("council.timeouts.stage1", defaults.Council.Timeouts.Stage1)
	viper.SetDefault("council.timeouts.stage2", defaults.Council.Timeouts.Stage2)
	viper.SetDefault("council.timeouts.discussion", defaults.Council.Timeouts.Discussion)
	viper.SetDefault("council.timeouts.fact_check", defaults.Council.Timeouts.FactCheck)
	viper.SetDefault("council.timeouts.chairman", defaults.Council.Timeouts.Chairman)
	viper.SetDefault("council.timeouts.report", defaults.Council.Timeouts.Report)
	viper.SetDefault("council.timeouts.title", defaults.Council.Timeouts.Title)

	// Job engine defaults
	viper.SetDefault("jobs.dispatch_interval", defaults.Jobs.DispatchInterval)
	viper.SetDefault("jobs.cleanup_interval", defaults.Jobs.CleanupInterval)
	viper.SetDefault("jobs.lease_ttl", defaults.Jobs.LeaseTTL)
	viper.SetDefault("jobs.retention", defaults.Jobs.Retention)
	viper.SetDefault("jobs.default_max_attempts", defaults.Jobs.DefaultMaxAttempts)
	viper.SetDefault("jobs.max_attempts_cap", defaults.Jobs.MaxAttemptsCap)
	viper.SetDefault("jobs.backoff.base", defaults.Jobs.Backoff.Base)
	viper.SetDefault("jobs.backoff.max", defaults.Jobs.Backoff.Max)
	viper.SetDefault("jobs.backoff.jitter", defaults.Jobs.Backoff.Jitter)
	for name, tc := range defaults.Jobs.Types {
		prefix := "jobs.types." + name
		viper.SetDefault(prefix+".concurrency", tc.Concurrency)
		viper.SetDefault(prefix+".timeout", tc.Timeout)
		viper.SetDefault(prefix+".result_ttl", tc.ResultTTL)
	}

	// Provider defaults
	viper.SetDefault("providers.openrouter.api_key", "")
	viper.SetDefault("providers.openrouter.base_url", defaults.Providers.OpenRouter.BaseURL)
	viper.SetDefault("providers.openai.api_key", "")
	viper.SetDefault("providers.openai.base_url", defaults.Providers.OpenAI.BaseURL)
	viper.SetDefault("providers.gemini.api_key", "")

	// Search and trace defaults
	viper.SetDefault("search.endpoint", defaults.Search.Endpoint)
	viper.SetDefault("search.max_results", defaults.Search.MaxResults)
	viper.SetDefault("trace.enabled", defaults.Trace.Enabled)
	viper.SetDefault("trace.dir", defaults.Trace.Dir)
	viper.SetDefault("trace.max_size_mb", defaults.Trace.MaxSizeMB)

	// Agent defaults
	viper.SetDefault("agents.file", defaults.Agents.File)
	viper.SetDefault("agents.default_models", defaults.Agents.DefaultModels)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "council")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".council"
	}
	return filepath.Join(home, ".config", "council")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// DataDir returns the directory for the database and traces
func DataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "council")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".council"
	}
	return filepath.Join(home, ".local", "share", "council")
}
