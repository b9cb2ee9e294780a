package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify council configuration",
	Long: `View or modify council configuration.

Without arguments, displays the current configuration.
Use subcommands to modify settings or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  council config set council.chairman_model openrouter:google/gemini-3-pro-preview
  council config set council.enable_discussion true
  council config set council.discussion.mode lively

Valid keys:
  logging.level                   - debug, info, warn, error
  database.driver                 - sqlite, postgres
  database.dsn                    - data source name
  council.output_language         - "", en, zh
  council.chairman_model          - provider:model
  council.title_model             - provider:model
  council.enable_preprocess       - true/false
  council.enable_discussion       - true/false
  council.enable_fact_check       - true/false
  council.enable_report           - true/false
  council.discussion.mode         - serious, lively
  council.discussion.rounds       - 0-3
  council.unranked_policy         - exclude, penalize
  council.report.auto_save        - true/false
  council.enable_web_search       - true/false
  council.enable_evidence_jobs    - true/false
  jobs.default_max_attempts       - attempts per job
  jobs.lease_ttl                  - duration, e.g. 30s
  search.endpoint                 - SearxNG-compatible JSON URL
  trace.enabled                   - true/false
  agents.file                     - YAML file with an agents list`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/council/config.yaml with the common options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	settings := viper.AllSettings()
	if providers, ok := settings["providers"].(map[string]any); ok {
		for _, p := range providers {
			if pm, ok := p.(map[string]any); ok {
				if key, _ := pm["api_key"].(string); key != "" {
					pm["api_key"] = "********"
				}
			}
		}
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(settings)
}

// settableKeys maps each key accepted by "config set" to its value type.
var settableKeys = map[string]string{
	"logging.level":                "level",
	"database.driver":              "driver",
	"database.dsn":                 "string",
	"council.output_language":      "language",
	"council.chairman_model":       "string",
	"council.title_model":          "string",
	"council.enable_preprocess":    "bool",
	"council.enable_discussion":    "bool",
	"council.enable_fact_check":    "bool",
	"council.enable_report":        "bool",
	"council.discussion.mode":      "mode",
	"council.discussion.rounds":    "int",
	"council.unranked_policy":      "policy",
	"council.report.auto_save":     "bool",
	"council.enable_web_search":    "bool",
	"council.enable_evidence_jobs": "bool",
	"jobs.default_max_attempts":    "int",
	"jobs.lease_ttl":               "duration",
	"search.endpoint":              "string",
	"trace.enabled":                "bool",
	"agents.file":                  "string",
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key := args[0]
	value := args[1]

	keyType, ok := settableKeys[key]
	if !ok {
		return fmt.Errorf("unknown configuration key: %s\nRun 'council config set --help' to see valid keys", key)
	}

	var typedValue any
	oneOf := func(valid []string) error {
		if !slices.Contains(valid, value) {
			return fmt.Errorf("invalid value for %s: %s\nValid options: %s", key, value, strings.Join(valid, ", "))
		}
		typedValue = value
		return nil
	}
	var err error
	switch keyType {
	case "string":
		typedValue = value
	case "level":
		err = oneOf(config.ValidLogLevels())
	case "driver":
		err = oneOf(config.ValidDrivers())
	case "language":
		err = oneOf(config.ValidOutputLanguages())
	case "mode":
		err = oneOf(config.ValidDiscussionModes())
	case "policy":
		err = oneOf(config.ValidUnrankedPolicies())
	case "bool":
		if value != "true" && value != "false" {
			return fmt.Errorf("invalid value for %s: expected true or false", key)
		}
		typedValue = value == "true"
	case "duration":
		if _, convErr := time.ParseDuration(value); convErr != nil {
			return fmt.Errorf("invalid value for %s: expected a duration such as 30s", key)
		}
		typedValue = value
	case "int":
		intVal, convErr := strconv.Atoi(value)
		if convErr != nil {
			return fmt.Errorf("invalid value for %s: expected integer", key)
		}
		if intVal < 0 {
			return fmt.Errorf("invalid value for %s: must be non-negative", key)
		}
		typedValue = intVal
	}
	if err != nil {
		return err
	}

	// Ensure config directory exists
	configDir := config.ConfigDir()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	viper.Set(key, typedValue)
	if _, err := config.Load(); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	configFile := config.ConfigFile()
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Set %s = %v\n", key, typedValue)
	fmt.Fprintf(out, "Config saved to %s\n", configFile)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'council config set' to modify values", configFile)
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configContent := `# Council configuration

logging:
  # debug, info, warn, error
  level: info
  # Empty logs to stderr
  file: ""

database:
  # sqlite (default, stored under ~/.local/share/council) or postgres
  driver: sqlite
  dsn: ""

council:
  # "" answers in the user's language; en or zh force one
  output_language: ""
  chairman_model: openrouter:google/gemini-3-pro-preview
  title_model: openrouter:google/gemini-2.5-flash
  enable_preprocess: false
  enable_discussion: false
  enable_fact_check: false
  enable_report: false
  discussion:
    # serious (bounded rounds) or lively (group chat)
    mode: serious
    rounds: 1
  # exclude or penalize answers a reviewer left unranked
  unranked_policy: exclude
  report:
    # Persist reports to the knowledge store via a background job
    auto_save: false
  # Date and web results for the query are shared with every agent
  enable_date_context: true
  enable_web_search: true
  web_search_results: 5
  # Queue an evidence pack per turn; its summary reaches the next turn
  enable_evidence_jobs: false

providers:
  openrouter:
    api_key: ""
  openai:
    api_key: ""
  gemini:
    api_key: ""

search:
  # SearxNG-compatible JSON endpoint for web_search and evidence_pack jobs
  endpoint: ""

agents:
  # Optional YAML file with an "agents" list
  file: ""
  default_models:
    - openrouter:openai/gpt-5.1
    - openrouter:google/gemini-3-pro-preview
    - openrouter:anthropic/claude-sonnet-4.5
    - openrouter:x-ai/grok-4
`

	if err := os.WriteFile(configFile, []byte(configContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created config file at %s\n", configFile)
	fmt.Fprintln(out, "Add provider API keys, then run 'council ask \"...\"'.")
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: COUNCIL_* (e.g., COUNCIL_COUNCIL_CHAIRMAN_MODEL)")
	fmt.Fprintf(out, "Data directory: %s\n", config.DataDir())
	return nil
}
