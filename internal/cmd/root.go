package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "council",
	Short: "Multi-agent LLM council deliberation",
	Long: `Council asks a panel of LLM agents the same question, has them review
each other's anonymized answers, and lets a chairman model synthesize the
final response. Slow side work (web search, knowledge indexing, report
persistence) runs on a durable background job engine.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/council/config.yaml)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("COUNCIL")
	// Replace dots with underscores for nested keys in env vars
	// e.g., COUNCIL_COUNCIL_CHAIRMAN_MODEL for council.chairman_model
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
