package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/util"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect council members",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured agents",
	Long: `List the agents from the agents file, the inline agents.list, or the
default models, in that order of precedence.`,
	RunE: runAgentsList,
}

var agentsJSON bool

func init() {
	agentsListCmd.Flags().BoolVar(&agentsJSON, "json", false, "output as JSON")
	rootCmd.AddCommand(agentsCmd)
	agentsCmd.AddCommand(agentsListCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	reg, err := agents.Load(cfg.Agents)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	list := reg.List()
	if agentsJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No agents configured.")
		return nil
	}

	for _, a := range list {
		state := "enabled"
		if !a.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "%s  %s (%s)\n", a.ID, a.DisplayName(), state)
		fmt.Fprintf(out, "    model: %s  vote weight: %.2f\n", a.Model, a.VoteWeight())
		if a.Persona != "" {
			line, more := util.FirstLine(a.Persona)
			if more {
				line += " ..."
			}
			fmt.Fprintf(out, "    persona: %s\n", util.TruncateString(line, 72))
		}
		if len(a.KBCategories) > 0 {
			fmt.Fprintf(out, "    kb categories: %s\n", strings.Join(a.KBCategories, ", "))
		}
	}
	return nil
}
