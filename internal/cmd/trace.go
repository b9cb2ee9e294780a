package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/trace"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect per-conversation model call traces",
}

var traceShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show the trace of a conversation",
	Long: `Show the recorded model calls and stage transitions of a conversation.

Examples:
  council trace show 5f1c... --stage stage2
  council trace show 5f1c... --errors --summary`,
	Args: cobra.ExactArgs(1),
	RunE: runTraceShow,
}

var (
	traceFilter  trace.Filter
	traceSince   time.Duration
	traceSummary bool
	traceJSON    bool
)

func init() {
	traceShowCmd.Flags().StringVar(&traceFilter.Kind, "kind", "", "record kind (llm_call, stage_start, stage_complete, stage_error, ...)")
	traceShowCmd.Flags().StringVar(&traceFilter.Stage, "stage", "", "filter by stage")
	traceShowCmd.Flags().StringVar(&traceFilter.AgentID, "agent", "", "filter by agent id")
	traceShowCmd.Flags().StringVar(&traceFilter.TurnID, "turn", "", "filter by turn id")
	traceShowCmd.Flags().BoolVar(&traceFilter.ErrorsOnly, "errors", false, "only failed records")
	traceShowCmd.Flags().DurationVar(&traceSince, "since", 0, "only records newer than this (e.g. 1h)")
	traceShowCmd.Flags().BoolVar(&traceSummary, "summary", false, "print call statistics instead of records")
	traceShowCmd.Flags().BoolVar(&traceJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(traceCmd)
	traceCmd.AddCommand(traceShowCmd)
}

func runTraceShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	records, err := trace.Read(cfg.Trace.TraceDir(), args[0])
	if err != nil {
		return err
	}
	filter := traceFilter
	if traceSince > 0 {
		filter.Since = time.Now().Add(-traceSince)
	}
	records = trace.Apply(records, filter)

	out := cmd.OutOrStdout()
	if traceSummary {
		s := trace.Summarize(records)
		if traceJSON {
			return writeJSON(out, s)
		}
		fmt.Fprintf(out, "calls: %d  failures: %d  total: %s\n", s.Calls, s.Failures, time.Duration(s.TotalMS)*time.Millisecond)
		stages := make([]string, 0, len(s.ByStage))
		for st := range s.ByStage {
			stages = append(stages, st)
		}
		sort.Strings(stages)
		for _, st := range stages {
			fmt.Fprintf(out, "  %-12s %d\n", st, s.ByStage[st])
		}
		if s.Calls > 0 {
			fmt.Fprintf(out, "slowest: %s %s/%s %dms\n", s.SlowestCall.Model, s.SlowestCall.Stage, s.SlowestCall.AgentID, s.SlowestMS)
		}
		return nil
	}

	if traceJSON {
		return writeJSON(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "No trace records.")
		return nil
	}
	for _, r := range records {
		status := "ok"
		if !r.OK {
			status = "FAIL"
		}
		line := fmt.Sprintf("%s  %-14s  %-10s  %-4s", r.Time.Local().Format("15:04:05.000"), r.Kind, r.Stage, status)
		if r.Model != "" {
			line += fmt.Sprintf("  %s (%dms)", r.Model, r.DurationMS)
		}
		if r.AgentID != "" {
			line += "  agent=" + r.AgentID
		}
		if r.Error != "" {
			line += "  error=" + r.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
