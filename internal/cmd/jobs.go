package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage background jobs",
	Long: `Submit, inspect and cancel background jobs, or run a worker that
executes them.

Job types: kb_index, web_search, evidence_pack, report_persist, paper_search.`,
}

var jobsSubmitCmd = &cobra.Command{
	Use:   "submit <type>",
	Short: "Submit a job",
	Long: `Submit a job and print it as JSON.

An identical submission (same type, conversation and payload) returns the
existing job instead of creating a new one, unless --force-new is given.
With --wait the engine runs in this process until the job is terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsSubmit,
}

var jobsGetCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsGet,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE:  runJobsList,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job. A queued job is cancelled immediately; a running job is
asked to stop and becomes cancelled when its handler returns. Cancelling a
finished job does nothing.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete terminal jobs older than the retention period",
	RunE:  runJobsCleanup,
}

var jobsWorkCmd = &cobra.Command{
	Use:   "work",
	Short: "Run the job engine until interrupted",
	Long: `Run the job engine in the foreground. Jobs left running by a previous
process are requeued on start. Job events are printed as JSON lines.`,
	RunE: runJobsWork,
}

var (
	submitConversation string
	submitPayload      string
	submitKey          string
	submitMaxAttempts  int
	submitForceNew     bool
	submitWait         bool

	listConversation string
	listType         string
	listStatus       string
	listLimit        int
	listJSON         bool
)

func init() {
	jobsSubmitCmd.Flags().StringVar(&submitConversation, "conversation", "", "conversation the job belongs to")
	jobsSubmitCmd.Flags().StringVarP(&submitPayload, "payload", "p", "{}", "job payload as a JSON object")
	jobsSubmitCmd.Flags().StringVar(&submitKey, "idempotency-key", "", "deduplication key (default: digest of type, conversation and payload)")
	jobsSubmitCmd.Flags().IntVar(&submitMaxAttempts, "max-attempts", 0, "maximum executions (default from config)")
	jobsSubmitCmd.Flags().BoolVar(&submitForceNew, "force-new", false, "always create a new job")
	jobsSubmitCmd.Flags().BoolVarP(&submitWait, "wait", "w", false, "run the engine until the job finishes")

	jobsListCmd.Flags().StringVar(&listConversation, "conversation", "", "filter by conversation")
	jobsListCmd.Flags().StringVar(&listType, "type", "", "filter by job type")
	jobsListCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (queued, running, succeeded, failed, cancelled)")
	jobsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum number of jobs")
	jobsListCmd.Flags().BoolVar(&listJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsSubmitCmd)
	jobsCmd.AddCommand(jobsGetCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsCancelCmd)
	jobsCmd.AddCommand(jobsCleanupCmd)
	jobsCmd.AddCommand(jobsWorkCmd)
}

func runJobsSubmit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !json.Valid([]byte(submitPayload)) {
		return fmt.Errorf("--payload is not valid JSON")
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	h, err := a.engine.Submit(ctx, jobs.Submission{
		Type:           args[0],
		ConversationID: submitConversation,
		Payload:        json.RawMessage(submitPayload),
		IdempotencyKey: submitKey,
		MaxAttempts:    submitMaxAttempts,
		ForceNew:       submitForceNew,
	})
	if err != nil {
		return fmt.Errorf("failed to submit job: %w", err)
	}

	job := h.Job
	if submitWait && !job.Status.IsTerminal() {
		if err := a.engine.Start(ctx); err != nil {
			return fmt.Errorf("failed to start job engine: %w", err)
		}
		if job, err = a.engine.Await(ctx, job.ID); err != nil {
			return fmt.Errorf("failed waiting for job %s: %w", h.Job.ID, err)
		}
	}

	return writeJSON(cmd.OutOrStdout(), struct {
		*jobs.Job
		Created bool `json:"created"`
		Cached  bool `json:"cached"`
	}{job, h.Created, h.Cached})
}

func runJobsGet(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.engine.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), job)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	opts := jobs.ListOptions{
		ConversationID: listConversation,
		Type:           listType,
		Limit:          listLimit,
	}
	if listStatus != "" {
		st, ok := jobs.ParseStatus(listStatus)
		if !ok {
			return fmt.Errorf("invalid status %q", listStatus)
		}
		opts.Status = st
	}

	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.engine.List(cmd.Context(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if listJSON {
		return writeJSON(out, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(out, "No jobs found.")
		return nil
	}

	fmt.Fprintf(out, "%-36s  %-14s  %-10s  %-7s  %-5s  %s\n", "ID", "TYPE", "STATUS", "ATTEMPT", "PROG", "UPDATED")
	for _, j := range list {
		fmt.Fprintf(out, "%-36s  %-14s  %-10s  %3d/%-3d  %4.0f%%  %s\n",
			j.ID, j.Type, j.Status, j.Attempt, j.MaxAttempts, j.Progress*100,
			j.UpdatedAt.Local().Format(time.DateTime))
		if j.Error != "" {
			fmt.Fprintf(out, "    error: %s\n", j.Error)
		}
	}

	counts, err := a.engine.Counts(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%s\n", formatCounts(counts))
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.engine.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), job)
}

func runJobsCleanup(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.engine.Cleanup(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job(s) older than %s\n", n, a.cfg.Jobs.Retention)
	return nil
}

func runJobsWork(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	enc := json.NewEncoder(out)
	// Bus handlers run synchronously on the publishing goroutine.
	events := make(chan event.JobEvent, 64)
	unsubscribe := a.engine.Subscribe(jobs.SubscriptionFilter{}, func(ev event.JobEvent) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job engine: %w", err)
	}
	a.logger.Info("worker running", "database", a.cfg.Database.Driver)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			_ = enc.Encode(jobEventLine{
				Type:           ev.EventType(),
				Time:           ev.Timestamp(),
				JobID:          ev.JobID,
				JobType:        ev.JobType,
				ConversationID: ev.ConversationID,
				Status:         ev.Status,
				Attempt:        ev.Attempt,
				Progress:       ev.Progress,
				Error:          ev.Error,
			})
		}
	}
}

type jobEventLine struct {
	Type           string    `json:"type"`
	Time           time.Time `json:"time"`
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         string    `json:"status"`
	Attempt        int       `json:"attempt"`
	Progress       float64   `json:"progress"`
	Error          string    `json:"error,omitempty"`
}

func formatCounts(c jobs.Counts) string {
	statuses := make([]string, 0, len(c))
	for st := range c {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)
	s := "Totals:"
	for _, st := range statuses {
		s += fmt.Sprintf(" %s=%d", st, c[jobs.Status(st)])
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
