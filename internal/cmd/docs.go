package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage the local knowledge store",
}

var docsAddCmd = &cobra.Command{
	Use:   "add <file>",
	Short: "Add a text document and queue it for indexing",
	Long: `Store a text document and submit a kb_index job that splits it into
searchable chunks. The job runs on the next 'council jobs work' (or 'council
ask'), or immediately with --wait.`,
	Args: cobra.ExactArgs(1),
	RunE: runDocsAdd,
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored documents",
	RunE:  runDocsList,
}

var (
	docTitle    string
	docCategory string
	docWait     bool
)

func init() {
	docsAddCmd.Flags().StringVar(&docTitle, "title", "", "document title (default: file name)")
	docsAddCmd.Flags().StringVar(&docCategory, "category", "", "category used to scope agent retrieval")
	docsAddCmd.Flags().BoolVarP(&docWait, "wait", "w", false, "index now instead of queueing")
	docsListCmd.Flags().StringVar(&docCategory, "category", "", "filter by category")

	rootCmd.AddCommand(docsCmd)
	docsCmd.AddCommand(docsAddCmd)
	docsCmd.AddCommand(docsListCmd)
}

func runDocsAdd(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	content, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read document: %w", err)
	}
	title := docTitle
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.store.SaveDocument(ctx, store.Document{
		Title:    title,
		Category: docCategory,
		Content:  string(content),
	})
	if err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]string{"document_id": doc.ID})
	if err != nil {
		return err
	}
	h, err := a.engine.Submit(ctx, jobs.Submission{Type: config.JobTypeKBIndex, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to queue indexing: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stored document %s (%q)\n", doc.ID, doc.Title)
	if !docWait {
		fmt.Fprintf(out, "Indexing queued as job %s\n", h.Job.ID)
		return nil
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job engine: %w", err)
	}
	job, err := a.engine.Await(ctx, h.Job.ID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusSucceeded {
		return fmt.Errorf("indexing %s: %s", job.Status, job.Error)
	}
	fmt.Fprintf(out, "Indexed by job %s\n", job.ID)
	return nil
}

func runDocsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	docs, err := a.store.ListDocuments(cmd.Context(), docCategory)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(docs) == 0 {
		fmt.Fprintln(out, "No documents.")
		return nil
	}
	for _, d := range docs {
		category := d.Category
		if category == "" {
			category = "-"
		}
		fmt.Fprintf(out, "%s  %-16s  %4d chunks  %s  %s\n",
			d.ID, category, d.ChunkCount, d.UpdatedAt.Local().Format(time.DateOnly), d.Title)
	}
	return nil
}
