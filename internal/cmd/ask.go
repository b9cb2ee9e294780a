package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/council"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the council a question",
	Long: `Run one deliberation turn and stream its progress as JSON lines.

Each line is one event: <stage>_start, <stage>_complete, error, title_complete,
and finally either complete (carrying the full turn record) or an error
without a stage. A new conversation is created unless --conversation is given.

Background jobs (report persistence, searches) run while the turn is in
progress. Jobs still running when the turn ends are picked up again by
'council jobs work'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

var (
	askConversation string
	askAgents       []string
	askChairman     string
	askAttach       []string
	askQuiet        bool
)

func init() {
	askCmd.Flags().StringVarP(&askConversation, "conversation", "C", "", "continue an existing conversation")
	askCmd.Flags().StringSliceVar(&askAgents, "agents", nil, "agent ids for a new conversation (default: all enabled)")
	askCmd.Flags().StringVar(&askChairman, "chairman", "", "agent id whose model chairs a new conversation")
	askCmd.Flags().StringSliceVar(&askAttach, "attach", nil, "document ids to attach to a new conversation")
	askCmd.Flags().BoolVarP(&askQuiet, "quiet", "q", false, "print only the final answer")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.conversationFor(ctx, askConversation, store.Conversation{
		AgentIDs:        askAgents,
		ChairmanAgentID: askChairman,
		KBDocIDs:        askAttach,
	})
	if err != nil {
		return err
	}

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job engine: %w", err)
	}

	out := cmd.OutOrStdout()
	emit := jsonLines(out)
	if askQuiet {
		emit = func(council.StageEvent) {}
	}

	rec, err := a.ask(ctx, conv, strings.Join(args, " "), emit)
	if err != nil {
		return err
	}
	if askQuiet {
		fmt.Fprintln(out, rec.Final.Response)
	}
	return nil
}

// conversationFor loads id, or creates a conversation from tmpl when id is empty.
func (a *app) conversationFor(ctx context.Context, id string, tmpl store.Conversation) (store.Conversation, error) {
	if id != "" {
		conv, err := a.store.GetConversation(ctx, id)
		if err != nil {
			return store.Conversation{}, fmt.Errorf("failed to load conversation: %w", err)
		}
		return conv, nil
	}
	conv, err := a.store.CreateConversation(ctx, tmpl)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// ask runs one turn and, when it produced a final answer, appends the
// exchange to the conversation history used by later turns.
func (a *app) ask(ctx context.Context, conv store.Conversation, query string, emit func(council.StageEvent)) (*council.TurnRecord, error) {
	rec, err := a.council.RunTurn(ctx, conv, query, emit)
	if err != nil {
		return rec, err
	}

	saveCtx := context.WithoutCancel(ctx)
	for _, m := range []store.Message{
		{ConversationID: conv.ID, TurnID: rec.TurnID, Role: "user", Content: query},
		{ConversationID: conv.ID, TurnID: rec.TurnID, Role: "assistant", Content: rec.Final.Response},
	} {
		if _, err := a.store.AppendMessage(saveCtx, m); err != nil {
			a.logger.Warn("failed to store message", "conversation_id", conv.ID, "error", err)
		}
	}
	return rec, nil
}

// jsonLines writes each event as one JSON object per line.
func jsonLines(w io.Writer) func(council.StageEvent) {
	enc := json.NewEncoder(w)
	return func(ev council.StageEvent) {
		_ = enc.Encode(ev)
	}
}
