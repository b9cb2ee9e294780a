package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent conversations",
	RunE:  runConversationsList,
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <conversation-id>",
	Short: "Show a conversation's turns and stage results as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runConversationsShow,
}

var conversationsLimit int

func init() {
	conversationsListCmd.Flags().IntVarP(&conversationsLimit, "limit", "n", 20, "maximum number of conversations")
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.AddCommand(conversationsListCmd)
	conversationsCmd.AddCommand(conversationsShowCmd)
}

func runConversationsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.ListConversations(cmd.Context(), conversationsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No conversations yet.")
		return nil
	}
	for _, c := range list {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(out, "%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), title)
	}
	return nil
}

func runConversationsShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	conv, err := a.store.GetConversation(ctx, args[0])
	if err != nil {
		return err
	}
	turns, err := a.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return err
	}

	type turnView struct {
		store.Turn
		Stages []store.Stage `json:"stages"`
	}
	view := struct {
		store.Conversation
		Turns []turnView `json:"turns"`
	}{Conversation: conv}

	for _, t := range turns {
		stages, err := a.store.Stages(ctx, t.ID)
		if err != nil {
			return err
		}
		view.Turns = append(view.Turns, turnView{Turn: t, Stages: stages})
	}
	return writeJSON(cmd.OutOrStdout(), view)
}
