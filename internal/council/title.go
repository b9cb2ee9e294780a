package council

import (
	"context"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/util"
)

const (
	// DefaultTitle is used when no model produced a title.
	DefaultTitle  = "New Conversation"
	maxTitleRunes = 50
)

// startTitle generates and stores a title for conv in the background. The
// channel receives exactly one value.
func (o *Orchestrator) startTitle(ctx context.Context, cfg *config.Config, conv store.Conversation, query string) <-chan string {
	ch := make(chan string, 1)
	go func() {
		title := o.generateTitle(ctx, cfg, conv, query)
		if err := o.convs.SetTitle(context.WithoutCancel(ctx), conv.ID, title); err != nil {
			o.logger.Warn("failed to store title", "conversation_id", conv.ID, "error", err)
		}
		ch <- title
	}()
	return ch
}

// generateTitle tries the title model, then the chairman, then the agents'
// models, and returns the first usable title.
func (o *Orchestrator) generateTitle(ctx context.Context, cfg *config.Config, conv store.Conversation, query string) string {
	for _, spec := range o.titleCandidates(cfg, conv) {
		if ctx.Err() != nil {
			break
		}
		resp, err := o.invoker.Invoke(ctx, model.Call{
			Model:          spec,
			Prompt:         titlePrompt(query, cfg.Council.OutputLanguage),
			MaxTokens:      32,
			Timeout:        cfg.Council.Timeouts.Title,
			ConversationID: conv.ID,
			Stage:          "title",
		})
		if err != nil {
			o.logger.Debug("title model failed", "model", spec, "error", err)
			continue
		}
		if title := cleanTitle(resp.Content); title != "" {
			return title
		}
	}
	return DefaultTitle
}

func (o *Orchestrator) titleCandidates(cfg *config.Config, conv store.Conversation) []string {
	var out []string
	add := func(spec string) {
		spec = strings.TrimSpace(spec)
		for _, s := range out {
			if s == spec {
				return
			}
		}
		if spec != "" {
			out = append(out, spec)
		}
	}
	add(cfg.Council.TitleModel)
	if conv.ChairmanAgentID != "" {
		if a, err := o.agents.Get(conv.ChairmanAgentID); err == nil {
			add(a.Model)
		}
	}
	add(cfg.Council.ChairmanModel)
	for _, a := range agents.Select(o.agents, conv.AgentIDs) {
		add(a.Model)
	}
	return out
}

// cleanTitle keeps the first line of a model reply without quotes or a
// "Title:" prefix, capped at 50 runes.
func cleanTitle(s string) string {
	s, _ = util.FirstLine(s)
	if rest, ok := strings.CutPrefix(s, "Title:"); ok {
		s = rest
	}
	s = strings.Trim(s, " \t\"'`*“”‘’「」《》")
	return util.TruncateString(strings.TrimSpace(s), maxTitleRunes)
}
