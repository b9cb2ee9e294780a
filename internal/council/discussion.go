package council

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
)

const (
	maxSeriousRounds   = 3
	defaultMaxMessages = 12
	defaultMaxTurns    = 6
)

func (t *turn) discuss(ctx context.Context, sd StageDescriptor) (any, error) {
	dc := t.cfg.Council.Discussion
	var (
		d   *Discussion
		err error
	)
	if dc.Mode == config.DiscussionLively {
		d, err = t.livelyDiscussion(ctx, sd, dc)
	} else {
		d, err = t.seriousDiscussion(ctx, sd, dc)
	}
	if err != nil {
		return nil, err
	}
	if len(d.Messages) == 0 {
		return nil, fmt.Errorf("%w: discussion produced no messages", errors.ErrAllAgentsFailed)
	}
	return d, nil
}

// seriousDiscussion runs bounded rounds in which every agent that answered
// responds to the previous round concurrently.
func (t *turn) seriousDiscussion(ctx context.Context, sd StageDescriptor, dc config.DiscussionConfig) (*Discussion, error) {
	rounds := min(max(dc.Rounds, 0), maxSeriousRounds)
	d := &Discussion{Mode: config.DiscussionSerious, Messages: []DiscussionMessage{}}
	reviews := t.rec.Review.Reviews

	var previous []DiscussionMessage
	for round := 1; round <= rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prompt := seriousRoundPrompt(t.query, round, rounds, t.rec.Answers.Answers, reviews, previous)
		results := fanOut(ctx, t.answered, func(ctx context.Context, a agents.Agent) (string, error) {
			return t.call(ctx, sd, a.ID, model.Call{
				Model:  a.Model,
				System: agentSystem(a, t.language()),
				Prompt: prompt,
			})
		})

		var current []DiscussionMessage
		for i, r := range results {
			a := t.answered[i]
			if r.err != nil {
				d.Failures = append(d.Failures, t.failure(sd, a, r.err))
				continue
			}
			current = append(current, DiscussionMessage{
				Round:     round,
				AgentID:   a.ID,
				AgentName: a.DisplayName(),
				Model:     a.Model,
				Content:   r.value,
			})
		}
		d.Messages = append(d.Messages, current...)
		previous = current
	}
	return d, nil
}

// livelyDiscussion simulates a group chat. Leaders speak first in every
// pass, then everyone else in declaration order; each participant sees the
// chat so far. A PASS reply is not a message. The chat stops at the message
// cap, after MaxTurns passes over the speakers, or when a whole pass adds
// nothing.
func (t *turn) livelyDiscussion(ctx context.Context, sd StageDescriptor, dc config.DiscussionConfig) (*Discussion, error) {
	maxMessages := dc.MaxMessages
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	maxTurns := dc.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}

	leaders := t.selectLeaders(ctx, sd, dc.LeadersMax)
	order := make([]agents.Agent, 0, len(t.answered))
	for _, a := range t.answered {
		if slices.Contains(leaders, a.ID) {
			order = append(order, a)
		}
	}
	for _, a := range t.answered {
		if !slices.Contains(leaders, a.ID) {
			order = append(order, a)
		}
	}

	d := &Discussion{Mode: config.DiscussionLively, Leaders: leaders, Messages: []DiscussionMessage{}}
	for pass := 1; pass <= maxTurns && len(d.Messages) < maxMessages; pass++ {
		spoke := false
		for _, a := range order {
			if len(d.Messages) >= maxMessages {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			leader := slices.Contains(leaders, a.ID)
			reply, err := t.call(ctx, sd, a.ID, model.Call{
				Model:  a.Model,
				System: agentSystem(a, t.language()),
				Prompt: livelyPrompt(t.query, leader, t.rec.Answers.Answers, d.Messages),
			})
			if err != nil {
				d.Failures = append(d.Failures, t.failure(sd, a, err))
				continue
			}
			if isPass(reply) {
				continue
			}
			spoke = true
			d.Messages = append(d.Messages, DiscussionMessage{
				Round:     pass,
				AgentID:   a.ID,
				AgentName: a.DisplayName(),
				Model:     a.Model,
				Leader:    leader,
				Content:   reply,
			})
		}
		if !spoke {
			break
		}
	}
	return d, nil
}

func isPass(reply string) bool {
	return strings.EqualFold(strings.Trim(reply, " \t\r\n.\"'`*"), passReply)
}

// selectLeaders asks the chairman for up to limit opinion leaders among the
// agents that answered. When the chairman cannot decide, the best ranked
// agent leads alone.
func (t *turn) selectLeaders(ctx context.Context, sd StageDescriptor, limit int) []string {
	if limit <= 0 || len(t.answered) == 0 {
		return nil
	}
	limit = min(limit, len(t.answered))

	if spec, agentID, err := t.chairman(); err == nil {
		reply, err := t.call(ctx, sd, agentID, model.Call{
			Model:  spec,
			System: languageInstruction(t.language()),
			Prompt: leaderSelectionPrompt(t.query, t.answered, t.rec.Answers.Answers, limit),
			JSON:   true,
		})
		var picked struct {
			Leaders []string `json:"leaders"`
		}
		if err == nil && extractJSONObject(reply, &picked) {
			var leaders []string
			for _, id := range picked.Leaders {
				id = strings.TrimSpace(id)
				if len(leaders) < limit && t.hasAnswered(id) && !slices.Contains(leaders, id) {
					leaders = append(leaders, id)
				}
			}
			if len(leaders) > 0 {
				return leaders
			}
		}
		t.logger.Warn("leader selection failed, using fallback", "error", err)
	}
	return []string{t.fallbackLeader()}
}

func (t *turn) hasAnswered(id string) bool {
	return slices.ContainsFunc(t.answered, func(a agents.Agent) bool { return a.ID == id })
}

// fallbackLeader is the best aggregate-ranked agent, or the answering agent
// with the highest vote weight when nobody was ranked.
func (t *turn) fallbackLeader() string {
	if len(t.rec.Aggregate) > 0 {
		return t.rec.Aggregate[0].AgentID
	}
	best := t.answered[0]
	for _, a := range t.answered[1:] {
		if a.VoteWeight() > best.VoteWeight() {
			best = a
		}
	}
	return best.ID
}
