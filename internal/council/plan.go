package council

import (
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

// StageDescriptor is one resolved step of a turn.
type StageDescriptor struct {
	Name string
	// Required stages end the turn with an error when they fail; optional
	// stages report the error and the turn moves on.
	Required bool
	// Timeout bounds each model call made by the stage.
	Timeout time.Duration
}

// Plan is the ordered list of stages a turn runs. It is built once per turn
// from a configuration snapshot and never changes while the turn runs.
type Plan []StageDescriptor

// BuildPlan resolves which stages run for conv under cfg.
func BuildPlan(cfg *config.Config, conv store.Conversation) Plan {
	cc := cfg.Council
	t := cc.Timeouts
	var plan Plan

	if cc.EnablePreprocess && len(conv.KBDocIDs) > 0 {
		plan = append(plan, StageDescriptor{Name: StagePreprocess, Timeout: t.Preprocess})
	}
	plan = append(plan,
		StageDescriptor{Name: StageAnswers, Required: true, Timeout: t.Stage1},
		StageDescriptor{Name: StageReview, Required: true, Timeout: t.Stage2},
		StageDescriptor{Name: StageAggregate, Required: true},
	)
	if cc.EnableDiscussion && (cc.Discussion.Mode == config.DiscussionLively || cc.Discussion.Rounds > 0) {
		plan = append(plan, StageDescriptor{Name: StageDiscussion, Timeout: t.Discussion})
	}
	if cc.EnableFactCheck {
		plan = append(plan, StageDescriptor{Name: StageFactCheck, Timeout: t.FactCheck})
	}
	plan = append(plan, StageDescriptor{Name: StageChairman, Required: true, Timeout: t.Chairman})
	if cc.EnableReport {
		plan = append(plan, StageDescriptor{Name: StageReport, Timeout: t.Report})
	}
	return plan
}

// Names returns the stage names in order.
func (p Plan) Names() []string {
	out := make([]string, len(p))
	for i, s := range p {
		out[i] = s.Name
	}
	return out
}

// Has reports whether the plan contains stage.
func (p Plan) Has(stage string) bool {
	for _, s := range p {
		if s.Name == stage {
			return true
		}
	}
	return false
}
