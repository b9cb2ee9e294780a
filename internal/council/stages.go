package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"
	"golang.org/x/sync/errgroup"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/tools"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/util"
)

// maxDocumentRunes caps each attachment in the preprocess prompt.
const maxDocumentRunes = 6000

type outcome[T any] struct {
	value T
	err   error
}

// fanOut calls fn for every agent concurrently and waits for all of them.
// A failure or panic in one call never cancels the others; results keep
// the order of list.
func fanOut[T any](ctx context.Context, list []agents.Agent, fn func(context.Context, agents.Agent) (T, error)) []outcome[T] {
	out := make([]outcome[T], len(list))
	var g errgroup.Group
	for i, a := range list {
		g.Go(func() error {
			var pc panics.Catcher
			pc.Try(func() {
				out[i].value, out[i].err = fn(ctx, a)
			})
			if r := pc.Recovered(); r != nil {
				out[i].err = fmt.Errorf("agent call panicked: %w", r.AsError())
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// failure drops a from the stage and logs why.
func (t *turn) failure(sd StageDescriptor, a agents.Agent, err error) AgentFailure {
	t.logger.Warn("agent dropped from stage",
		"agent_id", a.ID,
		"error", errors.NewStageError("agent call failed", err).WithStage(sd.Name).WithAgent(a.ID))
	return AgentFailure{AgentID: a.ID, AgentName: a.DisplayName(), Model: a.Model, Error: err.Error()}
}

func (t *turn) preprocess(ctx context.Context, sd StageDescriptor) (any, error) {
	var docs []store.Document
	for _, id := range t.conv.KBDocIDs {
		d, err := t.o.convs.GetDocument(ctx, id)
		if err != nil {
			t.logger.Warn("attachment unavailable", "doc_id", id, "error", err)
			continue
		}
		if r := []rune(d.Content); len(r) > maxDocumentRunes {
			d.Content = string(r[:maxDocumentRunes])
		}
		docs = append(docs, d)
	}
	if len(docs) == 0 {
		return nil, errors.NewNotFoundError("attachments", strings.Join(t.conv.KBDocIDs, ","))
	}

	spec, agentID, err := t.chairman()
	if err != nil {
		return nil, err
	}
	reply, err := t.call(ctx, sd, agentID, model.Call{
		Model:  spec,
		System: joinNonEmpty([]string{preprocessSystem, languageInstruction(t.language())}, "\n\n"),
		Prompt: preprocessPrompt(t.query, docs),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}
	var p Preprocess
	if !extractJSONObject(reply, &p) {
		return nil, fmt.Errorf("%w: preprocess reply is not a JSON object", errors.ErrInvalidInput)
	}
	p.Summary = strings.TrimSpace(p.Summary)
	return &p, nil
}

func (t *turn) collectAnswers(ctx context.Context, sd StageDescriptor) (any, error) {
	shared := []string{t.realtime, preprocessBlock(t.rec.Preprocess), t.injected}
	results := fanOut(ctx, t.participants, func(ctx context.Context, a agents.Agent) (string, error) {
		blocks := append([]string{t.assemble(ctx, a)}, shared...)
		return t.call(ctx, sd, a.ID, model.Call{
			Model:   a.Model,
			System:  agentSystem(a, t.language(), blocks...),
			History: t.history,
			Prompt:  t.query,
		})
	})

	res := &AnswersResult{Answers: []AgentAnswer{}, Failures: []AgentFailure{}}
	for i, r := range results {
		a := t.participants[i]
		if r.err != nil {
			res.Failures = append(res.Failures, t.failure(sd, a, r.err))
			continue
		}
		t.answered = append(t.answered, a)
		res.Answers = append(res.Answers, AgentAnswer{
			AgentID:         a.ID,
			AgentName:       a.DisplayName(),
			Model:           a.Model,
			InfluenceWeight: a.InfluenceWeight,
			SeniorityYears:  a.SeniorityYears,
			Response:        r.value,
		})
	}
	if len(res.Answers) == 0 {
		return nil, errors.ErrAllAgentsFailed
	}
	return res, nil
}

// assemble returns the retrieval context for a, or "" when there is none.
func (t *turn) assemble(ctx context.Context, a agents.Agent) string {
	if t.o.assembler == nil {
		return ""
	}
	text, err := t.o.assembler.Assemble(ctx, a, t.conv, t.query)
	if err != nil {
		t.logger.Warn("context assembly failed", "agent_id", a.ID, "error", err)
		return ""
	}
	return text
}

func (t *turn) collectReviews(ctx context.Context, sd StageDescriptor) (any, error) {
	answers := t.rec.Answers.Answers
	ids := make([]string, len(answers))
	byLabel := make(map[string]string, len(answers))
	for i, a := range answers {
		ids[i] = a.AgentID
	}
	t.amap = NewAnonymizationMap(ids)
	for _, a := range answers {
		label, _ := t.amap.LabelOf(a.AgentID)
		byLabel[label] = a.Response
	}

	var reviewers []agents.Agent
	for _, a := range t.answered {
		if len(t.amap.VisibleTo(a.ID)) > 0 {
			reviewers = append(reviewers, a)
		}
	}

	type review struct {
		critique string
		parsed   []string
	}
	results := fanOut(ctx, reviewers, func(ctx context.Context, a agents.Agent) (review, error) {
		visible := t.amap.VisibleTo(a.ID)
		shown := make([]labelledAnswer, len(visible))
		for i, label := range visible {
			shown[i] = labelledAnswer{Label: label, Response: byLabel[label]}
		}
		reply, err := t.call(ctx, sd, a.ID, model.Call{
			Model:  a.Model,
			System: agentSystem(a, t.language()),
			Prompt: reviewPrompt(t.query, shown),
		})
		if err != nil {
			return review{}, err
		}
		return review{critique: reply, parsed: ParseRanking(reply, visible)}, nil
	})

	res := &ReviewResult{Reviews: []RankingEntry{}, Failures: []AgentFailure{}, LabelToAgent: t.amap.Mapping()}
	for i, r := range results {
		a := reviewers[i]
		if r.err != nil {
			res.Failures = append(res.Failures, t.failure(sd, a, r.err))
			continue
		}
		if len(r.value.parsed) == 0 {
			t.logger.Warn("review has no parsable ranking", "agent_id", a.ID)
		}
		res.Reviews = append(res.Reviews, RankingEntry{
			ReviewerID:   a.ID,
			ReviewerName: a.DisplayName(),
			Model:        a.Model,
			VoteWeight:   a.VoteWeight(),
			Critique:     r.value.critique,
			Parsed:       nonNil(r.value.parsed),
		})
	}
	return res, nil
}

func (t *turn) aggregate() (any, error) {
	return Aggregate(t.rec.Review.Reviews, t.amap, t.rec.Answers.Answers, t.cfg.Council.UnrankedPolicy), nil
}

var claimStatuses = map[string]bool{"supported": true, "uncertain": true, "refuted": true}

func (t *turn) factCheck(ctx context.Context, sd StageDescriptor) (any, error) {
	spec, agentID, err := t.chairman()
	if err != nil {
		return nil, err
	}
	extra := joinNonEmpty([]string{preprocessBlock(t.rec.Preprocess), t.injected}, "\n\n")
	var reviews []RankingEntry
	if t.rec.Review != nil {
		reviews = t.rec.Review.Reviews
	}
	reply, err := t.call(ctx, sd, agentID, model.Call{
		Model:  spec,
		System: joinNonEmpty([]string{factCheckSystem, languageInstruction(t.language())}, "\n\n"),
		Prompt: factCheckPrompt(t.query, extra, t.rec.Answers.Answers, reviews, t.rec.Discussion),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	var fc FactCheck
	if !extractJSONObject(reply, &fc) {
		return nil, fmt.Errorf("%w: fact check reply is not a JSON object", errors.ErrInvalidInput)
	}
	claims := make([]Claim, 0, len(fc.Claims))
	for _, c := range fc.Claims {
		c.Claim = strings.TrimSpace(c.Claim)
		if c.Claim == "" {
			continue
		}
		c.Status = strings.ToLower(strings.TrimSpace(c.Status))
		if !claimStatuses[c.Status] {
			c.Status = "uncertain"
		}
		c.Confidence = min(max(c.Confidence, 0), 1)
		c.Evidence = nonNil(c.Evidence)
		claims = append(claims, c)
	}
	fc.Claims = claims
	fc.OpenQuestions = nonNil(fc.OpenQuestions)
	return &fc, nil
}

func (t *turn) synthesize(ctx context.Context, sd StageDescriptor) (any, error) {
	spec, agentID, err := t.chairman()
	if err != nil {
		return nil, err
	}
	reply, err := t.call(ctx, sd, agentID, model.Call{
		Model:  spec,
		System: languageInstruction(t.language()),
		Prompt: chairmanPrompt(t.query, t.rec),
	})
	if err != nil {
		return nil, err
	}
	s := &Synthesis{Model: spec, AgentID: agentID, Response: reply}
	return s, nil
}

func (t *turn) writeReport(ctx context.Context, sd StageDescriptor) (any, error) {
	spec, agentID, err := t.chairman()
	if err != nil {
		return nil, err
	}
	rc := t.cfg.Council.Report
	reply, err := t.call(ctx, sd, agentID, model.Call{
		Model:  spec,
		System: languageInstruction(t.language()),
		Prompt: reportPrompt(t.query, t.rec.Final.Response, rc.Instructions),
	})
	if err != nil {
		return nil, err
	}
	r := &Report{Model: spec, Title: t.reportTitle(), Content: reply}
	if rc.AutoSave && t.o.jobs != nil {
		r.PersistJobID = t.submitReport(ctx, r, rc.KBCategory)
	}
	return r, nil
}

func (t *turn) reportTitle() string {
	title := t.conv.Title
	if title == "" {
		title = util.TruncateString(t.query, 60)
	}
	return "Council report: " + title
}

// submitReport queues the durable write of r and returns the job id. A
// submission failure is logged; the report itself is still returned.
func (t *turn) submitReport(ctx context.Context, r *Report, category string) string {
	payload, err := json.Marshal(tools.ReportPayload{
		TurnID:        t.rec.TurnID,
		Title:         r.Title,
		Content:       r.Content,
		ChairmanModel: r.Model,
		Category:      category,
	})
	if err != nil {
		t.logger.Warn("failed to encode report payload", "error", err)
		return ""
	}
	h, err := t.o.jobs.Submit(ctx, jobs.Submission{
		Type:           config.JobTypeReportPersist,
		ConversationID: t.conv.ID,
		Payload:        payload,
		IdempotencyKey: "report:" + t.rec.TurnID,
	})
	if err != nil {
		t.logger.Warn("failed to submit report persistence", "error", err)
		return ""
	}
	t.logger.Info("report persistence queued", "job_id", h.Job.ID, "created", h.Created)
	return h.Job.ID
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
