// Package council runs one deliberation turn: independent answers from every
// participating agent, anonymized peer review, rank aggregation, optional
// discussion and fact-checking, and a chairman synthesis.
//
// A turn is a fixed plan of stages resolved from a configuration snapshot.
// Each stage emits a "<stage>_start" event followed by exactly one
// "<stage>_complete" or "error" event, and the stream always ends with one
// terminal "complete" or "error" event (the latter with an empty Stage).
package council

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/tools"
)

const (
	// injectableLimit caps how many finished background jobs one turn absorbs.
	injectableLimit = 5
	// finishTimeout bounds the final turn write after the caller went away.
	finishTimeout = 10 * time.Second
)

// Conversations is the persistence a turn needs.
type Conversations interface {
	store.TurnStore
	History(ctx context.Context, conversationID string, limit int) ([]store.Message, error)
	SetTitle(ctx context.Context, id, title string) error
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

// Jobs is the part of the job engine a turn uses.
type Jobs interface {
	Submit(ctx context.Context, sub jobs.Submission) (jobs.Handle, error)
	TakeInjectable(ctx context.Context, conversationID string, limit int) ([]*jobs.Job, error)
}

var _ Jobs = (*jobs.Engine)(nil)

// Orchestrator runs deliberation turns. It is safe for concurrent use; each
// turn works on its own configuration snapshot.
type Orchestrator struct {
	cfg       *config.Config
	agents    agents.Registry
	invoker   model.Invoker
	convs     Conversations
	jobs      Jobs
	assembler ContextAssembler
	web       tools.WebSearcher
	bus       *event.Bus
	logger    *logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithJobs enables injectable job summaries and report auto-save.
func WithJobs(j Jobs) Option {
	return func(o *Orchestrator) { o.jobs = j }
}

// WithContextAssembler sets the per-agent retrieval used by the initial
// answers stage.
func WithContextAssembler(a ContextAssembler) Option {
	return func(o *Orchestrator) { o.assembler = a }
}

// WithWebSearch enables the web results block in initial answers.
func WithWebSearch(s tools.WebSearcher) Option {
	return func(o *Orchestrator) { o.web = s }
}

// WithBus mirrors every stream event onto bus as an event.TurnStageEvent.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New creates an Orchestrator.
func New(cfg *config.Config, reg agents.Registry, inv model.Invoker, convs Conversations, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		agents:  reg,
		invoker: inv,
		convs:   convs,
		logger:  logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// turn is the state of one RunTurn call. Only the RunTurn goroutine touches
// it; fan-out goroutines write to indexed result slots.
type turn struct {
	o      *Orchestrator
	cfg    *config.Config
	conv   store.Conversation
	query  string
	emit   func(StageEvent)
	logger *logging.Logger

	rec          *TurnRecord
	participants []agents.Agent
	answered     []agents.Agent
	amap         *AnonymizationMap
	history      []model.Message
	injected     string
	realtime     string
	title        <-chan string
}

// RunTurn runs one turn for conv and blocks until it ends. emit receives
// every stream event in order from the calling goroutine and must not
// block for long. The returned record holds whatever stages completed; the
// error is non-nil when the turn ended with a terminal error event.
func (o *Orchestrator) RunTurn(ctx context.Context, conv store.Conversation, query string, emit func(StageEvent)) (*TurnRecord, error) {
	if emit == nil {
		emit = func(StageEvent) {}
	}
	t := &turn{
		o:      o,
		cfg:    o.cfg.Snapshot(),
		conv:   conv,
		query:  strings.TrimSpace(query),
		emit:   emit,
		logger: o.logger.WithConversation(conv.ID),
		rec:    &TurnRecord{ConversationID: conv.ID, Query: strings.TrimSpace(query), Status: store.TurnRunning},
	}
	if t.query == "" {
		return t.rec, t.abort(errors.NewValidationError("query is required").WithField("query"))
	}

	// History is read before the turn exists so it never contains this query.
	t.history = t.loadHistory(ctx)

	tr, err := o.convs.CreateTurn(ctx, conv.ID, t.query)
	if err != nil {
		return t.rec, t.abort(fmt.Errorf("start turn: %w", err))
	}
	t.rec.TurnID = tr.ID
	t.logger = t.logger.WithTurn(tr.ID)
	t.logger.Info("turn started", "query_len", len(t.query))

	if conv.Title == "" {
		t.title = o.startTitle(ctx, t.cfg, conv, t.query)
	}

	t.participants = agents.Select(o.agents, conv.AgentIDs)
	if len(t.participants) == 0 {
		return t.rec, t.fail(ctx, errors.ErrNoParticipants)
	}
	t.injected = t.takeInjectable(ctx)
	t.realtime = t.realtimeContext(ctx)
	t.submitEvidence(ctx)

	plan := BuildPlan(t.cfg, conv)
	t.logger.Debug("turn plan resolved", "stages", strings.Join(plan.Names(), ","))
	for _, sd := range plan {
		if err := ctx.Err(); err != nil {
			return t.rec, t.fail(ctx, err)
		}
		if err := t.runStage(ctx, sd); err != nil && sd.Required {
			return t.rec, t.fail(ctx, err)
		}
	}
	if t.rec.Final == nil {
		return t.rec, t.fail(ctx, errors.NewStageError("turn produced no final answer", nil).WithStage(StageChairman))
	}
	return t.rec, t.complete(ctx)
}

// runStage runs one stage and persists its result. A failed stage emits a
// stage error event and returns the error.
func (t *turn) runStage(ctx context.Context, sd StageDescriptor) error {
	log := t.logger.WithStage(sd.Name)
	t.send(StageEvent{Type: StartEvent(sd.Name), Stage: sd.Name})

	started := time.Now()
	data, err := t.execute(ctx, sd)
	if err == nil {
		if _, perr := t.o.convs.AppendStage(ctx, t.rec.TurnID, sd.Name, data); perr != nil {
			err = fmt.Errorf("persist stage: %w", perr)
		}
	}
	if err != nil {
		err = errors.NewStageError("stage failed", err).WithStage(sd.Name)
		log.Warn("stage failed", "error", err, "required", sd.Required, "duration_ms", time.Since(started).Milliseconds())
		t.send(StageEvent{Type: EventError, Stage: sd.Name, Error: err.Error()})
		return err
	}
	t.record(data)
	log.Info("stage completed", "duration_ms", time.Since(started).Milliseconds())
	t.send(StageEvent{Type: CompleteEvent(sd.Name), Stage: sd.Name, Data: data})
	return nil
}

func (t *turn) execute(ctx context.Context, sd StageDescriptor) (any, error) {
	switch sd.Name {
	case StagePreprocess:
		return t.preprocess(ctx, sd)
	case StageAnswers:
		return t.collectAnswers(ctx, sd)
	case StageReview:
		return t.collectReviews(ctx, sd)
	case StageAggregate:
		return t.aggregate()
	case StageDiscussion:
		return t.discuss(ctx, sd)
	case StageFactCheck:
		return t.factCheck(ctx, sd)
	case StageChairman:
		return t.synthesize(ctx, sd)
	case StageReport:
		return t.writeReport(ctx, sd)
	}
	return nil, fmt.Errorf("unknown stage %q", sd.Name)
}

// record stores a persisted stage result on the turn record, where later
// stages read it.
func (t *turn) record(data any) {
	switch v := data.(type) {
	case *Preprocess:
		t.rec.Preprocess = v
	case *AnswersResult:
		t.rec.Answers = v
	case *ReviewResult:
		t.rec.Review = v
	case []AggregateEntry:
		t.rec.Aggregate = v
	case *Discussion:
		t.rec.Discussion = v
	case *FactCheck:
		t.rec.FactCheck = v
	case *Synthesis:
		t.rec.Final = v
	case *Report:
		t.rec.Report = v
	}
}

// send stamps ev with the turn id, hands it to the caller and mirrors it
// onto the bus.
func (t *turn) send(ev StageEvent) {
	ev.TurnID = t.rec.TurnID
	t.emit(ev)
	if t.o.bus != nil {
		t.o.bus.Publish(event.NewTurnStageEvent(t.conv.ID, ev.TurnID, ev.Stage, ev.Type, ev.Error))
	}
}

// abort ends a turn that was never recorded.
func (t *turn) abort(err error) error {
	t.rec.Status = store.TurnError
	t.rec.Error = err.Error()
	t.logger.Warn("turn rejected", "error", err)
	t.send(StageEvent{Type: EventError, Error: err.Error()})
	return err
}

func (t *turn) fail(ctx context.Context, err error) error {
	t.rec.Status = store.TurnError
	t.rec.Error = err.Error()
	t.finish(ctx, store.TurnError, "", err.Error())
	t.awaitTitle(ctx)
	t.logger.Error("turn failed", "error", err)
	t.send(StageEvent{Type: EventError, Error: err.Error()})
	return err
}

func (t *turn) complete(ctx context.Context) error {
	t.rec.Status = store.TurnComplete
	t.finish(ctx, store.TurnComplete, t.rec.Final.Response, "")
	t.awaitTitle(ctx)
	t.logger.Info("turn completed")
	t.send(StageEvent{Type: EventComplete, Data: t.rec})
	return nil
}

// finish closes the turn row even when ctx is already cancelled.
func (t *turn) finish(ctx context.Context, status store.TurnStatus, answer, errMsg string) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if err := t.o.convs.FinishTurn(wctx, t.rec.TurnID, status, answer, errMsg); err != nil {
		t.logger.Error("failed to finish turn", "status", status, "error", err)
	}
}

// awaitTitle emits the generated title, if one is pending.
func (t *turn) awaitTitle(ctx context.Context) {
	if t.title == nil {
		return
	}
	select {
	case title := <-t.title:
		t.rec.Title = title
		t.send(StageEvent{Type: EventTitle, Data: map[string]string{"title": title}})
	case <-ctx.Done():
	}
	t.title = nil
}

func (t *turn) loadHistory(ctx context.Context) []model.Message {
	cc := t.cfg.Council
	if !cc.EnableHistoryContext || cc.HistoryMaxMessages <= 0 {
		return nil
	}
	msgs, err := t.o.convs.History(ctx, t.conv.ID, cc.HistoryMaxMessages)
	if err != nil {
		t.logger.Warn("failed to load history", "error", err)
		return nil
	}
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		switch model.Role(m.Role) {
		case model.RoleUser, model.RoleAssistant:
			if strings.TrimSpace(m.Content) != "" {
				out = append(out, model.Message{Role: model.Role(m.Role), Content: m.Content})
			}
		}
	}
	return out
}

// takeInjectable claims summaries of background jobs that finished since
// the last turn of this conversation.
func (t *turn) takeInjectable(ctx context.Context) string {
	if t.o.jobs == nil {
		return ""
	}
	done, err := t.o.jobs.TakeInjectable(ctx, t.conv.ID, injectableLimit)
	if err != nil {
		t.logger.Warn("failed to take job results", "error", err)
		return ""
	}
	var lines []string
	for _, j := range done {
		var res struct {
			Summary string `json:"summary"`
		}
		if len(j.Result) == 0 || json.Unmarshal(j.Result, &res) != nil || strings.TrimSpace(res.Summary) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("- [%s] %s", j.Type, strings.TrimSpace(res.Summary)))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Background research results:\n" + strings.Join(lines, "\n")
}

// call invokes the model for one stage and rejects blank replies.
func (t *turn) call(ctx context.Context, sd StageDescriptor, agentID string, c model.Call) (string, error) {
	c.ConversationID = t.conv.ID
	c.Stage = sd.Name
	c.AgentID = agentID
	if c.Timeout == 0 {
		c.Timeout = sd.Timeout
	}
	resp, err := t.o.invoker.Invoke(ctx, c)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", errors.ErrEmptyResponse
	}
	return content, nil
}

// chairman resolves the chairman model: the conversation's chairman agent,
// else the configured default.
func (t *turn) chairman() (modelSpec, agentID string, err error) {
	if id := t.conv.ChairmanAgentID; id != "" {
		a, err := t.o.agents.Get(id)
		if err == nil && a.Model != "" {
			return a.Model, a.ID, nil
		}
		t.logger.Warn("chairman agent unavailable, using default model", "agent_id", id)
	}
	if m := strings.TrimSpace(t.cfg.Council.ChairmanModel); m != "" {
		return m, "", nil
	}
	return "", "", errors.ErrNoChairman
}

func (t *turn) language() string {
	return t.cfg.Council.OutputLanguage
}
