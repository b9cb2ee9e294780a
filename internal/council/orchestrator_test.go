package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/agents"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/event"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/jobs"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/logging"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/model/modeltest"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/testutil"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type harness struct {
	cfg    *config.Config
	store  *store.Store
	reg    *agents.Static
	models *modeltest.Provider
	orch   *Orchestrator
}

func newHarness(t *testing.T, list []agents.Agent, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Council.ChairmanModel = "openrouter:chair"
	cfg.Council.TitleModel = "openrouter:titler"
	if mutate != nil {
		mutate(cfg)
	}
	st, err := store.New(testutil.SetupTestDB(t))
	require.NoError(t, err)
	reg, err := agents.NewStatic(list)
	require.NoError(t, err)

	h := &harness{cfg: cfg, store: st, reg: reg, models: modeltest.New().On("chair", chairReply)}
	h.rebuild()
	return h
}

func (h *harness) rebuild(opts ...Option) {
	h.orch = New(h.cfg, h.reg, h.models.Invoker(), h.store, opts...)
}

func (h *harness) conversation(t *testing.T, c store.Conversation) store.Conversation {
	t.Helper()
	conv, err := h.store.CreateConversation(context.Background(), c)
	require.NoError(t, err)
	return conv
}

func (h *harness) run(conv store.Conversation, query string) (*TurnRecord, []StageEvent, error) {
	var events []StageEvent
	rec, err := h.orch.RunTurn(context.Background(), conv, query, func(ev StageEvent) {
		events = append(events, ev)
	})
	return rec, events, err
}

func testAgent(id, modelName string) agents.Agent {
	return agents.Agent{
		ID:              id,
		Name:            strings.ToUpper(id),
		Enabled:         true,
		Persona:         "You are expert " + id + ".",
		Model:           "openrouter:" + modelName,
		InfluenceWeight: 1,
	}
}

func lastPrompt(req model.Request) string {
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

func isReview(req model.Request) bool {
	return strings.Contains(lastPrompt(req), "anonymous answers")
}

// agentReply answers the question with answer and ranks the given labels
// when asked to review.
func agentReply(answer string, ranking ...string) modeltest.ReplyFunc {
	return func(req model.Request) (string, error) {
		p := lastPrompt(req)
		switch {
		case isReview(req):
			var sb strings.Builder
			sb.WriteString("Each answer has merit.\n\nFINAL RANKING:\n")
			for i, label := range ranking {
				fmt.Fprintf(&sb, "%d. %s\n", i+1, label)
			}
			return sb.String(), nil
		case strings.Contains(p, "lively group chat"):
			return answer + " adds a new angle", nil
		case strings.Contains(p, "roundtable"):
			return answer + " in the roundtable", nil
		}
		return answer, nil
	}
}

func chairReply(req model.Request) (string, error) {
	p := lastPrompt(req)
	switch {
	case strings.Contains(req.System, "document preprocessor"):
		return `{"summary":"doc summary","key_questions":["q1"],"used_docs":"doc-1"}`, nil
	case strings.Contains(req.System, "fact checker"):
		return "Here you go:\n" + `{"claims":[{"claim":"X holds","status":"Supported","evidence":[{"type":"kb","ref":"KB[doc-1]"}],"confidence":1.4},{"claim":"  "}],"open_questions":"What about Y?"}`, nil
	case strings.Contains(p, "opinion leaders"):
		return `{"leaders":["c","ghost"]}`, nil
	case strings.Contains(p, "long-form"):
		return "# Report\n\nLong report body.", nil
	case strings.Contains(p, "Chairman of an LLM Council"):
		return "Final synthesized answer.", nil
	}
	return "chair", nil
}

// requestsTo returns the requests made to modelName that match.
func requestsTo(p *modeltest.Provider, modelName string, match func(model.Request) bool) []model.Request {
	var out []model.Request
	for _, c := range p.Calls() {
		if c.Model == modelName && match(c) {
			out = append(out, c)
		}
	}
	return out
}

func stageNames(t *testing.T, st *store.Store, turnID string) []string {
	t.Helper()
	stages, err := st.Stages(context.Background(), turnID)
	require.NoError(t, err)
	var names []string
	for _, s := range stages {
		names = append(names, s.Name)
	}
	return names
}

func eventTypes(events []StageEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// requireWellFormed checks that every stage start is closed by its complete
// or error event and that exactly one terminal event ends the stream.
func requireWellFormed(t *testing.T, events []StageEvent) {
	t.Helper()
	require.NotEmpty(t, events)
	terminals := 0
	for _, ev := range events {
		if ev.IsTerminal() {
			terminals++
		}
	}
	require.Equal(t, 1, terminals, "terminal events in %v", eventTypes(events))
	require.True(t, events[len(events)-1].IsTerminal(), "stream must end with a terminal event: %v", eventTypes(events))

	open := ""
	for _, ev := range events[:len(events)-1] {
		switch {
		case ev.Type == EventTitle:
		case ev.Type == StartEvent(ev.Stage):
			require.Empty(t, open, "%s started while %s was open", ev.Stage, open)
			open = ev.Stage
		case ev.Type == CompleteEvent(ev.Stage), ev.Type == EventError:
			require.Equal(t, open, ev.Stage, "unexpected %s", ev.Type)
			open = ""
		default:
			t.Fatalf("unexpected event %q", ev.Type)
		}
	}
	require.Empty(t, open, "stage %s never finished", open)
}

func TestRunTurnLogsDroppedAgentWithStage(t *testing.T) {
	h := newHarness(t, []agents.Agent{
		testAgent("a", "alpha"), testAgent("b", "beta"), testAgent("c", "gamma"),
	}, nil)
	var buf bytes.Buffer
	h.rebuild(WithLogger(logging.NewWriterLogger(&buf, logging.LevelWarn)))
	h.models.
		On("alpha", agentReply("alpha answer", "Response B", "Response A")).
		On("gamma", agentReply("gamma answer", "Response A", "Response B")).
		Fail("beta", errors.ErrEmptyResponse)
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, _, err := h.run(conv, "What is X?")
	require.NoError(t, err)
	require.Len(t, rec.Answers.Failures, 1)
	assert.Equal(t, "empty model response", rec.Answers.Failures[0].Error)
	assert.Contains(t, buf.String(), "agent dropped from stage")
	assert.Contains(t, buf.String(), "stage error [stage=stage1, agent=b]: agent call failed: empty model response")
}

func TestRunTurnIsolatesAgentFailures(t *testing.T) {
	h := newHarness(t, []agents.Agent{
		testAgent("a", "alpha"), testAgent("b", "beta"), testAgent("c", "gamma"), testAgent("d", "delta"),
	}, nil)
	h.models.
		On("alpha", agentReply("alpha answer", "Response B")).
		On("gamma", agentReply("gamma answer", "Response A")).
		Fail("beta", errors.NewModelError("upstream 502", nil)).
		Fail("delta", errors.ErrEmptyResponse)
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, events, err := h.run(conv, "What is X?")
	require.NoError(t, err)
	requireWellFormed(t, events)

	assert.Equal(t, store.TurnComplete, rec.Status)
	require.Len(t, rec.Answers.Answers, 2)
	assert.Equal(t, "a", rec.Answers.Answers[0].AgentID)
	assert.Equal(t, "c", rec.Answers.Answers[1].AgentID)
	require.Len(t, rec.Answers.Failures, 2)
	assert.Equal(t, "b", rec.Answers.Failures[0].AgentID)
	assert.Equal(t, "d", rec.Answers.Failures[1].AgentID)

	// Failed agents are excluded from review and labels.
	assert.Equal(t, map[string]string{"Response A": "a", "Response B": "c"}, rec.Review.LabelToAgent)
	assert.Equal(t, 1, h.models.CallCount("beta"))
	assert.Equal(t, 1, h.models.CallCount("delta"))

	// Reviewers never see their own answer.
	reviews := requestsTo(h.models, "alpha", isReview)
	require.Len(t, reviews, 1)
	assert.Contains(t, lastPrompt(reviews[0]), "gamma answer")
	assert.NotContains(t, lastPrompt(reviews[0]), "alpha answer")

	require.Len(t, rec.Aggregate, 2)
	assert.Equal(t, "a", rec.Aggregate[0].AgentID)
	assert.Equal(t, "Final synthesized answer.", rec.Final.Response)
	assert.Equal(t, "openrouter:chair", rec.Final.Model)

	assert.Equal(t, []string{StageAnswers, StageReview, StageAggregate, StageChairman}, stageNames(t, h.store, rec.TurnID))
	turn, err := h.store.GetTurn(context.Background(), rec.TurnID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnComplete, turn.Status)

	history, err := h.store.History(context.Background(), conv.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "Final synthesized answer.", history[1].Content)
}

func TestRunTurnAggregatesRankings(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta"), testAgent("c", "gamma")}, nil)
	h.models.
		On("alpha", agentReply("alpha answer", "Response C", "Response B")).
		On("beta", agentReply("beta answer", "Response A", "Response C")).
		On("gamma", agentReply("gamma answer", "Response A", "Response B"))
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, events, err := h.run(conv, "Rank us")
	require.NoError(t, err)
	requireWellFormed(t, events)

	require.Len(t, rec.Aggregate, 3)
	assert.Equal(t, "a", rec.Aggregate[0].AgentID)
	gamma := rec.Aggregate[1]
	assert.Equal(t, "c", gamma.AgentID)
	assert.InDelta(t, 1.5, gamma.AverageRank, 1e-9)
	assert.Equal(t, 2, gamma.Votes)
	assert.Equal(t, "b", rec.Aggregate[2].AgentID)

	for _, ev := range events {
		if ev.Type == CompleteEvent(StageAggregate) {
			assert.Equal(t, rec.Aggregate, ev.Data)
		}
	}
	assert.Contains(t, h.models.LastPrompt("chair"), "average 1.500 over 2 votes")
}

func TestRunTurnStreamTermination(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		script  func(*modeltest.Provider)
		conv    store.Conversation
		wantErr error
		want    []string
	}{
		{
			name: "all agents fail",
			script: func(p *modeltest.Provider) {
				p.Fail("alpha", errors.ErrEmptyResponse).Fail("beta", errors.ErrEmptyResponse)
			},
			wantErr: errors.ErrAllAgentsFailed,
			want:    []string{"stage1_start", EventError, EventError},
		},
		{
			name:    "no participants",
			conv:    store.Conversation{AgentIDs: []string{"ghost"}},
			wantErr: errors.ErrNoParticipants,
			want:    []string{EventError},
		},
		{
			name:   "no chairman",
			mutate: func(c *config.Config) { c.Council.ChairmanModel = "" },
			script: func(p *modeltest.Provider) {
				p.On("alpha", agentReply("a", "Response B")).On("beta", agentReply("b", "Response A"))
			},
			wantErr: errors.ErrNoChairman,
			want: []string{
				"stage1_start", "stage1_complete", "stage2_start", "stage2_complete",
				"aggregate_start", "aggregate_complete", "stage3_start", EventError, EventError,
			},
		},
		{
			name: "optional stages fail",
			mutate: func(c *config.Config) {
				c.Council.EnableFactCheck = true
				c.Council.EnableReport = true
			},
			script: func(p *modeltest.Provider) {
				p.On("chair", func(req model.Request) (string, error) {
					switch {
					case strings.Contains(req.System, "fact checker"):
						return "I could not produce JSON", nil
					case strings.Contains(lastPrompt(req), "long-form"):
						return "", fmt.Errorf("report model down")
					}
					return chairReply(req)
				})
			},
			want: []string{
				"stage1_start", "stage1_complete", "stage2_start", "stage2_complete",
				"aggregate_start", "aggregate_complete", "stage2c_start", EventError,
				"stage3_start", "stage3_complete", "stage4_start", EventError, EventComplete,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta")}, tt.mutate)
			if tt.script != nil {
				tt.script(h.models)
			}
			tt.conv.Title = "Existing"
			conv := h.conversation(t, tt.conv)

			rec, events, err := h.run(conv, "Question")
			requireWellFormed(t, events)
			assert.Equal(t, tt.want, eventTypes(events))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, store.TurnError, rec.Status)
				assert.Nil(t, rec.Final)
				last := events[len(events)-1]
				assert.Empty(t, last.Stage)
				assert.NotEmpty(t, last.Error)

				turn, err := h.store.GetTurn(context.Background(), rec.TurnID)
				require.NoError(t, err)
				assert.Equal(t, store.TurnError, turn.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, store.TurnComplete, rec.Status)
		})
	}
}

func TestRunTurnChairmanFailureKeepsPriorStages(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta")}, nil)
	h.models.
		On("alpha", agentReply("alpha answer", "Response B")).
		On("beta", agentReply("beta answer", "Response A")).
		Fail("chair", errors.NewModelError("overloaded", nil))
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, events, err := h.run(conv, "Question")
	require.Error(t, err)
	requireWellFormed(t, events)

	n := len(events)
	assert.Equal(t, EventError, events[n-2].Type)
	assert.Equal(t, StageChairman, events[n-2].Stage)
	assert.Nil(t, rec.Final)

	turn, err := h.store.GetTurn(context.Background(), rec.TurnID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnError, turn.Status)
	assert.Equal(t, 3, turn.StageCount)
	assert.NotEmpty(t, turn.Error)
}

func TestRunTurnChairmanOverride(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta")}, nil)
	h.models.On("alpha", agentReply("alpha answer")).On("beta", agentReply("beta answer"))
	conv := h.conversation(t, store.Conversation{Title: "Existing", ChairmanAgentID: "b"})

	rec, _, err := h.run(conv, "Question")
	require.NoError(t, err)
	assert.Equal(t, "openrouter:beta", rec.Final.Model)
	assert.Equal(t, "b", rec.Final.AgentID)
	assert.Zero(t, h.models.CallCount("chair"))
}

// failingStages rejects AppendStage for the named stages.
type failingStages struct {
	*store.Store
	fail map[string]bool
}

func (f failingStages) AppendStage(ctx context.Context, turnID, stage string, data any) (store.Stage, error) {
	if f.fail[stage] {
		return store.Stage{}, fmt.Errorf("disk full")
	}
	return f.Store.AppendStage(ctx, turnID, stage, data)
}

func TestRunTurnUnsavedStageIsNotUsed(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta")}, func(c *config.Config) {
		c.Council.EnableFactCheck = true
	})
	h.models.On("alpha", agentReply("alpha answer", "Response B")).On("beta", agentReply("beta answer", "Response A"))
	h.orch = New(h.cfg, h.reg, h.models.Invoker(), failingStages{Store: h.store, fail: map[string]bool{StageFactCheck: true}})
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, events, err := h.run(conv, "Question")
	require.NoError(t, err)
	requireWellFormed(t, events)

	var factCheckErr bool
	for _, ev := range events {
		if ev.Type == EventError && ev.Stage == StageFactCheck {
			factCheckErr = true
			assert.Contains(t, ev.Error, "disk full")
		}
	}
	assert.True(t, factCheckErr)
	assert.Nil(t, rec.FactCheck)
	require.NotNil(t, rec.Final)

	synth := requestsTo(h.models, "chair", func(r model.Request) bool {
		return strings.Contains(lastPrompt(r), "Chairman of an LLM Council")
	})
	require.Len(t, synth, 1)
	assert.NotContains(t, lastPrompt(synth[0]), "X holds")
	assert.NotContains(t, stageNames(t, h.store, rec.TurnID), StageFactCheck)
}

func TestRunTurnAllOptionalStages(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta"), testAgent("c", "gamma")}, func(c *config.Config) {
		c.Council.EnablePreprocess = true
		c.Council.EnableDiscussion = true
		c.Council.EnableFactCheck = true
		c.Council.EnableReport = true
		c.Council.Discussion.Mode = config.DiscussionLively
		c.Council.Discussion.MaxMessages = 4
	})
	h.models.
		On("alpha", agentReply("alpha answer", "Response B", "Response C")).
		On("beta", agentReply("beta answer", "Response A", "Response C")).
		On("gamma", agentReply("gamma answer", "Response A", "Response B"))
	ctx := context.Background()
	_, err := h.store.SaveDocument(ctx, store.Document{ID: "doc-1", Title: "Spec", Content: "Attached material."})
	require.NoError(t, err)
	conv := h.conversation(t, store.Conversation{Title: "Existing", KBDocIDs: []string{"doc-1"}})

	rec, events, err := h.run(conv, "Question")
	require.NoError(t, err)
	requireWellFormed(t, events)

	var completed []string
	for _, ev := range events {
		if ev.Type == CompleteEvent(ev.Stage) {
			completed = append(completed, ev.Stage)
		}
	}
	all := []string{StagePreprocess, StageAnswers, StageReview, StageAggregate, StageDiscussion, StageFactCheck, StageChairman, StageReport}
	assert.Equal(t, all, completed)
	assert.Equal(t, all, stageNames(t, h.store, rec.TurnID))

	require.NotNil(t, rec.Preprocess)
	assert.Equal(t, "doc summary", rec.Preprocess.Summary)
	assert.Equal(t, []string{"doc-1"}, []string(rec.Preprocess.UsedDocs))
	answers := requestsTo(h.models, "alpha", func(r model.Request) bool { return lastPrompt(r) == "Question" })
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0].System, "Attachment digest")
	assert.Contains(t, answers[0].System, "You are expert a.")

	require.NotNil(t, rec.Discussion)
	assert.Equal(t, []string{"c"}, rec.Discussion.Leaders)
	require.Len(t, rec.Discussion.Messages, 4)
	assert.Equal(t, "c", rec.Discussion.Messages[0].AgentID)
	assert.True(t, rec.Discussion.Messages[0].Leader)
	assert.Equal(t, "a", rec.Discussion.Messages[1].AgentID)

	require.NotNil(t, rec.FactCheck)
	require.Len(t, rec.FactCheck.Claims, 1)
	assert.Equal(t, "supported", rec.FactCheck.Claims[0].Status)
	assert.Equal(t, 1.0, rec.FactCheck.Claims[0].Confidence)
	assert.Equal(t, []string{"What about Y?"}, []string(rec.FactCheck.OpenQuestions))

	require.NotNil(t, rec.Report)
	assert.Equal(t, "# Report\n\nLong report body.", rec.Report.Content)
	assert.Empty(t, rec.Report.PersistJobID)
}

func TestRunTurnSeriousDiscussion(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta"), testAgent("c", "gamma")}, func(c *config.Config) {
		c.Council.EnableDiscussion = true
		c.Council.Discussion.Mode = config.DiscussionSerious
		c.Council.Discussion.Rounds = 2
	})
	h.models.
		On("alpha", agentReply("alpha answer")).
		On("beta", agentReply("beta answer")).
		Fail("gamma", errors.ErrEmptyResponse)
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, _, err := h.run(conv, "Question")
	require.NoError(t, err)
	require.NotNil(t, rec.Discussion)
	assert.Equal(t, config.DiscussionSerious, rec.Discussion.Mode)
	require.Len(t, rec.Discussion.Messages, 4)
	assert.Equal(t, 1, rec.Discussion.Messages[0].Round)
	assert.Equal(t, 2, rec.Discussion.Messages[3].Round)

	rounds := requestsTo(h.models, "alpha", func(r model.Request) bool {
		return strings.Contains(lastPrompt(r), "roundtable")
	})
	require.Len(t, rounds, 2)
	assert.NotContains(t, lastPrompt(rounds[0]), "Previous round:")
	assert.Contains(t, lastPrompt(rounds[1]), "Previous round:")
	assert.Contains(t, lastPrompt(rounds[1]), "beta answer in the roundtable")
	assert.Equal(t, 1, h.models.CallCount("gamma"))
}

func TestRunTurnLivelyDiscussionStopsWhenEveryonePasses(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta")}, func(c *config.Config) {
		c.Council.EnableDiscussion = true
		c.Council.Discussion.Mode = config.DiscussionLively
	})
	pass := func(answer string) modeltest.ReplyFunc {
		base := agentReply(answer)
		return func(req model.Request) (string, error) {
			if strings.Contains(lastPrompt(req), "lively group chat") {
				return "PASS.", nil
			}
			return base(req)
		}
	}
	h.models.On("alpha", pass("alpha answer")).On("beta", pass("beta answer"))
	h.models.On("chair", func(req model.Request) (string, error) {
		if strings.Contains(lastPrompt(req), "opinion leaders") {
			return "no idea", nil
		}
		return chairReply(req)
	})
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	rec, events, err := h.run(conv, "Question")
	require.NoError(t, err)
	requireWellFormed(t, events)
	assert.Nil(t, rec.Discussion)
	assert.Contains(t, eventTypes(events), EventError)
	// One pass over both speakers, then the chat ends.
	lively := requestsTo(h.models, "alpha", func(r model.Request) bool {
		return strings.Contains(lastPrompt(r), "lively group chat")
	})
	assert.Len(t, lively, 1)
	assert.NotContains(t, stageNames(t, h.store, rec.TurnID), StageDiscussion)
}

type fakeJobs struct {
	mu         sync.Mutex
	submitted  []jobs.Submission
	injectable []*jobs.Job
	takes      []string
}

func (f *fakeJobs) Submit(_ context.Context, sub jobs.Submission) (jobs.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, sub)
	return jobs.Handle{Job: &jobs.Job{ID: fmt.Sprintf("job-%d", len(f.submitted)), Type: sub.Type}, Created: true}, nil
}

func (f *fakeJobs) TakeInjectable(_ context.Context, conversationID string, limit int) ([]*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.takes = append(f.takes, fmt.Sprintf("%s/%d", conversationID, limit))
	out := f.injectable
	f.injectable = nil
	return out, nil
}

func TestRunTurnSubmitsReportPersistence(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, func(c *config.Config) {
		c.Council.EnableReport = true
		c.Council.Report.AutoSave = true
		c.Council.Report.KBCategory = "reports"
	})
	fj := &fakeJobs{}
	h.rebuild(WithJobs(fj))
	conv := h.conversation(t, store.Conversation{Title: "Pricing"})

	rec, _, err := h.run(conv, "Question")
	require.NoError(t, err)
	require.NotNil(t, rec.Report)
	assert.Equal(t, "job-1", rec.Report.PersistJobID)
	assert.Equal(t, "Council report: Pricing", rec.Report.Title)

	require.Len(t, fj.submitted, 1)
	sub := fj.submitted[0]
	assert.Equal(t, config.JobTypeReportPersist, sub.Type)
	assert.Equal(t, conv.ID, sub.ConversationID)
	assert.Equal(t, "report:"+rec.TurnID, sub.IdempotencyKey)

	var payload tools.ReportPayload
	require.NoError(t, json.Unmarshal(sub.Payload, &payload))
	assert.Equal(t, rec.TurnID, payload.TurnID)
	assert.Equal(t, "openrouter:chair", payload.ChairmanModel)
	assert.Equal(t, "reports", payload.Category)
	assert.Equal(t, rec.Report.Content, payload.Content)
}

func TestRunTurnReportPersistedByEngine(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, func(c *config.Config) {
		c.Council.EnableReport = true
		c.Council.Report.AutoSave = true
	})
	jobStore, err := jobs.NewGormStore(testutil.SetupTestDB(t))
	require.NoError(t, err)
	engine := jobs.NewEngine(jobStore, testutil.FastJobsConfig())
	tools.Register(engine, h.cfg, tools.Deps{Docs: h.store})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	h.rebuild(WithJobs(engine))
	conv := h.conversation(t, store.Conversation{Title: "Pricing"})

	rec, _, err := h.run(conv, "Question")
	require.NoError(t, err)
	require.NotEmpty(t, rec.Report.PersistJobID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := engine.Await(ctx, rec.Report.PersistJobID)
	require.NoError(t, err)
	require.Equal(t, jobs.StatusSucceeded, job.Status, job.Error)

	doc, err := h.store.GetDocument(ctx, tools.ReportDocumentID(rec.TurnID))
	require.NoError(t, err)
	assert.Equal(t, h.cfg.Council.Report.KBCategory, doc.Category)
	assert.Equal(t, rec.Report.Content, doc.Content)
}

func TestRunTurnInjectsFinishedJobs(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, nil)
	fj := &fakeJobs{injectable: []*jobs.Job{
		{ID: "j1", Type: config.JobTypeWebSearch, Result: json.RawMessage(`{"summary":"Web search finished: 2 results."}`)},
		{ID: "j2", Type: config.JobTypeKBIndex, Result: json.RawMessage(`{"type":"kb_index"}`)},
	}}
	h.rebuild(WithJobs(fj))
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	_, _, err := h.run(conv, "Question")
	require.NoError(t, err)
	assert.Equal(t, []string{conv.ID + "/5"}, fj.takes)

	answers := requestsTo(h.models, "alpha", func(r model.Request) bool { return lastPrompt(r) == "Question" })
	require.Len(t, answers, 1)
	assert.Contains(t, answers[0].System, "- [web_search] Web search finished: 2 results.")
	assert.NotContains(t, answers[0].System, "kb_index")
}

func TestRunTurnAddsHistory(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, nil)
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	_, _, err := h.run(conv, "First question")
	require.NoError(t, err)
	_, _, err = h.run(conv, "Second question")
	require.NoError(t, err)

	answers := requestsTo(h.models, "alpha", func(r model.Request) bool { return lastPrompt(r) == "Second question" })
	require.Len(t, answers, 1)
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "First question"},
		{Role: model.RoleAssistant, Content: "Final synthesized answer."},
		{Role: model.RoleUser, Content: "Second question"},
	}, answers[0].Messages)
}

func TestRunTurnGeneratesTitle(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, nil)
	h.models.Reply("titler", "\"Quantum Basics\"\nbecause it is short")
	conv := h.conversation(t, store.Conversation{})

	rec, events, err := h.run(conv, "Explain quantum computing")
	require.NoError(t, err)
	requireWellFormed(t, events)

	n := len(events)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, EventTitle, events[n-2].Type)
	assert.Equal(t, map[string]string{"title": "Quantum Basics"}, events[n-2].Data)
	assert.Equal(t, "Quantum Basics", rec.Title)

	stored, err := h.store.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Quantum Basics", stored.Title)
}

func TestGenerateTitleFallbacks(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, nil)
	conv := store.Conversation{ID: "c1"}
	ctx := context.Background()

	h.models.Fail("titler", errors.ErrEmptyResponse).Reply("chair", "  Chair Title  ")
	assert.Equal(t, "Chair Title", h.orch.generateTitle(ctx, h.cfg, conv, "q"))

	h.models.Fail("chair", errors.ErrEmptyResponse).Reply("alpha", "'Agent Title'")
	assert.Equal(t, "Agent Title", h.orch.generateTitle(ctx, h.cfg, conv, "q"))

	h.models.Reply("alpha", "   ")
	assert.Equal(t, DefaultTitle, h.orch.generateTitle(ctx, h.cfg, conv, "q"))
}

func TestCleanTitle(t *testing.T) {
	tests := []struct{ in, want string }{
		{`"Quoted"`, "Quoted"},
		{"Title: Market Sizing", "Market Sizing"},
		{"First line\nsecond line", "First line"},
		{"“Curly quotes”", "Curly quotes"},
		{strings.Repeat("x", 50), strings.Repeat("x", 50)},
		{strings.Repeat("y", 51), strings.Repeat("y", 47) + "..."},
		{strings.Repeat("量子", 30), strings.Repeat("量子", 23) + "量..."},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cleanTitle(tt.in), "cleanTitle(%q)", tt.in)
	}
}

func TestRunTurnCancelled(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha"), testAgent("b", "beta")}, nil)
	h.models.Delay("alpha", 5*time.Second).Delay("beta", 5*time.Second)
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var events []StageEvent
	rec, err := h.orch.RunTurn(ctx, conv, "Question", func(ev StageEvent) { events = append(events, ev) })
	require.Error(t, err)
	requireWellFormed(t, events)

	turn, err := h.store.GetTurn(context.Background(), rec.TurnID)
	require.NoError(t, err)
	assert.Equal(t, store.TurnError, turn.Status)
	assert.Zero(t, h.models.CallCount("chair"))
}

func TestRunTurnMirrorsEventsOnBus(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, nil)
	bus := event.NewBus()
	var kinds []string
	bus.Subscribe(event.TypeTurnStage, func(ev event.Event) {
		te := ev.(event.TurnStageEvent)
		kinds = append(kinds, te.Kind)
	})
	h.rebuild(WithBus(bus))
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	_, events, err := h.run(conv, "Question")
	require.NoError(t, err)
	assert.Equal(t, eventTypes(events), kinds)
}

func TestRunTurnRejectsEmptyQuery(t *testing.T) {
	h := newHarness(t, []agents.Agent{testAgent("a", "alpha")}, nil)
	conv := h.conversation(t, store.Conversation{Title: "Existing"})

	_, events, err := h.run(conv, "   ")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsTerminal())

	turns, err := h.store.ListTurns(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestKBAssembler(t *testing.T) {
	st, err := store.New(testutil.SetupTestDB(t))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = st.SaveDocument(ctx, store.Document{ID: "doc-1", Title: "Pricing notes", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, st.ReplaceChunks(ctx, "doc-1", []string{"Enterprise pricing starts at tier two.", "Unrelated chunk."}))

	asm := KBAssembler{Search: st}
	scoped := testAgent("a", "alpha")
	scoped.KBDocIDs = []string{"doc-1"}

	text, err := asm.Assemble(ctx, scoped, store.Conversation{}, "enterprise pricing")
	require.NoError(t, err)
	assert.Contains(t, text, "KB[doc-1] Pricing notes")
	assert.Contains(t, text, "Enterprise pricing starts at tier two.")

	text, err = asm.Assemble(ctx, testAgent("b", "beta"), store.Conversation{}, "enterprise pricing")
	require.NoError(t, err)
	assert.Empty(t, text)
}
