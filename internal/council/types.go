package council

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/store"
)

// Stage names, in pipeline order.
const (
	StagePreprocess = "preprocess"
	StageAnswers    = "stage1"
	StageReview     = "stage2"
	StageAggregate  = "aggregate"
	StageDiscussion = "stage2b"
	StageFactCheck  = "stage2c"
	StageChairman   = "stage3"
	StageReport     = "stage4"
)

// Event types that are not derived from a stage name.
const (
	// EventComplete ends a successful turn.
	EventComplete = "complete"
	// EventError reports a failed stage when Stage is set, and ends the
	// turn when Stage is empty.
	EventError = "error"
	// EventTitle carries a generated conversation title.
	EventTitle = "title_complete"
)

// StartEvent returns the event type emitted before stage runs.
func StartEvent(stage string) string { return stage + "_start" }

// CompleteEvent returns the event type emitted after stage succeeds.
func CompleteEvent(stage string) string { return stage + "_complete" }

// StageEvent is one entry of a turn's progress stream.
type StageEvent struct {
	Type   string `json:"type"`
	Stage  string `json:"stage,omitempty"`
	TurnID string `json:"turn_id,omitempty"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IsTerminal reports whether e ends the stream.
func (e StageEvent) IsTerminal() bool {
	return e.Type == EventComplete || (e.Type == EventError && e.Stage == "")
}

// AgentAnswer is a successful initial answer.
type AgentAnswer struct {
	AgentID         string  `json:"agent_id"`
	AgentName       string  `json:"agent_name"`
	Model           string  `json:"model"`
	InfluenceWeight float64 `json:"influence_weight"`
	SeniorityYears  int     `json:"seniority_years"`
	Response        string  `json:"response"`
}

// AgentFailure marks an agent whose call failed in a fan-out stage.
type AgentFailure struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Model     string `json:"model"`
	Error     string `json:"error"`
}

// AnswersResult is the persisted result of the initial answers stage.
type AnswersResult struct {
	Answers  []AgentAnswer  `json:"answers"`
	Failures []AgentFailure `json:"failures"`
}

// RankingEntry is one reviewer's critique and the labels parsed from it,
// best first.
type RankingEntry struct {
	ReviewerID   string   `json:"reviewer_id"`
	ReviewerName string   `json:"reviewer_name"`
	Model        string   `json:"model"`
	VoteWeight   float64  `json:"vote_weight"`
	Critique     string   `json:"critique"`
	Parsed       []string `json:"parsed_ranking"`
}

// ReviewResult is the persisted result of the peer review stage.
type ReviewResult struct {
	Reviews  []RankingEntry `json:"reviews"`
	Failures []AgentFailure `json:"failures"`
	// LabelToAgent maps each label to the agent id it stands for.
	LabelToAgent map[string]string `json:"label_to_agent"`
}

// AggregateEntry is one agent's position in the aggregate ranking.
type AggregateEntry struct {
	AgentID     string  `json:"agent_id"`
	AgentName   string  `json:"agent_name"`
	Model       string  `json:"model"`
	Label       string  `json:"label"`
	AverageRank float64 `json:"average_rank"`
	Votes       int     `json:"votes"`
	TotalWeight float64 `json:"total_vote_weight"`
}

// DiscussionMessage is one contribution to the extended discussion.
type DiscussionMessage struct {
	Round     int    `json:"round"`
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Model     string `json:"model"`
	Leader    bool   `json:"leader,omitempty"`
	Content   string `json:"content"`
}

// Discussion is the persisted result of the extended discussion stage.
type Discussion struct {
	Mode     string              `json:"mode"`
	Leaders  []string            `json:"leaders,omitempty"`
	Messages []DiscussionMessage `json:"messages"`
	Failures []AgentFailure      `json:"failures,omitempty"`
}

// Evidence backs or refutes a fact-check claim.
type Evidence struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
	Note string `json:"note,omitempty"`
}

// Claim is one checked statement.
type Claim struct {
	Claim      string     `json:"claim"`
	Status     string     `json:"status"`
	Evidence   []Evidence `json:"evidence"`
	Confidence float64    `json:"confidence"`
}

// FactCheck is the structured output of the fact-check stage.
type FactCheck struct {
	Claims        []Claim  `json:"claims"`
	OpenQuestions textList `json:"open_questions"`
}

// Preprocess is the structured digest of a conversation's attachments.
type Preprocess struct {
	Summary           string   `json:"summary"`
	Outline           textList `json:"outline"`
	KeyQuestions      textList `json:"key_questions"`
	SuggestedSubtasks textList `json:"suggested_subtasks"`
	UsedDocs          textList `json:"used_docs"`
}

// Synthesis is the chairman's final answer.
type Synthesis struct {
	Model    string `json:"model"`
	AgentID  string `json:"agent_id,omitempty"`
	Response string `json:"response"`
}

// Report is the long-form document written after synthesis.
type Report struct {
	Model   string `json:"model"`
	Title   string `json:"title"`
	Content string `json:"content"`
	// PersistJobID is the report_persist job submitted for this report.
	PersistJobID string `json:"persist_job_id,omitempty"`
}

// TurnRecord collects every stage result of one turn. Stage fields stay
// nil when the stage was skipped or failed.
type TurnRecord struct {
	ConversationID string           `json:"conversation_id"`
	TurnID         string           `json:"turn_id"`
	Query          string           `json:"query"`
	Preprocess     *Preprocess      `json:"preprocess,omitempty"`
	Answers        *AnswersResult   `json:"answers,omitempty"`
	Review         *ReviewResult    `json:"review,omitempty"`
	Aggregate      []AggregateEntry `json:"aggregate,omitempty"`
	Discussion     *Discussion      `json:"discussion,omitempty"`
	FactCheck      *FactCheck       `json:"fact_check,omitempty"`
	Final          *Synthesis       `json:"final,omitempty"`
	Report         *Report          `json:"report,omitempty"`
	EvidenceJobID  string           `json:"evidence_job_id,omitempty"`
	Title          string           `json:"title,omitempty"`
	Status         store.TurnStatus `json:"status"`
	Error          string           `json:"error,omitempty"`
}

// textList is a list of strings that also accepts a single string, which
// models sometimes return for list fields.
type textList []string

// UnmarshalJSON implements json.Unmarshaler for textList.
func (l *textList) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		out := make([]string, 0, len(arr))
		for _, v := range arr {
			if v == nil {
				continue
			}
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				out = append(out, s)
			}
		}
		*l = out
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s = strings.TrimSpace(s); s != "" {
			*l = textList{s}
		} else {
			*l = nil
		}
		return nil
	}
	return fmt.Errorf("textList: expected string or array, got %s", string(data))
}
