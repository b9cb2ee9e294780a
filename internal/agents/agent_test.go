package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

func TestVoteWeight(t *testing.T) {
	tests := []struct {
		name      string
		influence float64
		seniority int
		want      float64
	}{
		{"default", 1, 0, 1},
		{"senior", 1, 10, 2},
		{"heavy", 2, 5, 3},
		{"negative influence", -1, 5, 0},
		{"negative seniority", 1, -3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Agent{InfluenceWeight: tt.influence, SeniorityYears: tt.seniority}
			if got := a.VoteWeight(); got != tt.want {
				t.Errorf("VoteWeight() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoad_DefaultModels(t *testing.T) {
	r, err := Load(config.Default().Agents)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	list := r.List()
	if len(list) != 4 {
		t.Fatalf("len = %d, want 4", len(list))
	}
	if list[0].ID != "agent-1" || list[3].ID != "agent-4" {
		t.Errorf("ids = %s..%s", list[0].ID, list[3].ID)
	}
	if !list[0].Enabled || list[0].InfluenceWeight != 1 || list[0].Model == "" {
		t.Errorf("agent-1 = %+v", list[0])
	}
}

func TestLoad_InlineList(t *testing.T) {
	disabled := false
	weight := 2.5
	cfg := config.AgentsConfig{
		List: []config.AgentConfig{
			{ID: "critic", Model: "openai:gpt-4o", Persona: "You are skeptical.", InfluenceWeight: &weight},
			{ID: "muted", Name: "Muted", Model: "x/y", Enabled: &disabled},
		},
		DefaultModels: []string{"ignored"},
	}
	r, err := Load(cfg)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	critic, err := r.Get("critic")
	if err != nil {
		t.Fatalf("Get(critic) error = %v", err)
	}
	if critic.Name != "critic" || critic.InfluenceWeight != 2.5 || !critic.Enabled {
		t.Errorf("critic = %+v", critic)
	}
	if got := Enabled(r); len(got) != 1 || got[0].ID != "critic" {
		t.Errorf("Enabled() = %+v", got)
	}
	if _, err := r.Get("ghost"); !errors.Is(err, errors.ErrAgentNotFound) {
		t.Errorf("Get(ghost) error = %v", err)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	content := `agents:
  - id: historian
    name: Historian
    model: openrouter:anthropic/claude-sonnet-4.5
    seniority_years: 20
    kb_categories: [history]
  - id: economist
    model: gemini:gemini-2.5-flash
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r, err := Load(config.AgentsConfig{File: path, List: []config.AgentConfig{{ID: "inline", Model: "m"}}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	list := r.List()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].SeniorityYears != 20 || list[0].KBCategories[0] != "history" || list[0].VoteWeight() != 3 {
		t.Errorf("historian = %+v", list[0])
	}

	if _, err := Load(config.AgentsConfig{File: filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("missing file should fail")
	}
}

func TestNewStatic_Validation(t *testing.T) {
	if _, err := NewStatic([]Agent{{ID: "a"}, {ID: "a"}}); err == nil {
		t.Error("duplicate ids should fail")
	}
	if _, err := NewStatic([]Agent{{ID: " "}}); err == nil {
		t.Error("empty id should fail")
	}
}

func TestSelect(t *testing.T) {
	r, err := NewStatic([]Agent{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: false},
		{ID: "c", Enabled: true},
	})
	if err != nil {
		t.Fatal(err)
	}

	ids := func(list []Agent) []string {
		var out []string
		for _, a := range list {
			out = append(out, a.ID)
		}
		return out
	}

	if got := ids(Select(r, nil)); len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("Select(nil) = %v", got)
	}
	if got := ids(Select(r, []string{"c", "b", "zz", "c"})); len(got) != 1 || got[0] != "c" {
		t.Errorf("Select(override) = %v", got)
	}
}
