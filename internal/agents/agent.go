// Package agents holds the council membership: who participates, with
// which persona and which model.
package agents

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
	"github.com/jwc19890114/LLMCouncil-Optimization/internal/errors"
)

// Agent is one council member. Agents are immutable while a turn runs.
type Agent struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Enabled         bool     `json:"enabled"`
	Persona         string   `json:"persona,omitempty"`
	Model           string   `json:"model"`
	InfluenceWeight float64  `json:"influence_weight"`
	SeniorityYears  int      `json:"seniority_years"`
	KBDocIDs        []string `json:"kb_doc_ids,omitempty"`
	KBCategories    []string `json:"kb_categories,omitempty"`
	GraphID         string   `json:"graph_id,omitempty"`
}

// VoteWeight is the weight of this agent's ranking in aggregation:
// max(0, influence) * (1 + seniority/10).
func (a Agent) VoteWeight() float64 {
	return max(0, a.InfluenceWeight) * (1 + float64(max(0, a.SeniorityYears))/10)
}

// DisplayName returns Name, or ID when Name is empty.
func (a Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

// Registry is the read-only view of council membership used by a turn.
type Registry interface {
	// List returns every agent in declaration order.
	List() []Agent
	// Get returns the agent with id.
	Get(id string) (Agent, error)
}

// Static is a Registry over a fixed list.
type Static struct {
	agents []Agent
	byID   map[string]int
}

var _ Registry = (*Static)(nil)

// NewStatic builds a registry; ids must be unique and non-empty.
func NewStatic(list []Agent) (*Static, error) {
	s := &Static{byID: make(map[string]int, len(list))}
	for _, a := range list {
		if strings.TrimSpace(a.ID) == "" {
			return nil, errors.NewValidationError("agent id is required").WithField("id")
		}
		if _, dup := s.byID[a.ID]; dup {
			return nil, errors.NewValidationError("duplicate agent id").WithField("id").WithValue(a.ID)
		}
		s.byID[a.ID] = len(s.agents)
		s.agents = append(s.agents, a)
	}
	return s, nil
}

func (s *Static) List() []Agent {
	out := make([]Agent, len(s.agents))
	copy(out, s.agents)
	return out
}

func (s *Static) Get(id string) (Agent, error) {
	i, ok := s.byID[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", errors.ErrAgentNotFound, id)
	}
	return s.agents[i], nil
}

// Enabled returns the enabled agents of r in order.
func Enabled(r Registry) []Agent {
	var out []Agent
	for _, a := range r.List() {
		if a.Enabled {
			out = append(out, a)
		}
	}
	return out
}

// Select resolves a participant override. An empty ids list selects every
// enabled agent; unknown and disabled ids are skipped.
func Select(r Registry, ids []string) []Agent {
	if len(ids) == 0 {
		return Enabled(r)
	}
	seen := make(map[string]bool, len(ids))
	var out []Agent
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, err := r.Get(id)
		if err != nil || !a.Enabled {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Load builds the registry from configuration. The agents file wins over
// the inline list; with neither, one agent per default model is created
// as agent-1, agent-2, ...
func Load(cfg config.AgentsConfig) (*Static, error) {
	var declared []config.AgentConfig
	switch {
	case cfg.File != "":
		list, err := readFile(cfg.File)
		if err != nil {
			return nil, err
		}
		declared = list
	case len(cfg.List) > 0:
		declared = cfg.List
	default:
		for i, spec := range cfg.DefaultModels {
			declared = append(declared, config.AgentConfig{
				ID:    fmt.Sprintf("agent-%d", i+1),
				Name:  fmt.Sprintf("Agent %d", i+1),
				Model: spec,
			})
		}
	}

	list := make([]Agent, 0, len(declared))
	for _, d := range declared {
		list = append(list, fromConfig(d))
	}
	return NewStatic(list)
}

type agentsFile struct {
	Agents []config.AgentConfig `yaml:"agents"`
}

func readFile(path string) ([]config.AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var f agentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", path, err)
	}
	return f.Agents, nil
}

func fromConfig(c config.AgentConfig) Agent {
	a := Agent{
		ID:              strings.TrimSpace(c.ID),
		Name:            strings.TrimSpace(c.Name),
		Enabled:         true,
		Persona:         c.Persona,
		Model:           strings.TrimSpace(c.Model),
		InfluenceWeight: 1,
		SeniorityYears:  c.SeniorityYears,
		KBDocIDs:        c.KBDocIDs,
		KBCategories:    c.KBCategories,
		GraphID:         c.GraphID,
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if c.Enabled != nil {
		a.Enabled = *c.Enabled
	}
	if c.InfluenceWeight != nil {
		a.InfluenceWeight = *c.InfluenceWeight
	}
	return a
}
