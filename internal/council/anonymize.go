package council

import "strings"

// labelPrefix precedes every anonymization label.
const labelPrefix = "Response "

// AnonymizationMap is the per-turn bijection between agents and the labels
// reviewers see. It is built once, before review, over the successful
// initial answers only.
type AnonymizationMap struct {
	labels  []string
	agents  []string
	byAgent map[string]int
	byLabel map[string]int
}

// NewAnonymizationMap assigns labels in order: the first agent is
// "Response A", the 27th "Response AA". Duplicate ids keep their first label.
func NewAnonymizationMap(agentIDs []string) *AnonymizationMap {
	m := &AnonymizationMap{
		byAgent: make(map[string]int, len(agentIDs)),
		byLabel: make(map[string]int, len(agentIDs)),
	}
	for _, id := range agentIDs {
		if _, dup := m.byAgent[id]; dup {
			continue
		}
		i := len(m.labels)
		label := LabelFor(i)
		m.labels = append(m.labels, label)
		m.agents = append(m.agents, id)
		m.byAgent[id] = i
		m.byLabel[label] = i
	}
	return m
}

// LabelFor returns the label of the i-th (0-based) answer using bijective
// base-26 letters: A..Z, AA..AZ, BA, ...
func LabelFor(i int) string {
	var b []byte
	for n := i + 1; n > 0; n = (n - 1) / 26 {
		b = append(b, byte('A'+(n-1)%26))
	}
	for l, r := 0, len(b)-1; l < r; l, r = l+1, r-1 {
		b[l], b[r] = b[r], b[l]
	}
	return labelPrefix + string(b)
}

// Len returns the number of labelled agents.
func (m *AnonymizationMap) Len() int { return len(m.labels) }

// Labels returns all labels in assignment order.
func (m *AnonymizationMap) Labels() []string {
	return append([]string(nil), m.labels...)
}

// LabelOf returns the label assigned to agentID.
func (m *AnonymizationMap) LabelOf(agentID string) (string, bool) {
	i, ok := m.byAgent[agentID]
	if !ok {
		return "", false
	}
	return m.labels[i], true
}

// AgentOf returns the agent behind label.
func (m *AnonymizationMap) AgentOf(label string) (string, bool) {
	i, ok := m.byLabel[strings.TrimSpace(label)]
	if !ok {
		return "", false
	}
	return m.agents[i], true
}

// VisibleTo returns the labels reviewer may rank: every label except its own.
func (m *AnonymizationMap) VisibleTo(reviewerID string) []string {
	own, hasOwn := m.byAgent[reviewerID]
	out := make([]string, 0, len(m.labels))
	for i, l := range m.labels {
		if hasOwn && i == own {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Mapping returns label -> agent id, for the persisted review record.
func (m *AnonymizationMap) Mapping() map[string]string {
	out := make(map[string]string, len(m.labels))
	for i, l := range m.labels {
		out[l] = m.agents[i]
	}
	return out
}
