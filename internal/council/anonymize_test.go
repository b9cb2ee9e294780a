package council

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelFor(t *testing.T) {
	cases := map[int]string{
		0:   "Response A",
		1:   "Response B",
		25:  "Response Z",
		26:  "Response AA",
		27:  "Response AB",
		51:  "Response AZ",
		52:  "Response BA",
		701: "Response ZZ",
		702: "Response AAA",
	}
	for i, want := range cases {
		assert.Equal(t, want, LabelFor(i), "LabelFor(%d)", i)
	}
}

func TestAnonymizationMapIsBijective(t *testing.T) {
	m := NewAnonymizationMap([]string{"x", "y", "x", "z"})

	require.Equal(t, 3, m.Len())
	assert.Equal(t, []string{"Response A", "Response B", "Response C"}, m.Labels())
	for _, id := range []string{"x", "y", "z"} {
		label, ok := m.LabelOf(id)
		require.True(t, ok, id)
		back, ok := m.AgentOf(label)
		require.True(t, ok, label)
		assert.Equal(t, id, back)
	}
	assert.Equal(t, map[string]string{
		"Response A": "x",
		"Response B": "y",
		"Response C": "z",
	}, m.Mapping())

	_, ok := m.LabelOf("missing")
	assert.False(t, ok)
	_, ok = m.AgentOf("Response D")
	assert.False(t, ok)
}

func TestVisibleToHidesOwnAnswer(t *testing.T) {
	m := NewAnonymizationMap([]string{"a", "b", "c"})

	assert.Equal(t, []string{"Response B", "Response C"}, m.VisibleTo("a"))
	assert.Equal(t, []string{"Response A", "Response C"}, m.VisibleTo("b"))
	// An agent without an answer sees every label.
	assert.Equal(t, []string{"Response A", "Response B", "Response C"}, m.VisibleTo("outsider"))

	single := NewAnonymizationMap([]string{"solo"})
	assert.Empty(t, single.VisibleTo("solo"))
}
