package council

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"

	"github.com/jwc19890114/LLMCouncil-Optimization/internal/config"
)

// RankingHeader introduces the machine-readable ranking in a critique.
const RankingHeader = "FINAL RANKING:"

var (
	rankingHeaderRegex = regexp.MustCompile(`(?i)final\s+ranking\s*:`)
	numberedLabelRegex = regexp.MustCompile(`\d+\s*[.)]\s*\**\s*(Response\s+[A-Z]+)\b`)
	labelRegex         = regexp.MustCompile(`\bResponse\s+[A-Z]+\b`)
	spaceRegex         = regexp.MustCompile(`\s+`)
)

// ParseRanking extracts the ordered labels from the last ranking section
// of a critique. Numbered entries ("1. Response C") win over bare mentions
// within the section. Labels outside known are dropped, repeats keep their
// first position, and a critique without a ranking section yields nil.
func ParseRanking(text string, known []string) []string {
	locs := rankingHeaderRegex.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return nil
	}
	section := text[locs[len(locs)-1][1]:]

	var found []string
	if matches := numberedLabelRegex.FindAllStringSubmatch(section, -1); len(matches) > 0 {
		for _, m := range matches {
			found = append(found, m[1])
		}
	} else {
		found = labelRegex.FindAllString(section, -1)
	}

	var out []string
	for _, label := range found {
		label = spaceRegex.ReplaceAllString(label, " ")
		if !slices.Contains(known, label) || slices.Contains(out, label) {
			continue
		}
		out = append(out, label)
	}
	return out
}

// Aggregate computes the aggregate ranking over reviews. Each labelled
// agent's score is the vote-weighted mean of the 1-based positions it was
// given; Votes counts the reviewers that placed it. Under the "penalize"
// policy a reviewer that ranked anything places every visible label it
// omitted at len(visible)+1; under "exclude" omissions do not count. Agents
// nobody placed get no entry. Entries sort by mean ascending, then votes
// descending, then agent id.
func Aggregate(reviews []RankingEntry, amap *AnonymizationMap, answers []AgentAnswer, policy string) []AggregateEntry {
	type tally struct {
		weighted, weight, plain float64
		votes                   int
	}
	tallies := make(map[string]*tally)
	add := func(label string, pos int, w float64) {
		id, ok := amap.AgentOf(label)
		if !ok {
			return
		}
		t := tallies[id]
		if t == nil {
			t = &tally{}
			tallies[id] = t
		}
		t.weighted += float64(pos) * w
		t.weight += w
		t.plain += float64(pos)
		t.votes++
	}

	for _, r := range reviews {
		if len(r.Parsed) == 0 {
			continue
		}
		for i, label := range r.Parsed {
			add(label, i+1, r.VoteWeight)
		}
		if policy == config.UnrankedPenalize {
			visible := amap.VisibleTo(r.ReviewerID)
			for _, label := range visible {
				if !slices.Contains(r.Parsed, label) {
					add(label, len(visible)+1, r.VoteWeight)
				}
			}
		}
	}

	byID := make(map[string]AgentAnswer, len(answers))
	for _, a := range answers {
		byID[a.AgentID] = a
	}

	out := make([]AggregateEntry, 0, len(tallies))
	for id, t := range tallies {
		mean := t.plain / float64(t.votes)
		if t.weight > 0 {
			mean = t.weighted / t.weight
		}
		label, _ := amap.LabelOf(id)
		a := byID[id]
		out = append(out, AggregateEntry{
			AgentID:     id,
			AgentName:   a.AgentName,
			Model:       a.Model,
			Label:       label,
			AverageRank: mean,
			Votes:       t.votes,
			TotalWeight: t.weight,
		})
	}
	slices.SortFunc(out, func(a, b AggregateEntry) int {
		switch {
		case a.AverageRank < b.AverageRank:
			return -1
		case a.AverageRank > b.AverageRank:
			return 1
		case a.Votes != b.Votes:
			return b.Votes - a.Votes
		default:
			return strings.Compare(a.AgentID, b.AgentID)
		}
	})
	return out
}

// extractJSONObject decodes the outermost {...} span of a model reply into
// v, tolerating prose or code fences around it.
func extractJSONObject(text string, v any) bool {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return false
	}
	return json.Unmarshal([]byte(text[start:end+1]), v) == nil
}
