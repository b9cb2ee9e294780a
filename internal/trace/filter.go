package trace

import "time"

// Filter selects trace records. Zero fields match everything.
type Filter struct {
	Kind       string
	Stage      string
	AgentID    string
	TurnID     string
	ErrorsOnly bool
	Since      time.Time
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Stage != "" && r.Stage != f.Stage {
		return false
	}
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.TurnID != "" && r.TurnID != f.TurnID {
		return false
	}
	if f.ErrorsOnly && r.Error == "" {
		return false
	}
	if !f.Since.IsZero() && r.Time.Before(f.Since) {
		return false
	}
	return true
}

// Apply returns the records matching f, preserving order.
func Apply(records []Record, f Filter) []Record {
	var out []Record
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// Summary aggregates call statistics.
type Summary struct {
	Calls       int
	Failures    int
	TotalMS     int64
	ByStage     map[string]int
	SlowestMS   int64
	SlowestCall Record
}

// Summarize computes call statistics over the llm_call records.
func Summarize(records []Record) Summary {
	s := Summary{ByStage: make(map[string]int)}
	for _, r := range records {
		if r.Kind != KindLLMCall {
			continue
		}
		s.Calls++
		if !r.OK {
			s.Failures++
		}
		s.TotalMS += r.DurationMS
		s.ByStage[r.Stage]++
		if r.DurationMS > s.SlowestMS {
			s.SlowestMS = r.DurationMS
			s.SlowestCall = r
		}
	}
	return s
}
