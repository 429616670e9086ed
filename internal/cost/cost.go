// Package cost summarizes token spend across pipeline stages.
package cost

import (
	"encoding/json"
	"maps"
)

// Meter is anything that tracks token usage and its price.
type Meter interface {
	Cost() float64
	TotalTokens() int
}

// Stage pairs a stage name with its meter. A nil Meter counts as zero.
type Stage struct {
	Name  string
	Meter Meter
}

// Report is a point-in-time cost summary.
type Report struct {
	Stages      map[string]float64 `json:"stages"`
	Tokens      map[string]int     `json:"tokens"`
	Total       float64            `json:"total"`
	TotalTokens int                `json:"total_tokens"`
}

// Summarize reads each meter once. It never mutates the meters, so it can
// be called at any point of a run, including after a failure.
func Summarize(stages ...Stage) Report {
	r := Report{
		Stages: make(map[string]float64, len(stages)),
		Tokens: make(map[string]int, len(stages)),
	}
	for _, s := range stages {
		var c float64
		var n int
		if s.Meter != nil {
			c = s.Meter.Cost()
			n = s.Meter.TotalTokens()
		}
		r.Stages[s.Name] = c
		r.Tokens[s.Name] = n
		r.Total += c
		r.TotalTokens += n
	}
	return r
}

// Stage returns the cost recorded for name, or zero.
func (r Report) Stage(name string) float64 {
	return r.Stages[name]
}

// MarshalJSON emits the structured report plus flat <stage>_cost and
// total_cost keys.
func (r Report) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Stages)+4)
	for name, c := range r.Stages {
		out[name+"_cost"] = c
	}
	out["total_cost"] = r.Total
	out["stages"] = nonNil(r.Stages)
	out["tokens"] = nonNil(r.Tokens)
	out["total_tokens"] = r.TotalTokens
	return json.Marshal(out)
}

// UnmarshalJSON reads the structured keys and ignores the flat ones.
func (r *Report) UnmarshalJSON(data []byte) error {
	var in struct {
		Stages      map[string]float64 `json:"stages"`
		Tokens      map[string]int     `json:"tokens"`
		Total       float64            `json:"total_cost"`
		TotalTokens int                `json:"total_tokens"`
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	r.Stages = in.Stages
	r.Tokens = in.Tokens
	r.Total = in.Total
	r.TotalTokens = in.TotalTokens
	return nil
}

func nonNil[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return maps.Clone(m)
}
