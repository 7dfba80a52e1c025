// Package policy holds the pure confidence rules shared by ingestion and review.
package policy

import (
	"encoding/json"
	"math"
	"sort"

	"reqline/internal/domain"
)

// Overall returns the arithmetic mean of scores, or def when scores is empty.
// The default is always supplied by the caller; there is no package default.
// Scores are summed in key order so the same map always yields the same mean.
func Overall(scores map[string]float64, def float64) float64 {
	if len(scores) == 0 {
		return def
	}
	keys := make([]string, 0, len(scores))
	for k := range scores {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sum float64
	for _, k := range keys {
		sum += scores[k]
	}
	return sum / float64(len(scores))
}

// Recommend returns approved when overall >= threshold and below otherwise.
// The comparison is exact. Review passes in_review ("needs second review"),
// ingestion passes extracted.
func Recommend(overall, threshold float64, below domain.RequirementStatus) domain.RequirementStatus {
	if overall >= threshold {
		return domain.RequirementApproved
	}
	return below
}

// Meets reports whether overall reaches threshold under the same comparison as Recommend.
func Meets(overall, threshold float64) bool {
	return overall >= threshold
}

// NumericScores keeps the numeric entries of a loosely typed score map.
// ok is false when a numeric score falls outside [0,1].
func NumericScores(in map[string]any) (map[string]float64, bool) {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		f, isNum := AsFloat(v)
		if !isNum {
			continue
		}
		if math.IsNaN(f) || f < 0 || f > 1 {
			return nil, false
		}
		out[k] = f
	}
	return out, true
}

// AsFloat converts the numeric types produced by JSON decoding and Go callers.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Clamp bounds a score to [0,1].
func Clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
