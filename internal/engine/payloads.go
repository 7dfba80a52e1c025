package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"reqline/internal/domain"
	"reqline/internal/policy"
)

// Extraction is the validated shape of an extractor result.
type Extraction struct {
	Fields      map[string]any     `json:"fields"`
	Confidences map[string]float64 `json:"confidences"`
}

// toObject coerces a loosely typed collaborator payload into a JSON object.
// Strings are decoded as JSON; anything else goes through a JSON round trip.
func toObject(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return t, true
	case string:
		var out any
		if err := json.Unmarshal([]byte(strings.TrimSpace(t)), &out); err != nil {
			return nil, false
		}
		m, ok := out.(map[string]any)
		return m, ok
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	m, ok := out.(map[string]any)
	return m, ok
}

// ParseExtraction validates extractor output: an object with a "fields"
// object and an optional "confidences" object of scores in [0,1].
func ParseExtraction(payload any) (Extraction, error) {
	obj, ok := toObject(payload)
	if !ok {
		return Extraction{}, validationErr(CodeExtractionMalformed, "", "extractor output must be an object, got %T", payload)
	}
	fields, ok := toObject(obj["fields"])
	if !ok {
		return Extraction{}, validationErr(CodeExtractionMalformed, "", "extractor output needs a \"fields\" object")
	}
	out := Extraction{Fields: fields, Confidences: map[string]float64{}}
	raw, present := obj["confidences"]
	if !present || raw == nil {
		return out, nil
	}
	conf, ok := toObject(raw)
	if !ok {
		return Extraction{}, validationErr(CodeExtractionMalformed, "", "\"confidences\" must be an object, got %T", raw)
	}
	scores, ok := policy.NumericScores(conf)
	if !ok {
		return Extraction{}, validationErr(CodeExtractionMalformed, "", "confidence scores must be within [0,1]")
	}
	out.Confidences = scores
	return out, nil
}

var contentAliases = map[string]string{
	"script":      "script",
	"evidence":    "evidence",
	"steps":       "steps",
	"sample_data": "sample_data",
	"sampleData":  "sample_data",
	"scaffold":    "scaffold",
}

// ParseTestContent validates generator output. All five content fields must
// be present with the right shape.
func ParseTestContent(payload any) (domain.TestContent, error) {
	return parseContent(payload, CodeGenerationMalformed)
}

func parseContent(payload any, code string) (domain.TestContent, error) {
	obj, ok := toObject(payload)
	if !ok {
		return domain.TestContent{}, validationErr(code, "", "test content must be an object, got %T", payload)
	}
	norm := map[string]any{}
	for k, v := range obj {
		if canon, ok := contentAliases[k]; ok {
			norm[canon] = v
		}
	}
	for _, k := range []string{"script", "evidence", "steps", "sample_data", "scaffold"} {
		if v, ok := norm[k]; !ok || v == nil {
			return domain.TestContent{}, validationErr(code, "", "missing content field %q", k)
		}
	}
	var c domain.TestContent
	var err error
	if c.Script, ok = norm["script"].(string); !ok {
		return c, validationErr(code, "", "script must be a string")
	}
	if c.Scaffold, ok = norm["scaffold"].(string); !ok {
		return c, validationErr(code, "", "scaffold must be a string")
	}
	if c.Evidence, err = stringList(norm["evidence"]); err != nil {
		return c, validationErr(code, "", "evidence: %v", err)
	}
	if c.Steps, err = stringList(norm["steps"]); err != nil {
		return c, validationErr(code, "", "steps: %v", err)
	}
	if c.SampleData, ok = toObject(norm["sample_data"]); !ok {
		return c, validationErr(code, "", "sample_data must be an object")
	}
	return c, nil
}

func stringList(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d is %T, want string", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("want a list of strings, got %T", v)
}

// applyContentEdits overlays edits onto content and revalidates the result
// with the same rules used at creation.
func applyContentEdits(content domain.TestContent, edits map[string]any) (domain.TestContent, map[string]domain.FieldDiff, error) {
	current, ok := toObject(content)
	if !ok {
		return content, nil, validationErr(CodeEditMalformed, "", "stored content is not an object")
	}
	diffs := map[string]domain.FieldDiff{}
	for k, v := range edits {
		canon, ok := contentAliases[k]
		if !ok {
			return content, nil, validationErr(CodeEditMalformed, "", "unknown content field %q", k)
		}
		diffs[canon] = domain.FieldDiff{Old: current[canon], New: v}
		current[canon] = v
	}
	next, err := parseContent(current, CodeEditMalformed)
	if err != nil {
		return content, nil, err
	}
	return next, diffs, nil
}

// ParseVerdict validates judge output: total_rating must be an integer in
// [1,4] and every rubric dimension a number in [0,1].
func ParseVerdict(payload any) (domain.Verdict, error) {
	obj, ok := toObject(payload)
	if !ok {
		return domain.Verdict{}, validationErr(CodeVerdictOutOfRange, "", "verdict must be an object, got %T", payload)
	}
	var v domain.Verdict
	rating, ok := pick(obj, "total_rating", "totalRating")
	if !ok {
		return v, validationErr(CodeVerdictOutOfRange, "", "total_rating is missing")
	}
	f, ok := policy.AsFloat(rating)
	if !ok || f != math.Trunc(f) || f < 1 || f > 4 {
		return v, validationErr(CodeVerdictOutOfRange, "", "total_rating %v is not an integer in [1,4]", rating)
	}
	v.TotalRating = int(f)
	if s, ok := pick(obj, "feedback"); ok {
		if v.Feedback, ok = s.(string); !ok {
			return v, validationErr(CodeVerdictOutOfRange, "", "feedback must be a string")
		}
	}
	if s, ok := pick(obj, "evaluation"); ok {
		if v.Evaluation, ok = s.(string); !ok {
			return v, validationErr(CodeVerdictOutOfRange, "", "evaluation must be a string")
		}
	}
	raw, ok := pick(obj, "dims", "dimensions")
	if !ok || raw == nil {
		return v, nil
	}
	dims, ok := toObject(raw)
	if !ok {
		return v, validationErr(CodeVerdictOutOfRange, "", "dims must be an object")
	}
	v.Dims = make(map[string]float64, len(dims))
	for name, d := range dims {
		f, ok := policy.AsFloat(d)
		if !ok || math.IsNaN(f) || f < 0 || f > 1 {
			return v, validationErr(CodeVerdictOutOfRange, "", "dimension %s=%v is not a number in [0,1]", name, d)
		}
		v.Dims[name] = f
	}
	return v, nil
}

func pick(obj map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := obj[k]; ok {
			return v, true
		}
	}
	return nil, false
}
