package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"reqline/internal/domain"
)

func TestParseExtractionAcceptsJSONString(t *testing.T) {
	ext, err := ParseExtraction(`{"fields":{"title":"Login"},"confidences":{"title":0.8,"note":"n/a"}}`)
	require.NoError(t, err)
	want := Extraction{Fields: map[string]any{"title": "Login"}, Confidences: map[string]float64{"title": 0.8}}
	if diff := cmp.Diff(want, ext); diff != "" {
		t.Fatalf("extraction mismatch (-want +got):\n%s", diff)
	}
}

func TestParseExtractionRejectsNonObjects(t *testing.T) {
	for _, payload := range []any{nil, 3, []any{}, map[string]any{"confidences": map[string]any{}}} {
		_, err := ParseExtraction(payload)
		require.True(t, HasCode(err, CodeExtractionMalformed), "%v", payload)
	}
}

func TestParseTestContentAcceptsCamelCase(t *testing.T) {
	c, err := ParseTestContent(map[string]any{
		"script":     "s",
		"evidence":   []string{"e"},
		"steps":      []any{"a", "b"},
		"sampleData": map[string]any{"k": 1.0},
		"scaffold":   "code",
	})
	require.NoError(t, err)
	want := domain.TestContent{Script: "s", Evidence: []string{"e"}, Steps: []string{"a", "b"}, SampleData: map[string]any{"k": 1.0}, Scaffold: "code"}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("content mismatch (-want +got):\n%s", diff)
	}
}

func TestParseTestContentRequiresEveryField(t *testing.T) {
	full := map[string]any{"script": "s", "evidence": []any{}, "steps": []any{}, "sample_data": map[string]any{}, "scaffold": "x"}
	for field := range full {
		partial := map[string]any{}
		for k, v := range full {
			if k != field {
				partial[k] = v
			}
		}
		_, err := ParseTestContent(partial)
		require.True(t, HasCode(err, CodeGenerationMalformed), "missing %s: %v", field, err)
	}
	_, err := ParseTestContent(full)
	require.NoError(t, err)
}

func TestApplyContentEditsRejectsUnknownField(t *testing.T) {
	base := domain.TestContent{Script: "s", Evidence: []string{}, Steps: []string{}, SampleData: map[string]any{}, Scaffold: "x"}
	_, _, err := applyContentEdits(base, map[string]any{"title": "nope"})
	require.True(t, HasCode(err, CodeEditMalformed))

	next, diffs, err := applyContentEdits(base, map[string]any{"steps": []any{"one"}})
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, next.Steps)
	require.Contains(t, diffs, "steps")
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(map[string]any{"feedback": "f", "evaluation": "e", "totalRating": 4.0, "dimensions": map[string]any{"clarity": 1.0}})
	require.NoError(t, err)
	require.Equal(t, domain.Verdict{Feedback: "f", Evaluation: "e", TotalRating: 4, Dims: map[string]float64{"clarity": 1}}, v)

	for _, payload := range []map[string]any{
		{"total_rating": 0.0},
		{"total_rating": 4.5},
		{"total_rating": "3"},
		{"feedback": "no rating"},
		{"total_rating": 2.0, "dims": map[string]any{"clarity": 1.1}},
		{"total_rating": 2.0, "dims": map[string]any{"clarity": "high"}},
	} {
		_, err := ParseVerdict(payload)
		require.True(t, HasCode(err, CodeVerdictOutOfRange), "%v", payload)
	}
}
