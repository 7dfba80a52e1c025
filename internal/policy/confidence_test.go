package policy

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"reqline/internal/domain"
)

func TestOverall(t *testing.T) {
	tests := []struct {
		name   string
		scores map[string]float64
		def    float64
		want   float64
	}{
		{name: "mean", scores: map[string]float64{"a": 0.9, "b": 0.5}, def: 0.5, want: 0.7},
		{name: "single", scores: map[string]float64{"a": 0.4}, def: 0.9, want: 0.4},
		{name: "empty uses default", scores: map[string]float64{}, def: 0.5, want: 0.5},
		{name: "nil uses other default", scores: nil, def: 0.7, want: 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.InDelta(t, tt.want, Overall(tt.scores, tt.def), 1e-12)
		})
	}
}

func TestRecommend(t *testing.T) {
	require.Equal(t, domain.RequirementApproved, Recommend(0.7, 0.7, domain.RequirementInReview))
	require.Equal(t, domain.RequirementApproved, Recommend(Overall(map[string]float64{"a": 0.9, "b": 0.5}, 0), 0.7, domain.RequirementExtracted))
	require.Equal(t, domain.RequirementInReview, Recommend(0.69, 0.7, domain.RequirementInReview))
	require.Equal(t, domain.RequirementExtracted, Recommend(0.2, 0.7, domain.RequirementExtracted))
}

func TestRecommendComparesExactly(t *testing.T) {
	below := math.Nextafter(0.7, 0)
	require.Equal(t, domain.RequirementInReview, Recommend(below, 0.7, domain.RequirementInReview))
	require.False(t, Meets(below, 0.7))
	require.Equal(t, domain.RequirementExtracted, Recommend(0.6999999995, 0.7, domain.RequirementExtracted))
	require.True(t, Meets(0.7, 0.7))
}

func TestOverallIgnoresMapOrder(t *testing.T) {
	scores := map[string]float64{"a": 0.1, "b": 0.2, "c": 0.3, "d": 0.7, "e": 0.9, "f": 0.05}
	want := Overall(scores, 0)
	for i := 0; i < 50; i++ {
		require.Equal(t, want, Overall(scores, 0))
	}
}

func TestNumericScores(t *testing.T) {
	scores, ok := NumericScores(map[string]any{
		"a": 0.9,
		"b": json.Number("0.5"),
		"c": "high",
		"d": nil,
		"e": 1,
	})
	require.True(t, ok)
	require.Equal(t, map[string]float64{"a": 0.9, "b": 0.5, "e": 1}, scores)

	_, ok = NumericScores(map[string]any{"a": 1.5})
	require.False(t, ok)
	_, ok = NumericScores(map[string]any{"a": -0.1})
	require.False(t, ok)
}
