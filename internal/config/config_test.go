package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"reqline/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.7, cfg.Confidence.Threshold)
	require.Equal(t, 0.5, cfg.Confidence.Default)
	require.Equal(t, 4, cfg.Pipeline.Workers)
	require.Equal(t, []domain.TestType{domain.TestTypePositive, domain.TestTypeNegative, domain.TestTypeBoundary}, cfg.Generation.TestTypes)
	require.Equal(t, 500, cfg.Search.ChunkSize)
	require.Equal(t, 5, cfg.Search.TopK)
	require.Equal(t, "text-embedding-004", cfg.Collaborators.Gemini.EmbeddingModel)
}

func TestFromYAMLOverridesAndValidates(t *testing.T) {
	cfg, err := FromYAML([]byte("confidence:\n  threshold: 0.8\n  default: 0.7\n"))
	require.NoError(t, err)
	require.Equal(t, 0.8, cfg.Confidence.Threshold)
	require.Equal(t, 0.7, cfg.Confidence.Default)
	require.Equal(t, 4, cfg.Pipeline.Workers)

	_, err = FromYAML([]byte("confidence:\n  threshold: 1.4\n"))
	require.ErrorContains(t, err, "threshold")

	_, err = FromYAML([]byte("generation:\n  test_types: [smoke]\n"))
	require.ErrorContains(t, err, "unknown type")

	_, err = FromYAML([]byte("pipeline:\n  workers: 0\n"))
	require.ErrorContains(t, err, "workers")

	_, err = FromYAML([]byte("search:\n  chunk_size: 40\n  overlap: 40\n"))
	require.ErrorContains(t, err, "overlap")
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	require.NoError(t, os.WriteFile(Path(dir), []byte("pipeline:\n  workers: 2\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Pipeline.Workers)
}
