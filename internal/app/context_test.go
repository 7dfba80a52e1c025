package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/pipeline"
)

func TestOpenWithoutCollaborators(t *testing.T) {
	workspace := t.TempDir()
	ws, err := Open(context.Background(), Options{Workspace: workspace, Log: zaptest.NewLogger(t)})
	require.NoError(t, err)
	defer ws.Close()

	require.FileExists(t, db.Path(workspace))
	require.Equal(t, 4, ws.Orchestrator.Workers)
	require.Nil(t, ws.Orchestrator.Collabs.Extractor)
	require.Nil(t, ws.Orchestrator.Collabs.Tickets)
	require.Nil(t, ws.Orchestrator.Collabs.Embedder)

	res, err := ws.Orchestrator.IngestBatch(context.Background(), pipeline.IngestRequest{
		Document:  domain.Document{Filename: "srs.txt"},
		Fragments: []pipeline.Fragment{{Text: "The system shall alert."}},
		Actor:     "alice",
	})
	require.NoError(t, err)
	require.Error(t, res.Items[0].Err)
	require.ErrorIs(t, res.Items[0].Err, pipeline.ErrNotConfigured)
	require.True(t, engine.IsCollaborator(res.Items[0].Err))
}

func TestOpenReadsConfigAndWorkerOverride(t *testing.T) {
	workspace := t.TempDir()
	yml := "pipeline:\n  workers: 2\ncollaborators:\n  tickets:\n    url: http://127.0.0.1:1/tickets\n"
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte(yml), 0o644))

	ws, err := Open(context.Background(), Options{Workspace: workspace})
	require.NoError(t, err)
	require.Equal(t, 2, ws.Orchestrator.Workers)
	require.NotNil(t, ws.Orchestrator.Collabs.Tickets)
	require.NoError(t, ws.Close())

	ws, err = Open(context.Background(), Options{Workspace: workspace, Workers: 7})
	require.NoError(t, err)
	defer ws.Close()
	require.Equal(t, 7, ws.Orchestrator.Workers)
}

func TestOpenRejectsInvalidConfigPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("confidence:\n  threshold: 3\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigPath: path})
	require.Error(t, err)
}
