// Package app wires a workspace: database, config, engine and collaborators.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"reqline/internal/collab/gemini"
	"reqline/internal/collab/tickets"
	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/engine"
	"reqline/internal/migrate"
	"reqline/internal/pipeline"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/reqline.yml.
	ConfigPath   string
	GeminiAPIKey string
	// Workers overrides pipeline.workers when positive.
	Workers int
	Log     *zap.Logger
}

type Workspace struct {
	DB           *sql.DB
	Config       *config.Config
	Engine       engine.Engine
	Orchestrator *pipeline.Orchestrator
	Log          *zap.Logger
}

// Open prepares the workspace database, applies pending migrations, loads the
// config (defaults when the file is absent) and builds the orchestrator.
// Collaborators without credentials are left unset; operations that need
// them fail with pipeline.ErrNotConfigured.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if applied > 0 {
		log.Info("applied migrations", zap.Int("count", applied), zap.String("db", db.Path(opts.Workspace)))
	}
	collabs, err := Collaborators(ctx, cfg, opts.GeminiAPIKey, log)
	if err != nil {
		conn.Close()
		return nil, err
	}
	workers := cfg.Pipeline.Workers
	if opts.Workers > 0 {
		workers = opts.Workers
	}
	e := engine.New(conn, cfg, log)
	return &Workspace{
		DB:           conn,
		Config:       cfg,
		Engine:       e,
		Orchestrator: pipeline.New(e, collabs, workers, log.Named("pipeline")),
		Log:          log,
	}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

func loadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(opts.Workspace)
}

// Collaborators builds the configured adapters. Gemini backs extraction,
// generation, judging and embedding when an API key is present; the ticket webhook is
// used when a URL is configured.
func Collaborators(ctx context.Context, cfg *config.Config, geminiAPIKey string, log *zap.Logger) (pipeline.Collaborators, error) {
	var c pipeline.Collaborators
	if geminiAPIKey != "" {
		g, err := gemini.New(ctx, geminiAPIKey, cfg.Collaborators.Gemini, log.Named("gemini"))
		if err != nil {
			return c, err
		}
		c.Extractor, c.Generator, c.Judge, c.Embedder = g, g, g, g
	}
	if cfg.Collaborators.Tickets.URL != "" {
		t, err := tickets.New(cfg.Collaborators.Tickets)
		if err != nil {
			return c, err
		}
		c.Tickets = t
	}
	return c, nil
}
