package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"chapterline/internal/config"
	"chapterline/internal/db"
	"chapterline/internal/domain"
	"chapterline/internal/engine"
	"chapterline/internal/migrate"
)

// Workspace is an opened, migrated workspace with its engine wired.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}

type Options struct {
	Workspace string
	// Verbose lowers the log level to debug.
	Verbose bool
	// ConfigPath overrides <workspace>/chapterline.yml; the file must exist.
	ConfigPath string
	// LogOutput receives structured logs; nil means stderr.
	LogOutput io.Writer
}

// Init writes the default chapterline.yml unless one already exists.
func Init(workspace string) (string, bool, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return "", false, err
	}
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", false, err
	}
	return path, true, nil
}

// NewLogger returns the text logger the CLI and server share.
func NewLogger(out io.Writer, verbose bool) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// Open migrates the workspace database, loads config and wires the engine.
// The OpenAI generator is attached only when its API key is present.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	var cfg *config.Config
	var err error
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(opts.Workspace), err)
	}
	e := engine.New(conn, cfg)
	e.Logger = NewLogger(opts.LogOutput, opts.Verbose)
	if cfg.Generation.APIKey() != "" {
		e.Generator = engine.NewGenerator(cfg.Generation)
	}
	return &Workspace{Path: opts.Workspace, DB: conn, Config: cfg, Engine: e}, nil
}

// LoadSnapshotFile reads an import file of activities, goals and arcs.
// Files ending in .json are accepted too since YAML is a superset.
func LoadSnapshotFile(path string) (domain.Snapshot, error) {
	var snap domain.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return snap, fmt.Errorf("%s is empty", path)
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("parse %s: %w", path, err)
	}
	return snap, nil
}
