package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestInitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path, created, err := Init(dir)
	if err != nil || !created {
		t.Fatalf("first init: %v %v", created, err)
	}
	if _, created, err = Init(dir); err != nil || created {
		t.Fatalf("second init must keep the file: %v %v", created, err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config missing: %v", err)
	}
}

func TestOpenWithoutAPIKeyHasNoGenerator(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	ws, err := Open(context.Background(), Options{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Engine.Generator != nil {
		t.Fatalf("generator must stay unset without a key")
	}
	if ws.Config.Generation.Concurrency != 4 {
		t.Fatalf("defaults not loaded: %+v", ws.Config.Generation)
	}
}

func TestOpenWithExplicitConfigPath(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	path := filepath.Join(t.TempDir(), "custom.yml")
	if err := os.WriteFile(path, []byte("generation:\n  concurrency: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigPath: path})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ws.Close()
	if ws.Config.Generation.Concurrency != 2 || ws.Config.Generation.MaxRetries != 3 {
		t.Fatalf("explicit config not overlaid on defaults: %+v", ws.Config.Generation)
	}
	if _, err := Open(context.Background(), Options{Workspace: t.TempDir(), ConfigPath: filepath.Join(t.TempDir(), "missing.yml")}); err == nil {
		t.Fatalf("missing explicit config must fail")
	}
}

func TestLoadSnapshotFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.yaml")
	body := `goals:
  - id: g1
    title: Learn Go
activities:
  - id: a1
    title: Read the tour
    status: done
    goal_id: g1
    tags: [reading]
    completed_at: 2026-10-06T18:00:00Z
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	snap, err := LoadSnapshotFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Activities) != 1 || snap.Activities[0].CompletedAt == nil || snap.Activities[0].Goal() != "g1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	empty := filepath.Join(t.TempDir(), "empty.yaml")
	_ = os.WriteFile(empty, nil, 0o644)
	if _, err := LoadSnapshotFile(empty); err == nil {
		t.Fatalf("empty file must fail")
	}
}
