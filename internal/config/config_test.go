package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chapterline/internal/evidence"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Generation.Timeout != 90*time.Second || cfg.Generation.Concurrency != 4 {
		t.Fatalf("unexpected generation defaults: %+v", cfg.Generation)
	}
	if cfg.Metrics.RollupCap != 60 || cfg.Timezone() != "UTC" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("default_timezone: Europe/Paris\nevidence:\n  short_cap: 3\n  weights:\n    high_effort: 65\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Timezone() != "Europe/Paris" || cfg.Generation.Model == "" {
		t.Fatalf("overlay lost defaults: %+v", cfg)
	}
	opts := cfg.EvidenceOptions()
	if opts.ShortCap != 3 || opts.LongCap != 10 {
		t.Fatalf("unexpected caps: %+v", opts)
	}
	if opts.Weights[evidence.ReasonHighEffort] != 65 || opts.Weights[evidence.ReasonFirstGoalCompletionEver] != 90 {
		t.Fatalf("unexpected weights: %+v", opts.Weights)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"zone":        "default_timezone: Mars/Olympus\n",
		"concurrency": "generation:\n  concurrency: 0\n",
		"weight":      "evidence:\n  weights:\n    vibes: 10\n",
		"yaml":        "generation: [",
	}
	for name, raw := range cases {
		if _, err := FromYAML([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "chapterline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestModelFor(t *testing.T) {
	g := Generation{Model: "base", ReportModel: "reporter"}
	if g.ModelFor("report") != "reporter" || g.ModelFor("reflection") != "base" {
		t.Fatalf("model routing broken")
	}
}
