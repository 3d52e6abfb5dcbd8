package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Execution.TaskTimeout = 3 * time.Minute
	cfg.Knowledge.ScoreThreshold = 0.5
	cfg.Providers["local-llm"] = ProviderConfig{Type: "command", Command: "llm", Args: []string{"{prompt}"}}

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the config file, found %d entries", len(entries))
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Execution.TaskTimeout != 3*time.Minute {
		t.Errorf("task_timeout = %s", loaded.Execution.TaskTimeout)
	}
	if loaded.Knowledge.ScoreThreshold != 0.5 {
		t.Errorf("score_threshold = %f", loaded.Knowledge.ScoreThreshold)
	}
	if p := loaded.Providers["local-llm"]; p.Command != "llm" {
		t.Errorf("provider = %+v", p)
	}
}

func TestSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	if err := Save(cfg, path); err != nil {
		t.Fatalf("first Save failed: %v", err)
	}
	cfg.Execution.Concurrency = 7
	if err := Save(cfg, path); err != nil {
		t.Fatalf("second Save failed: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Execution.Concurrency != 7 {
		t.Errorf("concurrency = %d, want 7", loaded.Execution.Concurrency)
	}
}
