package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if cfg.Gateway.Port != 27910 {
		t.Errorf("expected gateway port 27910, got %d", cfg.Gateway.Port)
	}

	if cfg.Loop.AuthMode != "cookie" {
		t.Errorf("expected auth mode 'cookie', got %s", cfg.Loop.AuthMode)
	}

	if cfg.Loop.ManualToken != ManualTokenPlaceholder {
		t.Errorf("expected manual token placeholder, got %s", cfg.Loop.ManualToken)
	}

	if cfg.Approval.Mode != "manual" {
		t.Errorf("expected approval mode 'manual', got %s", cfg.Approval.Mode)
	}

	if cfg.AutoApprove() {
		t.Error("default config should not auto-approve")
	}
}

func TestLoadFrom(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
data_dir: ` + dir + `
loop:
  base_url: http://localhost:9999
  workspace: team-a
  auth_mode: manual
  manual_token: secret-token
approval:
  mode: auto
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	if cfg.Loop.BaseURL != "http://localhost:9999" {
		t.Errorf("expected base_url override, got %s", cfg.Loop.BaseURL)
	}
	if cfg.Loop.Workspace != "team-a" {
		t.Errorf("expected workspace team-a, got %s", cfg.Loop.Workspace)
	}
	if !cfg.AutoApprove() {
		t.Error("expected auto-approve after mode: auto")
	}

	// Fields absent from the file keep their defaults.
	if cfg.Agent.URL == "" {
		t.Error("expected default agent URL to survive partial config")
	}
}

func TestLoadFromExpandsEnv(t *testing.T) {
	t.Setenv("LOOP_URL_TEST", "http://env-host:8080")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "loop:\n  base_url: ${LOOP_URL_TEST}\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if cfg.Loop.BaseURL != "http://env-host:8080" {
		t.Errorf("expected env expansion, got %s", cfg.Loop.BaseURL)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Loop.Workspace = "roundtrip"

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := LoadFrom(filepath.Join(dir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}
	if loaded.Loop.Workspace != "roundtrip" {
		t.Errorf("expected workspace to round-trip, got %s", loaded.Loop.Workspace)
	}
}

func TestDBPathUnderDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/conductor-test"

	if got := cfg.DBPath(); !strings.HasPrefix(got, cfg.DataDir) {
		t.Errorf("DBPath %s not under data dir", got)
	}
	if got := cfg.SkillsDir(); !strings.HasPrefix(got, cfg.DataDir) {
		t.Errorf("SkillsDir %s not under data dir", got)
	}
}
