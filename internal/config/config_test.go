package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 0\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Mistral.BaseURL != "https://api.mistral.ai" {
		t.Errorf("expected default mistral base URL, got %q", cfg.Mistral.BaseURL)
	}
	if cfg.Sync.MaxEmailsPerCycle != 30 {
		t.Errorf("expected default cycle budget 30, got %d", cfg.Sync.MaxEmailsPerCycle)
	}
	if cfg.Worker.JobsBatch != 5 {
		t.Errorf("expected default batch 5, got %d", cfg.Worker.JobsBatch)
	}
	if cfg.Worker.IdleSleepSeconds != 5 {
		t.Errorf("expected default idle sleep 5s, got %d", cfg.Worker.IdleSleepSeconds)
	}
}

func TestReplyChainStripDefaultOn(t *testing.T) {
	cfg := &Config{}
	cfg.applyDefaults()
	if !cfg.Sync.ReplyChainStripEnabled() {
		t.Error("reply chain strip should default to on")
	}
}

func TestReplyChainStripYAMLOff(t *testing.T) {
	path := writeConfig(t, "sync:\n  strip_reply_chains: false\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Sync.ReplyChainStripEnabled() {
		t.Error("expected strip disabled via yaml")
	}
}

func TestLoadFromEnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	t.Setenv("DATABASE_URL", "postgres://env-host/inbox")
	t.Setenv("WORKER_MODE", "true")
	t.Setenv("AI_SUMM_ENABLED", "true")
	t.Setenv("AI_JOBS_BATCH", "7")
	t.Setenv("AI_IDLE_SLEEP", "2")
	t.Setenv("MAX_EMAILS_PER_CYCLE", "10")
	t.Setenv("STRIP_REPLY_CHAINS", "false")
	t.Setenv("MISTRAL_API_KEY", "sk-test")

	cfg, err := LoadFromEnv(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("yaml port lost: %d", cfg.Server.Port)
	}
	if cfg.Database.URL != "postgres://env-host/inbox" {
		t.Errorf("database url override missing: %q", cfg.Database.URL)
	}
	if !cfg.Worker.Mode || !cfg.Worker.SummarizeEnabled {
		t.Error("worker mode flags not applied")
	}
	if cfg.Worker.JobsBatch != 7 {
		t.Errorf("batch override: got %d", cfg.Worker.JobsBatch)
	}
	if cfg.Worker.IdleSleepSeconds != 2 {
		t.Errorf("idle sleep override: got %d", cfg.Worker.IdleSleepSeconds)
	}
	if cfg.Sync.MaxEmailsPerCycle != 10 {
		t.Errorf("cycle budget override: got %d", cfg.Sync.MaxEmailsPerCycle)
	}
	if cfg.Sync.ReplyChainStripEnabled() {
		t.Error("expected strip disabled via env")
	}
	if !cfg.Mistral.Configured() {
		t.Error("expected mistral configured")
	}
}

func TestLoadFromEnvMissingFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://only-env/inbox")

	cfg, err := LoadFromEnv(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected env-only config, got error: %v", err)
	}
	if cfg.Database.URL != "postgres://only-env/inbox" {
		t.Errorf("env-only database url missing: %q", cfg.Database.URL)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("defaults not applied: %d", cfg.Server.Port)
	}
}
