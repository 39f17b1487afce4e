package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.MaxActors != 64 || cfg.AuthDeadlineSec != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.Janitor.Schedule != "@every 10m" || cfg.Janitor.IdleHorizon != "72h" {
		t.Errorf("unexpected janitor defaults: %+v", cfg.Janitor)
	}

	// The default file was written for the operator to edit.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]any
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("default config is not valid JSON: %v", err)
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"listen_addr": ":9090", "max_prompt_tokens": 1000}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected file value, got %q", cfg.ListenAddr)
	}
	if cfg.MaxPromptTokens != 1000 {
		t.Errorf("expected file value, got %d", cfg.MaxPromptTokens)
	}
	// Unset fields keep defaults.
	if cfg.MaxActors != 64 {
		t.Errorf("expected default max actors, got %d", cfg.MaxActors)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SESSIOND_OAUTH_CLIENT_ID", "env-id")
	t.Setenv("SESSIOND_OAUTH_CLIENT_SECRET", "env-secret")
	t.Setenv("SESSIOND_EXECUTOR_KEY", "env-key")
	t.Setenv("SESSIOND_SANDBOX_HOOK_URL", "https://example.com/hook")

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"oauth":{"client_id":"file-id"}}`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OAuth.ClientID != "env-id" {
		t.Errorf("expected env to beat file, got %q", cfg.OAuth.ClientID)
	}
	if cfg.OAuth.ClientSecret != "env-secret" || cfg.Executor.Key != "env-key" {
		t.Error("expected env overrides applied")
	}
	if cfg.Sandbox.HookURL != "https://example.com/hook" {
		t.Errorf("expected sandbox hook url from env, got %q", cfg.Sandbox.HookURL)
	}
}

func TestLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{nope"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid JSON")
	}
}
