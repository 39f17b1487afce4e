package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	DataDir         string `json:"data_dir"`
	LogLevel        string `json:"log_level"`
	ListenAddr      string `json:"listen_addr"`
	MaxActors       int    `json:"max_actors"`
	MaxPromptTokens int    `json:"max_prompt_tokens"`
	AuthDeadlineSec int    `json:"auth_deadline_sec"`
	ActorIdleSec    int    `json:"actor_idle_sec"`
	OAuth           struct {
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
		RefreshURL   string `json:"refresh_url"`
	} `json:"oauth"`
	TokenStore struct {
		Path string `json:"path"`
	} `json:"token_store"`
	Seal struct {
		IdentityPath string `json:"identity_path"`
	} `json:"seal"`
	Callback struct {
		Secret string `json:"secret"`
	} `json:"callback"`
	Telegram struct {
		Token string `json:"token"`
	} `json:"telegram"`
	Executor struct {
		Key string `json:"key"`
	} `json:"executor"`
	Sandbox struct {
		HookURL string `json:"hook_url"`
		Key     string `json:"key"`
	} `json:"sandbox"`
	Janitor struct {
		Schedule    string `json:"schedule"`
		IdleHorizon string `json:"idle_horizon"`
	} `json:"janitor"`
}

func Load(path string) (*Config, error) {
	cfg := &Config{
		DataDir:         filepath.Join(os.Getenv("HOME"), ".sessiond"),
		LogLevel:        "info",
		ListenAddr:      ":8080",
		MaxActors:       64,
		MaxPromptTokens: 32000,
		AuthDeadlineSec: 10,
		ActorIdleSec:    900,
	}
	cfg.OAuth.RefreshURL = "https://github.com/login/oauth/access_token"
	cfg.Janitor.Schedule = "@every 10m"
	cfg.Janitor.IdleHorizon = "72h"

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if v := os.Getenv("SESSIOND_OAUTH_CLIENT_ID"); v != "" {
		cfg.OAuth.ClientID = v
	}
	if v := os.Getenv("SESSIOND_OAUTH_CLIENT_SECRET"); v != "" {
		cfg.OAuth.ClientSecret = v
	}
	if v := os.Getenv("SESSIOND_TOKEN_DB"); v != "" {
		cfg.TokenStore.Path = v
	}
	if v := os.Getenv("SESSIOND_SEAL_IDENTITY"); v != "" {
		cfg.Seal.IdentityPath = v
	}
	if v := os.Getenv("SESSIOND_CALLBACK_SECRET"); v != "" {
		cfg.Callback.Secret = v
	}
	if v := os.Getenv("SESSIOND_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("SESSIOND_EXECUTOR_KEY"); v != "" {
		cfg.Executor.Key = v
	}
	if v := os.Getenv("SESSIOND_SANDBOX_HOOK_URL"); v != "" {
		cfg.Sandbox.HookURL = v
	}

	return cfg, nil
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
