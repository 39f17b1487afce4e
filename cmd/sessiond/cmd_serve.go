package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/sessiond/internal/actor"
	"github.com/user/sessiond/internal/hub"
	"github.com/user/sessiond/internal/janitor"
	"github.com/user/sessiond/internal/notify"
	"github.com/user/sessiond/internal/participant"
	"github.com/user/sessiond/internal/promptbudget"
	"github.com/user/sessiond/internal/sandbox"
	"github.com/user/sessiond/internal/sealed"
	"github.com/user/sessiond/internal/sourcecontrol"
	"github.com/user/sessiond/internal/state"
	"github.com/user/sessiond/internal/tokenstore"
	"github.com/user/sessiond/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sessiond daemon",
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, "sessiond.pid")
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	// Stores
	stores := actor.Stores{
		Sessions:     state.NewSessionStore(cfg.DataDir),
		Participants: state.NewParticipantStore(cfg.DataDir),
		Messages:     state.NewMessageStore(cfg.DataDir),
		Events:       state.NewEventStore(cfg.DataDir),
		Conns:        state.NewConnStore(cfg.DataDir),
	}

	// Token sealing
	identityPath := cfg.Seal.IdentityPath
	if identityPath == "" {
		identityPath = filepath.Join(cfg.DataDir, "seal.key")
	}
	cipher, err := sealed.LoadOrCreate(identityPath)
	if err != nil {
		return fmt.Errorf("load seal identity: %w", err)
	}

	// Shared token store (optional; refresh stays session-local without it)
	var central types.CentralTokenStore
	if cfg.TokenStore.Path != "" {
		store, err := tokenstore.Open(cfg.TokenStore.Path)
		if err != nil {
			return fmt.Errorf("open token store: %w", err)
		}
		defer store.Close()
		central = store
		slog.Info("centralized token store enabled", "path", cfg.TokenStore.Path)
	} else {
		slog.Warn("centralized token store disabled (no path)")
	}

	// Source control provider
	scm := sourcecontrol.New(cfg.OAuth.RefreshURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	if !scm.Configured() {
		slog.Warn("oauth credentials not configured; token refresh unavailable")
	}

	parts := participant.NewService(stores.Participants, cipher, scm, central)

	// Notification deliverers
	notifier := notify.NewService()
	if cfg.Callback.Secret != "" {
		notifier.Register(types.OriginWebhook, notify.NewWebhookDeliverer(cfg.Callback.Secret))
	} else {
		slog.Warn("webhook notifications disabled (no callback secret)")
	}
	if cfg.Telegram.Token != "" {
		td, err := notify.NewTelegramDeliverer(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("create telegram deliverer: %w", err)
		}
		notifier.Register(types.OriginTelegram, td)
		slog.Info("telegram notifications enabled")
	} else {
		slog.Warn("telegram notifications disabled (no token)")
	}

	// Prompt size budget
	var budget *promptbudget.Budget
	if cfg.MaxPromptTokens > 0 {
		budget, err = promptbudget.New(cfg.MaxPromptTokens)
		if err != nil {
			return fmt.Errorf("create prompt budget: %w", err)
		}
	}

	// Sandbox provisioner hook
	var lifecycle types.SandboxLifecycle
	if cfg.Sandbox.HookURL != "" {
		lifecycle = sandbox.NewHook(cfg.Sandbox.HookURL, cfg.Sandbox.Key)
	} else {
		slog.Warn("sandbox hook disabled; executors must attach on their own")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := hub.New(hub.Options{
		MaxActors:    int64(cfg.MaxActors),
		ActorIdle:    time.Duration(cfg.ActorIdleSec) * time.Second,
		AuthDeadline: time.Duration(cfg.AuthDeadlineSec) * time.Second,
		ExecutorKey:  cfg.Executor.Key,
	}, stores, parts, notifier, lifecycle, scm, budget)
	h.Start(ctx)
	defer h.Stop()

	// Janitor
	horizon, err := time.ParseDuration(cfg.Janitor.IdleHorizon)
	if err != nil {
		return fmt.Errorf("parse janitor idle_horizon: %w", err)
	}
	jan := janitor.New(stores.Sessions, cfg.Janitor.Schedule, horizon)
	if err := jan.Start(); err != nil {
		return fmt.Errorf("start janitor: %w", err)
	}
	defer jan.Stop()

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h,
	}
	go func() {
		slog.Info("sessiond started",
			"listen", cfg.ListenAddr,
			"data_dir", cfg.DataDir,
			"log_level", cfg.LogLevel,
			"max_actors", cfg.MaxActors,
			"pid_file", pidPath,
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			execPath, err := os.Executable()
			if err != nil {
				slog.Error("failed to get executable path", "error", err)
				continue
			}
			os.Remove(pidPath)
			if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
				slog.Error("failed to re-exec", "error", err)
				if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
					slog.Error("failed to re-write PID file", "error", writeErr)
				}
				continue
			}
		}
		// SIGINT or SIGTERM
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}
