// Package sandbox bridges the daemon to whatever provisions executor
// processes. The daemon never runs executors itself; it posts lifecycle
// hooks to an external provisioner and waits for the executor to attach
// over the socket surface.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/user/sessiond/internal/types"
)

var _ types.SandboxLifecycle = (*HookLifecycle)(nil)

// HookLifecycle posts lifecycle events to a single webhook URL.
type HookLifecycle struct {
	hookURL    string
	key        string
	httpClient *http.Client
}

// NewHook creates a lifecycle that posts to hookURL. key, when non-empty,
// is sent as X-Sessiond-Hook-Key so the provisioner can reject strangers.
func NewHook(hookURL, key string) *HookLifecycle {
	return &HookLifecycle{
		hookURL:    hookURL,
		key:        key,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type hookPayload struct {
	Event      string          `json:"event"`
	SessionID  types.SessionID `json:"session_id"`
	ExecutorID string          `json:"executor_id,omitempty"`
}

// Spawn asks the provisioner to start (or restart) an executor for the
// session.
func (l *HookLifecycle) Spawn(ctx context.Context, sessionID types.SessionID) error {
	return l.post(ctx, hookPayload{Event: "spawn", SessionID: sessionID})
}

// NotifyExecutorAttached tells the provisioner the executor is live, so it
// can stop any retry loop it runs for the session.
func (l *HookLifecycle) NotifyExecutorAttached(ctx context.Context, sessionID types.SessionID, executorID string) error {
	return l.post(ctx, hookPayload{Event: "executor_attached", SessionID: sessionID, ExecutorID: executorID})
}

func (l *HookLifecycle) post(ctx context.Context, p hookPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal hook payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.hookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if l.key != "" {
		req.Header.Set("X-Sessiond-Hook-Key", l.key)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post %s hook: %w", p.Event, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s hook returned %d", p.Event, resp.StatusCode)
	}
	return nil
}
