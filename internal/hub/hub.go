// Package hub is the socket and HTTP surface in front of the session
// actors. It owns the actor table: one resident actor per active session,
// bounded by a weighted semaphore, spun down when idle and rebuilt from
// the stores on the next touch.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/sessiond/internal/actor"
	"github.com/user/sessiond/internal/notify"
	"github.com/user/sessiond/internal/participant"
	"github.com/user/sessiond/internal/promptbudget"
	"github.com/user/sessiond/internal/types"
)

// Options configures the hub.
type Options struct {
	MaxActors    int64
	ActorIdle    time.Duration
	AuthDeadline time.Duration
	ExecutorKey  string
}

// Hub routes HTTP and socket traffic to session actors.
type Hub struct {
	opts      Options
	stores    actor.Stores
	parts     *participant.Service
	notifier  *notify.Service
	lifecycle types.SandboxLifecycle
	scm       types.SourceControl
	budget    *promptbudget.Budget

	sem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	actors map[types.SessionID]*actor.Actor

	mux *http.ServeMux
}

// New creates a hub. lifecycle, scm, and budget may be nil.
func New(opts Options, stores actor.Stores, parts *participant.Service, notifier *notify.Service, lifecycle types.SandboxLifecycle, scm types.SourceControl, budget *promptbudget.Budget) *Hub {
	if opts.MaxActors <= 0 {
		opts.MaxActors = 64
	}
	if opts.ActorIdle <= 0 {
		opts.ActorIdle = 15 * time.Minute
	}
	h := &Hub{
		opts:      opts,
		stores:    stores,
		parts:     parts,
		notifier:  notifier,
		lifecycle: lifecycle,
		scm:       scm,
		budget:    budget,
		sem:       semaphore.NewWeighted(opts.MaxActors),
		actors:    make(map[types.SessionID]*actor.Actor),
		mux:       http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("POST /v1/sessions", h.handleCreateSession)
	h.mux.HandleFunc("POST /v1/sessions/{id}/restore", h.handleRestore)
	h.mux.HandleFunc("POST /v1/sessions/{id}/prompts", h.handleExternalPrompt)
	h.mux.HandleFunc("GET /v1/sessions/{id}/socket", h.handleClientSocket)
	h.mux.HandleFunc("GET /v1/sessions/{id}/executor", h.handleExecutorSocket)
	return h
}

// Start initialises the hub's context and the idle reaper.
func (h *Hub) Start(ctx context.Context) {
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.wg.Add(1)
	go h.reapIdle()
}

// Stop shuts down every resident actor and waits for the reaper.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	actors := make([]*actor.Actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.actors = make(map[types.SessionID]*actor.Actor)
	h.mu.Unlock()
	for _, a := range actors {
		a.Stop()
		h.sem.Release(1)
	}
	h.wg.Wait()
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// actorFor returns the resident actor for the session, reviving it from
// the stores if necessary. Reviving verifies the session exists.
func (h *Hub) actorFor(ctx context.Context, id types.SessionID) (*actor.Actor, error) {
	h.mu.Lock()
	if a, ok := h.actors[id]; ok {
		h.mu.Unlock()
		return a, nil
	}
	h.mu.Unlock()

	if _, err := h.stores.Sessions.Get(ctx, id); err != nil {
		return nil, err
	}
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire actor slot: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if a, ok := h.actors[id]; ok {
		// Lost the revival race; give the slot back.
		h.sem.Release(1)
		return a, nil
	}
	a := actor.New(id, h.stores, h.parts, h.notifier, h.lifecycle, h.scm, h.budget)
	if h.opts.AuthDeadline > 0 {
		a.Registry().SetAuthDeadline(h.opts.AuthDeadline)
	}
	a.Start(h.ctx)
	h.actors[id] = a
	slog.Info("actor started", "session_id", id)
	return a, nil
}

// reapIdle spins down actors with no open connections and no recent
// activity. Their durable state survives; the next touch revives them.
func (h *Hub) reapIdle() {
	defer h.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
		h.reapIdleOnce(time.Now().Add(-h.opts.ActorIdle))
	}
}

// reapIdleOnce hibernates every actor idle since before cutoff. An open
// connection of either kind pins its actor: the socket read loops hold
// the actor pointer, so stopping it under them would drop every frame
// they deliver — for an executor that means losing the terminal event
// and leaving the message processing forever.
func (h *Hub) reapIdleOnce(cutoff time.Time) {
	h.mu.Lock()
	var victims []*actor.Actor
	for id, a := range h.actors {
		reg := a.Registry()
		if a.IdleSince().Before(cutoff) && reg.ClientCount() == 0 && !reg.ExecutorOpen() {
			victims = append(victims, a)
			delete(h.actors, id)
		}
	}
	h.mu.Unlock()

	for _, a := range victims {
		slog.Info("actor hibernating", "session_id", a.SessionID())
		a.Stop()
		h.sem.Release(1)
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// createSessionRequest is the JSON body for POST /v1/sessions.
type createSessionRequest struct {
	RepoOwner   string `json:"repo_owner"`
	RepoName    string `json:"repo_name"`
	Branch      string `json:"branch"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type createSessionResponse struct {
	SessionID     types.SessionID     `json:"session_id"`
	ParticipantID types.ParticipantID `json:"participant_id"`
	Token         string              `json:"token"`
}

func (h *Hub) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.RepoOwner == "" || req.RepoName == "" {
		http.Error(w, `{"error":"repo_owner and repo_name are required"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	sess := &types.Session{
		ID:        types.NewSessionID(),
		RepoOwner: req.RepoOwner,
		RepoName:  req.RepoName,
		Branch:    req.Branch,
		Status:    types.SessionActive,
		CreatedAt: time.Now(),
	}
	if err := h.stores.Sessions.Create(ctx, sess); err != nil {
		slog.Error("create session failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	p, err := h.parts.Create(ctx, sess.ID, req.UserID, req.DisplayName)
	if err != nil {
		slog.Error("create participant failed", "session_id", sess.ID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	token, err := h.parts.IssueConnToken(ctx, p)
	if err != nil {
		slog.Error("issue conn token failed", "session_id", sess.ID, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(createSessionResponse{
		SessionID:     sess.ID,
		ParticipantID: p.ID,
		Token:         token,
	})
}

func (h *Hub) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	sess, err := h.stores.Sessions.Get(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	if sess.Status != types.SessionArchived {
		http.Error(w, `{"error":"session is not archived"}`, http.StatusConflict)
		return
	}
	sess.Status = types.SessionActive
	if err := h.stores.Sessions.Update(r.Context(), sess); err != nil {
		slog.Error("restore session failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "active"})
}

// externalPromptRequest is the JSON body for externally-triggered prompts.
type externalPromptRequest struct {
	AuthorID types.ParticipantID    `json:"author_id"`
	Content  string                 `json:"content"`
	Callback *types.CallbackContext `json:"callback,omitempty"`
}

func (h *Hub) handleExternalPrompt(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	var req externalPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Content == "" || req.AuthorID == "" {
		http.Error(w, `{"error":"author_id and content are required"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.stores.Participants.Get(r.Context(), id, req.AuthorID); err != nil {
		http.Error(w, `{"error":"unknown author"}`, http.StatusUnauthorized)
		return
	}

	a, err := h.actorFor(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}
	a.EnqueueExternal(req.AuthorID, req.Content, req.Callback)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}
