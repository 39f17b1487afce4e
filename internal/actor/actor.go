// Package actor hosts one session's single point of truth. Every state
// transition of a session (subscribe, prompt, stop, executor event, timer)
// runs on the actor's inbox goroutine, fully handled before the next, so
// no two mutations of the session's rows can race within one instance.
// Slow outbound work (sandbox spawn, token refresh, notification delivery)
// is spawned onto its own goroutine and posts its results back into the
// inbox instead of holding the execution path.
package actor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sessiond/internal/notify"
	"github.com/user/sessiond/internal/participant"
	"github.com/user/sessiond/internal/promptbudget"
	"github.com/user/sessiond/internal/registry"
	"github.com/user/sessiond/internal/types"
)

// replayPageSize bounds how many events one subscribe delivers before
// handing the client a continuation cursor.
const replayPageSize = 500

// Stores bundles the per-session persistence the actor owns.
type Stores struct {
	Sessions     types.SessionStore
	Participants types.ParticipantStore
	Messages     types.MessageStore
	Events       types.EventStore
	Conns        types.ConnStore
}

// Actor owns one session. All mutation happens on the Run goroutine.
type Actor struct {
	sessionID types.SessionID
	stores    Stores
	reg       *registry.Registry
	parts     *participant.Service
	notifier  *notify.Service
	lifecycle types.SandboxLifecycle
	scm       types.SourceControl
	budget    *promptbudget.Budget

	inbox  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Actor-goroutine state; touched only from inbox closures.
	spawning bool

	mu         sync.Mutex
	lastActive time.Time
}

// New wires an actor for the given session. lifecycle, scm, and budget may
// be nil (provisioning requests are logged and dropped; executor auth
// requests are denied; no prompt size check).
func New(sessionID types.SessionID, stores Stores, parts *participant.Service, notifier *notify.Service, lifecycle types.SandboxLifecycle, scm types.SourceControl, budget *promptbudget.Budget) *Actor {
	return &Actor{
		sessionID:  sessionID,
		stores:     stores,
		reg:        registry.New(sessionID, stores.Sessions, stores.Conns),
		parts:      parts,
		notifier:   notifier,
		lifecycle:  lifecycle,
		scm:        scm,
		budget:     budget,
		inbox:      make(chan func(), 256),
		lastActive: time.Now(),
	}
}

// Registry exposes the actor's connection registry.
func (a *Actor) Registry() *registry.Registry { return a.reg }

// SessionID returns the session this actor owns.
func (a *Actor) SessionID() types.SessionID { return a.sessionID }

// Start begins draining the inbox.
func (a *Actor) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run()
}

// Stop cancels the actor and waits for the inbox goroutine to exit.
// Pending inbox entries are dropped; durable state is already persisted.
func (a *Actor) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

func (a *Actor) run() {
	defer a.wg.Done()
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.ctx.Done():
			return
		}
	}
}

// post schedules fn on the inbox. Drops with a log line if the actor is
// stopped or the inbox is full; callers treat posts as best-effort sends.
func (a *Actor) post(fn func()) {
	select {
	case a.inbox <- fn:
	case <-a.ctx.Done():
	default:
		slog.Warn("actor inbox full, dropping work", "session_id", a.sessionID)
	}
}

func (a *Actor) touch() {
	a.mu.Lock()
	a.lastActive = time.Now()
	a.mu.Unlock()
}

// IdleSince returns the time of the last inbound activity.
func (a *Actor) IdleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActive
}

// AcceptClient registers a human connection under a fresh connection id
// and arms the authentication deadline.
func (a *Actor) AcceptClient(sock registry.Socket) *registry.Conn {
	a.touch()
	c := a.reg.AcceptClient(sock, types.NewConnectionID())
	a.reg.StartAuthTimer(a.ctx, c)
	return c
}

// RecoverClient registers a human connection that presents a connection id
// from before a process restart. The persisted mapping, if any, restores
// its identity without re-authentication.
func (a *Actor) RecoverClient(sock registry.Socket, connectionID types.ConnectionID) *registry.Conn {
	a.touch()
	c := a.reg.AcceptClient(sock, connectionID)
	if m, err := a.stores.Conns.Get(a.ctx, a.sessionID, connectionID); err == nil {
		if err := a.reg.MarkAuthenticated(a.ctx, c, m.ParticipantID); err != nil {
			slog.Warn("recover identity failed", "session_id", a.sessionID, "error", err)
		}
	}
	a.reg.StartAuthTimer(a.ctx, c)
	return c
}

// AcceptExecutor registers the executor connection and persists it as the
// session's executor reference.
func (a *Actor) AcceptExecutor(sock registry.Socket, executorID string) *registry.Conn {
	a.touch()
	c := a.reg.AcceptExecutor(sock, executorID)
	a.post(func() { a.executorAttached(executorID) })
	return c
}

// Disconnected removes a connection whose read loop has exited.
func (a *Actor) Disconnected(c *registry.Conn) {
	a.reg.Remove(c)
}

// HandleClientFrame dispatches one client frame onto the actor goroutine.
func (a *Actor) HandleClientFrame(c *registry.Conn, f ClientFrame) {
	a.touch()
	a.post(func() {
		switch f.Type {
		case ClientSubscribe:
			a.handleSubscribe(c, f.Token, f.Cursor)
		case ClientPrompt:
			a.handlePrompt(c, f.Content)
		case ClientStop:
			a.handleStop()
		case ClientPing:
			a.reg.Send(c, pongFrame{Type: ServerPong})
		default:
			a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeInvalid, Message: "unknown frame type"})
		}
	})
}

// HandleExecutorFrame dispatches one executor frame onto the actor goroutine.
func (a *Actor) HandleExecutorFrame(c *registry.Conn, f ExecutorFrame) {
	a.touch()
	a.post(func() {
		switch f.Type {
		case "attached":
			a.executorAttached(f.ExecutorID)
		case "event":
			a.handleExecutorEvent(f)
		case "auth_request":
			a.handleAuthRequest(c, f)
		default:
			slog.Warn("unknown executor frame", "session_id", a.sessionID, "type", f.Type)
		}
	})
}

// EnqueueExternal enqueues a prompt that originated from an external
// trigger rather than a live client connection. The callback context, if
// present, routes completion notifications back to the trigger's origin.
func (a *Actor) EnqueueExternal(authorID types.ParticipantID, content string, cb *types.CallbackContext) {
	a.touch()
	a.post(func() { a.enqueue(authorID, content, cb, nil) })
}

// executorAttached persists the executor reference and pumps the queue so
// prompts that were waiting on provisioning dispatch immediately.
func (a *Actor) executorAttached(executorID string) {
	sess, err := a.stores.Sessions.Get(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("executor attach: load session failed", "session_id", a.sessionID, "error", err)
		return
	}
	if sess.ExecutorID != executorID {
		sess.ExecutorID = executorID
		if err := a.stores.Sessions.Update(a.ctx, sess); err != nil {
			slog.Error("executor attach: persist failed", "session_id", a.sessionID, "error", err)
			return
		}
	}
	a.spawning = false
	if a.lifecycle != nil {
		go func() {
			if err := a.lifecycle.NotifyExecutorAttached(a.ctx, a.sessionID, executorID); err != nil {
				slog.Warn("notify executor attached failed", "session_id", a.sessionID, "error", err)
			}
		}()
	}
	a.pump()
}
