// internal/registry/registry.go
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sessiond/internal/types"
)

// BroadcastMode selects which client connections receive a broadcast.
type BroadcastMode int

const (
	// All sends to every live client connection.
	All BroadcastMode = iota
	// AuthenticatedOnly sends to connections with either an in-memory
	// identity or a persisted connection mapping. The persisted fallback
	// covers the window between a process restart and re-subscription.
	AuthenticatedOnly
	// LiveOnly sends to authenticated connections that have finished
	// replay. Event traffic uses this so a connection mid-replay never
	// sees a live event before its historical batch.
	LiveOnly
)

// DefaultAuthDeadline is how long an accepted socket may stay
// unauthenticated before it is closed.
const DefaultAuthDeadline = 10 * time.Second

// Registry is the single source of truth for which sockets exist on a
// session, who they are, and whether they may act. In-memory maps are a
// cache: identity is recoverable from connection tags plus the persisted
// session and connection-mapping rows.
type Registry struct {
	sessionID    types.SessionID
	sessions     types.SessionStore
	mappings     types.ConnStore
	authDeadline time.Duration

	mu       sync.RWMutex
	conns    map[*Conn]struct{}
	executor *Conn
}

// New creates a registry for one session.
func New(sessionID types.SessionID, sessions types.SessionStore, mappings types.ConnStore) *Registry {
	return &Registry{
		sessionID:    sessionID,
		sessions:     sessions,
		mappings:     mappings,
		authDeadline: DefaultAuthDeadline,
		conns:        make(map[*Conn]struct{}),
	}
}

// SetAuthDeadline overrides the authentication deadline. Zero keeps the default.
func (r *Registry) SetAuthDeadline(d time.Duration) {
	if d > 0 {
		r.authDeadline = d
	}
}

// AcceptClient registers a human connection, tagging it with an opaque
// connection id usable for post-restart recovery.
func (r *Registry) AcceptClient(sock Socket, connectionID types.ConnectionID) *Conn {
	c := &Conn{sock: sock, kind: KindClient, connectionID: connectionID}
	r.mu.Lock()
	r.conns[c] = struct{}{}
	r.mu.Unlock()
	return c
}

// AcceptExecutor registers the executor connection. A previously active
// executor is force-closed first: only one executor connection is ever
// authoritative.
func (r *Registry) AcceptExecutor(sock Socket, executorID string) *Conn {
	c := &Conn{sock: sock, kind: KindExecutor, executorID: executorID}

	r.mu.Lock()
	prior := r.executor
	r.executor = c
	r.conns[c] = struct{}{}
	if prior != nil {
		delete(r.conns, prior)
	}
	r.mu.Unlock()

	if prior != nil && !prior.Closed() {
		r.CloseConn(prior, CloseNormal, ReasonNewExecutor)
	}
	return c
}

// Classify returns the connection's kind and id from its tags alone. It
// works immediately after in-memory state has been rebuilt from nothing.
func (r *Registry) Classify(c *Conn) (Kind, types.ConnectionID) {
	if c.kind == KindExecutor {
		return KindExecutor, ""
	}
	return KindClient, c.connectionID
}

// ExecutorConn returns the authoritative executor connection, or nil if
// none is usable. The in-memory reference is preferred; after a restart
// (or a dropped reference) the live connections are rescanned and a
// candidate is re-adopted only if its executor-id tag matches the
// session's persisted executor reference. Stale or foreign executors are
// never re-adopted.
func (r *Registry) ExecutorConn(ctx context.Context) *Conn {
	r.mu.RLock()
	executor := r.executor
	r.mu.RUnlock()
	if executor != nil && !executor.Closed() {
		return executor
	}

	sess, err := r.sessions.Get(ctx, r.sessionID)
	if err != nil {
		slog.Warn("executor rescan: load session failed", "session_id", r.sessionID, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.conns {
		if c.kind != KindExecutor || c.Closed() {
			continue
		}
		if sess.ExecutorID == "" || c.executorID != sess.ExecutorID {
			slog.Warn("executor rescan: rejecting stale executor",
				"session_id", r.sessionID, "tag", c.executorID, "want", sess.ExecutorID)
			continue
		}
		r.executor = c
		return c
	}
	return nil
}

// Send writes v to the connection. Failures are logged and reported as
// false, never propagated: a dead connection is detected lazily by the
// next send attempted against it.
func (r *Registry) Send(c *Conn, v any) bool {
	if c == nil || c.Closed() {
		return false
	}
	if err := c.sock.WriteJSON(v); err != nil {
		slog.Warn("send failed", "session_id", r.sessionID, "kind", c.kind, "error", err)
		c.markClosed()
		return false
	}
	return true
}

// CloseConn closes the connection with the given code and reason and
// removes it from the registry.
func (r *Registry) CloseConn(c *Conn, code int, reason string) {
	if c == nil {
		return
	}
	if !c.Closed() {
		c.markClosed()
		if err := c.sock.Close(code, reason); err != nil {
			slog.Debug("close failed", "session_id", r.sessionID, "error", err)
		}
	}
	r.Remove(c)
}

// Remove drops the connection from the registry. Called by the hub when a
// read loop exits.
func (r *Registry) Remove(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, c)
	if r.executor == c {
		r.executor = nil
	}
}

// Broadcast sends v to live client connections. AuthenticatedOnly skips
// connections with no in-memory identity and no persisted mapping.
func (r *Registry) Broadcast(ctx context.Context, v any, mode BroadcastMode) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for c := range r.conns {
		if c.kind != KindClient || c.Closed() {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if mode != All && !r.isAuthenticated(ctx, c) {
			continue
		}
		if mode == LiveOnly && !c.Live() {
			continue
		}
		r.Send(c, v)
	}
}

// isAuthenticated checks the in-memory identity first and falls back to
// the persisted connection mapping.
func (r *Registry) isAuthenticated(ctx context.Context, c *Conn) bool {
	if c.ParticipantID() != "" {
		return true
	}
	if c.connectionID == "" {
		return false
	}
	_, err := r.mappings.Get(ctx, r.sessionID, c.connectionID)
	if err == nil {
		return true
	}
	if !errors.Is(err, types.ErrNoRecord) {
		slog.Warn("connection mapping lookup failed", "session_id", r.sessionID, "error", err)
	}
	return false
}

// MarkAuthenticated binds the in-memory identity and persists the
// connection mapping for post-restart recovery.
func (r *Registry) MarkAuthenticated(ctx context.Context, c *Conn, participantID types.ParticipantID) error {
	c.setParticipant(participantID)
	m := &types.ConnMapping{
		ConnectionID:  c.connectionID,
		SessionID:     r.sessionID,
		ParticipantID: participantID,
	}
	if err := r.mappings.Put(ctx, m); err != nil {
		return err
	}
	return nil
}

// StartAuthTimer closes the connection with the auth-timeout code once the
// deadline passes without either an in-memory identity or a persisted
// mapping appearing. Runs off the actor's execution path.
func (r *Registry) StartAuthTimer(ctx context.Context, c *Conn) {
	timer := time.NewTimer(r.authDeadline)
	go func() {
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if c.Closed() || r.isAuthenticated(ctx, c) {
			return
		}
		slog.Info("closing unauthenticated connection",
			"session_id", r.sessionID, "connection_id", c.connectionID)
		r.CloseConn(c, CloseAuthTimeout, "authentication timeout")
	}()
}

// ExecutorOpen reports whether an open executor connection exists. The
// hub uses this to pin the actor in memory: hibernating under a live
// executor socket would orphan its read loop and drop its frames.
func (r *Registry) ExecutorOpen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.conns {
		if c.kind == KindExecutor && !c.Closed() {
			return true
		}
	}
	return false
}

// ClientCount returns the number of open client connections.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for c := range r.conns {
		if c.kind == KindClient && !c.Closed() {
			n++
		}
	}
	return n
}
