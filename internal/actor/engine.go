// internal/actor/engine.go
package actor

import (
	"errors"
	"log/slog"
	"time"

	"github.com/user/sessiond/internal/promptbudget"
	"github.com/user/sessiond/internal/registry"
	"github.com/user/sessiond/internal/types"
)

// participantFor resolves a connection's identity: the in-memory binding
// first, then the persisted connection mapping (the post-restart path,
// where the mapping row is re-adopted into memory on first use).
func (a *Actor) participantFor(c *registry.Conn) types.ParticipantID {
	if id := c.ParticipantID(); id != "" {
		return id
	}
	if c.ConnectionID() == "" {
		return ""
	}
	m, err := a.stores.Conns.Get(a.ctx, a.sessionID, c.ConnectionID())
	if err != nil {
		return ""
	}
	if err := a.reg.MarkAuthenticated(a.ctx, c, m.ParticipantID); err != nil {
		slog.Warn("re-adopt identity failed", "session_id", a.sessionID, "error", err)
	}
	return m.ParticipantID
}

// handlePrompt enqueues a prompt from a live client connection. The
// authentication check happens before any persistence.
func (a *Actor) handlePrompt(c *registry.Conn, content string) {
	authorID := a.participantFor(c)
	if authorID == "" {
		a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeNotAuthenticated, Message: "subscribe before sending prompts"})
		return
	}
	if content == "" {
		a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeInvalid, Message: "prompt content required"})
		return
	}
	a.enqueue(authorID, content, nil, c)
}

// enqueue persists a pending message and schedules queue processing.
// replyTo, when non-nil, receives structured errors; external triggers
// have no connection to answer to, so their failures are logged.
func (a *Actor) enqueue(authorID types.ParticipantID, content string, cb *types.CallbackContext, replyTo *registry.Conn) {
	fail := func(code, msg string) {
		if replyTo != nil {
			a.reg.Send(replyTo, errorFrame{Type: ServerError, Code: code, Message: msg})
		} else {
			slog.Warn("external enqueue rejected", "session_id", a.sessionID, "code", code)
		}
	}

	sess, err := a.stores.Sessions.Get(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("enqueue: load session failed", "session_id", a.sessionID, "error", err)
		fail(CodeInvalid, "session unavailable")
		return
	}
	if sess.Status == types.SessionArchived {
		fail(CodeArchived, "session is archived; restore it first")
		return
	}
	if a.budget != nil {
		if err := a.budget.Check(content); err != nil {
			if errors.Is(err, promptbudget.ErrPromptTooLarge) {
				fail(CodePromptTooLarge, err.Error())
				return
			}
			slog.Warn("prompt budget check failed", "session_id", a.sessionID, "error", err)
		}
	}

	m := &types.Message{
		ID:        types.NewMessageID(),
		SessionID: a.sessionID,
		AuthorID:  authorID,
		Content:   content,
		Status:    types.MessagePending,
		CreatedAt: time.Now(),
		Callback:  cb,
	}
	if err := a.stores.Messages.Append(a.ctx, m); err != nil {
		slog.Error("enqueue: persist failed", "session_id", a.sessionID, "error", err)
		fail(CodeInvalid, "could not persist prompt")
		return
	}

	a.reg.Broadcast(a.ctx, promptQueuedFrame{Type: ServerPromptQueued, MessageID: m.ID}, registry.AuthenticatedOnly)
	a.pump()
}

// pump is the idempotent queue advance: if nothing is processing and at
// least one message is pending, dispatch the oldest pending message to the
// executor connection, or request provisioning if there is none. Queue
// forward progress comes entirely from re-invoking pump on every terminal
// transition; there is no scheduler thread.
func (a *Actor) pump() {
	messages, err := a.stores.Messages.List(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("pump: list messages failed", "session_id", a.sessionID, "error", err)
		return
	}

	var next *types.Message
	for _, m := range messages {
		if m.Status == types.MessageProcessing {
			return
		}
		if m.Status == types.MessagePending && next == nil {
			next = m
		}
	}
	if next == nil {
		return
	}

	exec := a.reg.ExecutorConn(a.ctx)
	if exec == nil {
		a.requestProvisioning()
		return
	}

	now := time.Now()
	next.Status = types.MessageProcessing
	next.StartedAt = &now
	if err := a.stores.Messages.Update(a.ctx, next); err != nil {
		slog.Error("pump: mark processing failed", "session_id", a.sessionID, "error", err)
		return
	}

	if !a.reg.Send(exec, executorPromptFrame{Type: "prompt", ID: next.ID, Content: next.Content}) {
		// Dead executor detected lazily on send. Put the message back and
		// go through the provisioning path.
		next.Status = types.MessagePending
		next.StartedAt = nil
		if err := a.stores.Messages.Update(a.ctx, next); err != nil {
			slog.Error("pump: revert to pending failed", "session_id", a.sessionID, "error", err)
			return
		}
		a.requestProvisioning()
		return
	}

	a.reg.Broadcast(a.ctx, processingStatusFrame{Type: ServerProcessingStatus, Processing: true}, registry.AuthenticatedOnly)
}

// requestProvisioning broadcasts the spawning phase and invokes the
// lifecycle hook off the actor's path. Message state is not touched: the
// prompt stays pending until an executor attaches and pump runs again.
func (a *Actor) requestProvisioning() {
	a.reg.Broadcast(a.ctx, processingStatusFrame{
		Type:       ServerProcessingStatus,
		Processing: false,
		Phase:      PhaseSandboxSpawning,
	}, registry.AuthenticatedOnly)

	if a.lifecycle == nil {
		slog.Warn("no sandbox lifecycle configured; prompt stays pending", "session_id", a.sessionID)
		return
	}
	if a.spawning {
		return
	}
	a.spawning = true
	go func() {
		err := a.lifecycle.Spawn(a.ctx, a.sessionID)
		a.post(func() {
			if err != nil {
				slog.Error("sandbox spawn failed", "session_id", a.sessionID, "error", err)
				a.spawning = false
			}
			// On success the executor attaches through the socket surface,
			// which clears spawning and pumps.
		})
	}()
}

// handleStop fails the processing message with a synthetic terminal event
// and tells the executor to stand down. Idempotent: a stop with nothing
// processing is a no-op. The executor's eventual silence is not awaited;
// the user-visible state resolves immediately.
func (a *Actor) handleStop() {
	messages, err := a.stores.Messages.List(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("stop: list messages failed", "session_id", a.sessionID, "error", err)
		return
	}
	var processing *types.Message
	for _, m := range messages {
		if m.Status == types.MessageProcessing {
			processing = m
			break
		}
	}
	if processing == nil {
		return
	}

	now := time.Now()
	processing.Status = types.MessageFailed
	processing.Error = "stopped by user"
	processing.CompletedAt = &now
	if err := a.stores.Messages.Update(a.ctx, processing); err != nil {
		slog.Error("stop: persist failed", "session_id", a.sessionID, "error", err)
		return
	}

	ev := &types.Event{
		ID:        types.NewEventID(),
		SessionID: a.sessionID,
		MessageID: processing.ID,
		Type:      EventExecFailed,
		UpsertKey: terminalUpsertKey(processing.ID),
		At:        now,
		Payload:   []byte(`{"stopped":true}`),
	}
	if err := a.stores.Events.Append(a.ctx, ev); err != nil {
		slog.Error("stop: append synthetic event failed", "session_id", a.sessionID, "error", err)
	} else {
		a.reg.Broadcast(a.ctx, eventFrame{Type: ServerSandboxEvent, Event: ev}, registry.LiveOnly)
	}

	if exec := a.reg.ExecutorConn(a.ctx); exec != nil {
		a.reg.Send(exec, executorStopFrame{Type: "stop"})
	}
	a.reg.Broadcast(a.ctx, processingStatusFrame{Type: ServerProcessingStatus, Processing: false}, registry.AuthenticatedOnly)
	a.pump()
}

// handleExecutorEvent persists and broadcasts one executor-reported event,
// and on a terminal event resolves the message and advances the queue.
func (a *Actor) handleExecutorEvent(f ExecutorFrame) {
	ev := &types.Event{
		ID:        types.NewEventID(),
		SessionID: a.sessionID,
		MessageID: f.MessageID,
		Type:      f.EventType,
		At:        time.Now(),
		Payload:   f.Payload,
	}
	if isTerminalEvent(f.EventType) && f.MessageID != "" {
		ev.UpsertKey = terminalUpsertKey(f.MessageID)
	}
	if err := a.stores.Events.Append(a.ctx, ev); err != nil {
		slog.Error("persist executor event failed", "session_id", a.sessionID, "error", err)
		return
	}
	a.reg.Broadcast(a.ctx, eventFrame{Type: ServerSandboxEvent, Event: ev}, registry.LiveOnly)

	if isTerminalEvent(f.EventType) {
		a.resolveTerminal(f.MessageID, f.EventType == EventExecComplete)
		return
	}

	if f.EventType == EventToolCall && f.MessageID != "" {
		if m, err := a.stores.Messages.Get(a.ctx, a.sessionID, f.MessageID); err == nil && m.Callback != nil {
			go a.notifier.ToolCall(a.ctx, m, f.EventType)
		}
	}
}

// handleAuthRequest resolves credentials for the executor to act on the
// prompt author's behalf against source control. The token resolution
// (which may hit the refresh endpoint) and the repo access probe run off
// the actor's path; the answer is sent straight to the executor socket.
func (a *Actor) handleAuthRequest(c *registry.Conn, f ExecutorFrame) {
	deny := func(reason string) {
		a.reg.Send(c, executorAuthFrame{Type: "auth", RequestID: f.RequestID, Ok: false, Reason: reason})
	}
	if f.MessageID == "" {
		deny("message_id required")
		return
	}
	m, err := a.stores.Messages.Get(a.ctx, a.sessionID, f.MessageID)
	if err != nil {
		deny("unknown message")
		return
	}
	p, err := a.stores.Participants.Get(a.ctx, a.sessionID, m.AuthorID)
	if err != nil {
		deny("unknown author")
		return
	}
	sess, err := a.stores.Sessions.Get(a.ctx, a.sessionID)
	if err != nil {
		deny("session unavailable")
		return
	}

	go func() {
		token, err := a.parts.ResolveAuthForAction(a.ctx, p)
		a.post(func() {
			if err != nil {
				slog.Warn("resolve auth for executor failed",
					"session_id", a.sessionID, "participant_id", p.ID, "error", err)
				deny(err.Error())
				return
			}
			if token == "" {
				// Author never authenticated: the executor works unauthenticated.
				a.reg.Send(c, executorAuthFrame{Type: "auth", RequestID: f.RequestID, Ok: true})
				return
			}
			frame := executorAuthFrame{Type: "auth", RequestID: f.RequestID, Ok: true, Token: token}
			if a.scm == nil {
				a.reg.Send(c, frame)
				return
			}
			go func() {
				repoOK, err := a.scm.CheckAccess(a.ctx, token, sess.RepoOwner, sess.RepoName)
				if err != nil {
					slog.Warn("repo access check failed", "session_id", a.sessionID, "error", err)
				}
				frame.RepoOK = repoOK
				a.post(func() { a.reg.Send(c, frame) })
			}()
		})
	}()
}

// resolveTerminal flips the message to its terminal status, fires the
// completion notification, and re-invokes pump to pick up the next prompt.
func (a *Actor) resolveTerminal(id types.MessageID, success bool) {
	if id == "" {
		a.pump()
		return
	}
	m, err := a.stores.Messages.Get(a.ctx, a.sessionID, id)
	if err != nil {
		slog.Warn("terminal event for unknown message", "session_id", a.sessionID, "message_id", id)
		a.pump()
		return
	}
	if m.Status == types.MessageCompleted || m.Status == types.MessageFailed {
		// Duplicate terminal signal; the event row already collapsed.
		a.pump()
		return
	}

	now := time.Now()
	if success {
		m.Status = types.MessageCompleted
	} else {
		m.Status = types.MessageFailed
		if m.Error == "" {
			m.Error = "execution failed"
		}
	}
	m.CompletedAt = &now
	if err := a.stores.Messages.Update(a.ctx, m); err != nil {
		slog.Error("persist terminal status failed", "session_id", a.sessionID, "error", err)
		return
	}

	if m.Callback != nil {
		msg := *m
		go func() {
			result := a.notifier.Complete(a.ctx, &msg, success)
			if result == "" {
				return
			}
			a.post(func() {
				current, err := a.stores.Messages.Get(a.ctx, a.sessionID, msg.ID)
				if err != nil || current.Callback == nil {
					return
				}
				current.Callback.Result = result
				if err := a.stores.Messages.Update(a.ctx, current); err != nil {
					slog.Warn("persist callback result failed", "session_id", a.sessionID, "error", err)
				}
			})
		}()
	}

	a.reg.Broadcast(a.ctx, processingStatusFrame{Type: ServerProcessingStatus, Processing: false}, registry.AuthenticatedOnly)
	a.pump()
}
