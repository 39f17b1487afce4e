// internal/actor/replay.go
package actor

import (
	"log/slog"

	"github.com/user/sessiond/internal/participant"
	"github.com/user/sessiond/internal/registry"
	"github.com/user/sessiond/internal/types"
)

// handleSubscribe authenticates the connection, replays history, and flips
// the connection into live-broadcast mode.
//
// Ordering: the replay cursor is snapshotted at subscribe time, history is
// replayed strictly up to it, and only then does the connection go live.
// Because subscribe runs to completion on the actor goroutine, no event
// appended by concurrent execution can interleave with the historical
// batch: anything new lands in the inbox behind this handler and reaches
// the connection through the live path, after replay_complete.
func (a *Actor) handleSubscribe(c *registry.Conn, token string, afterCursor int64) {
	if token == "" {
		a.reg.CloseConn(c, registry.CloseUnauthorized, "unauthorized")
		return
	}
	p, err := a.stores.Participants.FindByConnTokenHash(a.ctx, a.sessionID, participant.HashConnToken(token))
	if err != nil {
		a.reg.CloseConn(c, registry.CloseUnauthorized, "unauthorized")
		return
	}
	if err := a.reg.MarkAuthenticated(a.ctx, c, p.ID); err != nil {
		slog.Error("persist connection mapping failed", "session_id", a.sessionID, "error", err)
	}

	sess, err := a.stores.Sessions.Get(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("subscribe: load session failed", "session_id", a.sessionID, "error", err)
		a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeInvalid, Message: "session unavailable"})
		return
	}
	messages, err := a.stores.Messages.List(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("subscribe: list messages failed", "session_id", a.sessionID, "error", err)
		a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeInvalid, Message: "session unavailable"})
		return
	}

	if !a.reg.Send(c, subscribedFrame{Type: ServerSubscribed, ConnectionID: c.ConnectionID()}) {
		return
	}
	if !a.reg.Send(c, stateFrame{Type: ServerState, Session: sess, Messages: messages}) {
		return
	}

	// Snapshot the replay boundary. Upserts never add rows, so the count
	// equals the highest assigned sequence number.
	snapshot, err := a.stores.Events.Count(a.ctx, a.sessionID)
	if err != nil {
		slog.Error("subscribe: count events failed", "session_id", a.sessionID, "error", err)
		a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeInvalid, Message: "session unavailable"})
		return
	}

	events, err := a.stores.Events.Range(a.ctx, a.sessionID, afterCursor, replayPageSize)
	if err != nil {
		slog.Error("subscribe: range events failed", "session_id", a.sessionID, "error", err)
		a.reg.Send(c, errorFrame{Type: ServerError, Code: CodeInvalid, Message: "session unavailable"})
		return
	}

	var lastSeq int64
	for _, ev := range events {
		if ev.Seq > snapshot {
			break
		}
		if !a.reg.Send(c, eventFrame{Type: ServerSandboxEvent, Event: ev}) {
			return
		}
		lastSeq = ev.Seq
	}

	var cursor *int64
	if lastSeq > 0 {
		cursor = &lastSeq
	}
	hasMore := lastSeq > 0 && lastSeq < snapshot
	if !a.reg.Send(c, replayCompleteFrame{Type: ServerReplayComplete, HasMore: hasMore, Cursor: cursor}) {
		return
	}

	// A paginating client re-subscribes with the cursor; it only goes live
	// once the final page is drained, so it never sees a live event ahead
	// of undelivered history.
	if !hasMore {
		c.SetLive()
	}

	processing := false
	for _, m := range messages {
		if m.Status == types.MessageProcessing {
			processing = true
			break
		}
	}
	a.reg.Send(c, processingStatusFrame{Type: ServerProcessingStatus, Processing: processing})
}
