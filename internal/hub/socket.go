// internal/hub/socket.go
package hub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/sessiond/internal/actor"
	"github.com/user/sessiond/internal/registry"
	"github.com/user/sessiond/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The socket is bearer-token authenticated after upgrade; origin
	// checking is left to the deployment's proxy layer.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsSocket adapts a gorilla websocket connection to the registry's Socket
// interface. Writes are serialized: gorilla conns allow one concurrent
// writer.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	return s.conn.Close()
}

var _ registry.Socket = (*wsSocket)(nil)

func (h *Hub) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	a, err := h.actorFor(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("client upgrade failed", "session_id", id, "error", err)
		return
	}
	sock := &wsSocket{conn: wsConn}

	var c *registry.Conn
	if prior := r.URL.Query().Get("connection_id"); prior != "" {
		c = a.RecoverClient(sock, types.ConnectionID(prior))
	} else {
		c = a.AcceptClient(sock)
	}

	go h.clientReadLoop(a, c, wsConn)
}

func (h *Hub) handleExecutorSocket(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(r.PathValue("id"))
	executorID := r.URL.Query().Get("executor_id")
	if executorID == "" {
		http.Error(w, `{"error":"executor_id is required"}`, http.StatusBadRequest)
		return
	}
	if h.opts.ExecutorKey != "" && r.Header.Get("X-Sessiond-Executor-Key") != h.opts.ExecutorKey {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	a, err := h.actorFor(r.Context(), id)
	if err != nil {
		http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("executor upgrade failed", "session_id", id, "error", err)
		return
	}
	sock := &wsSocket{conn: wsConn}
	c := a.AcceptExecutor(sock, executorID)

	go h.executorReadLoop(a, c, wsConn)
}

func (h *Hub) clientReadLoop(a *actor.Actor, c *registry.Conn, wsConn *websocket.Conn) {
	defer a.Disconnected(c)
	for {
		var f actor.ClientFrame
		if err := wsConn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read loop ended", "session_id", a.SessionID(), "error", err)
			}
			return
		}
		a.HandleClientFrame(c, f)
	}
}

func (h *Hub) executorReadLoop(a *actor.Actor, c *registry.Conn, wsConn *websocket.Conn) {
	defer a.Disconnected(c)
	for {
		var f actor.ExecutorFrame
		if err := wsConn.ReadJSON(&f); err != nil {
			slog.Debug("executor read loop ended", "session_id", a.SessionID(), "error", err)
			return
		}
		a.HandleExecutorFrame(c, f)
	}
}
