// internal/registry/conn.go
package registry

import (
	"sync"

	"github.com/user/sessiond/internal/types"
)

// Kind classifies a connection as a human client or the executor.
type Kind string

const (
	KindClient   Kind = "client"
	KindExecutor Kind = "executor"
)

// Close codes used on the socket surface.
const (
	CloseNormal       = 1000
	CloseUnauthorized = 4001
	CloseAuthTimeout  = 4002
)

// ReasonNewExecutor is the close reason sent to a displaced executor
// connection when a new one attaches.
const ReasonNewExecutor = "new executor connecting"

// Socket is the minimal surface the registry needs from a live connection.
// The hub adapts gorilla websocket conns to it; tests use fakes.
type Socket interface {
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Conn is a live socket plus its durable tags. The tags (kind plus
// connection or executor id) are the only authoritative identity: all
// in-memory fields can be rebuilt from them and the persisted stores.
type Conn struct {
	sock         Socket
	kind         Kind
	connectionID types.ConnectionID
	executorID   string

	mu            sync.Mutex
	participantID types.ParticipantID
	live          bool
	closed        bool
}

// Kind returns the connection's kind tag.
func (c *Conn) Kind() Kind { return c.kind }

// ConnectionID returns the opaque client connection id tag.
func (c *Conn) ConnectionID() types.ConnectionID { return c.connectionID }

// ExecutorID returns the executor id tag.
func (c *Conn) ExecutorID() string { return c.executorID }

// ParticipantID returns the in-memory identity, empty if the connection
// has not authenticated since this process started.
func (c *Conn) ParticipantID() types.ParticipantID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantID
}

func (c *Conn) setParticipant(id types.ParticipantID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participantID = id
}

// Live reports whether replay has finished and the connection receives
// broadcast traffic.
func (c *Conn) Live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// SetLive flips the connection into live-broadcast mode.
func (c *Conn) SetLive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.live = true
}

// Closed reports whether the connection has been closed or a write failed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
