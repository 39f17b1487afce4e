// internal/actor/protocol.go
package actor

import (
	"encoding/json"

	"github.com/user/sessiond/internal/types"
)

// Client frame types.
const (
	ClientSubscribe = "subscribe"
	ClientPrompt    = "prompt"
	ClientStop      = "stop"
	ClientPing      = "ping"
)

// Server frame types.
const (
	ServerSubscribed       = "subscribed"
	ServerState            = "state"
	ServerSandboxEvent     = "sandbox_event"
	ServerReplayComplete   = "replay_complete"
	ServerPromptQueued     = "prompt_queued"
	ServerProcessingStatus = "processing_status"
	ServerPong             = "pong"
	ServerError            = "error"
)

// Executor event types. The two execution_* types are terminal.
const (
	EventToolCall     = "tool_call"
	EventToolResult   = "tool_result"
	EventStatusChange = "status_change"
	EventExecComplete = "execution_complete"
	EventExecFailed   = "execution_failed"
)

// Error codes carried on error frames.
const (
	CodeNotAuthenticated = "not_authenticated"
	CodeArchived         = "session_archived"
	CodePromptTooLarge   = "prompt_too_large"
	CodeInvalid          = "invalid_request"
)

// PhaseSandboxSpawning is broadcast while the lifecycle collaborator is
// provisioning an executor connection.
const PhaseSandboxSpawning = "sandbox_spawning"

// ClientFrame is any message from a human client.
type ClientFrame struct {
	Type    string `json:"type"`
	Token   string `json:"token,omitempty"`
	Cursor  int64  `json:"cursor,omitempty"`
	Content string `json:"content,omitempty"`
}

// ExecutorFrame is any message from the executor connection:
// "event", "attached", or "auth_request".
type ExecutorFrame struct {
	Type       string          `json:"type"`
	ExecutorID string          `json:"executor_id,omitempty"`
	EventType  string          `json:"event_type,omitempty"`
	MessageID  types.MessageID `json:"message_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
}

type subscribedFrame struct {
	Type         string             `json:"type"`
	ConnectionID types.ConnectionID `json:"connection_id"`
}

type stateFrame struct {
	Type     string           `json:"type"`
	Session  *types.Session   `json:"session"`
	Messages []*types.Message `json:"messages"`
}

type eventFrame struct {
	Type  string       `json:"type"`
	Event *types.Event `json:"event"`
}

type replayCompleteFrame struct {
	Type    string `json:"type"`
	HasMore bool   `json:"has_more"`
	Cursor  *int64 `json:"cursor"`
}

type promptQueuedFrame struct {
	Type      string          `json:"type"`
	MessageID types.MessageID `json:"message_id"`
}

type processingStatusFrame struct {
	Type       string `json:"type"`
	Processing bool   `json:"processing"`
	Phase      string `json:"phase,omitempty"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// executorPromptFrame dispatches a message to the executor.
type executorPromptFrame struct {
	Type    string          `json:"type"`
	ID      types.MessageID `json:"id"`
	Content string          `json:"content"`
}

// executorStopFrame asks the executor to abandon the current prompt.
type executorStopFrame struct {
	Type string `json:"type"`
}

// executorAuthFrame answers an executor auth_request. Token is the prompt
// author's access token when one could be resolved; an empty token with
// Ok set means the author never authenticated and the executor should
// proceed unauthenticated.
type executorAuthFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Ok        bool   `json:"ok"`
	Token     string `json:"token,omitempty"`
	RepoOK    bool   `json:"repo_ok,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func isTerminalEvent(eventType string) bool {
	return eventType == EventExecComplete || eventType == EventExecFailed
}

// terminalUpsertKey collapses duplicate terminal signals for one message
// into a single event row.
func terminalUpsertKey(id types.MessageID) string {
	return "complete:" + string(id)
}
