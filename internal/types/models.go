// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session. Sessions are archived,
// never deleted; archived sessions are read-only until restored.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is one unit of background work. It is owned by exactly one actor
// and mutated only on that actor's inbox goroutine.
type Session struct {
	ID         SessionID     `json:"id"`
	RepoOwner  string        `json:"repo_owner"`
	RepoName   string        `json:"repo_name"`
	Branch     string        `json:"branch"`
	BaseCommit string        `json:"base_commit,omitempty"`
	ExecutorID string        `json:"executor_id,omitempty"`
	Status     SessionStatus `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Participant is a human identity tied to a session. Token ciphertexts are
// age-sealed; ConnTokenHash is the sha256 hex of the live-connection bearer
// token.
type Participant struct {
	ID             ParticipantID `json:"id"`
	SessionID      SessionID     `json:"session_id"`
	UserID         string        `json:"user_id,omitempty"`
	DisplayName    string        `json:"display_name"`
	Role           string        `json:"role"`
	AccessTokenCT  string        `json:"access_token_ct,omitempty"`
	RefreshTokenCT string        `json:"refresh_token_ct,omitempty"`
	TokenExpiresAt time.Time     `json:"token_expires_at,omitempty"`
	ConnTokenHash  string        `json:"conn_token_hash,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// MessageStatus is the lifecycle state of a prompt.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageProcessing MessageStatus = "processing"
	MessageCompleted  MessageStatus = "completed"
	MessageFailed     MessageStatus = "failed"
)

// Message is one enqueued prompt. At most one message per session is ever
// in the processing state.
type Message struct {
	ID          MessageID        `json:"id"`
	SessionID   SessionID        `json:"session_id"`
	AuthorID    ParticipantID    `json:"author_id"`
	Content     string           `json:"content"`
	Status      MessageStatus    `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
	Callback    *CallbackContext `json:"callback,omitempty"`
}

// CallbackOrigin tags where an externally-triggered prompt came from.
type CallbackOrigin string

const (
	OriginWebhook  CallbackOrigin = "webhook"
	OriginTelegram CallbackOrigin = "telegram"
)

// CallbackContext is present on messages that originated from an external
// trigger and records where completion/progress notifications go.
type CallbackContext struct {
	Origin    CallbackOrigin `json:"origin"`
	Target    string         `json:"target"`
	TriggerID string         `json:"trigger_id,omitempty"`
	Result    string         `json:"result,omitempty"`
}

// Event is one immutable record in the session's ordered log. Seq is
// assigned on append and is the replay cursor. Terminal events carry an
// UpsertKey so duplicate terminal signals collapse into one row.
type Event struct {
	ID        EventID         `json:"id"`
	SessionID SessionID       `json:"session_id"`
	MessageID MessageID       `json:"message_id,omitempty"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	UpsertKey string          `json:"upsert_key,omitempty"`
	At        time.Time       `json:"at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConnMapping durably associates a live-socket connection id with a
// participant. It exists only so identity survives process hibernation;
// it is a lookup aid, not an ownership relation.
type ConnMapping struct {
	ConnectionID  ConnectionID  `json:"connection_id"`
	SessionID     SessionID     `json:"session_id"`
	ParticipantID ParticipantID `json:"participant_id"`
	CreatedAt     time.Time     `json:"created_at"`
}

// CentralTokenRecord is the shared token record in the cross-actor store.
// RefreshCT doubles as the CAS comparand: a writer must present the
// ciphertext it observed on read for its update to land.
type CentralTokenRecord struct {
	Identity  string    `json:"identity"`
	AccessCT  string    `json:"access_ct"`
	RefreshCT string    `json:"refresh_ct"`
	ExpiresAt time.Time `json:"expires_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OAuthTokens is the response of the upstream refresh endpoint.
type OAuthTokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}
