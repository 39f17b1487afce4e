// internal/types/interfaces.go
package types

import (
	"context"
	"errors"
)

// ErrNoRecord is returned by stores when the requested row does not exist.
var ErrNoRecord = errors.New("no such record")

// ErrCASConflict is returned by CentralTokenStore.CompareAndSwap when the
// stored comparand no longer matches: another actor already rotated the
// token. Not an error in the failure sense; callers re-read the winner.
var ErrCASConflict = errors.New("token record changed since read")

type SessionStore interface {
	Create(ctx context.Context, session *Session) error
	Get(ctx context.Context, id SessionID) (*Session, error)
	List(ctx context.Context) ([]*Session, error)
	Update(ctx context.Context, session *Session) error
}

type ParticipantStore interface {
	Create(ctx context.Context, p *Participant) error
	Get(ctx context.Context, sessionID SessionID, id ParticipantID) (*Participant, error)
	List(ctx context.Context, sessionID SessionID) ([]*Participant, error)
	Update(ctx context.Context, p *Participant) error
	// FindByConnTokenHash resolves a subscribe bearer token (pre-hashed by
	// the caller) to a participant. Returns ErrNoRecord on no match.
	FindByConnTokenHash(ctx context.Context, sessionID SessionID, hash string) (*Participant, error)
}

type MessageStore interface {
	Append(ctx context.Context, m *Message) error
	Get(ctx context.Context, sessionID SessionID, id MessageID) (*Message, error)
	List(ctx context.Context, sessionID SessionID) ([]*Message, error)
	Update(ctx context.Context, m *Message) error
}

type EventStore interface {
	// Append assigns the next sequence number and persists the event. If the
	// event carries an UpsertKey matching an existing row, that row is
	// replaced in place and the event adopts its original Seq.
	Append(ctx context.Context, event *Event) error
	// Range returns up to limit events with Seq > afterSeq, in Seq order.
	Range(ctx context.Context, sessionID SessionID, afterSeq int64, limit int) ([]*Event, error)
	Count(ctx context.Context, sessionID SessionID) (int64, error)
}

type ConnStore interface {
	Put(ctx context.Context, m *ConnMapping) error
	// Get returns ErrNoRecord when no mapping exists for the connection id.
	Get(ctx context.Context, sessionID SessionID, connectionID ConnectionID) (*ConnMapping, error)
}

// CentralTokenStore is the one resource mutated by more than one actor
// instance. CompareAndSwap is the sole cross-actor mutation path.
type CentralTokenStore interface {
	Get(ctx context.Context, identity string) (*CentralTokenRecord, error)
	// CompareAndSwap writes rec only if the stored refresh ciphertext still
	// equals expectRefreshCT. Returns ErrCASConflict if it does not, and
	// ErrNoRecord if no row exists for the identity.
	CompareAndSwap(ctx context.Context, identity, expectRefreshCT string, rec *CentralTokenRecord) error
	// Put unconditionally upserts a record. Used to seed the store after a
	// local refresh succeeded where no shared record existed.
	Put(ctx context.Context, rec *CentralTokenRecord) error
}

// TokenCipher seals OAuth tokens for storage at rest.
type TokenCipher interface {
	Seal(plaintext string) (string, error)
	Open(ciphertext string) (string, error)
}

// SandboxLifecycle is the narrow interface to the remote execution
// environment. Spawn asks for an executor connection to be (re)provisioned;
// the executor eventually attaches over the socket surface.
type SandboxLifecycle interface {
	Spawn(ctx context.Context, sessionID SessionID) error
	NotifyExecutorAttached(ctx context.Context, sessionID SessionID, executorID string) error
}

// SourceControl is the provider abstraction the executor acts against on
// the user's behalf.
type SourceControl interface {
	CheckAccess(ctx context.Context, accessToken, owner, repo string) (bool, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*OAuthTokens, error)
}
