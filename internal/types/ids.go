// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type SessionID string
type ParticipantID string
type MessageID string
type EventID string
type ConnectionID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewEventID() EventID {
	return EventID(uuid.New().String())
}

func NewConnectionID() ConnectionID {
	return ConnectionID(uuid.New().String())
}

// NewConnToken returns a fresh bearer token for a live client connection.
// Only its hash is ever persisted.
func NewConnToken() string {
	return uuid.New().String() + uuid.New().String()
}
