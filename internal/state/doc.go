// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/sessiond/internal/types"

// Compile-time interface compliance checks.
var _ types.SessionStore = (*SessionStore)(nil)
var _ types.ParticipantStore = (*ParticipantStore)(nil)
var _ types.MessageStore = (*MessageStore)(nil)
var _ types.EventStore = (*EventStore)(nil)
var _ types.ConnStore = (*ConnStore)(nil)
