package state

import (
	"context"
	"errors"
	"testing"

	"github.com/user/sessiond/internal/types"
)

func TestConnMappingPutGet(t *testing.T) {
	store := NewConnStore(t.TempDir())
	ctx := context.Background()
	sessionID := types.NewSessionID()

	m := &types.ConnMapping{
		ConnectionID:  types.NewConnectionID(),
		SessionID:     sessionID,
		ParticipantID: types.NewParticipantID(),
	}
	if err := store.Put(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, sessionID, m.ConnectionID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParticipantID != m.ParticipantID {
		t.Errorf("expected participant %s, got %s", m.ParticipantID, got.ParticipantID)
	}
}

func TestConnMappingUpsert(t *testing.T) {
	store := NewConnStore(t.TempDir())
	ctx := context.Background()
	sessionID := types.NewSessionID()
	connID := types.NewConnectionID()

	first := types.NewParticipantID()
	second := types.NewParticipantID()
	if err := store.Put(ctx, &types.ConnMapping{ConnectionID: connID, SessionID: sessionID, ParticipantID: first}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, &types.ConnMapping{ConnectionID: connID, SessionID: sessionID, ParticipantID: second}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, sessionID, connID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ParticipantID != second {
		t.Errorf("expected upsert to replace mapping, got %s", got.ParticipantID)
	}
}

func TestConnMappingMissing(t *testing.T) {
	store := NewConnStore(t.TempDir())
	_, err := store.Get(context.Background(), types.NewSessionID(), "nope")
	if !errors.Is(err, types.ErrNoRecord) {
		t.Errorf("expected ErrNoRecord, got %v", err)
	}
}
