package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/user/sessiond/internal/types"
)

func TestMessageAppendListOrder(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	ctx := context.Background()
	sessionID := types.NewSessionID()

	base := time.Now()
	for i := 0; i < 3; i++ {
		m := &types.Message{
			ID:        types.NewMessageID(),
			SessionID: sessionID,
			Content:   "prompt",
			Status:    types.MessagePending,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.List(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i].CreatedAt.Before(list[i-1].CreatedAt) {
			t.Error("expected creation order")
		}
	}
}

func TestMessageUpdate(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	ctx := context.Background()
	sessionID := types.NewSessionID()

	m := &types.Message{
		ID:        types.NewMessageID(),
		SessionID: sessionID,
		Content:   "prompt",
		Status:    types.MessagePending,
	}
	if err := store.Append(ctx, m); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	m.Status = types.MessageProcessing
	m.StartedAt = &now
	if err := store.Update(ctx, m); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, sessionID, m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.MessageProcessing {
		t.Errorf("expected processing, got %s", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("expected StartedAt persisted")
	}
}

func TestMessageGetMissing(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	_, err := store.Get(context.Background(), types.NewSessionID(), "nope")
	if !errors.Is(err, types.ErrNoRecord) {
		t.Errorf("expected ErrNoRecord, got %v", err)
	}
}

func TestMessageUpdateMissing(t *testing.T) {
	store := NewMessageStore(t.TempDir())
	err := store.Update(context.Background(), &types.Message{ID: "nope", SessionID: types.NewSessionID()})
	if !errors.Is(err, types.ErrNoRecord) {
		t.Errorf("expected ErrNoRecord, got %v", err)
	}
}
