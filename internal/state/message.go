// internal/state/message.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/user/sessiond/internal/types"
)

// MessageStore is a JSON-file-backed message store. Messages live in
// sessions/<sessionID>/messages.json, kept in creation order.
type MessageStore struct {
	root string
	mu   sync.RWMutex
}

// NewMessageStore creates a new file-backed MessageStore rooted at the given directory.
func NewMessageStore(root string) *MessageStore {
	return &MessageStore{root: root}
}

func (s *MessageStore) path(sessionID types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(sessionID), "messages.json")
}

// load reads the message file. Caller must hold the lock.
func (s *MessageStore) load(sessionID types.SessionID) ([]*types.Message, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var messages []*types.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	return messages, nil
}

// save writes the message file atomically. Caller must hold the lock.
func (s *MessageStore) save(sessionID types.SessionID, messages []*types.Message) error {
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	path := s.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp messages: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp messages: %w", err)
	}
	return nil
}

// Append adds a message to the end of the session's queue file.
func (s *MessageStore) Append(_ context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.load(m.SessionID)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	messages = append(messages, m)
	return s.save(m.SessionID, messages)
}

// Get returns the message with the given ID.
func (s *MessageStore) Get(_ context.Context, sessionID types.SessionID, id types.MessageID) (*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", id, types.ErrNoRecord)
}

// List returns all messages for the session in creation order. File order
// is insertion order, which breaks CreatedAt ties; the sort is stable so
// ties keep their insertion order.
func (s *MessageStore) List(_ context.Context, sessionID types.SessionID) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
	return messages, nil
}

// Update replaces the stored row for the message.
func (s *MessageStore) Update(_ context.Context, m *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages, err := s.load(m.SessionID)
	if err != nil {
		return err
	}
	for i, existing := range messages {
		if existing.ID == m.ID {
			messages[i] = m
			return s.save(m.SessionID, messages)
		}
	}
	return fmt.Errorf("message %s: %w", m.ID, types.ErrNoRecord)
}
