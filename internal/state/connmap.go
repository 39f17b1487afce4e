// internal/state/connmap.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/sessiond/internal/types"
)

// ConnStore is a JSON-file-backed store for connection-to-participant
// mappings, kept in sessions/<sessionID>/connections.json. These rows are
// what lets a restarted process recover socket identity from tags alone.
type ConnStore struct {
	root string
	mu   sync.RWMutex
}

// NewConnStore creates a new file-backed ConnStore rooted at the given directory.
func NewConnStore(root string) *ConnStore {
	return &ConnStore{root: root}
}

func (s *ConnStore) path(sessionID types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(sessionID), "connections.json")
}

func (s *ConnStore) load(sessionID types.SessionID) ([]*types.ConnMapping, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read connections: %w", err)
	}
	var mappings []*types.ConnMapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("unmarshal connections: %w", err)
	}
	return mappings, nil
}

func (s *ConnStore) save(sessionID types.SessionID, mappings []*types.ConnMapping) error {
	data, err := json.MarshalIndent(mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}
	path := s.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp connections: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp connections: %w", err)
	}
	return nil
}

// Put upserts the mapping for the connection id.
func (s *ConnStore) Put(_ context.Context, m *types.ConnMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mappings, err := s.load(m.SessionID)
	if err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	for i, existing := range mappings {
		if existing.ConnectionID == m.ConnectionID {
			mappings[i] = m
			return s.save(m.SessionID, mappings)
		}
	}
	mappings = append(mappings, m)
	return s.save(m.SessionID, mappings)
}

// Get returns the mapping for the connection id, or ErrNoRecord.
func (s *ConnStore) Get(_ context.Context, sessionID types.SessionID, connectionID types.ConnectionID) (*types.ConnMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mappings, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	for _, m := range mappings {
		if m.ConnectionID == connectionID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("connection %s: %w", connectionID, types.ErrNoRecord)
}
