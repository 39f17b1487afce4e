// internal/state/participant.go
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

// ParticipantStore is a JSON-file-backed participant store. Participants
// live in sessions/<sessionID>/participants.json.
type ParticipantStore struct {
	root string
	mu   sync.RWMutex
}

// NewParticipantStore creates a new file-backed ParticipantStore rooted at the given directory.
func NewParticipantStore(root string) *ParticipantStore {
	return &ParticipantStore{root: root}
}

func (s *ParticipantStore) path(sessionID types.SessionID) string {
	return filepath.Join(s.root, "sessions", string(sessionID), "participants.json")
}

// load reads the participant file. Caller must hold the lock.
func (s *ParticipantStore) load(sessionID types.SessionID) ([]*types.Participant, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read participants: %w", err)
	}
	var participants []*types.Participant
	if err := json.Unmarshal(data, &participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}
	return participants, nil
}

// save writes the participant file atomically. Caller must hold the lock.
func (s *ParticipantStore) save(sessionID types.SessionID, participants []*types.Participant) error {
	data, err := json.MarshalIndent(participants, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}
	path := s.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp participants: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp participants: %w", err)
	}
	return nil
}

// Create appends a new participant row.
func (s *ParticipantStore) Create(_ context.Context, p *types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := s.load(p.SessionID)
	if err != nil {
		return err
	}
	for _, existing := range participants {
		if existing.ID == p.ID {
			return fmt.Errorf("participant already exists: %s", p.ID)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	participants = append(participants, p)
	return s.save(p.SessionID, participants)
}

// Get returns the participant with the given ID.
func (s *ParticipantStore) Get(_ context.Context, sessionID types.SessionID, id types.ParticipantID) (*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, fmt.Errorf("participant %s: %w", id, types.ErrNoRecord)
}

// List returns all participants for the session.
func (s *ParticipantStore) List(_ context.Context, sessionID types.SessionID) ([]*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if participants == nil {
		participants = []*types.Participant{}
	}
	return participants, nil
}

// Update replaces the stored row for the participant.
func (s *ParticipantStore) Update(_ context.Context, p *types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	participants, err := s.load(p.SessionID)
	if err != nil {
		return err
	}
	for i, existing := range participants {
		if existing.ID == p.ID {
			participants[i] = p
			return s.save(p.SessionID, participants)
		}
	}
	return fmt.Errorf("participant %s: %w", p.ID, types.ErrNoRecord)
}

// FindByConnTokenHash resolves a hashed connection bearer token to a participant.
func (s *ParticipantStore) FindByConnTokenHash(_ context.Context, sessionID types.SessionID, hash string) (*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	participants, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	for _, p := range participants {
		if p.ConnTokenHash != "" && p.ConnTokenHash == hash {
			return p, nil
		}
	}
	return nil, fmt.Errorf("connection token: %w", types.ErrNoRecord)
}
