// internal/state/event.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/sessiond/internal/types"
)

// EventStore is a JSONL-backed append-only event store.
// Events are stored per-session in sessions/<sessionID>/events.jsonl.
// Seq numbers are assigned on append and never reused; rows are never
// reordered. The one exception to append-only is upsert-keyed terminal
// events, which replace the matching row in place keeping its Seq.
type EventStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewEventStore creates a new file-backed EventStore rooted at the given directory.
func NewEventStore(root string) *EventStore {
	return &EventStore{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (e *EventStore) getLock(sessionID types.SessionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, ok := e.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	e.locks[sessionID] = lock
	return lock
}

func (e *EventStore) eventsPath(sessionID types.SessionID) string {
	return filepath.Join(e.root, "sessions", string(sessionID), "events.jsonl")
}

// readAll loads every event row. Caller must hold the session lock.
func (e *EventStore) readAll(sessionID types.SessionID) ([]*types.Event, error) {
	f, err := os.Open(e.eventsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	var events []*types.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var event types.Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan events file: %w", err)
	}
	return events, nil
}

// rewrite replaces the whole event file atomically. Caller must hold the
// session lock. Only the upsert path pays this cost; plain appends don't.
func (e *EventStore) rewrite(sessionID types.SessionID, events []*types.Event) error {
	path := e.eventsPath(sessionID)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp events file: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal event: %w", err)
		}
		data = append(data, '\n')
		if _, err := w.Write(data); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush events file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp events file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp events file: %w", err)
	}
	return nil
}

// Append adds an event with an auto-incremented sequence number. An event
// carrying an UpsertKey that matches an existing row replaces that row in
// place and adopts its Seq, collapsing duplicate terminal signals.
func (e *EventStore) Append(_ context.Context, event *types.Event) error {
	lock := e.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(e.eventsPath(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	if event.At.IsZero() {
		event.At = time.Now()
	}

	existing, err := e.readAll(event.SessionID)
	if err != nil {
		return err
	}

	if event.UpsertKey != "" {
		for i, prior := range existing {
			if prior.UpsertKey == event.UpsertKey {
				event.Seq = prior.Seq
				existing[i] = event
				return e.rewrite(event.SessionID, existing)
			}
		}
	}

	var lastSeq int64
	if len(existing) > 0 {
		lastSeq = existing[len(existing)-1].Seq
	}
	event.Seq = lastSeq + 1

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(e.eventsPath(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Range returns up to limit events with Seq > afterSeq, in sequence order.
// A limit <= 0 means no limit.
func (e *EventStore) Range(_ context.Context, sessionID types.SessionID, afterSeq int64, limit int) ([]*types.Event, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	all, err := e.readAll(sessionID)
	if err != nil {
		return nil, err
	}

	var events []*types.Event
	for _, event := range all {
		if event.Seq <= afterSeq {
			continue
		}
		events = append(events, event)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// Count returns the number of events for the given session.
func (e *EventStore) Count(_ context.Context, sessionID types.SessionID) (int64, error) {
	lock := e.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	all, err := e.readAll(sessionID)
	if err != nil {
		return 0, err
	}
	return int64(len(all)), nil
}
