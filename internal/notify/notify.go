// internal/notify/notify.go
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sessiond/internal/types"
)

// ToolCallWindow is the minimum gap between tool-call notifications for
// one message, so intermediate tool calls don't flood chat integrations.
const ToolCallWindow = 3 * time.Second

// Notification is the payload delivered to an external integration.
type Notification struct {
	Kind      string          `json:"kind"` // "complete" or "tool_call"
	SessionID types.SessionID `json:"session_id"`
	MessageID types.MessageID `json:"message_id"`
	TriggerID string          `json:"trigger_id,omitempty"`
	Success   bool            `json:"success,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Deliverer sends one notification to a target. Implementations exist per
// callback origin kind; new origins extend the registry, nothing subclasses.
type Deliverer interface {
	Deliver(ctx context.Context, target string, n *Notification) error
}

// Service performs best-effort, retried delivery of completion and
// progress notifications. It must never block or fail the session: every
// error path ends in a log line.
type Service struct {
	mu       sync.Mutex
	origins  map[types.CallbackOrigin]Deliverer
	lastSent map[types.MessageID]time.Time
}

// NewService creates an empty notification service. Register deliverers
// for each configured origin.
func NewService() *Service {
	return &Service{
		origins:  make(map[types.CallbackOrigin]Deliverer),
		lastSent: make(map[types.MessageID]time.Time),
	}
}

// Register binds a deliverer to an origin kind.
func (s *Service) Register(origin types.CallbackOrigin, d Deliverer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.origins[origin] = d
}

func (s *Service) deliverer(origin types.CallbackOrigin) Deliverer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origins[origin]
}

// Complete notifies the message's external trigger of a terminal outcome.
// Returns a short result string for the engine to persist on the callback
// context, or "" when the message carries no callback context or no
// binding exists for its origin.
func (s *Service) Complete(ctx context.Context, m *types.Message, success bool) string {
	if m.Callback == nil {
		return ""
	}
	d := s.deliverer(m.Callback.Origin)
	if d == nil {
		slog.Debug("no delivery binding for origin", "origin", m.Callback.Origin, "message_id", m.ID)
		return ""
	}

	summary := m.Content
	if !success && m.Error != "" {
		summary = m.Error
	}
	n := &Notification{
		Kind:      "complete",
		SessionID: m.SessionID,
		MessageID: m.ID,
		TriggerID: m.Callback.TriggerID,
		Success:   success,
		Summary:   summary,
		Timestamp: time.Now().Unix(),
	}
	if err := s.deliverWithRetry(ctx, d, m.Callback.Target, n); err != nil {
		slog.Warn("completion notification failed", "message_id", m.ID, "error", err)
		return fmt.Sprintf("failed: %v", err)
	}
	return "delivered"
}

// ToolCall notifies the message's external trigger of an intermediate tool
// call, throttled to one notification per message per window.
func (s *Service) ToolCall(ctx context.Context, m *types.Message, eventType string) {
	if m.Callback == nil {
		return
	}
	d := s.deliverer(m.Callback.Origin)
	if d == nil {
		return
	}
	if !s.admit(m.ID) {
		return
	}

	n := &Notification{
		Kind:      "tool_call",
		SessionID: m.SessionID,
		MessageID: m.ID,
		TriggerID: m.Callback.TriggerID,
		EventType: eventType,
		Timestamp: time.Now().Unix(),
	}
	if err := s.deliverWithRetry(ctx, d, m.Callback.Target, n); err != nil {
		slog.Warn("tool-call notification failed", "message_id", m.ID, "error", err)
	}
}

// admit implements the per-message throttle window. Entries past the
// window no longer throttle anything, so they are evicted here rather
// than accumulating for the life of the process.
func (s *Service) admit(id types.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.lastSent[id]; ok && now.Sub(last) < ToolCallWindow {
		return false
	}
	for k, last := range s.lastSent {
		if now.Sub(last) >= ToolCallWindow {
			delete(s.lastSent, k)
		}
	}
	s.lastSent[id] = now
	return true
}

// deliverWithRetry delivers once, retrying exactly one additional time on
// failure.
func (s *Service) deliverWithRetry(ctx context.Context, d Deliverer, target string, n *Notification) error {
	err := d.Deliver(ctx, target, n)
	if err == nil {
		return nil
	}
	slog.Debug("notification delivery retrying", "message_id", n.MessageID, "error", err)
	return d.Deliver(ctx, target, n)
}
