package notify

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/sessiond/internal/types"
)

type fakeDeliverer struct {
	calls    int32
	failures int32
}

func (f *fakeDeliverer) Deliver(_ context.Context, target string, n *Notification) error {
	call := atomic.AddInt32(&f.calls, 1)
	if call <= atomic.LoadInt32(&f.failures) {
		return errors.New("delivery failed")
	}
	return nil
}

func callbackMessage(origin types.CallbackOrigin) *types.Message {
	return &types.Message{
		ID:        types.NewMessageID(),
		SessionID: types.NewSessionID(),
		Content:   "summary of the work",
		Callback:  &types.CallbackContext{Origin: origin, Target: "https://example.com/hook", TriggerID: "tr-1"},
	}
}

func TestCompleteDelivered(t *testing.T) {
	svc := NewService()
	d := &fakeDeliverer{}
	svc.Register(types.OriginWebhook, d)

	result := svc.Complete(context.Background(), callbackMessage(types.OriginWebhook), true)
	if result != "delivered" {
		t.Errorf("expected delivered, got %q", result)
	}
	if got := atomic.LoadInt32(&d.calls); got != 1 {
		t.Errorf("expected 1 delivery, got %d", got)
	}
}

func TestCompleteRetriesOnce(t *testing.T) {
	svc := NewService()
	d := &fakeDeliverer{failures: 1}
	svc.Register(types.OriginWebhook, d)

	result := svc.Complete(context.Background(), callbackMessage(types.OriginWebhook), false)
	if result != "delivered" {
		t.Errorf("expected delivery on retry, got %q", result)
	}
	if got := atomic.LoadInt32(&d.calls); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestCompleteFailureReported(t *testing.T) {
	svc := NewService()
	d := &fakeDeliverer{failures: 2}
	svc.Register(types.OriginWebhook, d)

	result := svc.Complete(context.Background(), callbackMessage(types.OriginWebhook), true)
	if !strings.HasPrefix(result, "failed:") {
		t.Errorf("expected failed result, got %q", result)
	}
	// One initial attempt plus exactly one retry; never more.
	if got := atomic.LoadInt32(&d.calls); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestCompleteNoCallback(t *testing.T) {
	svc := NewService()
	d := &fakeDeliverer{}
	svc.Register(types.OriginWebhook, d)

	m := &types.Message{ID: types.NewMessageID()}
	if result := svc.Complete(context.Background(), m, true); result != "" {
		t.Errorf("expected empty result without callback, got %q", result)
	}
	if got := atomic.LoadInt32(&d.calls); got != 0 {
		t.Errorf("expected no delivery, got %d", got)
	}
}

func TestCompleteNoBinding(t *testing.T) {
	svc := NewService()
	if result := svc.Complete(context.Background(), callbackMessage(types.OriginTelegram), true); result != "" {
		t.Errorf("expected empty result for unbound origin, got %q", result)
	}
}

func TestToolCallThrottled(t *testing.T) {
	svc := NewService()
	d := &fakeDeliverer{}
	svc.Register(types.OriginWebhook, d)

	m := callbackMessage(types.OriginWebhook)
	for i := 0; i < 5; i++ {
		svc.ToolCall(context.Background(), m, "tool_call")
	}
	if got := atomic.LoadInt32(&d.calls); got != 1 {
		t.Errorf("expected 1 delivery inside the window, got %d", got)
	}

	// A different message has its own window.
	svc.ToolCall(context.Background(), callbackMessage(types.OriginWebhook), "tool_call")
	if got := atomic.LoadInt32(&d.calls); got != 2 {
		t.Errorf("expected independent windows per message, got %d", got)
	}
}

func TestThrottleEvictsExpiredEntries(t *testing.T) {
	svc := NewService()

	svc.mu.Lock()
	svc.lastSent["stale"] = time.Now().Add(-2 * ToolCallWindow)
	svc.mu.Unlock()

	if !svc.admit("fresh") {
		t.Fatal("expected fresh message admitted")
	}

	svc.mu.Lock()
	_, staleKept := svc.lastSent["stale"]
	n := len(svc.lastSent)
	svc.mu.Unlock()
	if staleKept {
		t.Error("expected entry past the window evicted")
	}
	if n != 1 {
		t.Errorf("expected only the fresh entry retained, got %d", n)
	}
}

func TestSignVerifiable(t *testing.T) {
	ts := time.Now().Unix()
	body := []byte(`{"kind":"complete"}`)

	sig := Sign("shared-secret", ts, body)
	if sig != Sign("shared-secret", ts, body) {
		t.Error("expected deterministic signature")
	}
	if sig == Sign("other-secret", ts, body) {
		t.Error("expected secret to change signature")
	}
	if sig == Sign("shared-secret", ts+1, body) {
		t.Error("expected timestamp to be covered by signature")
	}
}

func TestFormatText(t *testing.T) {
	n := &Notification{Kind: "complete", Success: true, Summary: "all good"}
	if got := formatText(n); !strings.Contains(got, "completed") || !strings.Contains(got, "all good") {
		t.Errorf("unexpected text: %q", got)
	}

	n = &Notification{Kind: "complete", Success: false, Summary: "<p>it <b>broke</b></p>"}
	got := formatText(n)
	if strings.Contains(got, "<p>") {
		t.Errorf("expected HTML converted, got %q", got)
	}
	if !strings.Contains(got, "failed") {
		t.Errorf("expected failure wording, got %q", got)
	}

	n = &Notification{Kind: "tool_call", EventType: "tool_call"}
	if got := formatText(n); !strings.HasPrefix(got, "Working:") {
		t.Errorf("unexpected tool call text: %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	short := "hello"
	if parts := splitMessage(short); len(parts) != 1 || parts[0] != short {
		t.Errorf("expected single part, got %v", parts)
	}

	long := strings.Repeat("x", maxTelegramMessage*2+10)
	parts := splitMessage(long)
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts, got %d", len(parts))
	}
	total := 0
	for _, p := range parts {
		if len(p) > maxTelegramMessage {
			t.Errorf("part exceeds limit: %d", len(p))
		}
		total += len(p)
	}
	if total != len(long) {
		t.Errorf("expected no content lost, got %d of %d", total, len(long))
	}
}
