package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/user/sessiond/internal/types"
)

func TestWebhookDeliverSignsRequest(t *testing.T) {
	const secret = "shared-secret"
	received := make(chan *http.Request, 1)
	var body []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		received <- r
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer(secret)
	n := &Notification{
		Kind:      "complete",
		SessionID: types.NewSessionID(),
		MessageID: types.NewMessageID(),
		Success:   true,
		Summary:   "done",
		Timestamp: time.Now().Unix(),
	}
	if err := d.Deliver(context.Background(), srv.URL, n); err != nil {
		t.Fatal(err)
	}

	r := <-received
	ts, err := strconv.ParseInt(r.Header.Get("X-Sessiond-Timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("bad timestamp header: %v", err)
	}
	if ts != n.Timestamp {
		t.Errorf("expected timestamp %d, got %d", n.Timestamp, ts)
	}

	// The receiver recomputes the signature over "<timestamp>.<body>".
	want := Sign(secret, ts, body)
	if got := r.Header.Get("X-Sessiond-Signature"); got != want {
		t.Errorf("signature mismatch: got %q want %q", got, want)
	}

	var decoded Notification
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Kind != "complete" || !decoded.Success {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestWebhookDeliverNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDeliverer("s")
	n := &Notification{Kind: "complete", Timestamp: time.Now().Unix()}
	if err := d.Deliver(context.Background(), srv.URL, n); err == nil {
		t.Error("expected error on non-2xx response")
	}
}
