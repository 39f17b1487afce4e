// internal/notify/webhook.go
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// WebhookDeliverer posts signed, timestamped JSON payloads to a callback
// URL. Receivers verify the signature as HMAC-SHA256 over
// "<timestamp>.<body>" with the shared secret.
type WebhookDeliverer struct {
	secret     string
	httpClient *http.Client
}

// NewWebhookDeliverer creates a deliverer signing with the given secret.
func NewWebhookDeliverer(secret string) *WebhookDeliverer {
	return &WebhookDeliverer{
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Sign computes the hex signature for a timestamp and body.
func Sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Deliver posts the notification to target.
func (w *WebhookDeliverer) Deliver(ctx context.Context, target string, n *Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sessiond-Timestamp", strconv.FormatInt(n.Timestamp, 10))
	req.Header.Set("X-Sessiond-Signature", Sign(w.secret, n.Timestamp, body))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}
