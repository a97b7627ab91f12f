package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/zipper/internal/httpkit"
)

// WebhookSink POSTs notifications as JSON ({"message", "thread_id"}) to
// a relay such as a chat bot's /notify endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: httpkit.NewClient(httpkit.WithTimeout(10 * time.Second)),
	}
}

// Send posts msg. 404 and 410 responses are treated as unresolvable.
func (w *WebhookSink) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: webhook HTTP %d: %s", ErrUnresolvable, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	default:
		return fmt.Errorf("webhook HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 256))
	}
}
