// ABOUTME: Fire-and-forget webhook delivery for action requests
// ABOUTME: One POST per configured URL per request, outcomes logged, never retried

package webhook

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/annotation-gateway/internal/store"
)

const userAgent = "Annotation-Gateway-Webhook/1.0"

// Dispatcher POSTs action requests to a fixed set of URLs. Delivery is
// best-effort: each URL gets one attempt per request, the outcome is logged,
// and a failure never blocks the caller or the other URLs.
type Dispatcher struct {
	urls   []string
	client *http.Client
	logger *slog.Logger
}

// NewDispatcher builds a dispatcher for the given URLs. An empty list is
// valid and makes Dispatch a no-op.
func NewDispatcher(urls []string) *Dispatcher {
	return &Dispatcher{
		urls:   urls,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default().With("component", "webhook"),
	}
}

// Count returns how many URLs each action request is delivered to.
func (d *Dispatcher) Count() int {
	return len(d.urls)
}

// Dispatch delivers the action request to every configured URL, each on its
// own goroutine. The request object itself is the JSON body.
func (d *Dispatcher) Dispatch(req *store.ActionRequest) {
	if len(d.urls) == 0 {
		return
	}

	body, err := json.Marshal(req)
	if err != nil {
		d.logger.Error("encoding webhook payload", "session_id", req.SessionID, "error", err)
		return
	}

	for _, url := range d.urls {
		go d.deliver(url, req.SessionID, body)
	}
}

func (d *Dispatcher) deliver(url, sessionID string, body []byte) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.logger.Error("building webhook request", "url", url, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("webhook delivery failed",
			"url", url, "session_id", sessionID, "error", err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode >= 300 {
		d.logger.Warn("webhook rejected",
			"url", url, "session_id", sessionID, "status", resp.StatusCode)
		return
	}
	d.logger.Debug("webhook delivered", "url", url, "session_id", sessionID)
}
