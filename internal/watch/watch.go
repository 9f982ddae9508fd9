// ABOUTME: Agent-side watcher that waits for new annotations over SSE
// ABOUTME: Fast-paths pending state, then batches stream events inside a window

package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/2389/annotation-gateway/internal/events"
	"github.com/2389/annotation-gateway/internal/store"
)

// ErrConnectionRefused means the gateway was not reachable at all.
var ErrConnectionRefused = errors.New("gateway connection refused")

// ErrStreamClosed means the event stream ended before anything arrived.
var ErrStreamClosed = errors.New("event stream closed unexpectedly")

const (
	defaultTimeout = 120 * time.Second
	minTimeout     = 1 * time.Second
	maxTimeout     = 300 * time.Second

	defaultWindow = 10 * time.Second
	minWindow     = 1 * time.Second
	maxWindow     = 60 * time.Second
)

// Request describes one watch call. SessionID narrows the watch to a single
// session; empty watches every session. Timeouts are in whole seconds and
// are clamped to [1,300] (default 120); the batch window is clamped to
// [1,60] (default 10).
type Request struct {
	BaseURL            string
	SessionID          string
	TimeoutSeconds     int
	BatchWindowSeconds int
}

// Result is what a watch settles with. TimedOut is a normal outcome, not an
// error: the deadline passed with no qualifying annotation. Sessions lists
// every distinct session the batch touched, in first-seen order.
type Result struct {
	Annotations []store.Annotation
	Sessions    []string
	TimedOut    bool
}

// Watcher waits for annotations from a running gateway.
type Watcher struct {
	client *http.Client
	logger *slog.Logger
}

// NewWatcher builds a watcher. The HTTP client carries no overall timeout:
// stream lifetime is governed by the watch deadline instead.
func NewWatcher() *Watcher {
	return &Watcher{
		client: &http.Client{},
		logger: slog.Default().With("component", "watch"),
	}
}

// Watch blocks until pending annotations exist, a batch of fresh ones
// settles, or the deadline passes.
//
// Already-pending annotations win immediately. Otherwise the watcher
// subscribes to the event stream and collects annotation.created events; the
// first qualifying event anchors the batch window, and when the window
// closes everything collected so far is returned. The window never resets on
// later events. A deadline that fires with events already collected returns
// the partial batch rather than a timeout.
func (w *Watcher) Watch(ctx context.Context, req Request) (*Result, error) {
	deadline := clampSeconds(req.TimeoutSeconds, defaultTimeout, minTimeout, maxTimeout)
	window := clampSeconds(req.BatchWindowSeconds, defaultWindow, minWindow, maxWindow)
	return w.run(ctx, req, deadline, window)
}

func (w *Watcher) run(ctx context.Context, req Request, deadline, window time.Duration) (*Result, error) {
	pending, err := w.fetchPending(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		w.logger.Debug("pending annotations satisfied watch", "count", len(pending))
		return settle(pending), nil
	}

	stream, err := w.openStream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	frames := make(chan frame)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go readFrames(stream, frames, readErr, quit)

	deadlineTimer := time.NewTimer(deadline)
	defer deadlineTimer.Stop()

	// The window timer is armed by the first qualifying event and never
	// re-anchored.
	var windowTimer *time.Timer
	var windowCh <-chan time.Time

	var batch []store.Annotation
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-deadlineTimer.C:
			if len(batch) > 0 {
				return settle(batch), nil
			}
			return &Result{TimedOut: true}, nil

		case <-windowCh:
			return settle(batch), nil

		case err := <-readErr:
			if len(batch) > 0 {
				w.logger.Warn("stream ended mid-window, settling partial batch",
					"count", len(batch), "error", err)
				return settle(batch), nil
			}
			return nil, classify(err)

		case f := <-frames:
			ann, ok := qualifies(f, req.SessionID)
			if !ok {
				continue
			}
			batch = append(batch, *ann)
			if windowTimer == nil {
				windowTimer = time.NewTimer(window)
				defer windowTimer.Stop()
				windowCh = windowTimer.C
			}
		}
	}
}

// settle builds the final result for a batch, collecting the distinct
// sessions it touched in first-seen order.
func settle(batch []store.Annotation) *Result {
	seen := make(map[string]bool, len(batch))
	var sessions []string
	for _, ann := range batch {
		if !seen[ann.SessionID] {
			seen[ann.SessionID] = true
			sessions = append(sessions, ann.SessionID)
		}
	}
	return &Result{Annotations: batch, Sessions: sessions}
}

// fetchPending asks for already-pending annotations before touching the
// stream.
func (w *Watcher) fetchPending(ctx context.Context, req Request) ([]store.Annotation, error) {
	url := req.BaseURL + "/pending"
	if req.SessionID != "" {
		url = req.BaseURL + "/sessions/" + req.SessionID + "/pending"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building pending request: %w", err)
	}
	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pending query returned status %d", resp.StatusCode)
	}

	var pending []store.Annotation
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		return nil, fmt.Errorf("decoding pending response: %w", err)
	}
	return pending, nil
}

func (w *Watcher) openStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	url := req.BaseURL + "/events?agent=true"
	if req.SessionID != "" {
		url = req.BaseURL + "/sessions/" + req.SessionID + "/events?agent=true"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// frame is one parsed SSE frame.
type frame struct {
	event string
	id    string
	data  string
}

// readFrames parses SSE frames off the stream until it ends or the watcher
// settles. Comment-only frames (connect banner, pings) are dropped here.
func readFrames(r io.Reader, frames chan<- frame, done chan<- error, quit <-chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var f frame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if f.event != "" || f.data != "" {
				select {
				case frames <- f:
				case <-quit:
					return
				}
			}
			f = frame{}
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "event: "):
			f.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			f.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			f.data = strings.TrimPrefix(line, "data: ")
		}
	}
	if err := scanner.Err(); err != nil {
		done <- err
		return
	}
	done <- io.EOF
}

// qualifies decodes a frame and reports whether it contributes to the batch:
// only annotation.created events with a real sequence, optionally narrowed
// to one session. Synthetic frames carry sequence 0 and never qualify.
func qualifies(f frame, sessionID string) (*store.Annotation, bool) {
	if f.event != string(events.TypeAnnotationCreated) || f.id == "0" {
		return nil, false
	}

	var envelope struct {
		Type      events.Type      `json:"type"`
		SessionID string           `json:"sessionId"`
		Sequence  int64            `json:"sequence"`
		Payload   store.Annotation `json:"payload"`
	}
	if err := json.Unmarshal([]byte(f.data), &envelope); err != nil {
		return nil, false
	}
	if envelope.Sequence == 0 {
		return nil, false
	}
	if sessionID != "" && envelope.SessionID != sessionID {
		return nil, false
	}
	return &envelope.Payload, true
}

// classify folds transport failures into the sentinel errors callers branch
// on. The string checks pick up errors whose chains do not carry the errno,
// such as proxies restating the failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, syscall.ECONNREFUSED) || strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || strings.Contains(msg, "connection reset"):
		return fmt.Errorf("%w: %v", ErrStreamClosed, err)
	default:
		return fmt.Errorf("watching events: %w", err)
	}
}

func clampSeconds(secs int, def, min, max time.Duration) time.Duration {
	if secs <= 0 {
		return def
	}
	d := time.Duration(secs) * time.Second
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
