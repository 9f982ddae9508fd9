// ABOUTME: SSE streaming handlers with cursor replay and keep-alive pings
// ABOUTME: Replays the durable log past Last-Event-ID before bridging live events

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/2389/annotation-gateway/internal/events"
)

const (
	// sseBuffer is the per-connection channel depth. A consumer that falls
	// further behind than this loses events and must rely on replay.
	sseBuffer = 64

	pingInterval = 30 * time.Second
)

// handleSessionEvents handles GET /sessions/{id}/events: the per-session SSE
// stream.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if _, err := g.store.GetSession(sessionID); err != nil {
		g.storeError(w, err)
		return
	}
	g.streamEvents(w, r, sessionID, nil)
}

// handleGlobalEvents handles GET /events: every session's events on one
// stream, optionally narrowed with ?domain=<hostname>.
func (g *Gateway) handleGlobalEvents(w http.ResponseWriter, r *http.Request) {
	var filter func(*events.Event) bool
	if domain := r.URL.Query().Get("domain"); domain != "" {
		filter = g.domainFilter(domain)
	}
	g.streamEvents(w, r, "", filter)
}

// streamEvents is the shared SSE loop. An empty sessionID streams globally.
// The replayed suffix of the durable log always goes out before any live
// event; live events already covered by replay are skipped so nothing is
// duplicated.
func (g *Gateway) streamEvents(w http.ResponseWriter, r *http.Request, sessionID string, filter func(*events.Event) bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	agent := r.URL.Query().Get("agent") == "true"
	cursor := lastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	// Subscribe before replaying so nothing emitted during replay is
	// missed; the live loop drops what replay already covered.
	ch := make(chan *events.Event, sseBuffer)
	handler := func(evt *events.Event) {
		select {
		case ch <- evt:
		default:
			g.logger.Warn("sse consumer lagging, dropping event",
				"session_id", sessionID, "sequence", evt.Sequence)
		}
	}

	var sub *events.Subscription
	if sessionID == "" {
		sub = g.bus.Subscribe(handler)
	} else {
		sub = g.bus.SubscribeSession(sessionID, handler)
	}
	defer sub.Cancel()

	g.conns.add(sessionID, agent)
	defer g.conns.remove(sessionID, agent)

	replayed, err := g.replay(w, sessionID, cursor, filter)
	if err != nil {
		g.logger.Error("replaying events", "session_id", sessionID, "error", err)
		return
	}
	flusher.Flush()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case evt := <-ch:
			if evt.Sequence <= replayed {
				continue
			}
			if filter != nil && !filter(evt) {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replay writes the persisted events past cursor and returns the highest
// sequence written (or the cursor itself when nothing qualified). A cursor
// pointing below the retained window gets a synthetic sync.required frame
// first: the consumer must refetch state because part of its gap is gone.
func (g *Gateway) replay(w http.ResponseWriter, sessionID string, cursor int64, filter func(*events.Event) bool) (int64, error) {
	if cursor <= 0 {
		// Fresh consumer: nothing to replay, live delivery only.
		return 0, nil
	}

	oldest, err := g.store.OldestSequence()
	if err != nil {
		return cursor, err
	}
	if (oldest == 0 && cursor < g.bus.Current()) || (oldest > 0 && cursor+1 < oldest) {
		if err := writeSSEEvent(w, &events.Event{
			Type:      events.TypeSyncRequired,
			SessionID: sessionID,
			Sequence:  0,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			return cursor, err
		}
	}

	var evts []events.Event
	if sessionID == "" {
		evts, err = g.store.EventsSinceAll(cursor)
	} else {
		evts, err = g.store.EventsSince(sessionID, cursor)
	}
	if err != nil {
		return cursor, err
	}

	replayed := cursor
	for i := range evts {
		evt := &evts[i]
		replayed = evt.Sequence
		if filter != nil && !filter(evt) {
			continue
		}
		if err := writeSSEEvent(w, evt); err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

// writeSSEEvent writes one event frame: event, id, then the full envelope as
// data, terminated by a blank line.
func writeSSEEvent(w http.ResponseWriter, evt *events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", evt.Type, evt.Sequence, data)
	return err
}

// lastEventID reads the replay cursor from the Last-Event-ID header or the
// lastEventId query parameter. Unparseable values mean no cursor.
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// domainFilter narrows the global stream to sessions whose page URL lives on
// the given hostname. Session lookups are cached per connection.
func (g *Gateway) domainFilter(domain string) func(*events.Event) bool {
	hosts := make(map[string]string)
	return func(evt *events.Event) bool {
		host, ok := hosts[evt.SessionID]
		if !ok {
			sess, err := g.store.GetSession(evt.SessionID)
			if err != nil {
				return false
			}
			if u, err := url.Parse(sess.URL); err == nil {
				host = u.Hostname()
			}
			hosts[evt.SessionID] = host
		}
		return host == domain
	}
}
