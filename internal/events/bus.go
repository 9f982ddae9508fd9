// ABOUTME: In-process pub/sub bus and the single authority for event sequence numbers
// ABOUTME: Synchronous fan-out to global and session-scoped subscribers with failure isolation

package events

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives an event during synchronous dispatch. A handler that
// panics is isolated and logged; it cannot crash the emitter or starve
// other handlers. Handlers must not block: absorbing a burst is the
// subscriber's job (e.g. a buffered channel behind the callback).
type Handler func(*Event)

// Bus allocates sequence numbers and fans events out to subscribers.
// It is the sole owner of the global sequence counter and knows nothing
// about storage: Emit returns the event for the caller to persist, so a
// crash between emission and persistence loses at most one event.
type Bus struct {
	// emitMu serializes Emit so that dispatch order equals emission order.
	emitMu sync.Mutex

	// subMu guards the subscriber maps only. Keeping it separate from
	// emitMu lets Cancel run safely from inside a handler.
	subMu       sync.RWMutex
	global      map[string]Handler
	globalOrder []string
	session     map[string]map[string]Handler

	seq    int64
	logger *slog.Logger
}

// NewBus creates a bus. Pass nil logger for slog.Default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		global:  make(map[string]Handler),
		session: make(map[string]map[string]Handler),
		logger:  logger.With("component", "bus"),
	}
}

// Seed raises the sequence counter so new events are numbered above the
// maximum ever persisted. Called once at startup; the counter never moves
// backwards.
func (b *Bus) Seed(max int64) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	if max > b.seq {
		b.seq = max
	}
}

// Current returns the most recently allocated sequence number.
func (b *Bus) Current() int64 {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	return b.seq
}

// Emit allocates the next sequence number, synchronously notifies global
// then session-scoped subscribers in emission order, and returns the event
// for the caller to persist.
func (b *Bus) Emit(typ Type, sessionID string, payload any) *Event {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.seq++
	event := &Event{
		Type:      typ,
		SessionID: sessionID,
		Sequence:  b.seq,
		Timestamp: nowUTC(),
		Payload:   payload,
	}

	for _, h := range b.snapshotHandlers(sessionID) {
		b.invoke(h, event)
	}

	return event
}

// snapshotHandlers copies the relevant handlers under the subscriber lock
// so dispatch never holds it.
func (b *Bus) snapshotHandlers(sessionID string) []Handler {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	handlers := make([]Handler, 0, len(b.global)+4)
	for _, id := range b.globalOrder {
		if h, ok := b.global[id]; ok {
			handlers = append(handlers, h)
		}
	}
	for _, h := range b.session[sessionID] {
		handlers = append(handlers, h)
	}
	return handlers
}

// invoke runs a handler with panic isolation.
func (b *Bus) invoke(h Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"event_type", event.Type,
				"sequence", event.Sequence,
				"panic", r)
		}
	}()
	h(event)
}

// Subscribe registers a handler for every event. The returned Subscription
// must be canceled when the consumer goes away; Cancel is idempotent.
func (b *Bus) Subscribe(h Handler) *Subscription {
	id := uuid.New().String()

	b.subMu.Lock()
	b.global[id] = h
	b.globalOrder = append(b.globalOrder, id)
	b.subMu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id)
	return &Subscription{bus: b, id: id}
}

// SubscribeSession registers a handler filtered to one session.
func (b *Bus) SubscribeSession(sessionID string, h Handler) *Subscription {
	id := uuid.New().String()

	b.subMu.Lock()
	if _, ok := b.session[sessionID]; !ok {
		b.session[sessionID] = make(map[string]Handler)
	}
	b.session[sessionID][id] = h
	b.subMu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", id, "session_id", sessionID)
	return &Subscription{bus: b, id: id, sessionID: sessionID}
}

// SubscriberCount reports the number of registered handlers, for the
// /status endpoint and tests.
func (b *Bus) SubscriberCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	count := len(b.global)
	for _, subs := range b.session {
		count += len(subs)
	}
	return count
}

func (b *Bus) unsubscribe(sessionID, id string) {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	if sessionID == "" {
		if _, ok := b.global[id]; !ok {
			return
		}
		delete(b.global, id)
		for i, gid := range b.globalOrder {
			if gid == id {
				b.globalOrder = append(b.globalOrder[:i], b.globalOrder[i+1:]...)
				break
			}
		}
	} else {
		subs, ok := b.session[sessionID]
		if !ok {
			return
		}
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.session, sessionID)
		}
	}

	b.logger.Debug("subscriber removed", "sub_id", id)
}

// Subscription is an explicit handle for a registered handler. Disposal is
// idempotent so every exit path of a consumer can call Cancel safely.
type Subscription struct {
	bus       *Bus
	id        string
	sessionID string
	once      sync.Once
}

// Cancel removes the handler from the bus. Safe to call more than once and
// safe to call from inside a handler.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.bus.unsubscribe(s.sessionID, s.id)
	})
}
