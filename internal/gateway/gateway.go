// ABOUTME: Gateway orchestrator wiring the store, bus, webhooks, and HTTP server
// ABOUTME: Owns routing, startup pruning, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/2389/annotation-gateway/internal/config"
	"github.com/2389/annotation-gateway/internal/events"
	"github.com/2389/annotation-gateway/internal/store"
	"github.com/2389/annotation-gateway/internal/webhook"
)

// Gateway coordinates the annotation-gateway server components: the SQLite
// store, the event bus, webhook delivery, and the HTTP API with its SSE
// streams.
type Gateway struct {
	config     *config.Config
	bus        *events.Bus
	store      *store.SQLiteStore
	webhooks   *webhook.Dispatcher
	httpServer *http.Server
	logger     *slog.Logger

	// conns tracks live SSE connections for accounting
	conns *connTracker

	startedAt time.Time
}

// New builds a gateway from configuration: opens the store (which seeds the
// bus above the persisted sequence) and runs the startup retention sweep.
func New(cfg *config.Config) (*Gateway, error) {
	logger := slog.Default().With("component", "gateway")

	bus := events.NewBus(nil)
	s, err := store.NewSQLiteStore(cfg.Database.Path, bus)
	if err != nil {
		return nil, err
	}

	if _, err := s.PruneEventsBefore(time.Now().UTC().Add(-cfg.Events.Retention)); err != nil {
		s.Close()
		return nil, err
	}

	g := &Gateway{
		config:    cfg,
		bus:       bus,
		store:     s,
		webhooks:  webhook.NewDispatcher(cfg.Webhooks.URLs),
		logger:    logger,
		conns:     newConnTracker(),
		startedAt: time.Now().UTC(),
	}
	g.httpServer = &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: g.routes(),
	}
	return g, nil
}

// routes builds the HTTP mux. Method-qualified patterns keep the 405
// handling in the mux itself.
func (g *Gateway) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /status", g.handleStatus)

	mux.HandleFunc("POST /sessions", g.handleCreateSession)
	mux.HandleFunc("GET /sessions", g.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", g.handleGetSession)
	mux.HandleFunc("PATCH /sessions/{id}", g.handleUpdateSession)
	mux.HandleFunc("GET /sessions/{id}/events", g.handleSessionEvents)
	mux.HandleFunc("GET /sessions/{id}/pending", g.handleSessionPending)
	mux.HandleFunc("POST /sessions/{id}/action", g.handleRequestAction)
	mux.HandleFunc("POST /sessions/{id}/annotations", g.handleCreateAnnotation)

	mux.HandleFunc("GET /pending", g.handleAllPending)
	mux.HandleFunc("GET /events", g.handleGlobalEvents)

	mux.HandleFunc("GET /annotations/{id}", g.handleGetAnnotation)
	mux.HandleFunc("PATCH /annotations/{id}", g.handleUpdateAnnotation)
	mux.HandleFunc("DELETE /annotations/{id}", g.handleDeleteAnnotation)
	mux.HandleFunc("POST /annotations/{id}/thread", g.handleAddThreadMessage)

	return mux
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", g.httpServer.Addr)
		if err := g.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		g.store.Close()
		return err
	case <-ctx.Done():
	}

	g.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := g.httpServer.Shutdown(shutdownCtx)
	g.store.Close()
	return err
}

// Handler exposes the routed handler, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.routes()
}

// connTracker counts live SSE connections by audience. Agent listener
// counts feed the action delivery summary; browser counts only show up in
// /status.
type connTracker struct {
	mu            sync.Mutex
	sessionAgents map[string]int
	globalAgents  int
	browsers      int
}

func newConnTracker() *connTracker {
	return &connTracker{sessionAgents: make(map[string]int)}
}

// add registers a connection. sessionID is empty for the global stream.
func (c *connTracker) add(sessionID string, agent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !agent {
		c.browsers++
		return
	}
	if sessionID == "" {
		c.globalAgents++
		return
	}
	c.sessionAgents[sessionID]++
}

func (c *connTracker) remove(sessionID string, agent bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !agent {
		c.browsers--
		return
	}
	if sessionID == "" {
		c.globalAgents--
		return
	}
	c.sessionAgents[sessionID]--
	if c.sessionAgents[sessionID] <= 0 {
		delete(c.sessionAgents, sessionID)
	}
}

// agentListeners returns the agent connections that would receive events for
// the given session: its own subscribers plus global agent streams.
func (c *connTracker) agentListeners(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionAgents[sessionID] + c.globalAgents
}

func (c *connTracker) totals() (agents, browsers int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	agents = c.globalAgents
	for _, n := range c.sessionAgents {
		agents += n
	}
	return agents, c.browsers
}
