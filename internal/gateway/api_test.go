// ABOUTME: HTTP API tests for session, annotation, and action endpoints
// ABOUTME: Drives the routed handler directly with httptest recorders

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/annotation-gateway/internal/config"
	"github.com/2389/annotation-gateway/internal/store"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "gateway.db")
	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.store.Close() })
	return g
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func createSession(t *testing.T, h http.Handler, url string) store.Session {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/sessions", CreateSessionRequest{URL: url})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody[store.Session](t, rec)
}

func createAnnotation(t *testing.T, h http.Handler, sessionID, comment string) store.Annotation {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/sessions/"+sessionID+"/annotations",
		CreateAnnotationRequest{Comment: comment})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decodeBody[store.Annotation](t, rec)
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	createSession(t, h, "https://app.example.com")

	rec := doJSON(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, 1, status.Sessions)
	assert.Equal(t, int64(1), status.Sequence)
	assert.Zero(t, status.AgentStreams)
}

func TestSessionLifecycle(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()

	sess := createSession(t, h, "https://app.example.com/checkout")
	assert.Equal(t, store.SessionActive, sess.Status)

	rec := doJSON(t, h, http.MethodGet, "/sessions/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	full := decodeBody[store.SessionWithAnnotations](t, rec)
	assert.Equal(t, sess.ID, full.ID)
	assert.NotNil(t, full.Annotations)

	rec = doJSON(t, h, http.MethodPatch, "/sessions/"+sess.ID, UpdateSessionRequest{Status: "closed"})
	require.Equal(t, http.StatusOK, rec.Code)
	closed := decodeBody[store.Session](t, rec)
	assert.Equal(t, store.SessionClosed, closed.Status)

	rec = doJSON(t, h, http.MethodGet, "/sessions?status=active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]store.Session](t, rec))
}

func TestGetSessionNotFound(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.Handler(), http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionRequiresURL(t *testing.T) {
	g := newTestGateway(t)
	rec := doJSON(t, g.Handler(), http.MethodPost, "/sessions", CreateSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAnnotationValidation(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")

	rec := doJSON(t, h, http.MethodPost, "/sessions/"+sess.ID+"/annotations", CreateAnnotationRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "comment required")

	rec = doJSON(t, h, http.MethodPost, "/sessions/ghost/annotations",
		CreateAnnotationRequest{Comment: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAnnotationMergePatch(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")
	ann := createAnnotation(t, h, sess.ID, "original")

	rec := doJSON(t, h, http.MethodPatch, "/annotations/"+ann.ID,
		map[string]string{"comment": "revised"})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[store.Annotation](t, rec)
	assert.Equal(t, "revised", updated.Comment)
	assert.Equal(t, store.AnnotationPending, updated.Status)
}

func TestUpdateAnnotationStatusFlow(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")
	ann := createAnnotation(t, h, sess.ID, "fix me")

	rec := doJSON(t, h, http.MethodPatch, "/annotations/"+ann.ID,
		map[string]string{"status": "resolved"})
	require.Equal(t, http.StatusOK, rec.Code)
	resolved := decodeBody[store.Annotation](t, rec)
	assert.Equal(t, store.AnnotationResolved, resolved.Status)
	assert.Equal(t, store.RoleAgent, resolved.ResolvedBy, "actor defaults to agent")
	require.NotNil(t, resolved.ResolvedAt)

	// Terminal states absorb further updates.
	rec = doJSON(t, h, http.MethodPatch, "/annotations/"+ann.ID,
		map[string]string{"status": "dismissed", "by": "human"})
	require.Equal(t, http.StatusOK, rec.Code)
	still := decodeBody[store.Annotation](t, rec)
	assert.Equal(t, store.AnnotationResolved, still.Status)
}

func TestBackwardStatusConflict(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")
	ann := createAnnotation(t, h, sess.ID, "fix me")

	rec := doJSON(t, h, http.MethodPatch, "/annotations/"+ann.ID,
		map[string]string{"status": "acknowledged"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPatch, "/annotations/"+ann.ID,
		map[string]string{"status": "pending"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteAnnotation(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")
	ann := createAnnotation(t, h, sess.ID, "going away")

	rec := doJSON(t, h, http.MethodDelete, "/annotations/"+ann.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/annotations/"+ann.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreadMessageEndpoint(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")
	ann := createAnnotation(t, h, sess.ID, "discuss")

	rec := doJSON(t, h, http.MethodPost, "/annotations/"+ann.ID+"/thread",
		ThreadMessageRequest{Role: "human", Content: "thoughts?"})
	require.Equal(t, http.StatusCreated, rec.Code)
	msg := decodeBody[store.ThreadMessage](t, rec)
	assert.Equal(t, store.RoleHuman, msg.Role)

	rec = doJSON(t, h, http.MethodPost, "/annotations/"+ann.ID+"/thread",
		ThreadMessageRequest{Role: "alien", Content: "hi"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingEndpoints(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	s1 := createSession(t, h, "https://a.example.com")
	s2 := createSession(t, h, "https://b.example.com")

	first := createAnnotation(t, h, s1.ID, "first")
	second := createAnnotation(t, h, s1.ID, "second")
	createAnnotation(t, h, s2.ID, "other session")

	rec := doJSON(t, h, http.MethodPatch, "/annotations/"+second.ID,
		map[string]string{"status": "resolved"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/sessions/"+s1.ID+"/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decodeBody[[]store.Annotation](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	rec = doJSON(t, h, http.MethodGet, "/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]store.Annotation](t, rec), 2)
}

func TestActionDeliveryCountsWithoutListeners(t *testing.T) {
	g := newTestGateway(t)
	h := g.Handler()
	sess := createSession(t, h, "https://app.example.com")
	createAnnotation(t, h, sess.ID, "one")
	createAnnotation(t, h, sess.ID, "two")

	rec := doJSON(t, h, http.MethodPost, "/sessions/"+sess.ID+"/action", ActionRequestBody{Output: "code"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ActionResponse](t, rec)
	assert.Equal(t, 2, resp.AnnotationCount)
	assert.Zero(t, resp.Delivered.SSEListeners)
	assert.Zero(t, resp.Delivered.Webhooks)
	assert.Zero(t, resp.Delivered.Total)
}

func TestWebhooksFireOnActionRequestsOnly(t *testing.T) {
	var mu sync.Mutex
	var bodies [][]byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer hook.Close()

	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "hooks.db")
	cfg.Webhooks.URLs = []string{hook.URL}
	g, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.store.Close() })
	h := g.Handler()

	// Session and annotation churn must not reach the webhook.
	sess := createSession(t, h, "https://app.example.com")
	ann := createAnnotation(t, h, sess.ID, "fix the footer")
	rec := doJSON(t, h, http.MethodPatch, "/annotations/"+ann.ID,
		map[string]string{"status": "acknowledged"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/sessions/"+sess.ID+"/action", ActionRequestBody{Output: "code"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[ActionResponse](t, rec)
	assert.Equal(t, 1, resp.Delivered.Webhooks)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bodies) == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1, "only the action request goes out")

	// The body is the action request itself, fields at the top level.
	var body struct {
		SessionID   string             `json:"sessionId"`
		Annotations []store.Annotation `json:"annotations"`
		Output      string             `json:"output"`
	}
	require.NoError(t, json.Unmarshal(bodies[0], &body))
	assert.Equal(t, sess.ID, body.SessionID)
	require.Len(t, body.Annotations, 1)
	assert.Equal(t, "code", body.Output)
}

func TestStartupPruneHonorsRetention(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "prune.db")

	cfg := config.Default()
	cfg.Database.Path = dbPath
	g, err := New(cfg)
	require.NoError(t, err)
	sess := createSession(t, g.Handler(), "https://app.example.com")
	require.NoError(t, g.store.Close())

	// Reopen with a retention window that has already elapsed.
	cfg2 := config.Default()
	cfg2.Database.Path = dbPath
	cfg2.Events.Retention = time.Nanosecond
	time.Sleep(10 * time.Millisecond)
	g2, err := New(cfg2)
	require.NoError(t, err)
	defer g2.store.Close()

	evts, err := g2.store.EventsSince(sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, evts, "expired events swept at startup")

	// Sequence still resumes above the pruned history.
	sess2 := createSession(t, g2.Handler(), "https://later.example.com")
	rec := doJSON(t, g2.Handler(), http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[StatusResponse](t, rec)
	assert.Equal(t, int64(2), status.Sequence, fmt.Sprintf("sessions %s then %s", sess.ID, sess2.ID))
}
