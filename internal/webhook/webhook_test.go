// ABOUTME: Tests for fire-and-forget webhook delivery
// ABOUTME: Uses httptest servers to observe posted action requests and failures

package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/annotation-gateway/internal/store"
)

type capture struct {
	mu     sync.Mutex
	bodies [][]byte
	agents []string
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.agents = append(c.agents, r.Header.Get("User-Agent"))
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func actionRequest() *store.ActionRequest {
	return &store.ActionRequest{
		SessionID: "sess-1",
		Annotations: []store.Annotation{
			{ID: "ann-1", SessionID: "sess-1", Comment: "fix the footer", Status: store.AnnotationPending},
		},
		Output:    "code",
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatchPostsToEveryURL(t *testing.T) {
	var a, b capture
	srvA := httptest.NewServer(http.HandlerFunc(a.handler))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(b.handler))
	defer srvB.Close()

	d := NewDispatcher([]string{srvA.URL, srvB.URL})
	assert.Equal(t, 2, d.Count())

	d.Dispatch(actionRequest())

	require.Eventually(t, func() bool {
		return a.count() == 1 && b.count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The action request itself is the body, fields at the top level.
	var body struct {
		SessionID   string             `json:"sessionId"`
		Annotations []store.Annotation `json:"annotations"`
		Output      string             `json:"output"`
	}
	a.mu.Lock()
	require.NoError(t, json.Unmarshal(a.bodies[0], &body))
	assert.Equal(t, "Annotation-Gateway-Webhook/1.0", a.agents[0])
	a.mu.Unlock()
	assert.Equal(t, "sess-1", body.SessionID)
	require.Len(t, body.Annotations, 1)
	assert.Equal(t, "fix the footer", body.Annotations[0].Comment)
	assert.Equal(t, "code", body.Output)
}

func TestFailingURLDoesNotBlockOthers(t *testing.T) {
	var ok capture
	srv := httptest.NewServer(http.HandlerFunc(ok.handler))
	defer srv.Close()

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	failing.Close() // connection refused from here on

	d := NewDispatcher([]string{failing.URL, srv.URL})
	d.Dispatch(actionRequest())

	require.Eventually(t, func() bool { return ok.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestEmptyDispatcherIsNoop(t *testing.T) {
	d := NewDispatcher(nil)
	assert.Equal(t, 0, d.Count())
	assert.NotPanics(t, func() {
		d.Dispatch(actionRequest())
	})
}
