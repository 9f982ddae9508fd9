// ABOUTME: REST handlers for sessions, annotations, threads, and action requests
// ABOUTME: JSON in, JSON out, with store errors mapped to HTTP statuses

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/2389/annotation-gateway/internal/store"
)

// CreateSessionRequest is the JSON request body for POST /sessions.
type CreateSessionRequest struct {
	URL       string `json:"url"`
	ProjectID string `json:"projectId,omitempty"`
	Owner     string `json:"owner,omitempty"`
}

// UpdateSessionRequest is the JSON request body for PATCH /sessions/{id}.
type UpdateSessionRequest struct {
	Status string `json:"status"`
}

// CreateAnnotationRequest is the JSON request body for POST /sessions/{id}/annotations.
type CreateAnnotationRequest struct {
	Comment     string          `json:"comment"`
	Element     string          `json:"element,omitempty"`
	ElementPath string          `json:"elementPath,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	URL         string          `json:"url,omitempty"`
	Intent      string          `json:"intent,omitempty"`
	Severity    string          `json:"severity,omitempty"`
}

// UpdateAnnotationRequest is the JSON request body for PATCH /annotations/{id}.
// Content fields are a merge patch. A status change rides the same request
// but goes through the lifecycle rules; By names who is acting and defaults
// to agent.
type UpdateAnnotationRequest struct {
	store.AnnotationPatch
	Status *string `json:"status"`
	By     string  `json:"by,omitempty"`
}

// ThreadMessageRequest is the JSON request body for POST /annotations/{id}/thread.
type ThreadMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ActionRequestBody is the JSON request body for POST /sessions/{id}/action.
type ActionRequestBody struct {
	Output string `json:"output,omitempty"`
}

// ActionResponse is the JSON response for POST /sessions/{id}/action.
type ActionResponse struct {
	AnnotationCount int           `json:"annotationCount"`
	Delivered       DeliveryCount `json:"delivered"`
}

// DeliveryCount summarizes where an action request was delivered.
type DeliveryCount struct {
	SSEListeners int `json:"sseListeners"`
	Webhooks     int `json:"webhooks"`
	Total        int `json:"total"`
}

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	UptimeSeconds  int64 `json:"uptimeSeconds"`
	Sessions       int   `json:"sessions"`
	Sequence       int64 `json:"sequence"`
	AgentStreams   int   `json:"agentStreams"`
	BrowserStreams int   `json:"browserStreams"`
	Webhooks       int   `json:"webhooks"`
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.store.ListSessions("")
	if err != nil {
		g.logger.Error("listing sessions for status", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	agents, browsers := g.conns.totals()
	g.writeJSON(w, http.StatusOK, StatusResponse{
		UptimeSeconds:  int64(time.Since(g.startedAt).Seconds()),
		Sessions:       len(sessions),
		Sequence:       g.bus.Current(),
		AgentStreams:   agents,
		BrowserStreams: browsers,
		Webhooks:       g.webhooks.Count(),
	})
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.URL == "" {
		g.sendJSONError(w, http.StatusBadRequest, "url is required")
		return
	}

	sess, err := g.store.CreateSession(req.URL, req.ProjectID, req.Owner)
	if err != nil {
		g.logger.Error("creating session", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusCreated, sess)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := store.SessionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown status filter")
		return
	}

	sessions, err := g.store.ListSessions(status)
	if err != nil {
		g.logger.Error("listing sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []store.Session{}
	}
	g.writeJSON(w, http.StatusOK, sessions)
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := g.store.GetSession(r.PathValue("id"))
	if err != nil {
		g.storeError(w, err)
		return
	}
	if sess.Annotations == nil {
		sess.Annotations = []store.Annotation{}
	}
	g.writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := store.SessionStatus(req.Status)
	if !status.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "unknown session status")
		return
	}

	sess, err := g.store.UpdateSessionStatus(r.PathValue("id"), status)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) handleCreateAnnotation(w http.ResponseWriter, r *http.Request) {
	var req CreateAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Comment == "" {
		g.sendJSONError(w, http.StatusBadRequest, "comment is required")
		return
	}

	ann, err := g.store.CreateAnnotation(store.Annotation{
		SessionID:   r.PathValue("id"),
		Comment:     req.Comment,
		Element:     req.Element,
		ElementPath: req.ElementPath,
		Metadata:    req.Metadata,
		URL:         req.URL,
		Intent:      req.Intent,
		Severity:    req.Severity,
	})
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, ann)
}

func (g *Gateway) handleGetAnnotation(w http.ResponseWriter, r *http.Request) {
	ann, err := g.store.GetAnnotation(r.PathValue("id"))
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ann)
}

func (g *Gateway) handleUpdateAnnotation(w http.ResponseWriter, r *http.Request) {
	var req UpdateAnnotationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := r.PathValue("id")

	if req.Status != nil {
		status := store.AnnotationStatus(*req.Status)
		if !status.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown annotation status")
			return
		}
		by := store.Role(req.By)
		if by == "" {
			by = store.RoleAgent
		}
		if !by.Valid() {
			g.sendJSONError(w, http.StatusBadRequest, "unknown role")
			return
		}

		ann, err := g.store.UpdateAnnotationStatus(id, status, by)
		if err != nil {
			g.storeError(w, err)
			return
		}
		g.writeJSON(w, http.StatusOK, ann)
		return
	}

	ann, err := g.store.UpdateAnnotation(id, req.AnnotationPatch)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, ann)
}

func (g *Gateway) handleDeleteAnnotation(w http.ResponseWriter, r *http.Request) {
	if err := g.store.DeleteAnnotation(r.PathValue("id")); err != nil {
		g.storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleAddThreadMessage(w http.ResponseWriter, r *http.Request) {
	var req ThreadMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
		return
	}
	role := store.Role(req.Role)
	if !role.Valid() {
		g.sendJSONError(w, http.StatusBadRequest, "role must be human or agent")
		return
	}

	msg, err := g.store.AddThreadMessage(r.PathValue("id"), role, req.Content)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, msg)
}

func (g *Gateway) handleSessionPending(w http.ResponseWriter, r *http.Request) {
	pending, err := g.store.PendingAnnotations(r.PathValue("id"))
	if err != nil {
		g.storeError(w, err)
		return
	}
	if pending == nil {
		pending = []store.Annotation{}
	}
	g.writeJSON(w, http.StatusOK, pending)
}

func (g *Gateway) handleAllPending(w http.ResponseWriter, r *http.Request) {
	pending, err := g.store.AllPending()
	if err != nil {
		g.logger.Error("listing pending annotations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if pending == nil {
		pending = []store.Annotation{}
	}
	g.writeJSON(w, http.StatusOK, pending)
}

func (g *Gateway) handleRequestAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequestBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	sessionID := r.PathValue("id")

	// Count listeners before emitting so the summary reflects who was
	// connected when the event went out.
	listeners := g.conns.agentListeners(sessionID)

	action, err := g.store.RequestAction(sessionID, req.Output)
	if err != nil {
		g.storeError(w, err)
		return
	}
	g.webhooks.Dispatch(action)

	hooks := g.webhooks.Count()
	g.writeJSON(w, http.StatusOK, ActionResponse{
		AnnotationCount: len(action.Annotations),
		Delivered: DeliveryCount{
			SSEListeners: listeners,
			Webhooks:     hooks,
			Total:        listeners + hooks,
		},
	})
}

// storeError maps store sentinel errors to HTTP statuses.
func (g *Gateway) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrAnnotationNotFound):
		g.sendJSONError(w, http.StatusNotFound, "annotation not found")
	case errors.Is(err, store.ErrInvalidTransition):
		g.sendJSONError(w, http.StatusConflict, "invalid status transition")
	default:
		g.logger.Error("store operation failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("encoding response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
