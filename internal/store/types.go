// ABOUTME: Domain types and sentinel errors for sessions, annotations, and threads
// ABOUTME: Defines status enums, the merge-patch type, and the action request payload

package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// ErrAnnotationNotFound is returned when a requested annotation does not exist.
var ErrAnnotationNotFound = errors.New("annotation not found")

// ErrInvalidTransition is returned for a backward annotation status change
// (e.g. acknowledged back to pending). Terminal statuses are not an error:
// updating an already resolved or dismissed annotation is a defined no-op.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrEventLogCorrupt is returned when an append would write a duplicate or
// out-of-order sequence number. This is fatal: the caller must abort rather
// than silently overwrite history.
var ErrEventLogCorrupt = errors.New("event log corrupt")

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionApproved SessionStatus = "approved"
	SessionClosed   SessionStatus = "closed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionApproved, SessionClosed:
		return true
	}
	return false
}

// AnnotationStatus is the lifecycle state of an annotation. Status only ever
// advances pending -> acknowledged -> {resolved, dismissed}, with
// acknowledged skippable. Resolved and dismissed are both terminal.
type AnnotationStatus string

const (
	AnnotationPending      AnnotationStatus = "pending"
	AnnotationAcknowledged AnnotationStatus = "acknowledged"
	AnnotationResolved     AnnotationStatus = "resolved"
	AnnotationDismissed    AnnotationStatus = "dismissed"
)

// Valid reports whether s is a known annotation status.
func (s AnnotationStatus) Valid() bool {
	switch s {
	case AnnotationPending, AnnotationAcknowledged, AnnotationResolved, AnnotationDismissed:
		return true
	}
	return false
}

// Terminal reports whether s permits no further transitions.
func (s AnnotationStatus) Terminal() bool {
	return s == AnnotationResolved || s == AnnotationDismissed
}

// Role identifies the author of a thread message.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleHuman || r == RoleAgent
}

// Session is a unit of annotation activity scoped to one page URL.
type Session struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt *time.Time    `json:"updatedAt,omitempty"`
	ProjectID string        `json:"projectId,omitempty"`
	Owner     string        `json:"owner,omitempty"`
}

// SessionWithAnnotations is a session plus its annotations, as returned by
// GET /sessions/{id}.
type SessionWithAnnotations struct {
	Session
	Annotations []Annotation `json:"annotations"`
}

// Annotation is one piece of feedback on a page element. Element, ElementPath
// and Metadata are opaque to this core; the browser toolbar produces them and
// agents consume them.
type Annotation struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"sessionId"`
	Comment     string           `json:"comment"`
	Element     string           `json:"element"`
	ElementPath string           `json:"elementPath"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
	URL         string           `json:"url,omitempty"`
	Intent      string           `json:"intent,omitempty"`
	Severity    string           `json:"severity,omitempty"`
	Status      AnnotationStatus `json:"status"`
	Thread      []ThreadMessage  `json:"thread,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   *time.Time       `json:"updatedAt,omitempty"`
	ResolvedAt  *time.Time       `json:"resolvedAt,omitempty"`
	ResolvedBy  Role             `json:"resolvedBy,omitempty"`
}

// ThreadMessage is one append-only message in an annotation's thread.
type ThreadMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AnnotationPatch is the merge-patch accepted by UpdateAnnotation. Nil
// fields are left untouched. Status and resolver fields are deliberately
// absent: status changes go through UpdateAnnotationStatus, which stamps
// resolvedAt/resolvedBy itself so they can never be spoofed over the wire.
type AnnotationPatch struct {
	Comment  *string          `json:"comment"`
	Intent   *string          `json:"intent"`
	Severity *string          `json:"severity"`
	Metadata *json.RawMessage `json:"metadata"`
}

// ActionRequest is the payload of an action.requested event: the user asked
// for agent action on a session's annotations.
type ActionRequest struct {
	SessionID   string       `json:"sessionId"`
	Annotations []Annotation `json:"annotations"`
	Output      string       `json:"output"`
	Timestamp   time.Time    `json:"timestamp"`
}
