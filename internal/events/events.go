// ABOUTME: Event envelope and type definitions for annotation feed events
// ABOUTME: Defines the sequence-numbered Event struct shared by bus, store, and transport

package events

import (
	"time"
)

// Type categorizes the kind of event.
type Type string

const (
	TypeSessionCreated    Type = "session.created"
	TypeSessionUpdated    Type = "session.updated"
	TypeSessionClosed     Type = "session.closed"
	TypeAnnotationCreated Type = "annotation.created"
	TypeAnnotationUpdated Type = "annotation.updated"
	TypeAnnotationDeleted Type = "annotation.deleted"
	TypeThreadMessage     Type = "thread.message"
	TypeActionRequested   Type = "action.requested"

	// TypeSyncRequired is a synthetic transport-level event with sequence 0.
	// It is sent to a reconnecting client whose cursor predates the oldest
	// retained event, and is never persisted.
	TypeSyncRequired Type = "sync.required"
)

// Event is an immutable, sequence-numbered record of a state change.
// Sequence is a single global monotonic counter (never per-session) so
// cross-session ordering and gap detection both work off one integer.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// nowUTC keeps all event timestamps in UTC.
func nowUTC() time.Time {
	return time.Now().UTC()
}
