// ABOUTME: SQLite-backed store for sessions and annotations with event emission
// ABOUTME: Every mutation updates the row, emits on the bus, then persists the event

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/2389/annotation-gateway/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	project_id TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT
);

CREATE TABLE IF NOT EXISTS annotations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	comment TEXT NOT NULL,
	element TEXT NOT NULL DEFAULT '',
	element_path TEXT NOT NULL DEFAULT '',
	metadata TEXT,
	url TEXT NOT NULL DEFAULT '',
	intent TEXT NOT NULL DEFAULT '',
	severity TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	thread TEXT NOT NULL DEFAULT '[]',
	created_at TEXT NOT NULL,
	updated_at TEXT,
	resolved_at TEXT,
	resolved_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_annotations_session ON annotations(session_id);
CREATE INDEX IF NOT EXISTS idx_annotations_status ON annotations(status);

CREATE TABLE IF NOT EXISTS events (
	sequence INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	session_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	payload TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, sequence);
`

// SQLiteStore persists sessions, annotations, and the durable event log.
// Mutations hold s.mu for the whole mutate-emit-persist cycle so the event
// log order always matches bus sequence order.
type SQLiteStore struct {
	db     *sql.DB
	bus    *events.Bus
	mu     sync.Mutex
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path, applies the
// schema, and seeds the bus above the highest persisted sequence so restarts
// never reuse a sequence number. Parent directories are created if needed.
func NewSQLiteStore(path string, bus *events.Bus) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		bus:    bus,
		logger: slog.Default().With("component", "store"),
	}

	max, err := s.MaxSequence()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("restoring sequence: %w", err)
	}
	bus.Seed(max)

	return s, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSession registers a new session and emits session.created.
func (s *SQLiteStore) CreateSession(url, projectID, owner string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := &Session{
		ID:        uuid.New().String(),
		URL:       url,
		Status:    SessionActive,
		CreatedAt: time.Now().UTC(),
		ProjectID: projectID,
		Owner:     owner,
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, url, status, project_id, owner, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.URL, string(sess.Status), sess.ProjectID, sess.Owner, fmtTime(sess.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}

	if err := s.emit(events.TypeSessionCreated, sess.ID, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns a session with all of its annotations.
func (s *SQLiteStore) GetSession(id string) (*SessionWithAnnotations, error) {
	sess, err := s.getSession(id)
	if err != nil {
		return nil, err
	}
	anns, err := s.sessionAnnotations(id)
	if err != nil {
		return nil, err
	}
	return &SessionWithAnnotations{Session: *sess, Annotations: anns}, nil
}

// ListSessions returns all sessions, newest first. An empty status lists
// everything.
func (s *SQLiteStore) ListSessions(status SessionStatus) ([]Session, error) {
	query := `SELECT id, url, status, project_id, owner, created_at, updated_at FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

// UpdateSessionStatus changes a session's status. Closing emits
// session.closed; every other change emits session.updated.
func (s *SQLiteStore) UpdateSessionStatus(id string, status SessionStatus) (*Session, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown session status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.getSession(id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sess.Status = status
	sess.UpdatedAt = &now

	_, err = s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), fmtTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("updating session: %w", err)
	}

	typ := events.TypeSessionUpdated
	if status == SessionClosed {
		typ = events.TypeSessionClosed
	}
	if err := s.emit(typ, id, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// CreateAnnotation adds a pending annotation to a session and emits
// annotation.created with the full snapshot.
func (s *SQLiteStore) CreateAnnotation(a Annotation) (*Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getSession(a.SessionID); err != nil {
		return nil, err
	}

	a.ID = uuid.New().String()
	a.Status = AnnotationPending
	a.CreatedAt = time.Now().UTC()
	a.UpdatedAt = nil
	a.ResolvedAt = nil
	a.ResolvedBy = ""
	a.Thread = nil

	_, err := s.db.Exec(
		`INSERT INTO annotations (id, session_id, comment, element, element_path, metadata, url, intent, severity, status, thread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '[]', ?)`,
		a.ID, a.SessionID, a.Comment, a.Element, a.ElementPath, nullJSON(a.Metadata),
		a.URL, a.Intent, a.Severity, string(a.Status), fmtTime(a.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting annotation: %w", err)
	}

	if err := s.emit(events.TypeAnnotationCreated, a.SessionID, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAnnotation returns a single annotation by id.
func (s *SQLiteStore) GetAnnotation(id string) (*Annotation, error) {
	row := s.db.QueryRow(annotationSelect+` WHERE id = ?`, id)
	return scanAnnotation(row)
}

// UpdateAnnotation applies a merge patch to the annotation's content fields
// and emits annotation.updated with the full post-update snapshot.
func (s *SQLiteStore) UpdateAnnotation(id string, patch AnnotationPatch) (*Annotation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.GetAnnotation(id)
	if err != nil {
		return nil, err
	}

	if patch.Comment != nil {
		a.Comment = *patch.Comment
	}
	if patch.Intent != nil {
		a.Intent = *patch.Intent
	}
	if patch.Severity != nil {
		a.Severity = *patch.Severity
	}
	if patch.Metadata != nil {
		a.Metadata = *patch.Metadata
	}

	now := time.Now().UTC()
	a.UpdatedAt = &now

	_, err = s.db.Exec(
		`UPDATE annotations SET comment = ?, intent = ?, severity = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		a.Comment, a.Intent, a.Severity, nullJSON(a.Metadata), fmtTime(now), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating annotation: %w", err)
	}

	if err := s.emit(events.TypeAnnotationUpdated, a.SessionID, a); err != nil {
		return nil, err
	}
	return a, nil
}

// UpdateAnnotationStatus advances the annotation's lifecycle. The server
// stamps resolvedAt and resolvedBy itself when entering a terminal status so
// clients can never spoof them. Updating an already-terminal annotation is a
// no-op: the current state is returned and no event is emitted. Backward
// transitions return ErrInvalidTransition.
func (s *SQLiteStore) UpdateAnnotationStatus(id string, status AnnotationStatus, by Role) (*Annotation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("unknown annotation status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.GetAnnotation(id)
	if err != nil {
		return nil, err
	}

	if a.Status.Terminal() {
		return a, nil
	}
	if status == AnnotationPending && a.Status != AnnotationPending {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	a.Status = status
	a.UpdatedAt = &now
	if status.Terminal() {
		a.ResolvedAt = &now
		a.ResolvedBy = by
	}

	resolvedAt := sql.NullString{}
	if a.ResolvedAt != nil {
		resolvedAt = sql.NullString{String: fmtTime(*a.ResolvedAt), Valid: true}
	}

	_, err = s.db.Exec(
		`UPDATE annotations SET status = ?, updated_at = ?, resolved_at = ?, resolved_by = ? WHERE id = ?`,
		string(a.Status), fmtTime(now), resolvedAt, string(a.ResolvedBy), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating annotation status: %w", err)
	}

	if err := s.emit(events.TypeAnnotationUpdated, a.SessionID, a); err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAnnotation removes an annotation and emits annotation.deleted
// carrying the last snapshot, so late consumers still see what was removed.
func (s *SQLiteStore) DeleteAnnotation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.GetAnnotation(id)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(`DELETE FROM annotations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting annotation: %w", err)
	}

	return s.emit(events.TypeAnnotationDeleted, a.SessionID, a)
}

// ThreadMessagePayload is the wire payload of a thread.message event.
type ThreadMessagePayload struct {
	AnnotationID string        `json:"annotationId"`
	Message      ThreadMessage `json:"message"`
}

// AddThreadMessage appends a message to the annotation's thread. It emits
// thread.message with the message itself, then annotation.updated with the
// full snapshot, in that order.
func (s *SQLiteStore) AddThreadMessage(annotationID string, role Role, content string) (*ThreadMessage, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, err := s.GetAnnotation(annotationID)
	if err != nil {
		return nil, err
	}

	msg := ThreadMessage{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	a.Thread = append(a.Thread, msg)
	now := msg.Timestamp
	a.UpdatedAt = &now

	thread, err := json.Marshal(a.Thread)
	if err != nil {
		return nil, fmt.Errorf("encoding thread: %w", err)
	}

	_, err = s.db.Exec(`UPDATE annotations SET thread = ?, updated_at = ? WHERE id = ?`,
		string(thread), fmtTime(now), annotationID)
	if err != nil {
		return nil, fmt.Errorf("appending thread message: %w", err)
	}

	if err := s.emit(events.TypeThreadMessage, a.SessionID, ThreadMessagePayload{
		AnnotationID: annotationID,
		Message:      msg,
	}); err != nil {
		return nil, err
	}
	if err := s.emit(events.TypeAnnotationUpdated, a.SessionID, a); err != nil {
		return nil, err
	}
	return &msg, nil
}

// PendingAnnotations returns a session's pending annotations oldest first.
func (s *SQLiteStore) PendingAnnotations(sessionID string) ([]Annotation, error) {
	if _, err := s.getSession(sessionID); err != nil {
		return nil, err
	}
	return s.queryAnnotations(
		annotationSelect+` WHERE session_id = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		sessionID, string(AnnotationPending),
	)
}

// AllPending returns pending annotations across every session, oldest first.
func (s *SQLiteStore) AllPending() ([]Annotation, error) {
	return s.queryAnnotations(
		annotationSelect+` WHERE status = ? ORDER BY created_at ASC, id ASC`,
		string(AnnotationPending),
	)
}

// RequestAction emits action.requested carrying the session's current
// annotations, and returns the built request.
func (s *SQLiteStore) RequestAction(sessionID, output string) (*ActionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.getSession(sessionID); err != nil {
		return nil, err
	}
	anns, err := s.sessionAnnotations(sessionID)
	if err != nil {
		return nil, err
	}

	req := &ActionRequest{
		SessionID:   sessionID,
		Annotations: anns,
		Output:      output,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.emit(events.TypeActionRequested, sessionID, req); err != nil {
		return nil, err
	}
	return req, nil
}

// emit publishes on the bus and then persists the event. Live subscribers
// have already seen the event by the time an append fails; the error is
// still returned so the mutation reports the gap instead of a clean success,
// and a corrupt log aborts rather than silently dropping history.
func (s *SQLiteStore) emit(typ events.Type, sessionID string, payload any) error {
	evt := s.bus.Emit(typ, sessionID, payload)
	if err := s.appendEvent(evt); err != nil {
		s.logger.Error("persisting event failed",
			"type", string(typ), "sequence", evt.Sequence, "error", err)
		return err
	}
	return nil
}

func (s *SQLiteStore) getSession(id string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT id, url, status, project_id, owner, created_at, updated_at FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return sess, err
}

func (s *SQLiteStore) sessionAnnotations(sessionID string) ([]Annotation, error) {
	return s.queryAnnotations(
		annotationSelect+` WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
}

func (s *SQLiteStore) queryAnnotations(query string, args ...any) ([]Annotation, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying annotations: %w", err)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

const annotationSelect = `SELECT id, session_id, comment, element, element_path, metadata, url, intent, severity, status, thread, created_at, updated_at, resolved_at, resolved_by FROM annotations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status, createdAt string
	var updatedAt sql.NullString
	err := row.Scan(&sess.ID, &sess.URL, &status, &sess.ProjectID, &sess.Owner, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanAnnotation(row rowScanner) (*Annotation, error) {
	var a Annotation
	var status, resolvedBy, thread, createdAt string
	var metadata, updatedAt, resolvedAt sql.NullString
	err := row.Scan(&a.ID, &a.SessionID, &a.Comment, &a.Element, &a.ElementPath, &metadata,
		&a.URL, &a.Intent, &a.Severity, &status, &thread, &createdAt, &updatedAt, &resolvedAt, &resolvedBy)
	if err == sql.ErrNoRows {
		return nil, ErrAnnotationNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Status = AnnotationStatus(status)
	a.ResolvedBy = Role(resolvedBy)
	if metadata.Valid && metadata.String != "" {
		a.Metadata = json.RawMessage(metadata.String)
	}
	if thread != "" && thread != "[]" {
		if err := json.Unmarshal([]byte(thread), &a.Thread); err != nil {
			return nil, fmt.Errorf("decoding thread: %w", err)
		}
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, err
	}
	if a.ResolvedAt, err = parseNullTime(resolvedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// timeLayout keeps a fixed nine-digit fraction so the TEXT columns compare
// chronologically; RFC3339Nano trims trailing zeros, which breaks lexical
// ordering within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
