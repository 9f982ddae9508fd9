// ABOUTME: Durable append-only event log backed by the events table
// ABOUTME: Append, cursor-based range reads, and the startup retention sweep

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/2389/annotation-gateway/internal/events"
)

// appendEvent persists one emitted event. Sequences must arrive strictly
// increasing; a duplicate or backward sequence means the log and the bus
// have diverged and the append fails with ErrEventLogCorrupt.
func (s *SQLiteStore) appendEvent(evt *events.Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence) FROM events`).Scan(&max); err != nil {
		return fmt.Errorf("checking log head: %w", err)
	}
	if max.Valid && evt.Sequence <= max.Int64 {
		return fmt.Errorf("%w: sequence %d not after log head %d", ErrEventLogCorrupt, evt.Sequence, max.Int64)
	}

	_, err = s.db.Exec(
		`INSERT INTO events (sequence, type, session_id, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
		evt.Sequence, string(evt.Type), evt.SessionID, fmtTime(evt.Timestamp), string(payload),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("%w: duplicate sequence %d", ErrEventLogCorrupt, evt.Sequence)
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// EventsSince returns a session's persisted events with sequence strictly
// greater than afterSeq, ascending. Payloads come back as raw JSON.
func (s *SQLiteStore) EventsSince(sessionID string, afterSeq int64) ([]events.Event, error) {
	return s.queryEvents(
		`SELECT sequence, type, session_id, timestamp, payload FROM events
		 WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, afterSeq,
	)
}

// EventsSinceAll returns every persisted event with sequence strictly
// greater than afterSeq, across all sessions, ascending.
func (s *SQLiteStore) EventsSinceAll(afterSeq int64) ([]events.Event, error) {
	return s.queryEvents(
		`SELECT sequence, type, session_id, timestamp, payload FROM events
		 WHERE sequence > ? ORDER BY sequence ASC`,
		afterSeq,
	)
}

// MaxSequence returns the highest persisted sequence, or 0 for an empty log.
func (s *SQLiteStore) MaxSequence() (int64, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sequence) FROM events`).Scan(&max); err != nil {
		return 0, fmt.Errorf("querying max sequence: %w", err)
	}
	return max.Int64, nil
}

// OldestSequence returns the lowest persisted sequence, or 0 for an empty
// log. Replay cursors older than this cannot be honored.
func (s *SQLiteStore) OldestSequence() (int64, error) {
	var min sql.NullInt64
	if err := s.db.QueryRow(`SELECT MIN(sequence) FROM events`).Scan(&min); err != nil {
		return 0, fmt.Errorf("querying oldest sequence: %w", err)
	}
	return min.Int64, nil
}

// PruneEventsBefore deletes events older than cutoff and returns how many
// were removed. Run once at startup; replaying past the retention window is
// not supported.
func (s *SQLiteStore) PruneEventsBefore(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM events WHERE timestamp < ?`, fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("pruning events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned events: %w", err)
	}
	if n > 0 {
		s.logger.Info("pruned old events", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *SQLiteStore) queryEvents(query string, args ...any) ([]events.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var evt events.Event
		var typ, ts, payload string
		if err := rows.Scan(&evt.Sequence, &typ, &evt.SessionID, &ts, &payload); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		evt.Type = events.Type(typ)
		if evt.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		evt.Payload = json.RawMessage(payload)
		out = append(out, evt)
	}
	return out, rows.Err()
}
