// ABOUTME: Package documentation for the annotation store
// ABOUTME: Explains the mutate-emit-persist cycle and the event log contract

// Package store persists sessions, annotations, and the durable event log in
// SQLite, and is the only writer of domain state.
//
// # Mutations
//
// Every mutation follows the same cycle under one lock: update the row, emit
// the event on the bus, append the emitted event to the log. The bus owns
// sequence allocation; the store never numbers events itself. Because live
// dispatch happens before the append, a crash between the two loses at most
// that one event from replay, never from live subscribers. A failed append is
// returned to the caller rather than absorbed.
//
// # Event log
//
// The events table is append-only with the sequence as primary key. Appends
// must arrive strictly increasing; anything else surfaces as
// ErrEventLogCorrupt and is never papered over. Range reads are
// cursor-based: every event with sequence strictly greater than the cursor,
// ascending. Retention is enforced once at startup via PruneEventsBefore.
//
// # Lifecycle
//
// Annotation status only moves forward. Resolved and dismissed are terminal:
// further status updates are accepted and ignored, which makes agent
// settlement idempotent. The server stamps resolvedAt and resolvedBy itself.
package store
