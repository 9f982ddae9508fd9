// Package gateway implements the HTTP surface of annotation-gateway: the
// REST API for sessions and annotations, the SSE event streams, and the
// action delivery accounting.
//
// # Architecture
//
// The gateway owns the wiring: it opens the store (which seeds the event bus
// above the last persisted sequence), runs the startup retention sweep, and
// serves HTTP until its context is cancelled. Webhook delivery happens on
// action requests only, dispatched from the action handler.
//
// # Event streams
//
// Two SSE endpoints exist. GET /sessions/{id}/events carries one session's
// events; GET /events carries everything, optionally narrowed to sessions on
// one page domain. Both honor Last-Event-ID (header or lastEventId query
// parameter) by replaying the durable log before any live event, open with a
// ": connected" comment, and ping every 30 seconds. A cursor that points
// below the retained window produces a synthetic sync.required frame with
// id 0, telling the consumer to refetch current state.
//
// # Audience accounting
//
// Streams opened with ?agent=true are counted as agent listeners. The count
// feeds the delivery summary of POST /sessions/{id}/action; delivery itself
// is identical for every subscriber.
package gateway
