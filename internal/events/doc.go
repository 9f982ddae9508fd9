// Package events provides the in-process event bus and the event envelope
// shared by the store, the SSE transport, and the watch consumer.
//
// # Sequencing
//
// The Bus is the single authority for sequence numbers. Emit allocates the
// next value of one global monotonic counter, so both cross-session temporal
// ordering and gap detection work off a single integer. The counter is
// seeded above the persisted maximum at startup and never reused across
// restarts:
//
//	bus := events.NewBus(nil)
//	bus.Seed(store.MaxSequence())
//
// # Dispatch
//
// Fan-out is synchronous and in emission order: global subscribers first,
// then session-scoped ones. The bus has no queueing or backpressure; a
// subscriber that needs to absorb bursts puts a buffered channel behind its
// handler. A panicking handler is recovered and logged, never propagated.
//
// # Subscriptions
//
// Subscribe and SubscribeSession return an explicit *Subscription handle
// whose Cancel is idempotent, so a consumer can release it on every exit
// path without bookkeeping.
package events
