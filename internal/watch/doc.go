// Package watch implements the agent-side wait-for-annotations primitive.
//
// A watch first checks the gateway's pending queue; anything already waiting
// satisfies it immediately. Otherwise it subscribes to the SSE stream and
// collects annotation.created events. The first qualifying event opens a
// batch window; when the window closes, everything collected is returned as
// one batch. The window is anchored to that first event and never resets,
// so a steady trickle of annotations cannot hold a watch open forever.
//
// A deadline passing with nothing collected is a timeout, which is a normal
// result rather than an error. Transport failures settle as
// ErrConnectionRefused or ErrStreamClosed so callers can decide whether to
// retry.
package watch
