// Package stream delivers a conversation to a connected viewer as a sequence
// of named events.
//
// # Lifecycle
//
// A Session moves through three states:
//
//  1. Connecting: Gateway.Open validates the id, authorizes the viewer and
//     fetches the initial snapshot. Errors here are returned before anything
//     is written, so the HTTP layer can still answer 400/401/403/404/500.
//  2. Streaming: Session.Run emits "connected" then "initial-messages", then
//     runs a heartbeat loop and a change-poll loop side by side.
//  3. Closed: entered when the request context ends, the lifetime ceiling
//     passes, the gateway shuts down, a write fails or Close is called.
//     Close is idempotent.
//
// Both loops and Run share one context, so teardown is a single signal.
//
// # Change Detection
//
// Every PollInterval the session re-reads the latest PollLimit messages through
// the Reader (the visibility-filtered service path) and emits "new-message" for
// each message newer than the last one it announced, oldest first. When a
// Notifier is configured, a change notification triggers the same poll
// immediately. Poll failures become "error" events; the stream continues.
//
// # Output
//
// SSESink writes text/event-stream frames and flushes after each. It holds a
// mutex so heartbeat and poll writes never interleave. Every frame carries a
// write deadline of Config.WriteTimeout, and when the session ends the sink's
// deadline is moved into the past. A client that stops reading therefore
// cannot hold a session past its ceiling or block Gateway.Close.
package stream
