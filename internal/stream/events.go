// ABOUTME: Event names and payloads emitted on an open conversation stream
// ABOUTME: Payloads are plain structs marshalled to JSON by the sink

package stream

import (
	"github.com/2389/support-gateway/internal/conversation"
)

// Event names
const (
	EventConnected       = "connected"
	EventInitialMessages = "initial-messages"
	EventNewMessage      = "new-message"
	EventHeartbeat       = "heartbeat"
	EventError           = "error"
)

// ConnectedPayload is sent once, first, on every stream.
type ConnectedPayload struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Timestamp      string `json:"timestamp"`
	ViewerID       string `json:"viewer_id"`
	ViewerRole     string `json:"viewer_role"`
}

// InitialMessagesPayload carries the visibility-filtered snapshot, newest first.
type InitialMessagesPayload struct {
	ConversationID string                     `json:"conversation_id"`
	Messages       []conversation.MessageView `json:"messages"`
}

// NewMessagePayload announces one message not seen before on this stream.
type NewMessagePayload struct {
	ConversationID string                   `json:"conversation_id"`
	Message        conversation.MessageView `json:"message"`
}

// HeartbeatPayload keeps the transport alive.
type HeartbeatPayload struct {
	Timestamp string `json:"timestamp"`
}

// ErrorPayload reports a non-fatal failure; the stream keeps running.
type ErrorPayload struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}
