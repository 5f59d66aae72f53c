// ABOUTME: In-memory fan-out broadcaster for conversation change notifications
// ABOUTME: Open streams subscribe by conversation ID and poll immediately when notified

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// ChangeKind says what happened to a conversation.
type ChangeKind string

const (
	ChangeMessage  ChangeKind = "message"
	ChangeMetadata ChangeKind = "metadata"
)

// Change is a notification that a conversation was written to. It carries no
// message content; subscribers re-read through the service so that visibility
// rules apply to whatever they emit.
type Change struct {
	ConversationID string
	Kind           ChangeKind
	At             time.Time
}

// EventBroadcaster provides in-memory pub/sub for conversation changes.
// Subscribers register for a conversation ID and receive a Change whenever a
// message is posted or metadata is updated.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // conversationID -> subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for changes to the given conversation.
// Returns a channel that receives changes and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled. Subscribing to a closed broadcaster yields a closed channel.
func (b *EventBroadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan Change, string) {
	subID := uuid.New().String()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := b.subscribers[conversationID]; !ok {
		b.subscribers[conversationID] = make(map[string]chan Change)
	}
	b.subscribers[conversationID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added",
		"conversation_id", conversationID,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	context.AfterFunc(ctx, func() {
		b.Unsubscribe(conversationID, subID)
	})

	return ch, subID
}

// Publish sends a change to all subscribers of the conversation.
// Non-blocking: changes are dropped for subscribers whose channels are full.
// A dropped change is harmless since the subscriber's next poll catches up.
func (b *EventBroadcaster) Publish(change Change) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send. They never block, so the lock is held briefly.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[change.ConversationID] {
		select {
		case ch <- change:
			// Sent
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"conversation_id", change.ConversationID,
				"sub_id", subID)
		}
	}
}

// SubscriberCount returns the number of subscribers for a conversation.
func (b *EventBroadcaster) SubscriberCount(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[conversationID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(conversationID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[conversationID]
	if !ok {
		return
	}

	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	// Clean up empty conversation entries
	if len(subs) == 0 {
		delete(b.subscribers, conversationID)
	}

	b.logger.Debug("subscriber removed",
		"conversation_id", conversationID,
		"sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for convID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, convID)
	}

	b.logger.Debug("broadcaster closed")
}
