// ABOUTME: Store interface and data types for support-gateway persistence
// ABOUTME: Defines Conversation, Message and the Store interface that owns their invariants

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a client would end up with two
// active conversations. Callers doing get-or-create treat it as evidence that a
// concurrent creator won and re-fetch.
var ErrDuplicateConversation = errors.New("client already has an active conversation")

// ErrValidation is returned when an input violates a field constraint
// (empty or oversized content, unknown enum value).
var ErrValidation = errors.New("validation failed")

// ErrUnavailable wraps storage failures that are expected to clear on retry,
// such as a busy database or a closed connection pool.
var ErrUnavailable = errors.New("store temporarily unavailable")

// Message listing bounds
const (
	DefaultMessageLimit = 50
	MaxMessageLimit     = 200

	// DefaultMaxContentLength is the content bound, in runes, used when the
	// store is not configured with one.
	DefaultMaxContentLength = 5000
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusResolved ConversationStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s ConversationStatus) Valid() bool {
	return s == ConversationStatusActive || s == ConversationStatusResolved
}

// Priority is the staff-assigned urgency of a conversation
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Conversation is one client's support thread. ClientID never changes after
// creation; at most one conversation per client is active at a time.
type Conversation struct {
	ID         string
	ClientID   string
	Status     ConversationStatus
	AssignedTo *string
	Priority   Priority
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ConversationPatch carries the metadata fields to change. Nil fields are left
// untouched. An empty AssignedTo clears the assignee.
type ConversationPatch struct {
	Status     *ConversationStatus
	AssignedTo *string
	Priority   *Priority
}

// Empty reports whether the patch changes nothing.
func (p ConversationPatch) Empty() bool {
	return p.Status == nil && p.AssignedTo == nil && p.Priority == nil
}

// Message is an immutable unit of conversation content. Internal notes are
// only ever shown to staff.
type Message struct {
	ID             string
	ConversationID string
	AuthorID       string
	Content        string
	IsInternalNote bool
	CreatedAt      time.Time
	ReadAt         *time.Time
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, clientID string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	GetActiveConversationByClient(ctx context.Context, clientID string) (*Conversation, error)
	ListActiveConversations(ctx context.Context) ([]*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error)

	// Messages
	AppendMessage(ctx context.Context, conversationID, authorID, content string, isInternalNote bool) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error)
	MarkMessagesRead(ctx context.Context, conversationID, readerID string, includeInternal bool, at time.Time) (int64, error)

	// Close releases any resources held by the store
	Close() error
}

// Option configures a Store implementation.
type Option func(*options)

type options struct {
	maxContentLength int
	now              func() time.Time
}

// WithMaxContentLength sets the content bound, in runes, enforced by AppendMessage.
func WithMaxContentLength(n int) Option {
	return func(o *options) {
		o.maxContentLength = n
	}
}

// WithClock replaces time.Now for timestamping. Used by tests that need
// identical timestamps to exercise id tie-breaking.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{
		maxContentLength: DefaultMaxContentLength,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// clampLimit applies the default and cap used by ListMessages.
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}

// clampOffset rejects negative offsets by treating them as zero.
func clampOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
