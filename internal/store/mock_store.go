// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same invariants

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	opts          options
	conversations map[string]*Conversation // keyed by conversation ID
	activeIndex   map[string]string        // keyed by client ID -> active conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	closed        bool

	// Hooks for fault injection in tests. Return a non-nil error to fail the call.
	ListMessagesErr func(conversationID string) error
	AppendErr       func(conversationID string) error
}

// NewMockStore creates a new MockStore.
func NewMockStore(opts ...Option) *MockStore {
	return &MockStore{
		opts:          buildOptions(opts),
		conversations: make(map[string]*Conversation),
		activeIndex:   make(map[string]string),
		messages:      make(map[string][]*Message),
	}
}

func copyConversation(c *Conversation) *Conversation {
	result := *c
	if c.AssignedTo != nil {
		assignee := *c.AssignedTo
		result.AssignedTo = &assignee
	}
	return &result
}

func copyMessage(msg *Message) *Message {
	result := *msg
	if msg.ReadAt != nil {
		readAt := *msg.ReadAt
		result.ReadAt = &readAt
	}
	return &result
}

// CreateConversation stores a new active conversation for clientID.
func (m *MockStore) CreateConversation(ctx context.Context, clientID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	if _, ok := m.activeIndex[clientID]; ok {
		return nil, ErrDuplicateConversation
	}

	now := m.opts.now().UTC()
	c := &Conversation{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Status:    ConversationStatusActive,
		Priority:  PriorityNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.conversations[c.ID] = c
	m.activeIndex[clientID] = c.ID

	return copyConversation(c), nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

// GetActiveConversationByClient retrieves the client's active conversation.
func (m *MockStore) GetActiveConversationByClient(ctx context.Context, clientID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	id, ok := m.activeIndex[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(m.conversations[id]), nil
}

// ListActiveConversations returns active conversations, most recently updated first.
func (m *MockStore) ListActiveConversations(ctx context.Context) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}

	result := make([]*Conversation, 0, len(m.activeIndex))
	for _, id := range m.activeIndex {
		result = append(result, copyConversation(m.conversations[id]))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

// UpdateConversation applies the non-nil fields of patch.
func (m *MockStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	if patch.Status != nil && *patch.Status == ConversationStatusActive && c.Status != ConversationStatusActive {
		if _, taken := m.activeIndex[c.ClientID]; taken {
			return nil, ErrDuplicateConversation
		}
	}

	updated := copyConversation(c)
	applyPatch(updated, patch)
	updated.UpdatedAt = m.opts.now().UTC()

	if c.Status == ConversationStatusActive && updated.Status != ConversationStatusActive {
		delete(m.activeIndex, c.ClientID)
	}
	if updated.Status == ConversationStatusActive {
		m.activeIndex[c.ClientID] = id
	}
	m.conversations[id] = updated

	return copyConversation(updated), nil
}

// AppendMessage stores a message and bumps the conversation's updated_at.
func (m *MockStore) AppendMessage(ctx context.Context, conversationID, authorID, content string, isInternalNote bool) (*Message, error) {
	if err := ValidateContent(content, m.opts.maxContentLength); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	if m.AppendErr != nil {
		if err := m.AppendErr(conversationID); err != nil {
			return nil, err
		}
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	now := m.opts.now().UTC()
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		IsInternalNote: isInternalNote,
		CreatedAt:      now,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	c.UpdatedAt = now

	return copyMessage(msg), nil
}

// ListMessages returns a page of messages, newest first.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrUnavailable
	}
	if m.ListMessagesErr != nil {
		if err := m.ListMessagesErr(conversationID); err != nil {
			return nil, err
		}
	}

	all := make([]*Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		all = append(all, copyMessage(msg))
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	offset = clampOffset(offset)
	if offset >= len(all) {
		return []*Message{}, nil
	}
	end := offset + clampLimit(limit)
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// MarkMessagesRead stamps read_at on unread messages not written by readerID.
func (m *MockStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, includeInternal bool, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrUnavailable
	}

	var count int64
	stamp := at.UTC()
	for _, msg := range m.messages[conversationID] {
		if msg.AuthorID == readerID || msg.ReadAt != nil {
			continue
		}
		if msg.IsInternalNote && !includeInternal {
			continue
		}
		readAt := stamp
		msg.ReadAt = &readAt
		count++
	}
	return count, nil
}

// Close marks the store closed; later calls return ErrUnavailable.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
