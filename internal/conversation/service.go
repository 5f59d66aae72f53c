// ABOUTME: ConversationService applies authorization and visibility to every conversation operation
// ABOUTME: All reads and writes from HTTP handlers and streams flow through here

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/store"
)

var validate = validator.New()

// messageInput is the shape checked before a message reaches the store.
// Content bounds are enforced by the store itself.
type messageInput struct {
	ConversationID string `validate:"required"`
	AuthorID       string `validate:"required"`
}

// patchInput mirrors store.ConversationPatch with string fields for tag validation.
type patchInput struct {
	Status     *string `validate:"omitempty,oneof=active resolved"`
	Priority   *string `validate:"omitempty,oneof=high normal low"`
	AssignedTo *string `validate:"omitempty,max=255"`
}

// Service is the conversation layer. It authorizes each call against an
// explicit viewer and is the only caller of FilterVisible.
type Service struct {
	store       store.Store
	broadcaster *EventBroadcaster
	idempotency *dedupe.Cache[*store.Message]
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithBroadcaster publishes a Change after every successful write.
func WithBroadcaster(b *EventBroadcaster) Option {
	return func(s *Service) {
		s.broadcaster = b
	}
}

// WithIdempotencyCache enables replay of PostMessageIdempotent calls.
func WithIdempotencyCache(c *dedupe.Cache[*store.Message]) Option {
	return func(s *Service) {
		s.idempotency = c
	}
}

// WithClock replaces time.Now for read stamps and change notifications.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a new ConversationService
func New(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		now:    time.Now,
		logger: logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetOrCreateForClient returns the client's active conversation, creating one
// if none exists. Concurrent callers for the same client all receive the same
// conversation: the loser of the insert race re-fetches the winner's row.
func (s *Service) GetOrCreateForClient(ctx context.Context, clientID string) (*store.Conversation, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("%w: client id is required", ErrValidation)
	}

	conv, err := s.store.GetActiveConversationByClient(ctx, clientID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("looking up active conversation: %w", err)
	}

	conv, err = s.store.CreateConversation(ctx, clientID)
	if err == nil {
		s.logger.Debug("conversation created", "conversation_id", conv.ID, "client_id", clientID)
		return conv, nil
	}
	if !errors.Is(err, store.ErrDuplicateConversation) {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	// Another request created it between our lookup and insert
	s.logger.Debug("conversation creation hit duplicate, retrying lookup", "client_id", clientID)
	existing, lookupErr := s.store.GetActiveConversationByClient(ctx, clientID)
	if lookupErr == nil {
		s.logger.Debug("found existing conversation after duplicate error", "conversation_id", existing.ID)
		return existing, nil
	}
	s.logger.Error("retry lookup failed after duplicate error",
		"client_id", clientID,
		"lookup_error", lookupErr)
	return nil, err
}

// ListForViewer returns every active conversation for staff, and the viewer's
// own conversation (created on demand) for everyone else.
func (s *Service) ListForViewer(ctx context.Context, viewer *auth.Viewer) ([]*store.Conversation, error) {
	if viewer == nil {
		return nil, ErrUnauthenticated
	}

	if viewer.IsStaff() {
		convs, err := s.store.ListActiveConversations(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing active conversations: %w", err)
		}
		return convs, nil
	}

	conv, err := s.GetOrCreateForClient(ctx, viewer.ID)
	if err != nil {
		return nil, err
	}
	return []*store.Conversation{conv}, nil
}

// GetConversation fetches a conversation the viewer is allowed to see.
func (s *Service) GetConversation(ctx context.Context, id string, viewer *auth.Viewer) (*store.Conversation, error) {
	if viewer == nil {
		return nil, ErrUnauthenticated
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetching conversation: %w", err)
	}

	if !canAccess(viewer, conv) {
		s.logger.Debug("access denied",
			"conversation_id", id,
			"viewer_id", viewer.ID,
			"viewer_role", viewer.Role)
		return nil, ErrForbidden
	}
	return conv, nil
}

// canAccess reports whether viewer may read or write conv. Staff may access
// any conversation; clients only their own.
func canAccess(viewer *auth.Viewer, conv *store.Conversation) bool {
	return viewer.IsStaff() || conv.ClientID == viewer.ID
}

// GetMessages returns a newest-first page of the messages viewer may see.
func (s *Service) GetMessages(ctx context.Context, id string, viewer *auth.Viewer, limit, offset int) ([]*store.Message, error) {
	if _, err := s.GetConversation(ctx, id, viewer); err != nil {
		return nil, err
	}

	messages, err := s.store.ListMessages(ctx, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return FilterVisible(viewer, messages), nil
}

// internalNotePolicy decides whether a message is stored as an internal note.
// Only staff may write notes; a client's request for one is silently coerced
// to a regular message.
func internalNotePolicy(viewer *auth.Viewer, requested bool) bool {
	return requested && viewer.IsStaff()
}

// PostMessage appends a message authored by viewer and notifies subscribers.
func (s *Service) PostMessage(ctx context.Context, id string, viewer *auth.Viewer, content string, requestInternalNote bool) (*store.Message, error) {
	if _, err := s.GetConversation(ctx, id, viewer); err != nil {
		return nil, err
	}

	if err := validate.Struct(messageInput{ConversationID: id, AuthorID: viewer.ID}); err != nil {
		return nil, validationError(err)
	}

	isNote := internalNotePolicy(viewer, requestInternalNote)
	if requestInternalNote && !isNote {
		s.logger.Debug("internal note requested by non-staff, storing as regular message",
			"conversation_id", id,
			"viewer_id", viewer.ID,
			"viewer_role", viewer.Role)
	}

	msg, err := s.store.AppendMessage(ctx, id, viewer.ID, content, isNote)
	if err != nil {
		if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	s.logger.Debug("message recorded",
		"conversation_id", id,
		"message_id", msg.ID,
		"author_id", viewer.ID,
		"internal_note", isNote)

	s.publish(id, ChangeMessage)
	return msg, nil
}

// PostMessageIdempotent behaves like PostMessage, except that a repeated key
// from the same viewer for the same conversation returns the message stored by
// the first call. replayed reports whether that happened. An empty key disables
// replay, as does a service built without an idempotency cache.
func (s *Service) PostMessageIdempotent(ctx context.Context, id string, viewer *auth.Viewer, content string, requestInternalNote bool, key string) (msg *store.Message, replayed bool, err error) {
	if key == "" || s.idempotency == nil || viewer == nil {
		msg, err = s.PostMessage(ctx, id, viewer, content, requestInternalNote)
		return msg, false, err
	}

	cacheKey := viewer.ID + "\x00" + id + "\x00" + key
	msg, replayed, err = s.idempotency.Do(cacheKey, func() (*store.Message, error) {
		return s.PostMessage(ctx, id, viewer, content, requestInternalNote)
	})
	if replayed {
		s.logger.Debug("replayed idempotent post",
			"conversation_id", id,
			"message_id", msg.ID,
			"viewer_id", viewer.ID)
	}
	return msg, replayed, err
}

// UpdateMetadata changes status, assignee or priority. Staff only.
func (s *Service) UpdateMetadata(ctx context.Context, id string, viewer *auth.Viewer, patch store.ConversationPatch) (*store.Conversation, error) {
	if viewer == nil {
		return nil, ErrUnauthenticated
	}
	if !viewer.IsStaff() {
		return nil, ErrForbidden
	}
	if patch.Empty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}

	input := patchInput{AssignedTo: patch.AssignedTo}
	if patch.Status != nil {
		status := string(*patch.Status)
		input.Status = &status
	}
	if patch.Priority != nil {
		priority := string(*patch.Priority)
		input.Priority = &priority
	}
	if err := validate.Struct(input); err != nil {
		return nil, validationError(err)
	}

	conv, err := s.store.UpdateConversation(ctx, id, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrDuplicateConversation) {
			return nil, err
		}
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	s.logger.Info("conversation updated",
		"conversation_id", id,
		"viewer_id", viewer.ID,
		"status", conv.Status,
		"priority", conv.Priority)

	s.publish(id, ChangeMetadata)
	return conv, nil
}

// MarkRead stamps messages written by others as read by viewer. Staff also
// mark internal notes; clients never touch notes they cannot see.
func (s *Service) MarkRead(ctx context.Context, id string, viewer *auth.Viewer) (int64, error) {
	if _, err := s.GetConversation(ctx, id, viewer); err != nil {
		return 0, err
	}

	n, err := s.store.MarkMessagesRead(ctx, id, viewer.ID, viewer.IsStaff(), s.now())
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	return n, nil
}

func (s *Service) publish(id string, kind ChangeKind) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(Change{ConversationID: id, Kind: kind, At: s.now()})
}

// validationError converts validator output into an ErrValidation error.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, "; "))
}
