// ABOUTME: Tests for ConversationService
// ABOUTME: Verifies authorization, visibility, get-or-create races, idempotency and notifications

package conversation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/dedupe"
	"github.com/2389/support-gateway/internal/store"
)

var (
	adminViewer  = &auth.Viewer{ID: "admin-1", Role: auth.RoleAdmin}
	staffViewer  = &auth.Viewer{ID: "staff-1", Role: auth.RoleTeamMember}
	clientViewer = &auth.Viewer{ID: "client-1", Role: auth.RoleClient}
	otherClient  = &auth.Viewer{ID: "client-2", Role: auth.RoleClient}
)

func createTestStore(t *testing.T) *store.SQLiteStore {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestService_GetOrCreateForClient_CreatesThenReuses(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	first, err := svc.GetOrCreateForClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusActive, first.Status)

	second, err := svc.GetOrCreateForClient(ctx, "client-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = svc.GetOrCreateForClient(ctx, "  ")
	assert.ErrorIs(t, err, ErrValidation)
}

// A client opens a conversation, staff leave an internal note and resolve it.
// The client never sees the note but does see the resolution.
func TestService_SupportScenario(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)
	assert.Equal(t, clientViewer.ID, conv.ClientID)

	note, err := svc.PostMessage(ctx, conv.ID, staffViewer, "customer sounds frustrated", true)
	require.NoError(t, err)
	assert.True(t, note.IsInternalNote)

	clientMsgs, err := svc.GetMessages(ctx, conv.ID, clientViewer, 50, 0)
	require.NoError(t, err)
	assert.Empty(t, clientMsgs)

	staffMsgs, err := svc.GetMessages(ctx, conv.ID, staffViewer, 50, 0)
	require.NoError(t, err)
	require.Len(t, staffMsgs, 1)
	assert.Equal(t, note.ID, staffMsgs[0].ID)
	assert.True(t, staffMsgs[0].IsInternalNote)

	resolved := store.ConversationStatusResolved
	_, err = svc.UpdateMetadata(ctx, conv.ID, staffViewer, store.ConversationPatch{Status: &resolved})
	require.NoError(t, err)

	seen, err := svc.GetConversation(ctx, conv.ID, clientViewer)
	require.NoError(t, err)
	assert.Equal(t, store.ConversationStatusResolved, seen.Status)
}

func TestService_GetOrCreateForClient_Concurrent(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	const workers = 10
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)

	for i := range workers {
		wg.Go(func() {
			conv, err := svc.GetOrCreateForClient(ctx, "client-race")
			errs[i] = err
			if conv != nil {
				results[i] = conv.ID
			}
		})
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0], results[i], "every caller sees the same conversation")
	}
}

// racingStore reports no active conversation on the first lookup, simulating a
// concurrent creator that slips in between lookup and insert.
type racingStore struct {
	*store.MockStore
	mu            sync.Mutex
	lookups       int
	failRefetch   bool
	refetchCalled bool
}

func (r *racingStore) GetActiveConversationByClient(ctx context.Context, clientID string) (*store.Conversation, error) {
	r.mu.Lock()
	r.lookups++
	n := r.lookups
	r.mu.Unlock()

	if n == 1 {
		// Winner creates the row now
		if _, err := r.MockStore.CreateConversation(ctx, clientID); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	r.refetchCalled = true
	if r.failRefetch {
		return nil, store.ErrUnavailable
	}
	return r.MockStore.GetActiveConversationByClient(ctx, clientID)
}

func TestService_GetOrCreateForClient_DuplicateRefetches(t *testing.T) {
	rs := &racingStore{MockStore: store.NewMockStore()}
	svc := New(rs, nil)

	conv, err := svc.GetOrCreateForClient(context.Background(), "client-1")
	require.NoError(t, err)
	assert.True(t, rs.refetchCalled)
	assert.Equal(t, "client-1", conv.ClientID)
}

func TestService_GetOrCreateForClient_RefetchFailureSurfacesConflict(t *testing.T) {
	rs := &racingStore{MockStore: store.NewMockStore(), failRefetch: true}
	svc := New(rs, nil)

	_, err := svc.GetOrCreateForClient(context.Background(), "client-1")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestService_ListForViewer(t *testing.T) {
	st := createTestStore(t)
	svc := New(st, nil)
	ctx := context.Background()

	_, err := svc.ListForViewer(ctx, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Clients get exactly their own conversation, created on demand
	mine, err := svc.ListForViewer(ctx, clientViewer)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, clientViewer.ID, mine[0].ClientID)

	_, err = svc.ListForViewer(ctx, otherClient)
	require.NoError(t, err)

	all, err := svc.ListForViewer(ctx, staffViewer)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestService_GetConversation_Authorization(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	tests := []struct {
		name    string
		id      string
		viewer  *auth.Viewer
		wantErr error
	}{
		{name: "owner", id: conv.ID, viewer: clientViewer},
		{name: "team member", id: conv.ID, viewer: staffViewer},
		{name: "admin", id: conv.ID, viewer: adminViewer},
		{name: "other client", id: conv.ID, viewer: otherClient, wantErr: ErrForbidden},
		{name: "anonymous", id: conv.ID, viewer: nil, wantErr: ErrUnauthenticated},
		{name: "missing", id: "does-not-exist", viewer: staffViewer, wantErr: ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.GetConversation(ctx, tt.id, tt.viewer)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, conv.ID, got.ID)
		})
	}
}

func TestService_PostMessage_InternalNoteCoercion(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	clientMsg, err := svc.PostMessage(ctx, conv.ID, clientViewer, "please make this secret", true)
	require.NoError(t, err)
	assert.False(t, clientMsg.IsInternalNote, "client cannot write internal notes")
	assert.Equal(t, clientViewer.ID, clientMsg.AuthorID)

	note, err := svc.PostMessage(ctx, conv.ID, staffViewer, "vip customer", true)
	require.NoError(t, err)
	assert.True(t, note.IsInternalNote)

	reply, err := svc.PostMessage(ctx, conv.ID, staffViewer, "hello!", false)
	require.NoError(t, err)
	assert.False(t, reply.IsInternalNote)
}

func TestService_PostMessage_Errors(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, conv.ID, nil, "hi", false)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.PostMessage(ctx, conv.ID, otherClient, "hi", false)
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.PostMessage(ctx, "missing", staffViewer, "hi", false)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.PostMessage(ctx, conv.ID, clientViewer, "   ", false)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.PostMessage(ctx, conv.ID, clientViewer, strings.Repeat("x", store.DefaultMaxContentLength+1), false)
	assert.ErrorIs(t, err, ErrValidation)

	msgs, err := svc.GetMessages(ctx, conv.ID, staffViewer, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no failed post was stored")
}

func TestService_GetMessages_Visibility(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, conv.ID, clientViewer, "my invoice is wrong", false)
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, conv.ID, staffViewer, "billing bug, see ticket 42", true)
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, conv.ID, staffViewer, "we are fixing it", false)
	require.NoError(t, err)

	staffView, err := svc.GetMessages(ctx, conv.ID, staffViewer, 0, 0)
	require.NoError(t, err)
	assert.Len(t, staffView, 3)

	clientView, err := svc.GetMessages(ctx, conv.ID, clientViewer, 0, 0)
	require.NoError(t, err)
	require.Len(t, clientView, 2)
	for _, m := range clientView {
		assert.False(t, m.IsInternalNote)
	}
	assert.Equal(t, "we are fixing it", clientView[0].Content, "newest first")

	_, err = svc.GetMessages(ctx, conv.ID, otherClient, 0, 0)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_UpdateMetadata(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	high := store.PriorityHigh
	assignee := staffViewer.ID
	updated, err := svc.UpdateMetadata(ctx, conv.ID, staffViewer, store.ConversationPatch{Priority: &high, AssignedTo: &assignee})
	require.NoError(t, err)
	assert.Equal(t, store.PriorityHigh, updated.Priority)
	require.NotNil(t, updated.AssignedTo)
	assert.Equal(t, staffViewer.ID, *updated.AssignedTo)

	_, err = svc.UpdateMetadata(ctx, conv.ID, clientViewer, store.ConversationPatch{Priority: &high})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = svc.UpdateMetadata(ctx, conv.ID, nil, store.ConversationPatch{Priority: &high})
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = svc.UpdateMetadata(ctx, conv.ID, staffViewer, store.ConversationPatch{})
	assert.ErrorIs(t, err, ErrValidation)

	bogus := store.Priority("urgent")
	_, err = svc.UpdateMetadata(ctx, conv.ID, staffViewer, store.ConversationPatch{Priority: &bogus})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.UpdateMetadata(ctx, "missing", staffViewer, store.ConversationPatch{Priority: &high})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_UpdateMetadata_ResolveAndReopenConflict(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	old, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	resolved := store.ConversationStatusResolved
	_, err = svc.UpdateMetadata(ctx, old.ID, adminViewer, store.ConversationPatch{Status: &resolved})
	require.NoError(t, err)

	fresh, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)

	active := store.ConversationStatusActive
	_, err = svc.UpdateMetadata(ctx, old.ID, adminViewer, store.ConversationPatch{Status: &active})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestService_MarkRead(t *testing.T) {
	svc := New(createTestStore(t), nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	_, err = svc.PostMessage(ctx, conv.ID, clientViewer, "hello", false)
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, conv.ID, staffViewer, "note", true)
	require.NoError(t, err)
	_, err = svc.PostMessage(ctx, conv.ID, staffViewer, "reply", false)
	require.NoError(t, err)

	n, err := svc.MarkRead(ctx, conv.ID, clientViewer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "client marks only the visible staff reply")

	n, err = svc.MarkRead(ctx, conv.ID, adminViewer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "admin marks the client message and the note")

	_, err = svc.MarkRead(ctx, conv.ID, otherClient)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_PostMessageIdempotent(t *testing.T) {
	cache := dedupe.New[*store.Message](time.Minute, 100)
	defer cache.Close()
	svc := New(createTestStore(t), nil, WithIdempotencyCache(cache))
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	first, replayed, err := svc.PostMessageIdempotent(ctx, conv.ID, clientViewer, "only once", false, "key-1")
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := svc.PostMessageIdempotent(ctx, conv.ID, clientViewer, "only once", false, "key-1")
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	// A different key posts again
	third, replayed, err := svc.PostMessageIdempotent(ctx, conv.ID, clientViewer, "only once", false, "key-2")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEqual(t, first.ID, third.ID)

	// Same key from a different viewer is not a replay
	staffMsg, replayed, err := svc.PostMessageIdempotent(ctx, conv.ID, staffViewer, "staff", false, "key-1")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEqual(t, first.ID, staffMsg.ID)

	msgs, err := svc.GetMessages(ctx, conv.ID, staffViewer, 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestService_PostMessageIdempotent_FailureNotCached(t *testing.T) {
	cache := dedupe.New[*store.Message](time.Minute, 100)
	defer cache.Close()
	mock := store.NewMockStore()
	svc := New(mock, nil, WithIdempotencyCache(cache))
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	mock.AppendErr = func(string) error { return store.ErrUnavailable }
	_, _, err = svc.PostMessageIdempotent(ctx, conv.ID, clientViewer, "retry me", false, "k")
	assert.ErrorIs(t, err, ErrTransient)

	mock.AppendErr = nil
	msg, replayed, err := svc.PostMessageIdempotent(ctx, conv.ID, clientViewer, "retry me", false, "k")
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "retry me", msg.Content)
}

func TestService_PublishesChanges(t *testing.T) {
	b := NewEventBroadcaster(nil)
	defer b.Close()
	svc := New(createTestStore(t), nil, WithBroadcaster(b))
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	ch, _ := b.Subscribe(t.Context(), conv.ID)

	_, err = svc.PostMessage(ctx, conv.ID, clientViewer, "ping", false)
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, conv.ID, c.ConversationID)
		assert.Equal(t, ChangeMessage, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("no change published for message")
	}

	low := store.PriorityLow
	_, err = svc.UpdateMetadata(ctx, conv.ID, staffViewer, store.ConversationPatch{Priority: &low})
	require.NoError(t, err)

	select {
	case c := <-ch:
		assert.Equal(t, ChangeMetadata, c.Kind)
	case <-time.After(time.Second):
		t.Fatal("no change published for metadata")
	}

	// Failed writes publish nothing
	_, err = svc.PostMessage(ctx, conv.ID, clientViewer, "", false)
	require.Error(t, err)
	select {
	case c := <-ch:
		t.Fatalf("unexpected change after failed post: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestService_TransientErrorsSurface(t *testing.T) {
	mock := store.NewMockStore()
	svc := New(mock, nil)
	ctx := context.Background()

	conv, err := svc.GetOrCreateForClient(ctx, clientViewer.ID)
	require.NoError(t, err)

	mock.ListMessagesErr = func(string) error { return errors.Join(store.ErrUnavailable, errors.New("database is locked")) }
	_, err = svc.GetMessages(ctx, conv.ID, clientViewer, 0, 0)
	assert.ErrorIs(t, err, ErrTransient)
}
