// Package conversation provides the authorization and visibility layer over
// the conversation store.
//
// # Service
//
//	svc := conversation.New(store, logger,
//		conversation.WithBroadcaster(broadcaster),
//		conversation.WithIdempotencyCache(cache))
//
// Every entry point takes an explicit *auth.Viewer. A nil viewer yields
// ErrUnauthenticated. Staff (admin, team_member) may touch any conversation;
// clients only their own.
//
// Key operations:
//
//   - GetOrCreateForClient: the client's single active conversation
//   - ListForViewer: all active conversations for staff, one for clients
//   - GetConversation, GetMessages: authorized reads; messages pass through FilterVisible
//   - PostMessage, PostMessageIdempotent: authorized writes; clients cannot write internal notes
//   - UpdateMetadata: staff-only status, priority and assignee changes
//   - MarkRead: stamps read_at on messages written by others
//
// # Get-or-create
//
// The store rejects a second active conversation for a client with
// ErrDuplicateConversation. When that happens between our lookup and insert,
// the service re-fetches once and returns the winner's conversation.
//
// # Visibility
//
// FilterVisible is the single place internal notes are hidden. It drops notes
// for non-staff viewers and keeps the original order.
//
// # Change Notifications
//
// EventBroadcaster fans out a Change (conversation id and kind, never content)
// after successful writes. Streams use it to poll early; payloads are always
// re-read through GetMessages.
//
// # Errors
//
// ErrUnauthenticated, ErrForbidden, ErrNotFound, ErrValidation, ErrConflict
// and ErrTransient are matched with errors.Is.
package conversation
