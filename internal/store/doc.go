// Package store provides persistent storage for support conversations using SQLite.
//
// # Architecture
//
// The Store interface is the only writer of conversations and messages, and it
// owns their invariants:
//
//   - At most one active conversation per client. SQLite enforces this with a
//     partial unique index on client_id WHERE status = 'active'.
//   - Message content is non-empty after trimming and bounded in length.
//   - Appending a message bumps the conversation's updated_at in the same
//     transaction.
//
// Visibility of internal notes is not decided here. Store returns every message;
// the conversation package filters per viewer.
//
// # Data Models
//
//   - Conversation: one client's support thread with status, priority and assignee
//   - Message: immutable content, optionally an internal note, with a read stamp
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single pooled connection:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as fixed-width UTC text with nanosecond precision so that
// ORDER BY on the text column is chronological. Messages are listed newest first
// with id as the tiebreak.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateConversation: client already has an active conversation
//   - ErrValidation: content or enum value out of bounds
//   - ErrUnavailable: busy or closed database; safe to retry
//
// # Testing
//
// Use NewMockStore() for unit tests. It honors the same invariants and exposes
// fault hooks (ListMessagesErr, AppendErr) for error-path tests.
//
// Use NewSQLiteStore(":memory:") or a t.TempDir() path for integration tests.
package store
