// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that lexical order of stored timestamps matches
// chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	opts   options
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one pooled connection keeps get-or-create
	// and append transactions from tripping SQLITE_BUSY, and keeps ":memory:"
	// databases from fragmenting across connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		opts:   buildOptions(opts),
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id          TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			status      TEXT NOT NULL DEFAULT 'active',
			assigned_to TEXT,
			priority    TEXT NOT NULL DEFAULT 'normal',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (status IN ('active', 'resolved')),
			CHECK (priority IN ('high', 'normal', 'low'))
		);

		-- One active conversation per client; resolved ones do not count.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_client
			ON conversations(client_id) WHERE status = 'active';

		CREATE INDEX IF NOT EXISTS idx_conversations_status_updated
			ON conversations(status, updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			author_id        TEXT NOT NULL,
			content          TEXT NOT NULL,
			is_internal_note INTEGER NOT NULL DEFAULT 0,
			created_at       TEXT NOT NULL,
			read_at          TEXT,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at DESC, id DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isTransient reports whether err is likely to clear on retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "database is closed")
}

// wrapErr annotates a driver error and tags transient ones with ErrUnavailable.
func wrapErr(op string, err error) error {
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, client_id, status, assigned_to, priority, created_at, updated_at`

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status, priority, createdAtStr, updatedAtStr string
	var assignedTo sql.NullString

	if err := row.Scan(&c.ID, &c.ClientID, &status, &assignedTo, &priority, &createdAtStr, &updatedAtStr); err != nil {
		return nil, err
	}

	c.Status = ConversationStatus(status)
	c.Priority = Priority(priority)
	if assignedTo.Valid {
		c.AssignedTo = &assignedTo.String
	}

	var err error
	c.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConversation inserts a new active conversation for clientID.
// Returns ErrDuplicateConversation if the client already has an active one.
func (s *SQLiteStore) CreateConversation(ctx context.Context, clientID string) (*Conversation, error) {
	now := s.opts.now().UTC()
	c := &Conversation{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Status:    ConversationStatusActive,
		Priority:  PriorityNormal,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, client_id, status, priority, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.ClientID, string(c.Status), string(c.Priority),
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateConversation
		}
		return nil, wrapErr("inserting conversation", err)
	}

	s.logger.Debug("created conversation", "id", c.ID, "client_id", clientID)
	return c, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("querying conversation", err)
	}
	return c, nil
}

// GetActiveConversationByClient retrieves the client's active conversation.
// This uses the idx_conversations_active_client partial index.
// Returns ErrNotFound if the client has none.
func (s *SQLiteStore) GetActiveConversationByClient(ctx context.Context, clientID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE client_id = ? AND status = 'active'
	`, clientID)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("querying active conversation", err)
	}
	return c, nil
}

// ListActiveConversations returns active conversations, most recently updated first.
func (s *SQLiteStore) ListActiveConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE status = 'active'
		ORDER BY updated_at DESC, id DESC
	`)
	if err != nil {
		return nil, wrapErr("querying conversations", err)
	}
	defer rows.Close()

	conversations := []*Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating conversation rows", err)
	}
	return conversations, nil
}

// UpdateConversation applies the non-nil fields of patch and stamps updated_at.
// Returns ErrNotFound if the conversation doesn't exist and
// ErrDuplicateConversation if reactivating would clash with another active one.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) (*Conversation, error) {
	if err := ValidatePatch(patch); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("querying conversation", err)
	}

	applyPatch(c, patch)
	c.UpdatedAt = s.opts.now().UTC()

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET status = ?, assigned_to = ?, priority = ?, updated_at = ?
		WHERE id = ?
	`, string(c.Status), nullStringPtr(c.AssignedTo), string(c.Priority), c.UpdatedAt.Format(timeLayout), id)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrDuplicateConversation
		}
		return nil, wrapErr("updating conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("committing conversation update", err)
	}

	s.logger.Debug("updated conversation", "id", id, "status", c.Status, "priority", c.Priority)
	return c, nil
}

// applyPatch copies the supplied fields onto c.
func applyPatch(c *Conversation, patch ConversationPatch) {
	if patch.Status != nil {
		c.Status = *patch.Status
	}
	if patch.Priority != nil {
		c.Priority = *patch.Priority
	}
	if patch.AssignedTo != nil {
		if *patch.AssignedTo == "" {
			c.AssignedTo = nil
		} else {
			assignee := *patch.AssignedTo
			c.AssignedTo = &assignee
		}
	}
}

// nullStringPtr returns nil for nil or empty strings, otherwise the string
func nullStringPtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// AppendMessage stores a message and bumps the owning conversation's updated_at
// in one transaction. Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, authorID, content string, isInternalNote bool) (*Message, error) {
	if err := ValidateContent(content, s.opts.maxContentLength); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("beginning transaction", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("checking conversation", err)
	}

	now := s.opts.now().UTC()
	msg := &Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		IsInternalNote: isInternalNote,
		CreatedAt:      now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, author_id, content, is_internal_note, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.AuthorID, msg.Content, boolToInt(isInternalNote), now.Format(timeLayout))
	if err != nil {
		return nil, wrapErr("inserting message", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now.Format(timeLayout), conversationID)
	if err != nil {
		return nil, wrapErr("bumping conversation updated_at", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("committing message", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", conversationID, "internal_note", isInternalNote)
	return msg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ListMessages returns a page of messages, newest first, with id as the tiebreak
// for identical timestamps. Limit is defaulted and capped; see clampLimit.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, author_id, content, is_internal_note, created_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, conversationID, clampLimit(limit), clampOffset(offset))
	if err != nil {
		return nil, wrapErr("querying messages", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		var msg Message
		var internal int
		var createdAtStr string
		var readAtStr sql.NullString

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.AuthorID, &msg.Content, &internal, &createdAtStr, &readAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.IsInternalNote = internal != 0
		msg.CreatedAt, err = time.Parse(timeLayout, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		if readAtStr.Valid {
			readAt, err := time.Parse(timeLayout, readAtStr.String)
			if err != nil {
				return nil, fmt.Errorf("parsing message read_at: %w", err)
			}
			msg.ReadAt = &readAt
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterating message rows", err)
	}

	return messages, nil
}

// MarkMessagesRead stamps read_at on unread messages in the conversation that
// were written by someone other than readerID. Internal notes are skipped
// unless includeInternal is set.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID, readerID string, includeInternal bool, at time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET read_at = ?
		WHERE conversation_id = ? AND author_id != ? AND read_at IS NULL
	`
	if !includeInternal {
		query += ` AND is_internal_note = 0`
	}

	result, err := s.db.ExecContext(ctx, query, at.UTC().Format(timeLayout), conversationID, readerID)
	if err != nil {
		return 0, wrapErr("marking messages read", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		s.logger.Debug("marked messages read", "conversation_id", conversationID, "reader_id", readerID, "count", rowsAffected)
	}
	return rowsAffected, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
