// ABOUTME: StreamGateway authorizes stream requests and tracks their sessions
// ABOUTME: Owns the shutdown signal every session observes

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/store"
)

// Stream errors
var (
	// ErrMalformedID means the conversation id is not a UUID.
	ErrMalformedID = errors.New("malformed conversation id")

	// ErrGatewayClosed means the process is shutting down and no new streams are accepted.
	ErrGatewayClosed = errors.New("stream gateway closed")

	// ErrSessionClosed is the close reason after an explicit Close, and the
	// error from Run on a session that is not in the Connecting state.
	ErrSessionClosed = errors.New("stream session closed")

	// ErrLifetimeExceeded is the close reason when the ceiling timeout fires.
	ErrLifetimeExceeded = errors.New("stream lifetime exceeded")

	// ErrClientGone is the close reason when the client disconnects or a write fails.
	ErrClientGone = errors.New("stream client gone")

	// ErrShutdown is the close reason when the gateway shuts down.
	ErrShutdown = errors.New("stream gateway shutting down")
)

// Reader is the read side of the conversation service that streams depend on.
type Reader interface {
	GetConversation(ctx context.Context, id string, viewer *auth.Viewer) (*store.Conversation, error)
	GetMessages(ctx context.Context, id string, viewer *auth.Viewer, limit, offset int) ([]*store.Message, error)
}

// Notifier delivers change notifications that prompt an early poll.
type Notifier interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan conversation.Change, string)
}

// Config holds stream timing and page sizes.
type Config struct {
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	MaxLifetime       time.Duration
	InitialLimit      int
	PollLimit         int

	// WriteTimeout bounds a single event write. A client that stops reading
	// is dropped once a write stalls this long.
	WriteTimeout time.Duration
}

// DefaultConfig returns the reference timings: 30s heartbeat, 3s poll,
// 30m ceiling, 50-message snapshot, 10-message poll page and 10s writes.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		PollInterval:      3 * time.Second,
		MaxLifetime:       30 * time.Minute,
		InitialLimit:      50,
		PollLimit:         10,
		WriteTimeout:      10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = d.MaxLifetime
	}
	if c.InitialLimit <= 0 {
		c.InitialLimit = d.InitialLimit
	}
	if c.PollLimit <= 0 {
		c.PollLimit = d.PollLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	return c
}

// ValidConversationID reports whether id is a UUID in the lowercase
// 8-4-4-4-12 form the store issues. uuid.Parse alone also accepts urn:uuid:
// and braced forms, which can never match a stored id.
func ValidConversationID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// Gateway opens and tracks stream sessions.
type Gateway struct {
	reader   Reader
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	running  sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithNotifier wakes the poll loop as soon as a conversation changes.
func WithNotifier(n Notifier) Option {
	return func(g *Gateway) {
		g.notifier = n
	}
}

// WithClock replaces time.Now for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a stream gateway. Pass nil logger for default.
func New(reader Reader, cfg Config, logger *slog.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	g := &Gateway{
		reader:   reader,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   logger.With("component", "stream"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the effective configuration.
func (g *Gateway) Config() Config {
	return g.cfg
}

// Open performs connection setup: it validates the id, authorizes the viewer
// and fetches the initial snapshot. Nothing is written to the client here, so
// any error can still be answered with a plain status code. On success the
// caller must either Run or Close the session.
func (g *Gateway) Open(ctx context.Context, conversationID string, viewer *auth.Viewer) (*Session, error) {
	if !ValidConversationID(conversationID) {
		return nil, fmt.Errorf("%w: %q", ErrMalformedID, conversationID)
	}
	if viewer == nil {
		return nil, conversation.ErrUnauthenticated
	}

	if _, err := g.reader.GetConversation(ctx, conversationID, viewer); err != nil {
		return nil, err
	}

	snapshot, err := g.reader.GetMessages(ctx, conversationID, viewer, g.cfg.InitialLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("fetching initial snapshot: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrGatewayClosed
	}

	s := newSession(g, conversationID, viewer, snapshot)
	g.sessions[s.id] = s

	g.logger.Info("stream opened",
		"session_id", s.id,
		"conversation_id", conversationID,
		"viewer_id", viewer.ID,
		"viewer_role", viewer.Role,
		"snapshot_size", len(snapshot))
	return s, nil
}

// ActiveSessions returns the number of sessions that have not yet closed.
func (g *Gateway) ActiveSessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// track registers a running session so Close can wait for it.
func (g *Gateway) track() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.running.Add(1)
	return true
}

func (g *Gateway) remove(s *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, s.id)
}

// Close stops accepting streams, signals every session to close and waits
// until their Run calls return or ctx expires.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	count := len(g.sessions)
	pending := make([]*Session, 0, count)
	for _, s := range g.sessions {
		pending = append(pending, s)
	}
	g.mu.Unlock()

	g.logger.Info("closing stream gateway", "active_sessions", count)
	g.cancel(ErrShutdown)

	// Sessions that were opened but never run have no loop to notice the signal
	for _, s := range pending {
		if s.State() == StateConnecting {
			s.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		g.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for streams to close: %w", ctx.Err())
	}
}
