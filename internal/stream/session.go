// ABOUTME: Per-connection stream state machine: Connecting, Streaming, Closed
// ABOUTME: Runs heartbeat and change-poll loops under one cancellation context

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/support-gateway/internal/auth"
	"github.com/2389/support-gateway/internal/conversation"
	"github.com/2389/support-gateway/internal/store"
)

// State is the lifecycle phase of a session.
type State int32

const (
	StateConnecting State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session is one open stream. It is created by Gateway.Open and driven by Run.
type Session struct {
	id             string
	conversationID string
	viewer         *auth.Viewer
	snapshot       []*store.Message
	gw             *Gateway
	logger         *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	state     atomic.Int32
	closeOnce sync.Once

	// lastSeenID is the newest message id announced on this stream. Only the
	// poll loop touches it after Run starts.
	lastSeenID string
}

func newSession(g *Gateway, conversationID string, viewer *auth.Viewer, snapshot []*store.Message) *Session {
	ctx, cancel := context.WithCancelCause(g.ctx)
	s := &Session{
		id:             uuid.New().String(),
		conversationID: conversationID,
		viewer:         viewer,
		snapshot:       snapshot,
		gw:             g,
		ctx:            ctx,
		cancel:         cancel,
	}
	s.logger = g.logger.With("session_id", s.id, "conversation_id", conversationID)
	if len(snapshot) > 0 {
		s.lastSeenID = snapshot[0].ID
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done is closed once the session starts tearing down.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Close tears the session down. It is safe to call any number of times from
// any goroutine; only the first call has an effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cancel(ErrSessionClosed)
		s.gw.remove(s)
		s.logger.Info("stream closed", "reason", context.Cause(s.ctx))
	})
}

// Run streams events to sink until the request context ends, the lifetime
// ceiling passes, the gateway shuts down or Close is called. It returns the
// reason the session ended and always leaves the session Closed.
func (s *Session) Run(ctx context.Context, sink Sink) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateStreaming)) {
		return ErrSessionClosed
	}
	if !s.gw.track() {
		s.Close()
		return ErrGatewayClosed
	}
	defer s.gw.running.Done()
	defer s.Close()

	runCtx, cancel := context.WithTimeoutCause(s.ctx, s.gw.cfg.MaxLifetime, ErrLifetimeExceeded)
	defer cancel()

	// A client that stops reading leaves a writer blocked on the socket; the
	// interrupt releases it so the ceiling and shutdown still end the session.
	if in, ok := sink.(interruptible); ok {
		stopInterrupt := context.AfterFunc(runCtx, in.Interrupt)
		defer func() {
			stopInterrupt()
			in.Finish()
		}()
	}

	stop := context.AfterFunc(ctx, func() {
		s.cancel(ErrClientGone)
	})
	defer stop()

	// Subscribe before the initial events so a write racing the snapshot still
	// triggers a poll.
	var changes <-chan conversation.Change
	if s.gw.notifier != nil {
		changes, _ = s.gw.notifier.Subscribe(runCtx, s.conversationID)
	}

	now := s.gw.now().UTC().Format(conversation.TimeFormat)
	if !s.send(sink, EventConnected, ConnectedPayload{
		ConversationID: s.conversationID,
		SessionID:      s.id,
		Timestamp:      now,
		ViewerID:       s.viewer.ID,
		ViewerRole:     string(s.viewer.Role),
	}) {
		return context.Cause(runCtx)
	}
	if !s.send(sink, EventInitialMessages, InitialMessagesPayload{
		ConversationID: s.conversationID,
		Messages:       conversation.NewMessageViews(s.snapshot),
	}) {
		return context.Cause(runCtx)
	}
	s.snapshot = nil

	var wg sync.WaitGroup
	wg.Go(func() { s.heartbeatLoop(runCtx, sink) })
	wg.Go(func() { s.pollLoop(runCtx, sink, changes) })

	<-runCtx.Done()
	wg.Wait()

	reason := context.Cause(runCtx)
	s.cancel(reason)
	return reason
}

// send writes one event. A write failure means the client is gone, so it ends
// the session and returns false.
func (s *Session) send(sink Sink, event string, data any) bool {
	if err := sink.Send(event, data); err != nil {
		s.logger.Debug("stream write failed", "event", event, "error", err)
		s.cancel(fmt.Errorf("%w: %w", ErrClientGone, err))
		return false
	}
	return true
}

func (s *Session) heartbeatLoop(ctx context.Context, sink Sink) {
	ticker := time.NewTicker(s.gw.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.send(sink, EventHeartbeat, HeartbeatPayload{
				Timestamp: s.gw.now().UTC().Format(conversation.TimeFormat),
			}) {
				return
			}
		}
	}
}

func (s *Session) pollLoop(ctx context.Context, sink Sink, changes <-chan conversation.Change) {
	ticker := time.NewTicker(s.gw.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-changes:
			if !ok {
				// Broadcaster gone; fall back to the ticker alone
				changes = nil
				continue
			}
		}

		if !s.poll(ctx, sink) {
			return
		}
	}
}

// poll re-reads the latest page and announces every message newer than the
// last one seen, oldest first. Fetch errors become error events and the loop
// continues. Returns false when the session should stop.
func (s *Session) poll(ctx context.Context, sink Sink) bool {
	latest, err := s.gw.reader.GetMessages(ctx, s.conversationID, s.viewer, s.gw.cfg.PollLimit, 0)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		s.logger.Warn("stream poll failed", "error", err)
		return s.send(sink, EventError, ErrorPayload{
			Error:     pollErrorMessage(err),
			Timestamp: s.gw.now().UTC().Format(conversation.TimeFormat),
		})
	}

	fresh := newerThan(latest, s.lastSeenID)
	if len(fresh) == 0 {
		return true
	}

	// fresh is newest first; announce in chronological order
	for i := len(fresh) - 1; i >= 0; i-- {
		if !s.send(sink, EventNewMessage, NewMessagePayload{
			ConversationID: s.conversationID,
			Message:        conversation.NewMessageView(fresh[i]),
		}) {
			return false
		}
		s.lastSeenID = fresh[i].ID
	}
	return true
}

// newerThan returns the prefix of a newest-first page that precedes lastSeenID.
// If lastSeenID is not on the page, every message on it is newer.
func newerThan(page []*store.Message, lastSeenID string) []*store.Message {
	for i, m := range page {
		if m.ID == lastSeenID {
			return page[:i]
		}
	}
	return page
}

// pollErrorMessage keeps internal details out of client-visible errors.
func pollErrorMessage(err error) string {
	switch {
	case errors.Is(err, conversation.ErrForbidden):
		return "access revoked"
	case errors.Is(err, conversation.ErrNotFound):
		return "conversation not found"
	case errors.Is(err, conversation.ErrTransient):
		return "temporarily unavailable, retrying"
	default:
		return "failed to fetch messages"
	}
}
