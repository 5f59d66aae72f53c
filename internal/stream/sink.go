// ABOUTME: Sink abstraction for stream output and its Server-Sent Events implementation
// ABOUTME: Serializes writes and bounds each one with a write deadline so stalled clients cannot pin a session

package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

var (
	// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
	ErrStreamingUnsupported = errors.New("streaming not supported")

	// ErrSinkInterrupted is returned by Send after Interrupt.
	ErrSinkInterrupted = errors.New("stream sink interrupted")
)

// Sink receives named events. Implementations must be safe for concurrent use.
// A Send error means the client is gone and the session should end.
type Sink interface {
	Send(event string, data any) error
}

// interruptible sinks can cut a blocked write short when the session ends,
// then bound the response's final write once the session has stopped.
type interruptible interface {
	Interrupt()
	Finish()
}

// SSESink writes events in text/event-stream framing and flushes after each one.
type SSESink struct {
	mu           sync.Mutex // serializes frames
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration

	deadlineMu  sync.Mutex // guards interrupted/finished and deadline changes
	interrupted bool
	finished    bool
}

// NewSSESink prepares w for streaming. It sets the SSE headers but does not
// write the status line; the first Send does that. Each frame must reach the
// connection within writeTimeout; zero disables the per-frame deadline.
func NewSSESink(w http.ResponseWriter, writeTimeout time.Duration) (*SSESink, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, ErrStreamingUnsupported
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	// The connection carries this stream's write deadline, so it is not
	// handed to another request afterwards.
	w.Header().Set("Connection", "close")
	w.Header().Set("X-Accel-Buffering", "no")

	return &SSESink{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}, nil
}

// Send writes a single SSE event.
func (s *SSESink) Send(event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshalling %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.armDeadline(); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, dataJSON); err != nil {
		return fmt.Errorf("writing %s event: %w", event, err)
	}
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("flushing %s event: %w", event, err)
	}
	return nil
}

// armDeadline gives the next frame writeTimeout to reach the client.
func (s *SSESink) armDeadline() error {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.interrupted {
		return ErrSinkInterrupted
	}
	if s.writeTimeout <= 0 {
		return nil
	}
	return s.setDeadline(time.Now().Add(s.writeTimeout))
}

// Interrupt fails any in-flight write and every later Send. It does not take
// the frame lock, so it returns even while a writer is blocked on the socket.
func (s *SSESink) Interrupt() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.interrupted {
		return
	}
	s.interrupted = true
	_ = s.setDeadline(time.Unix(1, 0))
}

// Finish stops further Sends and leaves writeTimeout for the server to
// complete the response after the handler returns. A late Interrupt has no
// effect once Finish has run.
func (s *SSESink) Finish() {
	s.deadlineMu.Lock()
	defer s.deadlineMu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.interrupted = true
	var deadline time.Time
	if s.writeTimeout > 0 {
		deadline = time.Now().Add(s.writeTimeout)
	}
	_ = s.setDeadline(deadline)
}

// setDeadline ignores writers that cannot carry a deadline, such as
// httptest.ResponseRecorder.
func (s *SSESink) setDeadline(t time.Time) error {
	if err := s.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

var (
	_ Sink          = (*SSESink)(nil)
	_ interruptible = (*SSESink)(nil)
)
