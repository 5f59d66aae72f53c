// ABOUTME: Tests for the SSE sink
// ABOUTME: Checks headers, frame format and that concurrent writers never interleave

package stream

import (
	"bufio"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSESink_Headers(t *testing.T) {
	rec := httptest.NewRecorder()
	_, err := NewSSESink(rec, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "close", rec.Header().Get("Connection"))
}

func TestSSESink_Frame(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec, time.Second)
	require.NoError(t, err)

	require.NoError(t, sink.Send(EventHeartbeat, HeartbeatPayload{Timestamp: "2026-01-01T00:00:00Z"}))

	assert.Equal(t, "event: heartbeat\ndata: {\"timestamp\":\"2026-01-01T00:00:00Z\"}\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}

// noFlushWriter hides the recorder's Flush method.
type noFlushWriter struct {
	http.ResponseWriter
}

func TestSSESink_RequiresFlusher(t *testing.T) {
	_, err := NewSSESink(noFlushWriter{httptest.NewRecorder()}, time.Second)
	assert.ErrorIs(t, err, ErrStreamingUnsupported)
}

func TestSSESink_MarshalError(t *testing.T) {
	sink, err := NewSSESink(httptest.NewRecorder(), time.Second)
	require.NoError(t, err)

	err = sink.Send(EventError, make(chan int))
	assert.Error(t, err)
}

func TestSSESink_ConcurrentWritesDoNotInterleave(t *testing.T) {
	rec := httptest.NewRecorder()
	sink, err := NewSSESink(rec, time.Second)
	require.NoError(t, err)

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for range writers {
		wg.Go(func() {
			for range perWriter {
				assert.NoError(t, sink.Send(EventHeartbeat, HeartbeatPayload{Timestamp: strings.Repeat("x", 64)}))
			}
		})
	}
	wg.Wait()

	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	// Every frame is exactly: event line, data line, blank line
	require.Len(t, lines, 3*writers*perWriter)
	for i := 0; i < len(lines); i += 3 {
		require.Equal(t, "event: heartbeat", lines[i], "line %d", i)
		require.True(t, strings.HasPrefix(lines[i+1], "data: {"), "line %d: %q", i+1, lines[i+1])
		require.Empty(t, lines[i+2], "line %d", i+2)
	}
}
