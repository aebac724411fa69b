package stream

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sse"
)

// SSEEmitter writes events in the text/event-stream format. Each event
// carries its sequence in the id field and its JSON payload in data; the
// connected event also carries the retry directive.
type SSEEmitter struct {
	w       *stickyWriter
	flusher http.Flusher
}

// stickyWriter remembers the first write error; the encoder drops them.
type stickyWriter struct {
	w   io.Writer
	err error
}

func (s *stickyWriter) Write(p []byte) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	n, err := s.w.Write(p)
	if err != nil {
		s.err = err
	}
	return n, err
}

var _ Emitter = (*SSEEmitter)(nil)

// NewSSEEmitter wraps w. Writes are flushed when w supports it.
func NewSSEEmitter(w io.Writer) *SSEEmitter {
	f, _ := w.(http.Flusher)
	return &SSEEmitter{w: &stickyWriter{w: w}, flusher: f}
}

// SetSSEHeaders prepares a response for streaming.
func SetSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-store")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (e *SSEEmitter) Emit(ev Event) error {
	msg := sse.Event{Data: ev.Payload()}
	if ev.ID > 0 {
		msg.Id = strconv.FormatInt(ev.ID, 10)
	}
	if ev.Retry > 0 {
		msg.Retry = uint(ev.Retry.Milliseconds())
	}
	if err := sse.Encode(e.w, msg); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if e.w.err != nil {
		return fmt.Errorf("failed to write event: %w", e.w.err)
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}
