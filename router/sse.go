package router

import (
	"fmt"
	"net/http"
	"sync"
)

// sseWriter serializes writes to one response's event stream. A request's
// stream-pump goroutine and its keep-alive goroutine both write through it,
// so a mutex guards against interleaved event/data line pairs.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// WriteEvent writes one `event: <type>\ndata: <data>\n\n` frame and flushes.
func (s *sseWriter) WriteEvent(eventType, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ping writes an SSE comment line, invisible to the client's event parser,
// used purely to keep an idle connection from being reaped by intermediate
// proxies while the upstream is still producing tokens.
func (s *sseWriter) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
