// Package sse frames the practice stream's server-sent events. Every payload
// carries a "type" field mirroring the event name, so clients may consume the
// feed either through named-event listeners or as a plain record stream.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Writer serializes concurrent event writes onto one SSE response.
//
// The first failed write sticks: once the downstream channel is dead, every
// later Send returns the same error without touching the connection, so
// relay loops can keep servicing upstream traffic and notice the dead
// channel at their convenience.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu  sync.Mutex
	err error
}

func New(w http.ResponseWriter) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Reverse proxies must not buffer the event stream.
	h.Set("X-Accel-Buffering", "no")
	return &Writer{w: w, flusher: f}, nil
}

// Send writes one named event whose data payload is the JSON encoding of
// data, and flushes it to the client.
func (sw *Writer) Send(event string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.err != nil {
		return sw.err
	}
	if _, err := fmt.Fprintf(sw.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		sw.err = err
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Err returns the sticky write error, if any.
func (sw *Writer) Err() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.err
}
