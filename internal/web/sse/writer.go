// Package sse writes Server-Sent Events responses.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Writer wraps an http.ResponseWriter for SSE streaming.
type Writer struct {
	w       io.Writer
	flusher http.Flusher
}

// NewWriter creates a Writer and sets the streaming headers.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	return &Writer{w: w, flusher: flusher}, nil
}

// writeData frames one event. Each line of multi-line content gets its own
// data: prefix per the SSE spec.
func (w *Writer) writeData(event, content string) error {
	if _, err := fmt.Fprintf(w.w, "event: %s\n", event); err != nil {
		return fmt.Errorf("write event name: %w", err)
	}
	for _, line := range strings.Split(content, "\n") {
		if _, err := fmt.Fprintf(w.w, "data: %s\n", line); err != nil {
			return fmt.Errorf("write data line: %w", err)
		}
	}
	if _, err := w.w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteJSON sends a named event with a JSON payload.
func (w *Writer) WriteJSON(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return w.writeData(event, string(data))
}

// WriteText sends a named event with a literal text payload.
func (w *Writer) WriteText(ctx context.Context, event, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	return w.writeData(event, text)
}

// WriteError sends a structured error event.
func (w *Writer) WriteError(code, message string) error {
	data, err := json.Marshal(map[string]string{"code": code, "message": message})
	if err != nil {
		return fmt.Errorf("marshal error payload: %w", err)
	}
	return w.writeData("error", string(data))
}

// Comment writes an SSE comment line, usable as a keep-alive.
func (w *Writer) Comment(text string) error {
	if _, err := fmt.Fprintf(w.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	w.flusher.Flush()
	return nil
}
