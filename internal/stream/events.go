package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// EventType enumerates the structured events the AI service emits on the
// chat stream. This vocabulary is the wire contract: anything else on the
// stream is ignored.
type EventType string

const (
	// EventStart signals the model began responding. Resets the retry counter.
	EventStart EventType = "start"

	// EventToken carries one token of response text.
	EventToken EventType = "token"

	// EventEnd signals the response completed normally.
	EventEnd EventType = "end"

	// EventError signals an explicit server-side failure. Terminal: a
	// server that said "error" is not retried, unlike a dropped connection.
	EventError EventType = "error"
)

// Event is one parsed server-sent event.
type Event struct {
	Type EventType
	Data string
}

// TokenText extracts the token payload. The service sends literal token
// text; a JSON {"text": ...} object is also accepted for compatibility with
// older service builds.
func (e Event) TokenText() string {
	if strings.HasPrefix(e.Data, "{") {
		var payload struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal([]byte(e.Data), &payload); err == nil && payload.Text != "" {
			return payload.Text
		}
	}
	return e.Data
}

// ErrorMessage extracts the error payload, accepting either literal text or
// a JSON {"error": ...} object.
func (e Event) ErrorMessage() string {
	if strings.HasPrefix(e.Data, "{") {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal([]byte(e.Data), &payload); err == nil {
			if payload.Error != "" {
				return payload.Error
			}
			if payload.Message != "" {
				return payload.Message
			}
		}
	}
	return e.Data
}

// readEvents parses an SSE body and delivers each structured event to emit.
// Multiple data: lines are joined with newline per the SSE spec; comment
// lines starting with ":" are skipped. Returns nil on clean EOF; a read
// error mid-stream is a transport failure the caller may retry.
func readEvents(r io.Reader, emit func(Event) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string

	flush := func() bool {
		if eventType == "" && len(dataLines) == 0 {
			return true
		}
		if eventType == "" {
			eventType = "message" // SSE default event type
		}
		ev := Event{Type: EventType(eventType), Data: strings.Join(dataLines, "\n")}
		eventType = ""
		dataLines = nil
		return emit(ev)
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return nil
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	flush()
	return nil
}
