// Package testutil holds shared test helpers.
package testutil

import (
	"bufio"
	"encoding/json"
	"strings"
	"testing"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Type string // event: value
	Data string // data: value, multi-line joined with \n
}

// JSON decodes the event payload into out, failing the test on bad JSON.
func (e SSEEvent) JSON(t *testing.T, out any) {
	t.Helper()
	if err := json.Unmarshal([]byte(e.Data), out); err != nil {
		t.Fatalf("decode %s event payload %q: %v", e.Type, e.Data, err)
	}
}

// ParseSSEEvents parses a captured SSE response body into structured events.
// Multiple data: lines join with newline, a blank line terminates an event,
// data before an event name defaults to the "message" type, and ":" comment
// lines are skipped. Unparseable input fails the test.
func ParseSSEEvents(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var events []SSEEvent
	var current SSEEvent
	var dataLines []string

	flush := func() {
		if current.Type == "" && len(dataLines) == 0 {
			return
		}
		if current.Type == "" {
			current.Type = "message"
		}
		current.Data = strings.Join(dataLines, "\n")
		events = append(events, current)
		current = SSEEvent{}
		dataLines = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		switch {
		case text == "":
			flush()
		case strings.HasPrefix(text, "event: "):
			if current.Type != "" {
				t.Fatalf("line %d: event %q began before %q was terminated", line, text, current.Type)
			}
			current.Type = strings.TrimPrefix(text, "event: ")
		case strings.HasPrefix(text, "data: "):
			dataLines = append(dataLines, strings.TrimPrefix(text, "data: "))
		case text == "data:":
			dataLines = append(dataLines, "")
		case strings.HasPrefix(text, ":"):
			// comment
		default:
			t.Fatalf("line %d: unexpected SSE line %q", line, text)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan SSE body: %v", err)
	}
	if current.Type != "" {
		t.Fatalf("stream ended with unterminated event %q", current.Type)
	}
	return events
}

// FindEvent returns the first event of the given type, or nil.
func FindEvent(events []SSEEvent, eventType string) *SSEEvent {
	for i := range events {
		if events[i].Type == eventType {
			return &events[i]
		}
	}
	return nil
}

// FindAllEvents returns every event of the given type.
func FindAllEvents(events []SSEEvent, eventType string) []SSEEvent {
	var found []SSEEvent
	for _, e := range events {
		if e.Type == eventType {
			found = append(found, e)
		}
	}
	return found
}
