// Package session manages the conversation session list: ordering, pinning,
// archiving, the current selection, and optimistic rename/delete against the
// backend. The list itself is persisted locally so the sidebar survives a
// restart; message history lives behind the backend.
package session

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrSessionNotFound indicates the requested session does not exist.
// Checked with errors.Is.
var ErrSessionNotFound = errors.New("session not found")

// FallbackTitleLimit is the rune budget for titles derived from the first
// message when no generated title is available.
const FallbackTitleLimit = 50

// Session is one conversation in the sidebar.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	FirstMessage string    `json:"firstMessage,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// FallbackTitle derives a display title from the first user message:
// whitespace-collapsed and truncated to FallbackTitleLimit runes with an
// ellipsis. Used until the backend produces a generated title.
func FallbackTitle(firstMessage string) string {
	title := strings.Join(strings.Fields(firstMessage), " ")
	if title == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(title) <= FallbackTitleLimit {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:FallbackTitleLimit])) + "…"
}
