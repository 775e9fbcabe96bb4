// Package chat holds the conversation thread and the edit/regenerate
// operations on it. Edits are applied optimistically so the UI updates
// immediately, then committed or rolled back on the persistence result.
package chat

import (
	"errors"
	"sync"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

var (
	// ErrMessageNotFound is returned for operations on unknown message ids.
	ErrMessageNotFound = errors.New("message not found")

	// ErrStreamInFlight rejects edits and regeneration while a response is
	// still streaming for the session.
	ErrStreamInFlight = errors.New("a response is still streaming")

	// ErrNotRegenerable rejects regeneration of anything but the most
	// recent completed assistant message.
	ErrNotRegenerable = errors.New("only the latest assistant message can be regenerated")
)

// Message is one entry in the conversation.
type Message struct {
	ID          string    `json:"id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
	IsStreaming bool      `json:"isStreaming"`
}

// Thread is the ordered conversation history for one session.
//
// The thread owns its messages: Append stores a copy, and every accessor
// returns copies, so all mutation goes through thread methods under the
// lock. Callers must never hold a message across a mutation and expect it
// to stay current.
type Thread struct {
	mu       sync.Mutex
	messages []*Message
}

// NewThread returns an empty thread.
func NewThread() *Thread {
	return &Thread{}
}

// Append adds a copy of the message to the end of the thread.
func (t *Thread) Append(m *Message) {
	c := *m
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, &c)
}

// AppendText is a convenience for appending a completed message.
func (t *Thread) AppendText(id string, role Role, content string) {
	t.Append(&Message{ID: id, Role: role, Content: content, CreatedAt: time.Now()})
}

// Get returns a copy of the message with the given id, or nil.
func (t *Thread) Get(id string) *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.find(id)
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Last returns a copy of the most recent message, or nil for an empty thread.
func (t *Thread) Last() *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return nil
	}
	c := *t.messages[len(t.messages)-1]
	return &c
}

// Messages returns a copy of the thread in order.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = *m
	}
	return out
}

// Len returns the number of messages.
func (t *Thread) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// SetContent replaces a message's content. Returns false for unknown ids.
func (t *Thread) SetContent(id, content string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.find(id)
	if m == nil {
		return false
	}
	m.Content = content
	return true
}

// SetStreaming flips a message's streaming flag. Returns false for unknown
// ids.
func (t *Thread) SetStreaming(id string, streaming bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.find(id)
	if m == nil {
		return false
	}
	m.IsStreaming = streaming
	return true
}

func (t *Thread) find(id string) *Message {
	for _, m := range t.messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// edit is an optimistic content change: applied to the thread immediately,
// then either committed (kept) or rolled back to the prior content.
type edit struct {
	thread   *Thread
	id       string
	previous string
	done     bool
}

// applyEdit swaps in the new content and remembers the old. Returns
// ErrMessageNotFound for unknown ids.
func applyEdit(t *Thread, id, content string) (*edit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.find(id)
	if m == nil {
		return nil, ErrMessageNotFound
	}
	e := &edit{thread: t, id: id, previous: m.Content}
	m.Content = content
	return e, nil
}

// commit keeps the applied content.
func (e *edit) commit() {
	e.done = true
}

// rollback restores the prior content unless the edit was committed.
func (e *edit) rollback() {
	if e.done {
		return
	}
	e.done = true
	e.thread.SetContent(e.id, e.previous)
}
