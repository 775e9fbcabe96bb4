package chat

import (
	"context"
	"fmt"
	"log/slog"
)

// Backend persists message edits and triggers regeneration. The BaaS client
// satisfies this in production.
type Backend interface {
	UpdateMessage(ctx context.Context, sessionID, messageID, content string) error
	RegenerateMessage(ctx context.Context, sessionID, messageID string) error
}

// StreamGuard reports whether a response stream is currently live.
// The streaming channel satisfies this.
type StreamGuard interface {
	Streaming() bool
}

// Editor performs edit and regenerate operations on one session's thread.
type Editor struct {
	backend   Backend
	guard     StreamGuard
	thread    *Thread
	sessionID string
	logger    *slog.Logger
}

// NewEditor creates an Editor bound to one session.
func NewEditor(backend Backend, guard StreamGuard, thread *Thread, sessionID string, logger *slog.Logger) *Editor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Editor{
		backend:   backend,
		guard:     guard,
		thread:    thread,
		sessionID: sessionID,
		logger:    logger,
	}
}

// Save persists an edited message. The thread is updated immediately; a
// failed persist rolls the content back. The conversation after the message
// is untouched.
func (e *Editor) Save(ctx context.Context, messageID, content string) error {
	if e.guard.Streaming() {
		return ErrStreamInFlight
	}

	ed, err := applyEdit(e.thread, messageID, content)
	if err != nil {
		return err
	}

	if err := e.backend.UpdateMessage(ctx, e.sessionID, messageID, content); err != nil {
		ed.rollback()
		e.logger.Warn("message edit persist failed",
			"session_id", e.sessionID,
			"message_id", messageID,
			"error", err)
		return fmt.Errorf("persist edit: %w", err)
	}
	ed.commit()
	return nil
}

// SaveAndRegenerate persists the edit, then requests a fresh response keyed
// by the edited message. Nothing is regenerated if the persist fails.
func (e *Editor) SaveAndRegenerate(ctx context.Context, messageID, content string) error {
	if err := e.Save(ctx, messageID, content); err != nil {
		return err
	}
	if err := e.backend.RegenerateMessage(ctx, e.sessionID, messageID); err != nil {
		return fmt.Errorf("regenerate after edit: %w", err)
	}
	return nil
}

// RegenerateLast requests a fresh response for the most recent assistant
// message. Only the latest message qualifies, and only once its stream has
// completed.
func (e *Editor) RegenerateLast(ctx context.Context) error {
	if e.guard.Streaming() {
		return ErrStreamInFlight
	}

	last := e.thread.Last()
	if last == nil || last.Role != RoleAssistant || last.IsStreaming {
		return ErrNotRegenerable
	}

	if err := e.backend.RegenerateMessage(ctx, e.sessionID, last.ID); err != nil {
		return fmt.Errorf("regenerate: %w", err)
	}
	return nil
}
