package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agfin/loanproxy/internal/store"
)

const (
	stateKey     = "sessions"
	stateVersion = 1
)

// Backend mutates sessions on the system of record. The BaaS client
// satisfies this.
type Backend interface {
	RenameSession(ctx context.Context, id, title string) error
	DeleteSession(ctx context.Context, id string) error
}

// persistedState is the envelope body written through internal/store.
// The pinned and archived sets are stored as id arrays and rebuilt on load.
type persistedState struct {
	Sessions  []*Session `json:"sessions"`
	Pinned    []string   `json:"pinnedSessionIds"`
	Archived  []string   `json:"archivedSessionIds"`
	CurrentID string     `json:"currentSessionId"`
}

// Store holds the session list, newest first.
type Store struct {
	mu       sync.Mutex
	st       store.Store
	backend  Backend
	logger   *slog.Logger
	sessions []*Session
	pinned   map[string]bool
	archived map[string]bool
	current  string
}

// NewStore creates a session store persisted through st.
func NewStore(st store.Store, backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		st:       st,
		backend:  backend,
		logger:   logger,
		pinned:   make(map[string]bool),
		archived: make(map[string]bool),
	}
}

// Load restores the persisted session list. Missing or stale state is not
// an error; the list starts empty.
func (s *Store) Load(ctx context.Context) error {
	var state persistedState
	err := store.GetJSON(ctx, s.st, s.logger, stateKey, stateVersion, &state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionMismatch) {
			return nil
		}
		return fmt.Errorf("load sessions: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = state.Sessions
	s.current = state.CurrentID
	s.pinned = make(map[string]bool, len(state.Pinned))
	for _, id := range state.Pinned {
		s.pinned[id] = true
	}
	s.archived = make(map[string]bool, len(state.Archived))
	for _, id := range state.Archived {
		s.archived[id] = true
	}
	return nil
}

// persist writes the current state. Failures are logged, not fatal: the
// in-memory list remains authoritative for this run.
// Callers hold s.mu.
func (s *Store) persist(ctx context.Context) {
	state := persistedState{
		Sessions:  s.sessions,
		Pinned:    make([]string, 0, len(s.pinned)),
		Archived:  make([]string, 0, len(s.archived)),
		CurrentID: s.current,
	}
	for _, sess := range s.sessions {
		if s.pinned[sess.ID] {
			state.Pinned = append(state.Pinned, sess.ID)
		}
		if s.archived[sess.ID] {
			state.Archived = append(state.Archived, sess.ID)
		}
	}
	if err := store.PutJSON(ctx, s.st, stateKey, stateVersion, state); err != nil {
		s.logger.Warn("persist sessions", "error", err)
	}
}

// Add prepends a session to the list and selects it. An empty title falls
// back to one derived from the first message.
func (s *Store) Add(ctx context.Context, sess *Session) {
	if sess.Title == "" {
		sess.Title = FallbackTitle(sess.FirstMessage)
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	sess.UpdatedAt = sess.CreatedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = append([]*Session{sess}, s.sessions...)
	s.current = sess.ID
	s.persist(ctx)
}

// Get returns the session with the given id, or nil.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, sess := s.find(id)
	return sess
}

// Sessions returns all sessions in list order. The slice is a copy.
func (s *Store) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}

// Page returns a window of the non-archived sessions with pinned ones
// first, plus the total count of that ordering. A limit of 0 means all.
func (s *Store) Page(offset, limit int) ([]*Session, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordered := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if s.pinned[sess.ID] {
			ordered = append(ordered, sess)
		}
	}
	for _, sess := range s.sessions {
		if !s.pinned[sess.ID] && !s.archived[sess.ID] {
			ordered = append(ordered, sess)
		}
	}

	total := len(ordered)
	if offset >= total {
		return nil, total
	}
	ordered = ordered[offset:]
	if limit > 0 && limit < len(ordered) {
		ordered = ordered[:limit]
	}
	return append([]*Session(nil), ordered...), total
}

// Archived returns the archived sessions in list order.
func (s *Store) Archived() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.archived))
	for _, sess := range s.sessions {
		if s.archived[sess.ID] {
			out = append(out, sess)
		}
	}
	return out
}

// Current returns the selected session id, or "".
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetCurrent selects a session. Unknown ids are ignored with a warning.
func (s *Store) SetCurrent(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, sess := s.find(id); sess == nil {
		s.logger.Warn("select unknown session", "session_id", id)
		return
	}
	s.current = id
	s.persist(ctx)
}

// Pin marks a session pinned. Pinning lifts an archive: the two states are
// mutually exclusive.
func (s *Store) Pin(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, s.pinned, s.archived, true)
}

// Unpin clears the pinned mark.
func (s *Store) Unpin(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, s.pinned, nil, false)
}

// Archive moves a session out of the main list. Archiving unpins.
func (s *Store) Archive(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, s.archived, s.pinned, true)
}

// Unarchive returns a session to the main list.
func (s *Store) Unarchive(ctx context.Context, id string) error {
	return s.setFlag(ctx, id, s.archived, nil, false)
}

// IsPinned reports whether the session is pinned.
func (s *Store) IsPinned(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[id]
}

// IsArchived reports whether the session is archived.
func (s *Store) IsArchived(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.archived[id]
}

func (s *Store) setFlag(ctx context.Context, id string, set, opposite map[string]bool, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, sess := s.find(id); sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if on {
		set[id] = true
		if opposite != nil {
			delete(opposite, id)
		}
	} else {
		delete(set, id)
	}
	s.persist(ctx)
	return nil
}

// Rename updates the title optimistically and rolls back if the backend
// rejects it.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	s.mu.Lock()
	_, sess := s.find(id)
	if sess == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	previous := sess.Title
	sess.Title = title
	sess.UpdatedAt = time.Now()
	s.mu.Unlock()

	if err := s.backend.RenameSession(ctx, id, title); err != nil {
		s.mu.Lock()
		if _, cur := s.find(id); cur != nil {
			cur.Title = previous
		}
		s.mu.Unlock()
		s.logger.Warn("session rename failed", "session_id", id, "error", err)
		return fmt.Errorf("rename session: %w", err)
	}

	s.mu.Lock()
	s.persist(ctx)
	s.mu.Unlock()
	return nil
}

// Delete removes the session optimistically and reinserts it at its old
// position if the backend rejects the deletion. Deleting the current
// session clears the selection.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	idx, sess := s.find(id)
	if sess == nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	wasPinned, wasArchived, wasCurrent := s.pinned[id], s.archived[id], s.current == id
	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	delete(s.pinned, id)
	delete(s.archived, id)
	if wasCurrent {
		s.current = ""
	}
	s.mu.Unlock()

	if err := s.backend.DeleteSession(ctx, id); err != nil {
		s.mu.Lock()
		if idx > len(s.sessions) {
			idx = len(s.sessions)
		}
		s.sessions = append(s.sessions[:idx], append([]*Session{sess}, s.sessions[idx:]...)...)
		if wasPinned {
			s.pinned[id] = true
		}
		if wasArchived {
			s.archived[id] = true
		}
		if wasCurrent {
			s.current = id
		}
		s.mu.Unlock()
		s.logger.Warn("session delete failed", "session_id", id, "error", err)
		return fmt.Errorf("delete session: %w", err)
	}

	s.mu.Lock()
	s.persist(ctx)
	s.mu.Unlock()
	return nil
}

// find returns the index and session for id. Callers hold s.mu.
func (s *Store) find(id string) (int, *Session) {
	for i, sess := range s.sessions {
		if sess.ID == id {
			return i, sess
		}
	}
	return -1, nil
}
