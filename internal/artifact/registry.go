package artifact

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/agfin/loanproxy/internal/store"
)

// MaxOpen is the capacity of the artifact panel. Adding an artifact beyond
// this evicts the least-recently-added one.
const MaxOpen = 10

const (
	stateKey     = "artifacts"
	stateVersion = 1
)

// persistedState is the envelope payload written on every mutation.
// Full-screen state is deliberately absent: it is session-local.
type persistedState struct {
	Artifacts        []*Artifact `json:"artifacts"`
	ActiveArtifactID string      `json:"activeArtifactId,omitempty"`
}

// Registry holds the set of open artifacts, the active pointer and the
// full-screen pointer, and owns their version history.
//
// Invariants:
//   - at most MaxOpen artifacts are open
//   - activeID and fullScreenID are "" or the id of an open artifact
//   - fullScreenID, when set, equals activeID
//
// Registry is safe for concurrent use. Invalid operations (unknown ids,
// toggling full-screen with nothing active) log a warning and leave state
// unchanged; the panel must never crash on a stale id.
type Registry struct {
	// mu serializes all mutations: every update is a single-writer
	// read-compute-replace over the shared persisted state.
	mu sync.Mutex

	st     store.Store
	logger *slog.Logger

	artifacts    []*Artifact
	activeID     string
	fullScreenID string
}

// NewRegistry creates an empty registry persisting through st.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{st: st, logger: logger}
}

// Load restores persisted registry state. A missing or stale envelope is not
// an error: the registry simply starts empty.
func (r *Registry) Load(ctx context.Context) error {
	var state persistedState
	err := store.GetJSON(ctx, r.st, r.logger, stateKey, stateVersion, &state)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrVersionMismatch) {
			return nil
		}
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = state.Artifacts
	r.activeID = ""
	if r.indexOf(state.ActiveArtifactID) >= 0 {
		r.activeID = state.ActiveArtifactID
	}
	// Full-screen state is never restored.
	r.fullScreenID = ""
	return nil
}

// persist writes the current state. Persistence failures are logged, not
// propagated: losing a layout write must not break the panel.
func (r *Registry) persist(ctx context.Context) {
	state := persistedState{Artifacts: r.artifacts, ActiveArtifactID: r.activeID}
	if err := store.PutJSON(ctx, r.st, stateKey, stateVersion, state); err != nil {
		r.logger.Warn("failed to persist artifact state", "error", err)
	}
}

// indexOf returns the position of id among open artifacts, or -1.
// Caller must hold r.mu.
func (r *Registry) indexOf(id string) int {
	for i, a := range r.artifacts {
		if a.ID == id {
			return i
		}
	}
	return -1
}

// Add opens an artifact. If the id is already open the existing artifact is
// just activated; no duplicate is created. At capacity, the oldest artifact
// (index 0) is evicted first. The added artifact becomes active.
func (r *Registry) Add(ctx context.Context, a *Artifact) {
	if a == nil || a.ID == "" {
		r.logger.Warn("ignoring artifact without id")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(a.ID) >= 0 {
		r.activeID = a.ID
		r.persist(ctx)
		return
	}

	if a.Data == nil {
		a.Data = map[string]any{}
	}

	if len(r.artifacts) >= MaxOpen {
		evicted := r.artifacts[0]
		r.artifacts = r.artifacts[1:]
		if r.fullScreenID == evicted.ID {
			r.fullScreenID = ""
		}
		r.logger.Debug("evicted oldest artifact", "id", evicted.ID, "title", evicted.Title)
	}

	r.artifacts = append(r.artifacts, a)
	r.activeID = a.ID
	r.persist(ctx)
}

// Remove closes an artifact. If it was active, the active pointer moves to
// the artifact now at min(old index, new length-1), or clears when the panel
// empties. Closing the full-screen artifact clears full-screen state.
func (r *Registry) Remove(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		r.logger.Warn("cannot remove artifact: not open", "id", id)
		return
	}

	r.artifacts = append(r.artifacts[:idx], r.artifacts[idx+1:]...)

	if r.fullScreenID == id {
		r.fullScreenID = ""
	}
	if r.activeID == id {
		if len(r.artifacts) == 0 {
			r.activeID = ""
		} else {
			next := min(idx, len(r.artifacts)-1)
			r.activeID = r.artifacts[next].ID
		}
	}
	r.persist(ctx)
}

// SetActive activates an open artifact. Unknown ids warn and no-op.
func (r *Registry) SetActive(ctx context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(id) < 0 {
		r.logger.Warn("cannot activate artifact: not open", "id", id)
		return
	}
	r.activeID = id
	r.persist(ctx)
}

// Reorder re-projects the open artifacts to exactly the given id order.
// Requested ids that are not open are dropped silently, and open artifacts
// omitted from the order are closed; a count mismatch is logged. Pointers
// to a closed artifact clear.
func (r *Registry) Reorder(ctx context.Context, ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reordered := make([]*Artifact, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if idx := r.indexOf(id); idx >= 0 {
			reordered = append(reordered, r.artifacts[idx])
		}
	}

	if len(reordered) != len(r.artifacts) {
		r.logger.Warn("artifact reorder mismatch",
			"requested", len(ids),
			"open", len(r.artifacts),
			"kept", len(reordered))
	}

	r.artifacts = reordered
	if r.activeID != "" && r.indexOf(r.activeID) < 0 {
		r.activeID = ""
	}
	if r.fullScreenID != "" && r.indexOf(r.fullScreenID) < 0 {
		r.fullScreenID = ""
	}
	r.persist(ctx)
}

// EnterFullScreen puts an open artifact into full-screen mode. The target
// also becomes active, preserving the full-screen==active invariant.
func (r *Registry) EnterFullScreen(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexOf(id) < 0 {
		r.logger.Warn("cannot enter full screen: artifact not open", "id", id)
		return
	}
	r.activeID = id
	r.fullScreenID = id
}

// ExitFullScreen clears full-screen mode. Idempotent.
func (r *Registry) ExitFullScreen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fullScreenID = ""
}

// ToggleFullScreen toggles full-screen mode for the active artifact.
// Toggling on with no active artifact warns and no-ops.
func (r *Registry) ToggleFullScreen() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.fullScreenID != "" {
		r.fullScreenID = ""
		return
	}
	if r.activeID == "" {
		r.logger.Warn("cannot toggle full screen: no active artifact")
		return
	}
	r.fullScreenID = r.activeID
}

// Replace overwrites an open artifact's type, title and data in place,
// keeping its version history and panel position. Unknown ids warn and
// no-op. This does not record a version; callers snapshot explicitly.
func (r *Registry) Replace(ctx context.Context, a *Artifact) {
	if a == nil || a.ID == "" {
		r.logger.Warn("ignoring artifact replacement without id")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(a.ID)
	if idx < 0 {
		r.logger.Warn("cannot replace artifact: not open", "id", a.ID)
		return
	}

	cur := r.artifacts[idx]
	if a.Type != "" {
		cur.Type = a.Type
	}
	if a.Title != "" {
		cur.Title = a.Title
	}
	cur.Data = a.Data
	if cur.Data == nil {
		cur.Data = map[string]any{}
	}
	r.persist(ctx)
}

// SetData replaces an artifact's live data in place. Unknown ids warn and
// no-op. This does not record a version; callers snapshot explicitly.
func (r *Registry) SetData(ctx context.Context, id string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		r.logger.Warn("cannot update artifact data: not open", "id", id)
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	r.artifacts[idx].Data = data
	r.persist(ctx)
}

// Get returns the open artifact with the given id, or nil.
// The returned value must be treated as read-only; all mutations go through
// registry methods.
func (r *Registry) Get(id string) *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx := r.indexOf(id); idx >= 0 {
		return r.artifacts[idx]
	}
	return nil
}

// Artifacts returns the open artifacts in panel order.
func (r *Registry) Artifacts() []*Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Artifact, len(r.artifacts))
	copy(out, r.artifacts)
	return out
}

// Count returns the number of open artifacts.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.artifacts)
}

// ActiveID returns the active artifact id, or "".
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// FullScreenID returns the full-screen artifact id, or "".
func (r *Registry) FullScreenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullScreenID
}
