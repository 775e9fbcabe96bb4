package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// FieldChange describes one field whose value differs between two versions.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

// Diff is the structural comparison of two version snapshots, keyed by the
// snapshots' top-level fields.
type Diff struct {
	Added   []string      `json:"added"`
	Removed []string      `json:"removed"`
	Changed []FieldChange `json:"changed"`
}

// CreateVersion appends a snapshot of the artifact's current data to its
// history. Version numbers are 1-based and strictly increasing; the
// artifact's current version advances with the append.
//
// Returns the created version, or nil when the artifact is not open
// (logged, state unchanged).
func (r *Registry) CreateVersion(ctx context.Context, id, changeDescription string, source Source) *Version {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		r.logger.Warn("cannot create version: artifact not open", "id", id)
		return nil
	}
	a := r.artifacts[idx]

	snapshot, err := cloneObject(a.Data)
	if err != nil {
		r.logger.Warn("cannot create version: snapshot failed", "id", id, "error", err)
		return nil
	}

	v := &Version{
		ID:                uuid.NewString(),
		Number:            len(a.Versions) + 1,
		CreatedAt:         time.Now().UTC(),
		ChangeDescription: changeDescription,
		Source:            source,
		Snapshot:          snapshot,
	}
	a.Versions = append(a.Versions, v)
	a.CurrentVersion = v.Number

	r.persist(ctx)
	r.logger.Debug("created artifact version",
		"id", id,
		"version", v.Number,
		"source", source)
	return v
}

// RestoreVersion writes a past version's snapshot into the artifact's live
// data and appends a new version recording the restore, preserving the full
// audit trail. Unknown artifact or version ids are a silent no-op.
func (r *Registry) RestoreVersion(ctx context.Context, id, versionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return
	}
	a := r.artifacts[idx]

	target := findVersion(a, versionID)
	if target == nil {
		return
	}

	restored, err := cloneObject(target.Snapshot)
	if err != nil {
		r.logger.Warn("cannot restore version: snapshot copy failed", "id", id, "error", err)
		return
	}
	a.Data = restored

	snapshot, err := cloneObject(target.Snapshot)
	if err != nil {
		r.logger.Warn("cannot restore version: snapshot copy failed", "id", id, "error", err)
		return
	}

	v := &Version{
		ID:                uuid.NewString(),
		Number:            len(a.Versions) + 1,
		CreatedAt:         time.Now().UTC(),
		ChangeDescription: fmt.Sprintf("Restored from version %d", target.Number),
		Source:            SourceProxyEdited,
		Snapshot:          snapshot,
	}
	a.Versions = append(a.Versions, v)
	a.CurrentVersion = v.Number

	r.persist(ctx)
	r.logger.Debug("restored artifact version",
		"id", id,
		"from_version", target.Number,
		"new_version", v.Number)
}

// CompareVersions diffs two snapshots of one artifact over their top-level
// keys. Values are compared by JSON serialization, not reference. Returns
// nil when the artifact or either version is missing.
func (r *Registry) CompareVersions(id, versionA, versionB string) *Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return nil
	}
	a := r.artifacts[idx]

	va := findVersion(a, versionA)
	vb := findVersion(a, versionB)
	if va == nil || vb == nil {
		return nil
	}

	diff := &Diff{Added: []string{}, Removed: []string{}, Changed: []FieldChange{}}

	for key, newVal := range vb.Snapshot {
		oldVal, ok := va.Snapshot[key]
		if !ok {
			diff.Added = append(diff.Added, key)
			continue
		}
		if !jsonEqual(oldVal, newVal) {
			diff.Changed = append(diff.Changed, FieldChange{
				Field:    key,
				OldValue: oldVal,
				NewValue: newVal,
			})
		}
	}
	for key := range va.Snapshot {
		if _, ok := vb.Snapshot[key]; !ok {
			diff.Removed = append(diff.Removed, key)
		}
	}

	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool {
		return diff.Changed[i].Field < diff.Changed[j].Field
	})
	return diff
}

// History returns an artifact's versions newest-first for display.
// Storage order stays chronological; this is a projection.
func (r *Registry) History(id string) []*Version {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return nil
	}
	versions := r.artifacts[idx].Versions
	out := make([]*Version, len(versions))
	for i, v := range versions {
		out[len(versions)-1-i] = v
	}
	return out
}

// findVersion locates a version by id. Caller must hold r.mu.
func findVersion(a *Artifact, versionID string) *Version {
	for _, v := range a.Versions {
		if v.ID == versionID {
			return v
		}
	}
	return nil
}

// jsonEqual compares two values by their JSON serialization. Snapshots come
// from JSON round-trips, so serialization equality is structural equality.
func jsonEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}
