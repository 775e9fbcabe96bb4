package artifact

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateVersion_Monotonic(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, testArtifact("a1"))

	v1 := r.CreateVersion(ctx, "a1", "init", SourceProxyEntered)
	require.NotNil(t, v1)
	v2 := r.CreateVersion(ctx, "a1", "edit", SourceProxyEdited)
	require.NotNil(t, v2)

	assert.Equal(t, 1, v1.Number)
	assert.Equal(t, 2, v2.Number)

	a := r.Get("a1")
	assert.Equal(t, 2, a.CurrentVersion)
	assert.Len(t, a.Versions, a.CurrentVersion)
}

func TestCreateVersion_SnapshotDoesNotAliasLiveData(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, testArtifact("a1"))
	v := r.CreateVersion(ctx, "a1", "init", SourceProxyEntered)
	require.NotNil(t, v)

	r.SetData(ctx, "a1", map[string]any{"applicant_first_name": "Jane"})

	assert.Equal(t, "John", v.Snapshot["applicant_first_name"],
		"snapshot must be a deep copy, not a reference to live data")
}

func TestCreateVersion_UnknownArtifact(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Nil(t, r.CreateVersion(context.Background(), "ghost", "init", SourceProxyEntered))
}

func TestRestoreVersion_PreservesHistory(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, testArtifact("a1"))

	v1 := r.CreateVersion(ctx, "a1", "init", SourceProxyEntered)
	r.SetData(ctx, "a1", map[string]any{"applicant_first_name": "Jane"})
	r.CreateVersion(ctx, "a1", "edit 1", SourceProxyEdited)
	r.SetData(ctx, "a1", map[string]any{"applicant_first_name": "Janet"})
	r.CreateVersion(ctx, "a1", "edit 2", SourceProxyEdited)

	r.RestoreVersion(ctx, "a1", v1.ID)

	a := r.Get("a1")
	require.Equal(t, 4, a.CurrentVersion, "restore appends, never rewinds")
	assert.Equal(t, "John", a.Data["applicant_first_name"])

	latest := a.Versions[3]
	assert.Equal(t, "Restored from version 1", latest.ChangeDescription)
	assert.Equal(t, SourceProxyEdited, latest.Source)

	// All earlier versions remain retrievable.
	for i, v := range a.Versions {
		assert.Equal(t, i+1, v.Number)
	}
}

func TestRestoreVersion_UnknownIsSilentNoOp(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, testArtifact("a1"))
	r.CreateVersion(ctx, "a1", "init", SourceProxyEntered)

	r.RestoreVersion(ctx, "a1", "no-such-version")
	r.RestoreVersion(ctx, "ghost", "whatever")

	a := r.Get("a1")
	assert.Equal(t, 1, a.CurrentVersion)
	assert.Equal(t, "John", a.Data["applicant_first_name"])
}

func TestCompareVersions_Scenario(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, &Artifact{
		ID:    "a1",
		Type:  TypeModuleM1,
		Title: "Identity",
		Data:  map[string]any{"applicant_first_name": "John"},
	})

	v1 := r.CreateVersion(ctx, "a1", "init", SourceProxyEntered)
	r.SetData(ctx, "a1", map[string]any{"applicant_first_name": "Jane"})
	v2 := r.CreateVersion(ctx, "a1", "edited", SourceProxyEdited)

	diff := r.CompareVersions("a1", v1.ID, v2.ID)
	require.NotNil(t, diff)

	assert.Empty(t, diff.Added)
	assert.Empty(t, diff.Removed)
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, "applicant_first_name", diff.Changed[0].Field)
	assert.Equal(t, "John", diff.Changed[0].OldValue)
	assert.Equal(t, "Jane", diff.Changed[0].NewValue)
}

func TestCompareVersions_AddedRemoved(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, &Artifact{ID: "a1", Type: TypeModuleM2, Title: "Lands",
		Data: map[string]any{"parcel_id": "P-1", "acreage": 120}})
	v1 := r.CreateVersion(ctx, "a1", "", SourceProxyEntered)

	r.SetData(ctx, "a1", map[string]any{"parcel_id": "P-1", "county": "Linn"})
	v2 := r.CreateVersion(ctx, "a1", "", SourceProxyEdited)

	diff := r.CompareVersions("a1", v1.ID, v2.ID)
	require.NotNil(t, diff)
	assert.Equal(t, []string{"county"}, diff.Added)
	assert.Equal(t, []string{"acreage"}, diff.Removed)
	assert.Empty(t, diff.Changed)
}

func TestCompareVersions_Symmetry(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, &Artifact{ID: "a1", Type: TypeModuleM3, Title: "Financial",
		Data: map[string]any{"total_revenue": "100000", "tax_year": "2023"}})
	v1 := r.CreateVersion(ctx, "a1", "", SourceProxyEntered)

	r.SetData(ctx, "a1", map[string]any{"total_revenue": "120000", "lender": "AgBank"})
	v2 := r.CreateVersion(ctx, "a1", "", SourceProxyEdited)

	forward := r.CompareVersions("a1", v1.ID, v2.ID)
	backward := r.CompareVersions("a1", v2.ID, v1.ID)
	require.NotNil(t, forward)
	require.NotNil(t, backward)

	assert.Equal(t, forward.Added, backward.Removed)
	assert.Equal(t, forward.Removed, backward.Added)

	require.Len(t, backward.Changed, len(forward.Changed))
	for i, fc := range forward.Changed {
		bc := backward.Changed[i]
		assert.Equal(t, fc.Field, bc.Field)
		assert.True(t, cmp.Equal(fc.OldValue, bc.NewValue), cmp.Diff(fc.OldValue, bc.NewValue))
		assert.True(t, cmp.Equal(fc.NewValue, bc.OldValue), cmp.Diff(fc.NewValue, bc.OldValue))
	}
}

func TestCompareVersions_MissingReturnsNil(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, testArtifact("a1"))
	v1 := r.CreateVersion(ctx, "a1", "", SourceProxyEntered)

	assert.Nil(t, r.CompareVersions("a1", v1.ID, "ghost"))
	assert.Nil(t, r.CompareVersions("ghost", v1.ID, v1.ID))
}

func TestHistory_NewestFirst(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Add(ctx, testArtifact("a1"))
	r.CreateVersion(ctx, "a1", "first", SourceProxyEntered)
	r.CreateVersion(ctx, "a1", "second", SourceProxyEdited)
	r.CreateVersion(ctx, "a1", "third", SourceProxyEdited)

	history := r.History("a1")
	require.Len(t, history, 3)
	assert.Equal(t, 3, history[0].Number)
	assert.Equal(t, 1, history[2].Number)

	// Storage order stays chronological.
	a := r.Get("a1")
	assert.Equal(t, 1, a.Versions[0].Number)
}
