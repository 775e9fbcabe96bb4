package modfield

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agfin/loanproxy/internal/log"
)

type savedField struct {
	module  int
	fieldID string
	value   any
	source  Source
}

type fakeSaver struct {
	mu    sync.Mutex
	calls []savedField
	err   error
	block chan struct{} // when non-nil, SaveField waits until closed
}

func (s *fakeSaver) SaveField(_ context.Context, module int, fieldID string, value any, source Source) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, savedField{module, fieldID, value, source})
	return nil
}

func (s *fakeSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeSaver) last() savedField {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

const testDebounce = 20 * time.Millisecond

func newTestEngine(t *testing.T) (*Engine, *fakeSaver) {
	t.Helper()
	saver := &fakeSaver{}
	return NewEngine(3, saver, testDebounce, log.NewNop()), saver
}

func TestBlur_DebouncedSave(t *testing.T) {
	e, saver := newTestEngine(t)

	e.SetValue("total_revenue", "120000")
	assert.True(t, e.State("total_revenue").Dirty)
	require.Zero(t, saver.count(), "no save before the debounce fires")

	e.Blur("total_revenue")
	assert.True(t, e.State("total_revenue").Touched)

	require.Eventually(t, func() bool { return saver.count() == 1 },
		time.Second, 5*time.Millisecond)

	call := saver.last()
	assert.Equal(t, 3, call.module)
	assert.Equal(t, "120000", call.value)
	assert.Equal(t, SourceProxyEntered, call.source, "first save of a field is an entry")

	st := e.State("total_revenue")
	assert.False(t, st.Dirty)
	assert.False(t, st.Saving)
	assert.NoError(t, st.Err)
	assert.False(t, st.LastSaved.IsZero())
}

func TestBlur_RepeatedBlursCollapseToOneSave(t *testing.T) {
	e, saver := newTestEngine(t)

	e.SetValue("tax_year", "2023")
	e.Blur("tax_year")
	e.Blur("tax_year")
	e.Blur("tax_year")

	time.Sleep(4 * testDebounce)
	assert.Equal(t, 1, saver.count(), "re-blurs restart the window instead of stacking saves")
}

func TestBlur_CleanFieldSchedulesNothing(t *testing.T) {
	e, saver := newTestEngine(t)

	e.Blur("untouched_field")
	time.Sleep(2 * testDebounce)

	assert.Zero(t, saver.count())
	assert.True(t, e.State("untouched_field").Touched)
}

func TestCommit_SecondSaveIsAnEdit(t *testing.T) {
	e, saver := newTestEngine(t)
	ctx := context.Background()

	e.SetValue("lender", "AgBank")
	require.NoError(t, e.Commit(ctx, "lender"))
	e.SetValue("lender", "Farm Credit")
	require.NoError(t, e.Commit(ctx, "lender"))

	require.Equal(t, 2, saver.count())
	assert.Equal(t, SourceProxyEdited, saver.last().source)
}

func TestCommit_ValidationFailureNeverReachesNetwork(t *testing.T) {
	e, saver := newTestEngine(t)
	require.NoError(t, e.WithSchema("acreage", &jsonschema.Schema{Type: "number"}))

	e.SetValue("acreage", "not a number")
	err := e.Commit(context.Background(), "acreage")

	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, saver.count())

	st := e.State("acreage")
	assert.True(t, st.Dirty, "invalid value stays dirty until corrected")
	assert.Error(t, st.Err)

	v, _ := e.Value("acreage")
	assert.Equal(t, "not a number", v, "local value is kept for the user to fix")
}

func TestCommit_NetworkFailureKeepsValueAndDoesNotRetry(t *testing.T) {
	e, saver := newTestEngine(t)
	saver.err = errors.New("503 service unavailable")

	e.SetValue("total_revenue", "120000")
	e.Blur("total_revenue")

	require.Eventually(t, func() bool { return e.State("total_revenue").Err != nil },
		time.Second, 5*time.Millisecond)

	st := e.State("total_revenue")
	assert.True(t, st.Dirty)
	assert.False(t, st.Saving)

	v, _ := e.Value("total_revenue")
	assert.Equal(t, "120000", v)

	// No automatic retry: the field waits for the next blur or save-all.
	time.Sleep(3 * testDebounce)
	assert.Zero(t, saver.count())
}

func TestSaveAll_FieldsSucceedAndFailIndependently(t *testing.T) {
	e, saver := newTestEngine(t)
	require.NoError(t, e.WithSchema("acreage", &jsonschema.Schema{Type: "number"}))

	e.SetValue("total_revenue", "120000")
	e.SetValue("tax_year", "2023")
	e.SetValue("acreage", "not a number")

	results := e.SaveAll(context.Background())

	require.Len(t, results, 3)
	assert.NoError(t, results["total_revenue"])
	assert.NoError(t, results["tax_year"])
	assert.ErrorIs(t, results["acreage"], ErrValidation)

	assert.Equal(t, 2, saver.count())
	assert.False(t, e.State("total_revenue").Dirty)
	assert.True(t, e.State("acreage").Dirty)
}

// A save response must never overwrite a value the user edited while the
// request was in flight: the newer edit wins and stays queued.
func TestCommit_LastEditWins(t *testing.T) {
	saver := &fakeSaver{block: make(chan struct{})}
	e := NewEngine(3, saver, testDebounce, log.NewNop())

	e.SetValue("total_revenue", "120000")

	done := make(chan error, 1)
	go func() { done <- e.Commit(context.Background(), "total_revenue") }()

	require.Eventually(t, func() bool { return e.State("total_revenue").Saving },
		time.Second, time.Millisecond)

	// User keeps typing while the save is on the wire.
	e.SetValue("total_revenue", "125000")

	close(saver.block)
	require.NoError(t, <-done)

	v, _ := e.Value("total_revenue")
	assert.Equal(t, "125000", v)
	assert.True(t, e.State("total_revenue").Dirty, "the newer edit remains queued")

	require.NoError(t, e.Commit(context.Background(), "total_revenue"))
	assert.Equal(t, "125000", saver.last().value)
	assert.False(t, e.State("total_revenue").Dirty)
}

func TestResetWith_CancelsPendingSaves(t *testing.T) {
	e, saver := newTestEngine(t)

	e.SetValue("total_revenue", "120000")
	e.Blur("total_revenue")

	e.ResetWith(map[string]any{"total_revenue": "90000", "tax_year": "2022"})

	time.Sleep(3 * testDebounce)
	assert.Zero(t, saver.count(), "loading new module data discards queued saves")

	v, _ := e.Value("total_revenue")
	assert.Equal(t, "90000", v)
	assert.Empty(t, e.Dirty())

	// Fields seeded by a reset count as already persisted.
	e.SetValue("total_revenue", "95000")
	require.NoError(t, e.Commit(context.Background(), "total_revenue"))
	assert.Equal(t, SourceProxyEdited, saver.last().source)
}
