// Package modfield autosaves certification module form fields. Each field
// tracks its own dirty/saving/error state; blurring a field schedules a
// debounced save, and rapid re-blurs collapse into a single request.
// Validation failures never reach the network, and network failures never
// lose the locally edited value.
package modfield

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Source classifies who produced a field value when it is persisted.
type Source string

const (
	SourceAIExtracted     Source = "ai_extracted"
	SourceProxyEntered    Source = "proxy_entered"
	SourceProxyEdited     Source = "proxy_edited"
	SourceAuditorVerified Source = "auditor_verified"
)

// ErrValidation wraps schema validation failures. Values that fail
// validation stay dirty and are never sent to the backend.
var ErrValidation = errors.New("field validation failed")

// Saver persists one field value. The BaaS client satisfies this.
type Saver interface {
	SaveField(ctx context.Context, module int, fieldID string, value any, source Source) error
}

// FieldState is the per-field autosave status.
type FieldState struct {
	Dirty     bool
	Saving    bool
	Touched   bool
	Err       error
	LastSaved time.Time
}

// Engine manages autosave for the fields of one certification module.
type Engine struct {
	module   int
	saver    Saver
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	values  map[string]any
	pending map[string]any
	states  map[string]*FieldState
	timers  map[string]*time.Timer
	schemas map[string]*jsonschema.Resolved
	saved   map[string]bool
}

// NewEngine creates an Engine for the given module number.
func NewEngine(module int, saver Saver, debounce time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Engine{
		module:   module,
		saver:    saver,
		debounce: debounce,
		logger:   logger,
		values:   make(map[string]any),
		pending:  make(map[string]any),
		states:   make(map[string]*FieldState),
		timers:   make(map[string]*time.Timer),
		schemas:  make(map[string]*jsonschema.Resolved),
		saved:    make(map[string]bool),
	}
}

// WithSchema attaches a JSON schema to a field. Values failing it are held
// locally with a validation error instead of being saved.
func (e *Engine) WithSchema(fieldID string, schema *jsonschema.Schema) error {
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("resolve schema for %s: %w", fieldID, err)
	}
	e.mu.Lock()
	e.schemas[fieldID] = resolved
	e.mu.Unlock()
	return nil
}

// SetValue records a local edit. The value is stored immediately, the field
// becomes dirty, and any prior error is cleared pending the next save.
func (e *Engine) SetValue(fieldID string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.values[fieldID] = value
	e.pending[fieldID] = value
	st := e.state(fieldID)
	st.Dirty = true
	st.Err = nil
}

// Blur marks the field touched and schedules a debounced save. A blur while
// a save is already scheduled replaces the timer, so the debounce window
// restarts and only one save fires.
func (e *Engine) Blur(fieldID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(fieldID).Touched = true
	if _, ok := e.pending[fieldID]; !ok {
		return
	}
	if t := e.timers[fieldID]; t != nil {
		t.Stop()
	}
	e.timers[fieldID] = time.AfterFunc(e.debounce, func() {
		// Errors are recorded on the field state; nothing to return to.
		_ = e.Commit(context.Background(), fieldID)
	})
}

// Commit saves the pending value for one field immediately. Validation
// failures set Err and keep the field dirty without touching the network.
// A network failure keeps the field dirty with the local value intact; no
// automatic retry is scheduled. A field whose value was edited again while
// the save was in flight stays dirty (the newer edit wins).
func (e *Engine) Commit(ctx context.Context, fieldID string) error {
	e.mu.Lock()
	if t := e.timers[fieldID]; t != nil {
		t.Stop()
		delete(e.timers, fieldID)
	}
	value, ok := e.pending[fieldID]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	st := e.state(fieldID)

	if resolved := e.schemas[fieldID]; resolved != nil {
		if err := resolved.Validate(value); err != nil {
			st.Err = fmt.Errorf("%w: %v", ErrValidation, err)
			e.mu.Unlock()
			return st.Err
		}
	}

	st.Saving = true
	st.Err = nil
	source := SourceProxyEntered
	if e.saved[fieldID] {
		source = SourceProxyEdited
	}
	e.mu.Unlock()

	err := e.saver.SaveField(ctx, e.module, fieldID, value, source)

	e.mu.Lock()
	defer e.mu.Unlock()
	st.Saving = false
	if err != nil {
		st.Err = err
		e.logger.Warn("field save failed",
			"module", e.module,
			"field", fieldID,
			"error", err)
		return fmt.Errorf("save field %s: %w", fieldID, err)
	}

	st.LastSaved = time.Now()
	e.saved[fieldID] = true
	if current, stillPending := e.pending[fieldID]; stillPending && reflect.DeepEqual(current, value) {
		delete(e.pending, fieldID)
		st.Dirty = false
	}
	return nil
}

// SaveAll commits every pending field concurrently. Each field succeeds or
// fails independently; the result maps field ids to their errors (nil on
// success).
func (e *Engine) SaveAll(ctx context.Context) map[string]error {
	e.mu.Lock()
	fields := make([]string, 0, len(e.pending))
	for fieldID := range e.pending {
		fields = append(fields, fieldID)
	}
	e.mu.Unlock()

	results := make(map[string]error, len(fields))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup
	for _, fieldID := range fields {
		wg.Add(1)
		go func(fieldID string) {
			defer wg.Done()
			err := e.Commit(ctx, fieldID)
			resultsMu.Lock()
			results[fieldID] = err
			resultsMu.Unlock()
		}(fieldID)
	}
	wg.Wait()
	return results
}

// Reset cancels all pending saves and clears every field.
func (e *Engine) Reset() {
	e.ResetWith(nil)
}

// ResetWith cancels all pending saves and replaces the field values, as
// when a different application's module is loaded.
func (e *Engine) ResetWith(values map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.timers {
		t.Stop()
	}
	e.timers = make(map[string]*time.Timer)
	e.pending = make(map[string]any)
	e.states = make(map[string]*FieldState)
	e.saved = make(map[string]bool)
	e.values = make(map[string]any, len(values))
	for k, v := range values {
		e.values[k] = v
		e.saved[k] = true
	}
}

// Value returns the current local value for a field.
func (e *Engine) Value(fieldID string) (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.values[fieldID]
	return v, ok
}

// Values returns a copy of all current local values.
func (e *Engine) Values() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]any, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out
}

// State returns a copy of the field's autosave status.
func (e *Engine) State(fieldID string) FieldState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[fieldID]; ok {
		return *st
	}
	return FieldState{}
}

// Dirty returns the ids of fields with unsaved edits.
func (e *Engine) Dirty() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.pending))
	for fieldID := range e.pending {
		out = append(out, fieldID)
	}
	return out
}

// state returns the tracked state for a field, creating it if needed.
// Callers hold e.mu.
func (e *Engine) state(fieldID string) *FieldState {
	st, ok := e.states[fieldID]
	if !ok {
		st = &FieldState{}
		e.states[fieldID] = st
	}
	return st
}
