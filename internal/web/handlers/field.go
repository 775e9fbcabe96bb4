package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agfin/loanproxy/internal/modfield"
)

// FieldHandler serves the module form autosave operations.
type FieldHandler struct {
	engines map[int]*modfield.Engine
	logger  *slog.Logger
}

// NewFieldHandler creates the handler over the per-module engines.
func NewFieldHandler(engines map[int]*modfield.Engine, logger *slog.Logger) *FieldHandler {
	return &FieldHandler{engines: engines, logger: logger}
}

// Register mounts the module field routes.
func (h *FieldHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/modules/{module}/fields", h.fields)
	mux.HandleFunc("PUT /api/modules/{module}/fields/{id}", h.setValue)
	mux.HandleFunc("POST /api/modules/{module}/fields/{id}/blur", h.blur)
	mux.HandleFunc("POST /api/modules/{module}/save", h.saveAll)
}

func (h *FieldHandler) engine(w http.ResponseWriter, r *http.Request) *modfield.Engine {
	module, err := strconv.Atoi(r.PathValue("module"))
	if err == nil {
		if e, ok := h.engines[module]; ok {
			return e
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown module"})
	return nil
}

// fieldStatus is the wire form of one field's autosave state.
type fieldStatus struct {
	Value     any        `json:"value"`
	Dirty     bool       `json:"dirty"`
	Saving    bool       `json:"saving"`
	Touched   bool       `json:"touched"`
	Error     string     `json:"error,omitempty"`
	LastSaved *time.Time `json:"lastSaved,omitempty"`
}

func toStatus(value any, st modfield.FieldState) fieldStatus {
	out := fieldStatus{
		Value:   value,
		Dirty:   st.Dirty,
		Saving:  st.Saving,
		Touched: st.Touched,
	}
	if st.Err != nil {
		out.Error = st.Err.Error()
	}
	if !st.LastSaved.IsZero() {
		ts := st.LastSaved
		out.LastSaved = &ts
	}
	return out
}

func (h *FieldHandler) fields(w http.ResponseWriter, r *http.Request) {
	engine := h.engine(w, r)
	if engine == nil {
		return
	}

	fields := make(map[string]fieldStatus)
	for id, value := range engine.Values() {
		fields[id] = toStatus(value, engine.State(id))
	}
	writeJSON(w, http.StatusOK, map[string]any{"fields": fields})
}

func (h *FieldHandler) setValue(w http.ResponseWriter, r *http.Request) {
	engine := h.engine(w, r)
	if engine == nil {
		return
	}
	var body struct {
		Value any `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	id := r.PathValue("id")
	engine.SetValue(id, body.Value)
	value, _ := engine.Value(id)
	writeJSON(w, http.StatusOK, toStatus(value, engine.State(id)))
}

func (h *FieldHandler) blur(w http.ResponseWriter, r *http.Request) {
	engine := h.engine(w, r)
	if engine == nil {
		return
	}

	id := r.PathValue("id")
	engine.Blur(id)
	value, _ := engine.Value(id)
	writeJSON(w, http.StatusAccepted, toStatus(value, engine.State(id)))
}

func (h *FieldHandler) saveAll(w http.ResponseWriter, r *http.Request) {
	engine := h.engine(w, r)
	if engine == nil {
		return
	}

	results := engine.SaveAll(r.Context())
	out := make(map[string]fieldStatus, len(results))
	failed := 0
	for id := range results {
		value, _ := engine.Value(id)
		st := engine.State(id)
		if st.Err != nil {
			failed++
		}
		out[id] = toStatus(value, st)
	}

	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, map[string]any{"fields": out, "failed": failed})
}
