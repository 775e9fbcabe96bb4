package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agfin/loanproxy/internal/artifact"
	"github.com/agfin/loanproxy/internal/reprompt"
)

// ArtifactHandler serves the open-artifact panel: lifecycle, versions,
// re-prompt and export.
type ArtifactHandler struct {
	registry *artifact.Registry
	bridge   *reprompt.Bridge
	logger   *slog.Logger
}

// NewArtifactHandler creates the handler.
func NewArtifactHandler(registry *artifact.Registry, bridge *reprompt.Bridge, logger *slog.Logger) *ArtifactHandler {
	return &ArtifactHandler{registry: registry, bridge: bridge, logger: logger}
}

// Register mounts the artifact routes.
func (h *ArtifactHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/artifacts", h.list)
	mux.HandleFunc("POST /api/artifacts", h.open)
	mux.HandleFunc("DELETE /api/artifacts/{id}", h.close)
	mux.HandleFunc("POST /api/artifacts/{id}/activate", h.activate)
	mux.HandleFunc("PUT /api/artifacts/order", h.reorder)
	mux.HandleFunc("POST /api/artifacts/{id}/fullscreen", h.enterFullScreen)
	mux.HandleFunc("DELETE /api/artifacts/fullscreen", h.exitFullScreen)
	mux.HandleFunc("POST /api/artifacts/fullscreen/toggle", h.toggleFullScreen)
	mux.HandleFunc("PUT /api/artifacts/{id}/data", h.setData)
	mux.HandleFunc("GET /api/artifacts/{id}/versions", h.versions)
	mux.HandleFunc("POST /api/artifacts/{id}/versions", h.createVersion)
	mux.HandleFunc("POST /api/artifacts/{id}/versions/{versionId}/restore", h.restore)
	mux.HandleFunc("GET /api/artifacts/{id}/diff", h.diff)
	mux.HandleFunc("POST /api/artifacts/{id}/reprompt", h.reprompt)
	mux.HandleFunc("GET /api/artifacts/{id}/export", h.export)
}

func (h *ArtifactHandler) list(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"artifacts":          h.registry.Artifacts(),
		"activeArtifactId":   h.registry.ActiveID(),
		"fullScreenArtifact": h.registry.FullScreenID(),
	})
}

func (h *ArtifactHandler) open(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID             string         `json:"id"`
		Type           artifact.Type  `json:"type"`
		Title          string         `json:"title"`
		Data           map[string]any `json:"data"`
		OpenFullScreen bool           `json:"openFullScreen"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ID == "" || !body.Type.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "id and a known type are required"})
		return
	}

	a := &artifact.Artifact{ID: body.ID, Type: body.Type, Title: body.Title, Data: body.Data}
	h.registry.Add(r.Context(), a)
	if body.OpenFullScreen {
		h.registry.EnterFullScreen(body.ID)
	}
	writeJSON(w, http.StatusCreated, h.registry.Get(body.ID))
}

func (h *ArtifactHandler) close(w http.ResponseWriter, r *http.Request) {
	h.registry.Remove(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *ArtifactHandler) activate(w http.ResponseWriter, r *http.Request) {
	h.registry.SetActive(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"activeArtifactId": h.registry.ActiveID()})
}

func (h *ArtifactHandler) reorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.registry.Reorder(r.Context(), body.IDs)
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": h.registry.Artifacts()})
}

func (h *ArtifactHandler) enterFullScreen(w http.ResponseWriter, r *http.Request) {
	h.registry.EnterFullScreen(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{
		"fullScreenArtifact": h.registry.FullScreenID(),
		"activeArtifactId":   h.registry.ActiveID(),
	})
}

func (h *ArtifactHandler) exitFullScreen(w http.ResponseWriter, r *http.Request) {
	h.registry.ExitFullScreen()
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *ArtifactHandler) toggleFullScreen(w http.ResponseWriter, r *http.Request) {
	h.registry.ToggleFullScreen()
	writeJSON(w, http.StatusOK, map[string]string{"fullScreenArtifact": h.registry.FullScreenID()})
}

func (h *ArtifactHandler) setData(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	h.registry.SetData(r.Context(), r.PathValue("id"), body.Data)
	writeJSON(w, http.StatusOK, h.registry.Get(r.PathValue("id")))
}

func (h *ArtifactHandler) versions(w http.ResponseWriter, r *http.Request) {
	if h.registry.Get(r.PathValue("id")) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": h.registry.History(r.PathValue("id"))})
}

func (h *ArtifactHandler) createVersion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChangeDescription string          `json:"changeDescription"`
		Source            artifact.Source `json:"source"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Source == "" {
		body.Source = artifact.SourceProxyEdited
	}

	v := h.registry.CreateVersion(r.Context(), r.PathValue("id"), body.ChangeDescription, body.Source)
	if v == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *ArtifactHandler) restore(w http.ResponseWriter, r *http.Request) {
	h.registry.RestoreVersion(r.Context(), r.PathValue("id"), r.PathValue("versionId"))
	writeJSON(w, http.StatusOK, h.registry.Get(r.PathValue("id")))
}

func (h *ArtifactHandler) diff(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")

	d := h.registry.CompareVersions(r.PathValue("id"), from, to)
	if d == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact or version not found"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *ArtifactHandler) reprompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Instruction string `json:"instruction"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.bridge.Start(r.Context(), r.PathValue("id"), body.Instruction); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (h *ArtifactHandler) export(w http.ResponseWriter, r *http.Request) {
	a := h.registry.Get(r.PathValue("id"))
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "artifact not found"})
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "json":
		data, err := artifact.ExportJSON(a)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", attachment(a.ID, "json"))
		w.Write(data)
	case "csv":
		data, err := artifact.ExportCSV(a)
		if err != nil {
			// Types without a tabular form fall back to text.
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Content-Disposition", attachment(a.ID, "txt"))
			w.Write(artifact.ExportText(a))
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", attachment(a.ID, "csv"))
		w.Write(data)
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", attachment(a.ID, "txt"))
		w.Write(artifact.ExportText(a))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown export format"})
	}
}

func attachment(id, ext string) string {
	return fmt.Sprintf("attachment; filename=%q", id+"."+ext)
}
