package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/agfin/loanproxy/internal/baas"
	"github.com/agfin/loanproxy/internal/session"
)

// SessionHandler serves the conversation sidebar operations.
type SessionHandler struct {
	store  *session.Store
	client *baas.Client
	logger *slog.Logger
}

// NewSessionHandler creates the handler.
func NewSessionHandler(store *session.Store, client *baas.Client, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{store: store, client: client, logger: logger}
}

// Register mounts the session routes.
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.list)
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("PATCH /api/sessions/{id}", h.rename)
	mux.HandleFunc("DELETE /api/sessions/{id}", h.remove)
	mux.HandleFunc("POST /api/sessions/{id}/select", h.selectSession)
	mux.HandleFunc("POST /api/sessions/{id}/pin", h.flag((*session.Store).Pin))
	mux.HandleFunc("POST /api/sessions/{id}/unpin", h.flag((*session.Store).Unpin))
	mux.HandleFunc("POST /api/sessions/{id}/archive", h.flag((*session.Store).Archive))
	mux.HandleFunc("POST /api/sessions/{id}/unarchive", h.flag((*session.Store).Unarchive))
}

func (h *SessionHandler) list(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, total := h.store.Page(offset, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions":         sessions,
		"archived":         h.store.Archived(),
		"total":            total,
		"currentSessionId": h.store.Current(),
	})
}

func (h *SessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var body struct {
		FirstMessage string `json:"firstMessage"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	remote, err := h.client.CreateSession(r.Context(), body.FirstMessage)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	sess := &session.Session{
		ID:           remote.ID,
		Title:        remote.Title,
		FirstMessage: body.FirstMessage,
		CreatedAt:    remote.CreatedAt,
	}
	h.store.Add(r.Context(), sess)
	writeJSON(w, http.StatusCreated, sess)
}

func (h *SessionHandler) rename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.store.Rename(r.Context(), r.PathValue("id"), body.Title); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.store.Get(r.PathValue("id")))
}

func (h *SessionHandler) remove(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *SessionHandler) selectSession(w http.ResponseWriter, r *http.Request) {
	h.store.SetCurrent(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"currentSessionId": h.store.Current()})
}

func (h *SessionHandler) flag(op func(*session.Store, context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := op(h.store, r.Context(), r.PathValue("id")); err != nil {
			writeError(w, h.logger, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}
}
