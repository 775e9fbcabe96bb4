// Package handlers implements the JSON and SSE HTTP surface.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agfin/loanproxy/internal/baas"
	"github.com/agfin/loanproxy/internal/chat"
	"github.com/agfin/loanproxy/internal/modfield"
	"github.com/agfin/loanproxy/internal/reprompt"
	"github.com/agfin/loanproxy/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, chat.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrStreamInFlight):
		status = http.StatusConflict
	case errors.Is(err, chat.ErrNotRegenerable),
		errors.Is(err, reprompt.ErrNotRepromptable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, modfield.ErrValidation):
		status = http.StatusUnprocessableEntity
	}

	var apiErr *baas.APIError
	if errors.As(err, &apiErr) {
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	return true
}
