package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/agfin/loanproxy/internal/artifact"
	"github.com/agfin/loanproxy/internal/baas"
	"github.com/agfin/loanproxy/internal/chat"
	"github.com/agfin/loanproxy/internal/session"
	"github.com/agfin/loanproxy/internal/stream"
	"github.com/agfin/loanproxy/internal/web/sse"
)

// ChatHandler proxies the AI service stream onto an SSE response and serves
// message edit and regenerate operations.
type ChatHandler struct {
	thread   *chat.Thread
	channel  *stream.Channel
	registry *artifact.Registry
	sessions *session.Store
	client   *baas.Client
	logger   *slog.Logger
}

// NewChatHandler creates the handler.
func NewChatHandler(thread *chat.Thread, channel *stream.Channel, registry *artifact.Registry,
	sessions *session.Store, client *baas.Client, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		thread:   thread,
		channel:  channel,
		registry: registry,
		sessions: sessions,
		client:   client,
		logger:   logger,
	}
}

// Register mounts the chat routes.
func (h *ChatHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/stream", h.stream)
	mux.HandleFunc("POST /api/chat/stop", h.stop)
	mux.HandleFunc("GET /api/chat/messages", h.messages)
	mux.HandleFunc("PUT /api/chat/messages/{id}", h.edit)
	mux.HandleFunc("POST /api/chat/regenerate", h.regenerate)
}

// stream sends one user message upstream and relays the response events to
// the client. Starting a new stream supersedes any stream already running.
func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	writer, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ctx := r.Context()
	sessionID := h.sessions.Current()
	h.thread.AppendText(uuid.NewString(), chat.RoleUser, body.Message)

	assistantID := uuid.NewString()
	h.thread.Append(&chat.Message{ID: assistantID, Role: chat.RoleAssistant, IsStreaming: true})

	var buf strings.Builder
	done := make(chan struct{})
	var once sync.Once
	finish := func() { once.Do(func() { close(done) }) }

	h.channel.Start(ctx, sessionID, body.Message, stream.Callbacks{
		OnStart: func() {
			_ = writer.WriteJSON(ctx, "start", map[string]string{"messageId": assistantID})
		},
		OnToken: func(text string) {
			buf.WriteString(text)
			h.thread.SetContent(assistantID, buf.String())
			_ = writer.WriteText(ctx, "token", text)
		},
		OnEnd: func() {
			artifactID := h.finishMessage(r, assistantID, buf.String())
			_ = writer.WriteJSON(ctx, "end", map[string]string{
				"messageId":  assistantID,
				"artifactId": artifactID,
			})
			finish()
		},
		OnError: func(err error) {
			h.thread.SetStreaming(assistantID, false)
			_ = writer.WriteError("stream_failed", err.Error())
			finish()
		},
		OnStop: func() {
			// Stopped mid-response; whatever tokens arrived stay as the
			// message content, no longer marked streaming.
			h.thread.SetStreaming(assistantID, false)
			finish()
		},
	})

	select {
	case <-done:
	case <-ctx.Done():
		// Client went away; tear the upstream connection down with it.
		h.channel.Stop()
	}
}

// finishMessage completes the assistant message. Embedded artifact metadata
// opens an artifact, or lands revised data on one that is already open; the
// stored content is the display text with the metadata block removed.
// Returns the artifact id, or "".
func (h *ChatHandler) finishMessage(r *http.Request, messageID, content string) string {
	artifactID := ""
	if meta := artifact.ParseMetadata(content, h.logger); meta != nil {
		ctx := r.Context()
		if h.registry.Get(meta.ID) != nil {
			switch {
			case meta.Replace:
				h.registry.Replace(ctx, &artifact.Artifact{
					ID:    meta.ID,
					Type:  meta.Type,
					Title: meta.Title,
					Data:  meta.Data,
				})
				h.registry.CreateVersion(ctx, meta.ID, "Updated by assistant", artifact.SourceAIReprompt)
			case meta.Data != nil:
				h.registry.SetData(ctx, meta.ID, meta.Data)
				h.registry.CreateVersion(ctx, meta.ID, "Updated by assistant", artifact.SourceAIReprompt)
			}
			// A metadata-only mention (inline tag) just re-activates.
			h.registry.SetActive(ctx, meta.ID)
		} else {
			h.registry.Add(ctx, &artifact.Artifact{
				ID:    meta.ID,
				Type:  meta.Type,
				Title: meta.Title,
				Data:  meta.Data,
			})
			h.registry.CreateVersion(ctx, meta.ID, "Created by assistant", artifact.SourceAIExtracted)
		}
		if meta.OpenFullScreen {
			h.registry.EnterFullScreen(meta.ID)
		}
		artifactID = meta.ID
	}

	h.thread.SetContent(messageID, artifact.StripMetadata(content))
	h.thread.SetStreaming(messageID, false)
	return artifactID
}

func (h *ChatHandler) stop(w http.ResponseWriter, r *http.Request) {
	h.channel.Stop()
	writeJSON(w, http.StatusNoContent, nil)
}

func (h *ChatHandler) messages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"messages":    h.thread.Messages(),
		"isStreaming": h.channel.Streaming(),
	})
}

func (h *ChatHandler) edit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content    string `json:"content"`
		Regenerate bool   `json:"regenerate"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	editor := chat.NewEditor(h.client, h.channel, h.thread, h.sessions.Current(), h.logger)
	var err error
	if body.Regenerate {
		err = editor.SaveAndRegenerate(r.Context(), r.PathValue("id"), body.Content)
	} else {
		err = editor.Save(r.Context(), r.PathValue("id"), body.Content)
	}
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.thread.Get(r.PathValue("id")))
}

func (h *ChatHandler) regenerate(w http.ResponseWriter, r *http.Request) {
	editor := chat.NewEditor(h.client, h.channel, h.thread, h.sessions.Current(), h.logger)
	if err := editor.RegenerateLast(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}
