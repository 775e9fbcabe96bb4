package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agfin/loanproxy/internal/artifact"
	"github.com/agfin/loanproxy/internal/baas"
	"github.com/agfin/loanproxy/internal/chat"
	"github.com/agfin/loanproxy/internal/log"
	"github.com/agfin/loanproxy/internal/modfield"
	"github.com/agfin/loanproxy/internal/reprompt"
	"github.com/agfin/loanproxy/internal/session"
	"github.com/agfin/loanproxy/internal/store"
	"github.com/agfin/loanproxy/internal/stream"
	"github.com/agfin/loanproxy/internal/testutil"
)

// recordingSender captures re-prompt messages.
type recordingSender struct{ sent []string }

func (s *recordingSender) Send(_ context.Context, message string) error {
	s.sent = append(s.sent, message)
	return nil
}

type fixture struct {
	server   *httptest.Server
	registry *artifact.Registry
	sessions *session.Store
	thread   *chat.Thread
	sender   *recordingSender
	engines  map[int]*modfield.Engine
}

// newFixture wires the full router against a scripted AI service and a
// permissive fake backend.
func newFixture(t *testing.T, aiHandler http.HandlerFunc) *fixture {
	t.Helper()
	logger := log.NewNop()

	ai := httptest.NewServer(aiHandler)
	t.Cleanup(ai.Close)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			json.NewEncoder(w).Encode(baas.RemoteSession{ID: "s-1", Title: "Land loan", CreatedAt: time.Now()})
		case strings.Contains(r.URL.Path, "/fields/"):
			json.NewEncoder(w).Encode(baas.FieldRecord{FieldID: "total_revenue", ConfidenceScore: 1.0})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(backend.Close)

	client, err := baas.NewClient(backend.URL, backend.Client(), logger)
	require.NoError(t, err)

	registry := artifact.NewRegistry(store.NewMemory(), logger)
	sessions := session.NewStore(store.NewMemory(), client, logger)
	thread := chat.NewThread()
	channel := stream.New(ai.URL, ai.Client(), stream.Config{MaxRetries: 2, RetryDelay: 10 * time.Millisecond}, logger)
	sender := &recordingSender{}
	bridge := reprompt.NewBridge(registry, sender, logger)

	engines := map[int]*modfield.Engine{}
	for m := 1; m <= 5; m++ {
		engines[m] = modfield.NewEngine(m, client.Fields("app-1"), 10*time.Millisecond, logger)
	}

	router := NewRouter(Deps{
		Registry: registry,
		Bridge:   bridge,
		Channel:  channel,
		Thread:   thread,
		Sessions: sessions,
		Client:   client,
		Engines:  engines,
		Logger:   logger,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	t.Cleanup(channel.Stop)

	return &fixture{
		server:   srv,
		registry: registry,
		sessions: sessions,
		thread:   thread,
		sender:   sender,
		engines:  engines,
	}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(encoded))
	} else {
		reader = strings.NewReader("")
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func sseEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	resp := f.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestChatStream_RelaysTokensAndOpensArtifact(t *testing.T) {
	metadata := "```artifact-metadata\n" +
		`{"id":"ext-1","type":"extraction","title":"1040 Extraction","data":{"tax_year":"2023"},"openFullScreen":true}` +
		"\n```"
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "start", "")
		sseEvent(w, "token", "Here are the extracted fields. ")
		sseEvent(w, "token", metadata)
		sseEvent(w, "end", "")
	})

	resp := f.request(t, http.MethodPost, "/api/chat/stream", map[string]string{"message": "extract my 1040"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var body strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body.Write(buf[:n])
		if err != nil {
			break
		}
	}

	events := testutil.ParseSSEEvents(t, body.String())
	require.NotNil(t, testutil.FindEvent(events, "start"))
	require.NotNil(t, testutil.FindEvent(events, "end"))
	tokens := testutil.FindAllEvents(events, "token")
	assert.Len(t, tokens, 2)

	var endPayload struct {
		ArtifactID string `json:"artifactId"`
	}
	testutil.FindEvent(events, "end").JSON(t, &endPayload)
	assert.Equal(t, "ext-1", endPayload.ArtifactID)

	a := f.registry.Get("ext-1")
	require.NotNil(t, a, "metadata in the response opened an artifact")
	assert.Equal(t, "2023", a.Data["tax_year"])
	assert.Equal(t, "ext-1", f.registry.FullScreenID())
	assert.Equal(t, "ext-1", f.registry.ActiveID(), "full-screen artifact is also active")

	messages := f.thread.Messages()
	require.Len(t, messages, 2)
	final := messages[1]
	assert.False(t, final.IsStreaming)
	assert.NotContains(t, final.Content, "artifact-metadata", "metadata block stripped from display text")
}

func TestChatStream_UpstreamErrorEvent(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "start", "")
		sseEvent(w, "error", `{"error":"model overloaded"}`)
	})

	resp := f.request(t, http.MethodPost, "/api/chat/stream", map[string]string{"message": "hi"})
	raw, _ := readAll(resp)

	events := testutil.ParseSSEEvents(t, raw)
	ev := testutil.FindEvent(events, "error")
	require.NotNil(t, ev)
	assert.Contains(t, ev.Data, "model overloaded")
	assert.Nil(t, testutil.FindEvent(events, "end"))
}

func TestChatStream_RevisionUpdatesOpenArtifact(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "start", "")
		if calls.Add(1) == 1 {
			sseEvent(w, "token", "Opened the identity form.\n```artifact-metadata\n"+
				`{"id":"m1","type":"module_m1","title":"Identity","data":{"applicant_first_name":"John"}}`+
				"\n```")
		} else {
			sseEvent(w, "token", "Corrected the name.\n```artifact-metadata\n"+
				`{"id":"m1","type":"module_m1","title":"Identity","data":{"applicant_first_name":"Jane"}}`+
				"\n```")
		}
		sseEvent(w, "end", "")
	})

	resp := f.request(t, http.MethodPost, "/api/chat/stream", map[string]string{"message": "open module 1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readAll(resp)

	resp = f.request(t, http.MethodPost, "/api/chat/stream", map[string]string{"message": "the first name is Jane"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readAll(resp)

	a := f.registry.Get("m1")
	require.NotNil(t, a)
	assert.Equal(t, "Jane", a.Data["applicant_first_name"], "revised data lands on the open artifact")
	assert.Equal(t, 1, f.registry.Count(), "revision opens no duplicate")

	require.Len(t, a.Versions, 2)
	assert.Equal(t, artifact.SourceAIExtracted, a.Versions[0].Source)
	assert.Equal(t, artifact.SourceAIReprompt, a.Versions[1].Source)
	assert.Equal(t, "Updated by assistant", a.Versions[1].ChangeDescription)
}

func TestChatStop_FinalizesStreamingMessage(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseEvent(w, "start", "")
		sseEvent(w, "token", "Reviewing your parcels")
		<-r.Context().Done()
	})

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		resp, err := http.Post(f.server.URL+"/api/chat/stream", "application/json",
			strings.NewReader(`{"message":"check my land"}`))
		if err != nil {
			return
		}
		readAll(resp)
		resp.Body.Close()
	}()

	require.Eventually(t, func() bool {
		msgs := f.thread.Messages()
		return len(msgs) == 2 && msgs[1].Content != ""
	}, 5*time.Second, 10*time.Millisecond)

	resp := f.request(t, http.MethodPost, "/api/chat/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case <-streamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("stream request did not finish after stop")
	}

	last := f.thread.Last()
	require.NotNil(t, last)
	assert.False(t, last.IsStreaming, "a stopped message does not stay marked streaming")
	assert.Equal(t, "Reviewing your parcels", last.Content)

	resp = f.request(t, http.MethodPost, "/api/chat/regenerate", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "a stopped message can be regenerated")
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	resp := f.request(t, http.MethodPost, "/api/sessions", map[string]string{"firstMessage": "I want to buy farmland"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created session.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "s-1", created.ID)

	resp = f.request(t, http.MethodPost, "/api/sessions/s-1/pin", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/api/sessions", nil)
	var list struct {
		Sessions         []session.Session `json:"sessions"`
		Total            int               `json:"total"`
		CurrentSessionID string            `json:"currentSessionId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, "s-1", list.CurrentSessionID)

	resp = f.request(t, http.MethodPost, "/api/sessions/ghost/pin", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestArtifactEndpoints(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	resp := f.request(t, http.MethodPost, "/api/artifacts", map[string]any{
		"id":    "m1",
		"type":  "module_m1",
		"title": "Identity",
		"data":  map[string]any{"applicant_first_name": "John"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.request(t, http.MethodPost, "/api/artifacts/m1/versions", map[string]string{
		"changeDescription": "initial entry",
		"source":            "proxy_entered",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var v1 artifact.Version
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v1))

	f.request(t, http.MethodPut, "/api/artifacts/m1/data", map[string]any{
		"data": map[string]any{"applicant_first_name": "Jane"},
	})
	resp = f.request(t, http.MethodPost, "/api/artifacts/m1/versions", map[string]string{"changeDescription": "edit"})
	var v2 artifact.Version
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v2))

	resp = f.request(t, http.MethodGet,
		fmt.Sprintf("/api/artifacts/m1/diff?from=%s&to=%s", v1.ID, v2.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var diff artifact.Diff
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&diff))
	require.Len(t, diff.Changed, 1)
	assert.Equal(t, "applicant_first_name", diff.Changed[0].Field)

	resp = f.request(t, http.MethodPost, "/api/artifacts/m1/reprompt", map[string]string{
		"instruction": "Fix the name spelling.",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, f.sender.sent, 1)
	assert.Contains(t, f.sender.sent[0], "Fix the name spelling.")
	assert.Len(t, f.registry.Get("m1").Versions, 3, "re-prompt snapshotted before sending")

	resp = f.request(t, http.MethodGet, "/api/artifacts/m1/export?format=csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))

	resp = f.request(t, http.MethodGet, "/api/artifacts/ghost/versions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFieldEndpoints(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {})

	resp := f.request(t, http.MethodPut, "/api/modules/3/fields/total_revenue", map[string]any{"value": "120000"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st struct {
		Dirty bool `json:"dirty"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Dirty)

	resp = f.request(t, http.MethodPost, "/api/modules/3/save", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, f.engines[3].State("total_revenue").Dirty)

	resp = f.request(t, http.MethodPut, "/api/modules/9/fields/x", map[string]any{"value": 1})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func readAll(resp *http.Response) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			return sb.String(), nil
		}
	}
}
