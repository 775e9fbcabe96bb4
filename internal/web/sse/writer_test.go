package sse

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agfin/loanproxy/internal/testutil"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteJSON(context.Background(), "token", map[string]string{"text": "hi"}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "token", events[0].Type)

	var payload struct {
		Text string `json:"text"`
	}
	events[0].JSON(t, &payload)
	assert.Equal(t, "hi", payload.Text)
}

func TestWriteText_MultiLine(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteText(context.Background(), "token", "line one\nline two"))

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, "line one\nline two", events[0].Data, "each line carries its own data prefix")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteError("upstream_failed", "service unreachable"))

	events := testutil.ParseSSEEvents(t, rec.Body.String())
	ev := testutil.FindEvent(events, "error")
	require.NotNil(t, ev)

	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	ev.JSON(t, &payload)
	assert.Equal(t, "upstream_failed", payload.Code)
	assert.Equal(t, "service unreachable", payload.Message)
}

func TestWriteJSON_CanceledContext(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, w.WriteJSON(ctx, "token", "x"))
	assert.Empty(t, rec.Body.String())
}

func TestComment(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Comment("keepalive"))
	assert.Empty(t, testutil.ParseSSEEvents(t, rec.Body.String()), "comments are not events")
}
