package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agfin/loanproxy/internal/config"
	"github.com/agfin/loanproxy/internal/log"
	"github.com/agfin/loanproxy/internal/store"
)

func testConfig(backend string) *config.Config {
	return &config.Config{
		ListenAddr:         "localhost:0",
		AIServiceURL:       "http://localhost:8000/api/agfin-ai-bot",
		BaaSURL:            "http://localhost:8100",
		ApplicationID:      "app-1",
		StreamMaxRetries:   3,
		StreamRetryMS:      1000,
		AutosaveDebounceMS: 1000,
		StorageBackend:     backend,
		LogLevel:           "error",
	}
}

func TestNew_MemoryBackend(t *testing.T) {
	a, err := New(context.Background(), testConfig(config.BackendMemory))
	require.NoError(t, err)
	defer a.Close()

	assert.Len(t, a.Engines, moduleCount)
	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Sessions)
	assert.NotNil(t, a.Server)
	assert.False(t, a.Channel.Streaming())
}

func TestNew_FileBackend(t *testing.T) {
	cfg := testConfig(config.BackendFile)
	cfg.StateDir = t.TempDir()

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Store.(*store.File)
	assert.True(t, ok)
}

func TestNewStore_UnknownBackend(t *testing.T) {
	cfg := testConfig("etcd")
	_, _, err := newStore(context.Background(), cfg, log.NewNop())
	assert.ErrorIs(t, err, config.ErrInvalidStorageBackend)
}
