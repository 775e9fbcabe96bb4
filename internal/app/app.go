// Package app builds and runs the application: configuration, logging,
// storage backend, domain engines and the HTTP server, wired in one place.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agfin/loanproxy/internal/artifact"
	"github.com/agfin/loanproxy/internal/baas"
	"github.com/agfin/loanproxy/internal/chat"
	"github.com/agfin/loanproxy/internal/config"
	"github.com/agfin/loanproxy/internal/log"
	"github.com/agfin/loanproxy/internal/modfield"
	"github.com/agfin/loanproxy/internal/reprompt"
	"github.com/agfin/loanproxy/internal/session"
	"github.com/agfin/loanproxy/internal/store"
	"github.com/agfin/loanproxy/internal/stream"
	"github.com/agfin/loanproxy/internal/web"
)

// moduleCount is the number of certification modules in an application.
const moduleCount = 5

// App is the assembled application.
type App struct {
	Config   *config.Config
	Logger   log.Logger
	Store    store.Store
	Registry *artifact.Registry
	Sessions *session.Store
	Thread   *chat.Thread
	Channel  *stream.Channel
	Bridge   *reprompt.Bridge
	Client   *baas.Client
	Engines  map[int]*modfield.Engine
	Server   *web.Server

	pool *pgxpool.Pool
}

// New assembles the application from configuration.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := log.New(log.Config{Level: log.ParseLevel(cfg.LogLevel), JSON: cfg.LogJSON})

	st, pool, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := baas.NewClient(cfg.BaaSURL, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("backend client: %w", err)
	}

	registry := artifact.NewRegistry(st, logger)
	if err := registry.Load(ctx); err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}

	sessions := session.NewStore(st, client, logger)
	if err := sessions.Load(ctx); err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	thread := chat.NewThread()
	channel := stream.New(cfg.AIServiceURL, &http.Client{}, stream.Config{
		MaxRetries: cfg.StreamMaxRetries,
		RetryDelay: cfg.StreamRetryDelay(),
	}, logger)

	bridge := reprompt.NewBridge(registry, &chatSender{thread: thread, channel: channel, sessions: sessions}, logger)

	engines := make(map[int]*modfield.Engine, moduleCount)
	for m := 1; m <= moduleCount; m++ {
		engines[m] = modfield.NewEngine(m, client.Fields(cfg.ApplicationID), cfg.AutosaveDebounce(), logger)
	}

	router := web.NewRouter(web.Deps{
		Registry: registry,
		Bridge:   bridge,
		Channel:  channel,
		Thread:   thread,
		Sessions: sessions,
		Client:   client,
		Engines:  engines,
		Logger:   logger,
	})

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    st,
		Registry: registry,
		Sessions: sessions,
		Thread:   thread,
		Channel:  channel,
		Bridge:   bridge,
		Client:   client,
		Engines:  engines,
		Server:   web.NewServer(cfg.ListenAddr, router, logger),
		pool:     pool,
	}, nil
}

// newStore builds the configured persistence backend.
func newStore(ctx context.Context, cfg *config.Config, logger log.Logger) (store.Store, *pgxpool.Pool, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return store.NewMemory(), nil, nil

	case config.BackendFile:
		st, err := store.NewFile(cfg.StateDir)
		if err != nil {
			return nil, nil, fmt.Errorf("file store: %w", err)
		}
		return st, nil, nil

	case config.BackendPostgres:
		if err := store.Migrate(cfg.PostgresURL()); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresURL())
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres ping: %w", err)
		}
		return store.NewPostgres(pool, logger), pool, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrInvalidStorageBackend, cfg.StorageBackend)
	}
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		a.Close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := a.Server.Shutdown(shutdownCtx)
	a.Close()
	if serveErr := <-errCh; serveErr != nil && err == nil {
		err = serveErr
	}
	return err
}

// Close releases resources: the live stream, queued autosaves, and the
// database pool when one is open.
func (a *App) Close() {
	a.Channel.Stop()
	for _, engine := range a.Engines {
		engine.Reset()
	}
	if a.pool != nil {
		a.pool.Close()
		a.Logger.Info("database pool closed")
	}
}

// chatSender feeds re-prompt requests into the chat pipeline: the message
// joins the thread and a response streams back into it. The UI picks the
// response up from the thread; no SSE response is attached to a re-prompt.
type chatSender struct {
	thread   *chat.Thread
	channel  *stream.Channel
	sessions *session.Store
}

func newMessageID() string { return uuid.NewString() }

func (s *chatSender) Send(ctx context.Context, message string) error {
	s.thread.AppendText(newMessageID(), chat.RoleUser, message)

	assistantID := newMessageID()
	s.thread.Append(&chat.Message{ID: assistantID, Role: chat.RoleAssistant, IsStreaming: true})

	var content string
	s.channel.Start(context.WithoutCancel(ctx), s.sessions.Current(), message, stream.Callbacks{
		OnToken: func(text string) {
			content += text
			s.thread.SetContent(assistantID, content)
		},
		OnEnd: func() {
			s.thread.SetStreaming(assistantID, false)
		},
		OnStop: func() {
			s.thread.SetStreaming(assistantID, false)
		},
		OnError: func(err error) {
			s.thread.SetStreaming(assistantID, false)
			s.thread.SetContent(assistantID, "The revision request failed: "+err.Error())
		},
	})
	return nil
}
