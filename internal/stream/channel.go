// Package stream manages the server-push connection that carries one chat
// response, token by token, from the AI service.
//
// A Channel owns at most one live connection. Starting a stream tears down
// any previous one, so two streams can never race to append tokens to the
// same message buffer. Transport failures (the connection dropping) are
// retried with bounded linear backoff; an explicit error event from the
// service is terminal — "the model failed" is not "the network blipped".
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// State is the lifecycle phase of the current (or last) stream.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateEnded      State = "ended"
	StateErrored    State = "errored"
)

// ErrRetriesExhausted is returned through Callbacks.OnError when transport
// failures exceed the retry budget.
var ErrRetriesExhausted = errors.New("stream retries exhausted")

// Callbacks receive stream events on the channel's worker goroutine.
// Tokens arrive in server-emission order and are never buffered or
// coalesced; the caller owns the accumulating message buffer. Nil callbacks
// are skipped.
//
// Every stream finishes with exactly one of OnEnd, OnError or OnStop.
// OnStop fires when the stream is torn down before completing: Stop, a
// superseding Start, or the parent context being canceled. The caller uses
// it to finalize whatever partial message the tokens built up.
type Callbacks struct {
	OnStart func()
	OnToken func(text string)
	OnEnd   func()
	OnError func(err error)
	OnStop  func()
}

// Config tunes the transport retry policy.
type Config struct {
	// MaxRetries is the number of reconnect attempts after transport
	// failures before the stream errors out terminally.
	MaxRetries int

	// RetryDelay is the backoff base: reconnect n waits n * RetryDelay.
	RetryDelay time.Duration
}

// DefaultConfig returns the retry policy used when none is configured.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryDelay: time.Second}
}

// Channel manages one stream at a time against the AI service.
type Channel struct {
	baseURL string
	client  *http.Client
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	state   State
	retries int
}

// New creates a Channel for the AI service at baseURL.
// A nil client falls back to http.DefaultClient.
func New(baseURL string, client *http.Client, cfg Config, logger *slog.Logger) *Channel {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries <= 0 && cfg.RetryDelay <= 0 {
		cfg = DefaultConfig()
	}
	return &Channel{
		baseURL: baseURL,
		client:  client,
		cfg:     cfg,
		logger:  logger,
		state:   StateIdle,
	}
}

// Start opens a stream for one outgoing message. Any stream already in
// flight is torn down first; there is at most one live connection per
// channel. Events are delivered through cb until end, terminal error, or
// Stop.
func (c *Channel) Start(ctx context.Context, sessionID, message string, cb Callbacks) {
	c.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.cancel = cancel
	c.done = done
	c.state = StateConnecting
	c.retries = 0
	c.mu.Unlock()

	go c.run(runCtx, sessionID, message, cb, done)
}

// Stop cancels any in-flight connection and pending retry timer, and resets
// the retry count. Idempotent; safe to call with no stream running.
func (c *Channel) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.retries = 0
	if c.state == StateConnecting || c.state == StateStreaming {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Streaming reports whether a connection currently exists. This is the
// single source of truth the UI derives its streaming indicator from.
func (c *Channel) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// State returns the lifecycle phase of the current or most recent stream.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the number of reconnect attempts made for the current
// stream. A start event from the service resets it.
func (c *Channel) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connectOutcome classifies one connection attempt.
type connectOutcome int

const (
	outcomeFinished  connectOutcome = iota // end event or terminal error delivered
	outcomeTransport                       // connection-level failure, retryable
)

func (c *Channel) run(ctx context.Context, sessionID, message string, cb Callbacks, done chan struct{}) {
	defer close(done)
	defer func() {
		// Drop the connection object unless Stop already took it.
		c.mu.Lock()
		if c.done == done {
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
	}()

	for {
		outcome, err := c.connectOnce(ctx, sessionID, message, cb)
		if outcome == outcomeFinished {
			return
		}
		if ctx.Err() != nil {
			// Stopped or parent canceled mid-stream.
			if cb.OnStop != nil {
				cb.OnStop()
			}
			return
		}

		c.mu.Lock()
		c.retries++
		attempt := c.retries
		c.mu.Unlock()

		if attempt >= c.cfg.MaxRetries {
			c.setState(StateErrored)
			c.logger.Warn("stream retries exhausted",
				"session_id", sessionID,
				"attempts", attempt,
				"error", err)
			if cb.OnError != nil {
				cb.OnError(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err))
			}
			return
		}

		// Linear backoff: attempt n waits n * RetryDelay.
		delay := time.Duration(attempt) * c.cfg.RetryDelay
		c.logger.Debug("stream transport error, reconnecting",
			"session_id", sessionID,
			"attempt", attempt,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			if cb.OnStop != nil {
				cb.OnStop()
			}
			return
		case <-timer.C:
		}
		c.setState(StateConnecting)
	}
}

// connectOnce performs one request/stream cycle and dispatches its events.
func (c *Channel) connectOnce(ctx context.Context, sessionID, message string, cb Callbacks) (connectOutcome, error) {
	body, err := json.Marshal(map[string]string{
		"session_id": sessionID,
		"message":    message,
	})
	if err != nil {
		return outcomeFinished, c.terminal(cb, fmt.Errorf("encode stream request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/stream", bytes.NewReader(body))
	if err != nil {
		return outcomeFinished, c.terminal(cb, fmt.Errorf("build stream request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return outcomeTransport, fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	// A non-2xx response is the server refusing the request, not the
	// network failing: terminal, never retried.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return outcomeFinished, c.terminal(cb, fmt.Errorf("stream request rejected: %s", resp.Status))
	}

	finished := false
	readErr := readEvents(resp.Body, func(ev Event) bool {
		switch ev.Type {
		case EventStart:
			c.mu.Lock()
			c.state = StateStreaming
			c.retries = 0
			c.mu.Unlock()
			if cb.OnStart != nil {
				cb.OnStart()
			}
		case EventToken:
			if cb.OnToken != nil {
				cb.OnToken(ev.TokenText())
			}
		case EventEnd:
			finished = true
			c.setState(StateEnded)
			if cb.OnEnd != nil {
				cb.OnEnd()
			}
			return false
		case EventError:
			finished = true
			_ = c.terminal(cb, fmt.Errorf("service error: %s", ev.ErrorMessage()))
			return false
		default:
			c.logger.Debug("ignoring unknown stream event", "type", string(ev.Type))
		}
		return true
	})

	if finished {
		return outcomeFinished, nil
	}
	if readErr != nil {
		return outcomeTransport, readErr
	}
	// EOF without an end event: the connection dropped mid-response.
	return outcomeTransport, errors.New("stream closed before end event")
}

// terminal marks the stream errored and notifies the caller.
func (c *Channel) terminal(cb Callbacks, err error) error {
	c.setState(StateErrored)
	if cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}
