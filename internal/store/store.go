// Package store provides a persistent key-value store for UI state.
//
// Each key holds one JSON envelope: a version number plus the serialized
// state of a single component (session list, panel layout, open artifacts).
// An envelope whose version does not match the caller's expectation is
// discarded with a warning so the component starts fresh instead of crashing
// on a stale layout.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrNotFound indicates no state is stored under the key.
	ErrNotFound = errors.New("state not found")

	// ErrVersionMismatch indicates the stored envelope has an unexpected version.
	ErrVersionMismatch = errors.New("state version mismatch")
)

// Store persists JSON envelopes keyed by component.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the raw envelope stored under key, or ErrNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the envelope stored under key.
	Save(ctx context.Context, key string, value []byte) error

	// Delete removes the envelope stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error
}

// Envelope wraps component state with a schema version.
type Envelope struct {
	Version int             `json:"version"`
	State   json.RawMessage `json:"state"`
}

// PutJSON marshals state into a versioned envelope and saves it under key.
func PutJSON(ctx context.Context, s Store, key string, version int, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for %q: %w", key, err)
	}
	env, err := json.Marshal(Envelope{Version: version, State: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope for %q: %w", key, err)
	}
	if err := s.Save(ctx, key, env); err != nil {
		return fmt.Errorf("save %q: %w", key, err)
	}
	return nil
}

// GetJSON loads the envelope under key and unmarshals its state into out.
//
// A stored envelope with a different version is treated as stale: it is
// logged and reported as ErrVersionMismatch so the caller can fall back to
// a fresh default state.
func GetJSON(ctx context.Context, s Store, logger *slog.Logger, key string, version int, out any) error {
	raw, err := s.Load(ctx, key)
	if err != nil {
		return err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("unmarshal envelope for %q: %w", key, err)
	}
	if env.Version != version {
		if logger != nil {
			logger.Warn("discarding stale persisted state",
				"key", key,
				"stored_version", env.Version,
				"expected_version", version)
		}
		return ErrVersionMismatch
	}
	if err := json.Unmarshal(env.State, out); err != nil {
		return fmt.Errorf("unmarshal state for %q: %w", key, err)
	}
	return nil
}
