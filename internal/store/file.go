package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gofrs/flock"
)

// File persists each key as one JSON file under a state directory.
//
// Writes go through a temp file plus rename so a crash never leaves a
// half-written envelope behind. A flock-held lock file guards the state
// directory against a second loanproxy process mutating the same state.
type File struct {
	dir  string
	mu   sync.Mutex
	lock *flock.Flock
}

// NewFile creates a file-backed store rooted at dir, creating it if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return &File{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, ".lock")),
	}, nil
}

// keyPath maps a store key to a file path. Keys are component names chosen
// by this codebase, but path separators are rejected defensively.
func (f *File) keyPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid state key %q", key)
	}
	return filepath.Join(f.dir, key+".json"), nil
}

// Load implements Store.
func (f *File) Load(ctx context.Context, key string) ([]byte, error) {
	path, err := f.keyPath(key)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquire state lock: %w", err)
	}
	defer f.unlock()

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read state %q: %w", key, err)
	}
	return raw, nil
}

// Save implements Store.
func (f *File) Save(ctx context.Context, key string, value []byte) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer f.unlock()

	tmp, err := os.CreateTemp(f.dir, key+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write state %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace state %q: %w", key, err)
	}
	return nil
}

// Delete implements Store.
func (f *File) Delete(ctx context.Context, key string) error {
	path, err := f.keyPath(key)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("acquire state lock: %w", err)
	}
	defer f.unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete state %q: %w", key, err)
	}
	return nil
}

func (f *File) unlock() {
	// Unlock errors are unrecoverable here and only affect other processes.
	_ = f.lock.Unlock()
}
