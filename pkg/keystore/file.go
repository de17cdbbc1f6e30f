package keystore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fileFormat is the on-disk JSON layout of a File keystore.
type fileFormat struct {
	ActiveVersion int                  `json:"active_version"`
	Keys          map[string]fileEntry `json:"keys"` // version -> entry
}

type fileEntry struct {
	ID        string    `json:"id"`
	Material  string    `json:"material"` // base64
	CreatedAt time.Time `json:"created_at"`
}

// File is a file-backed KeyRing with versioned keys. Rotate generates a new
// active key; older keys stay available for verification.
type File struct {
	mu     sync.RWMutex
	store  fileFormat
	path   string
	keys   map[int][]byte // decoded material
	logger *slog.Logger
}

// OpenFile loads the keystore at path, creating it with a fresh version 1
// key if it does not exist.
func OpenFile(path string) (*File, error) {
	f := &File{
		path:   path,
		keys:   make(map[int][]byte),
		logger: slog.Default().With("component", "keystore", "path", path),
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("keystore: create dir: %w", err)
		}
		f.store = fileFormat{Keys: make(map[string]fileEntry)}
		if _, err := f.addLocked(nil); err != nil {
			return nil, err
		}
		f.logger.Info("created keystore", "active_version", f.store.ActiveVersion)
		return f, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.store); err != nil {
		return nil, fmt.Errorf("keystore: parse %s: %w", path, err)
	}
	if f.store.Keys == nil {
		f.store.Keys = make(map[string]fileEntry)
	}

	for vStr, entry := range f.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("keystore: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(entry.Material)
		if err != nil {
			return nil, fmt.Errorf("keystore: decode key v%d: %w", v, err)
		}
		f.keys[v] = key
	}

	if _, ok := f.keys[f.store.ActiveVersion]; !ok {
		return nil, fmt.Errorf("keystore: active version %d not in %s", f.store.ActiveVersion, path)
	}
	return f, nil
}

// Key returns the active key.
func (f *File) Key(_ context.Context) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	key, ok := f.keys[f.store.ActiveVersion]
	if !ok {
		return nil, ErrNoKey
	}
	return bytes.Clone(key), nil
}

// Keys returns the active key followed by older versions, newest first.
func (f *File) Keys(_ context.Context) ([][]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	versions := make([]int, 0, len(f.keys))
	for v := range f.keys {
		if v != f.store.ActiveVersion {
			versions = append(versions, v)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))

	out := make([][]byte, 0, len(f.keys))
	out = append(out, bytes.Clone(f.keys[f.store.ActiveVersion]))
	for _, v := range versions {
		out = append(out, bytes.Clone(f.keys[v]))
	}
	return out, nil
}

// Import stores an existing key as the new active version.
func (f *File) Import(key []byte) (int, error) {
	if key == nil {
		return 0, fmt.Errorf("keystore: import: %w", ErrNoKey)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addLocked(key)
}

// Rotate generates a new active key and persists the keystore.
func (f *File) Rotate() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, err := f.addLocked(nil)
	if err != nil {
		return 0, err
	}
	f.logger.Info("rotated signing key", "active_version", v, "retained", len(f.keys)-1)
	return v, nil
}

// Retire drops a non-active version. Envelopes signed with it stop verifying.
func (f *File) Retire(version int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if version == f.store.ActiveVersion {
		return fmt.Errorf("keystore: cannot retire active version %d", version)
	}
	vStr := strconv.Itoa(version)
	if _, ok := f.store.Keys[vStr]; !ok {
		return fmt.Errorf("keystore: unknown version %d", version)
	}
	delete(f.store.Keys, vStr)
	clear(f.keys[version])
	delete(f.keys, version)
	return f.persist()
}

// ActiveVersion returns the version of the active key.
func (f *File) ActiveVersion() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.store.ActiveVersion
}

// ActiveID returns the identifier of the active key.
func (f *File) ActiveID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.store.Keys[strconv.Itoa(f.store.ActiveVersion)].ID
}

// addLocked installs key (or a generated one when nil) as the next version.
func (f *File) addLocked(key []byte) (int, error) {
	if key == nil {
		var err error
		if key, err = Generate(DefaultKeySize); err != nil {
			return 0, err
		}
	} else {
		key = bytes.Clone(key)
	}

	next := f.store.ActiveVersion + 1
	for v := range f.keys {
		if v >= next {
			next = v + 1
		}
	}

	f.store.Keys[strconv.Itoa(next)] = fileEntry{
		ID:        uuid.NewString(),
		Material:  base64.StdEncoding.EncodeToString(key),
		CreatedAt: time.Now().UTC(),
	}
	f.store.ActiveVersion = next
	f.keys[next] = key

	if err := f.persist(); err != nil {
		return 0, err
	}
	return next, nil
}

// persist writes the keystore with owner-only permissions.
func (f *File) persist() error {
	data, err := json.MarshalIndent(f.store, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("keystore: write: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("keystore: commit: %w", err)
	}
	return nil
}
