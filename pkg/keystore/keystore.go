// Package keystore supplies the shared secret used to sign and verify
// envelopes. Every source reads its key at call time, so rotation and
// reconfiguration take effect on the next operation.
package keystore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// DefaultKeySize is the length of generated keys (the SHA-512 output size).
const DefaultKeySize = 64

// ErrNoKey is returned when a source has no key to offer.
var ErrNoKey = errors.New("keystore: no key configured")

// KeyStore returns the key used for signing and verification.
type KeyStore interface {
	Key(ctx context.Context) ([]byte, error)
}

// KeyRing is a KeyStore that also retains retired keys. Keys returns the
// active key first, followed by older keys newest first.
type KeyRing interface {
	KeyStore
	Keys(ctx context.Context) ([][]byte, error)
}

// Generate returns n random bytes from crypto/rand.
func Generate(n int) ([]byte, error) {
	key := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("keystore: generate key: %w", err)
	}
	return key, nil
}

// Static holds a single settable key. The zero value has no key.
type Static struct {
	mu  sync.RWMutex
	key []byte
}

// NewStatic returns a Static holding key.
func NewStatic(key []byte) *Static {
	s := &Static{}
	s.Set(key)
	return s
}

// Set replaces the key; the last write wins. A nil key unsets it.
func (s *Static) Set(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.key)
	s.key = bytes.Clone(key)
}

func (s *Static) Key(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrNoKey
	}
	return bytes.Clone(s.key), nil
}

// Env reads the key from an environment variable on every call. Values
// prefixed with "base64:" or "hex:" are decoded; anything else is used as
// raw bytes.
type Env struct {
	Name string
}

func (e Env) Key(_ context.Context) ([]byte, error) {
	val, ok := os.LookupEnv(e.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not set", ErrNoKey, e.Name)
	}
	return DecodeKey(val)
}

// DecodeKey decodes a textual key: "base64:<std base64>", "hex:<hex>", or
// raw text.
func DecodeKey(s string) ([]byte, error) {
	switch {
	case strings.HasPrefix(s, "base64:"):
		key, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
		if err != nil {
			return nil, fmt.Errorf("keystore: decode base64 key: %w", err)
		}
		return key, nil
	case strings.HasPrefix(s, "hex:"):
		key, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return nil, fmt.Errorf("keystore: decode hex key: %w", err)
		}
		return key, nil
	default:
		return []byte(s), nil
	}
}

// EncodeKey renders key in the base64 form accepted by DecodeKey.
func EncodeKey(key []byte) string {
	return "base64:" + base64.StdEncoding.EncodeToString(key)
}
