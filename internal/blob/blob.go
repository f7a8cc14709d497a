// Package blob stores raw upload bytes behind an opaque reference. The
// pipeline only ever round-trips refs; nothing outside this package assumes
// anything about their contents.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store is the minimal surface the pipeline needs.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
}

// FSStore keeps blobs on the local filesystem, content-addressed, fanned out
// over two-character prefix directories to keep listings reasonable.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Put writes the bytes and returns their content-addressed ref. Storing the
// same bytes twice is a no-op returning the same ref.
func (s *FSStore) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	path := s.path(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob dir: %w", err)
	}

	// Write-then-rename so a crash never leaves a truncated blob behind.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return ref, nil
}

// Get opens a stored blob for reading.
func (s *FSStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	if !validRef(ref) {
		return nil, fmt.Errorf("invalid blob ref %q", ref)
	}
	f, err := os.Open(s.path(ref))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	return f, nil
}

func (s *FSStore) path(ref string) string {
	return filepath.Join(s.root, ref[:2], ref)
}

func validRef(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	return strings.IndexFunc(ref, func(r rune) bool {
		return !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f')
	}) < 0
}

// MemStore is an in-memory implementation for tests.
type MemStore struct {
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (m *MemStore) Put(_ context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])
	m.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (m *MemStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	data, ok := m.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s not found", ref)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
