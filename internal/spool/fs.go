package spool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FSStore keeps bodies on the local filesystem under dir, named by the
// SHA-256 of their content. Writes go to a temporary file first and are
// renamed into place, so a reference either resolves to the complete body
// or not at all.
type FSStore struct {
	dir string
}

// NewFSStore creates the spool directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

// Put implements Store.
func (s *FSStore) Put(_ context.Context, body io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create spool file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		cleanup()
		return "", 0, fmt.Errorf("failed to write spool file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("failed to sync spool file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to close spool file: %w", err)
	}

	ref := hex.EncodeToString(hasher.Sum(nil))
	final := s.path(ref)
	if err := os.MkdirAll(filepath.Dir(final), 0700); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to create spool shard: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to publish spool file: %w", err)
	}
	return ref, size, nil
}

// Open implements Store.
func (s *FSStore) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open spool file: %w", err)
	}
	return f, nil
}

// Delete implements Store.
func (s *FSStore) Delete(_ context.Context, ref string) error {
	err := os.Remove(s.path(ref))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove spool file: %w", err)
	}
	return nil
}

// path shards by the first two hex digits to keep directories small.
func (s *FSStore) path(ref string) string {
	shard := "00"
	if len(ref) >= 2 {
		shard = ref[:2]
	}
	return filepath.Join(s.dir, shard, ref)
}
