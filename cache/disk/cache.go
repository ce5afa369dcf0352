// Package disk provides a disk-backed content store.
package disk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/coffeebreak/papatcher/cache"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Store implements cache.Store using the local filesystem.
//
// Blobs live at <root>/<algorithm>/<hex prefix>/<hex>. Inserts write to a
// temporary file in the final directory and commit with an atomic rename, so
// concurrent writers for the same digest leave exactly one intact blob.
type Store struct {
	dir            string
	shardPrefixLen int
	dirPerm        os.FileMode
}

// Option configures a disk store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// New creates a disk-backed store rooted at dir.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("store dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	return s, nil
}

// Has reports whether a blob exists for dgst.
func (s *Store) Has(dgst digest.Digest) bool {
	path, err := s.path(dgst)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Open returns a reader over the blob for dgst.
func (s *Store) Open(dgst digest.Digest) (io.ReadCloser, error) {
	path, err := s.path(dgst)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path) //nolint:gosec // path is derived from the digest, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", cache.ErrCacheMiss, dgst)
		}
		return nil, err
	}
	return f, nil
}

// Put stores content under dgst. A no-op if the blob already exists.
func (s *Store) Put(dgst digest.Digest, content []byte) error {
	w, err := s.Writer(dgst)
	if err != nil {
		return err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Discard()
		return err
	}
	return w.Commit()
}

// Writer returns a streaming writer for the blob under dgst.
func (s *Store) Writer(dgst digest.Digest) (cache.Writer, error) {
	path, err := s.path(dgst)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err == nil {
		return &noopWriter{}, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, "blob-*")
	if err != nil {
		return nil, err
	}
	return &diskWriter{
		file:      tmp,
		tmpPath:   tmp.Name(),
		finalPath: path,
	}, nil
}

func (s *Store) path(dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("invalid digest %q: %w", dgst, err)
	}
	hex := dgst.Encoded()
	algo := dgst.Algorithm().String()
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, algo, hex), nil
	}
	prefixLen := s.shardPrefixLen
	if prefixLen > len(hex) {
		prefixLen = len(hex)
	}
	return filepath.Join(s.dir, algo, hex[:prefixLen], hex), nil
}

type diskWriter struct {
	file      *os.File
	tmpPath   string
	finalPath string
}

func (w *diskWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *diskWriter) Commit() error {
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		// A concurrent writer may have committed first; losing the
		// rename race for the same digest is success.
		if _, statErr := os.Stat(w.finalPath); statErr == nil {
			_ = os.Remove(w.tmpPath)
			return nil
		}
		_ = os.Remove(w.tmpPath)
		return err
	}
	return nil
}

func (w *diskWriter) Discard() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	return os.Remove(w.tmpPath)
}

type noopWriter struct{}

func (w *noopWriter) Write(p []byte) (int, error) { return len(p), nil }
func (w *noopWriter) Commit() error               { return nil }
func (w *noopWriter) Discard() error              { return nil }
