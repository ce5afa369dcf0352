// Package testutil provides shared test doubles.
package testutil

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/coffeebreak/papatcher/cache"
)

// MemStore is an in-memory cache.Store for tests.
type MemStore struct {
	mu    sync.Mutex
	blobs map[digest.Digest][]byte
	puts  int
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[digest.Digest][]byte)}
}

var _ cache.Store = (*MemStore)(nil)

func (s *MemStore) Has(dgst digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[dgst]
	return ok
}

func (s *MemStore) Open(dgst digest.Digest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.blobs[dgst]
	if !ok {
		return nil, fmt.Errorf("%w: %s", cache.ErrCacheMiss, dgst)
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (s *MemStore) Put(dgst digest.Digest, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if _, ok := s.blobs[dgst]; ok {
		return nil
	}
	s.blobs[dgst] = append([]byte(nil), content...)
	return nil
}

func (s *MemStore) Writer(dgst digest.Digest) (cache.Writer, error) {
	return &memWriter{store: s, dgst: dgst}, nil
}

// Get returns a stored blob.
func (s *MemStore) Get(dgst digest.Digest) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.blobs[dgst]
	return content, ok
}

// PutCount returns the number of Put/Commit calls observed.
func (s *MemStore) PutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Len returns the number of distinct blobs stored.
func (s *MemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

type memWriter struct {
	store *MemStore
	dgst  digest.Digest
	buf   bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *memWriter) Commit() error {
	return w.store.Put(w.dgst, w.buf.Bytes())
}

func (w *memWriter) Discard() error {
	w.buf.Reset()
	return nil
}
