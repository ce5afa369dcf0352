// Package cache provides content-addressed storage for verified build
// content.
//
// Keys are digests of decompressed file content. Because keys are content
// hashes, two manifest entries with equal digests are interchangeable and a
// blob inserted for one serves both. The store never evicts; pruning is a
// manual, external operation.
package cache

import (
	"errors"
	"io"

	digest "github.com/opencontainers/go-digest"
)

// ErrCacheMiss is returned by Open when no blob exists for the digest.
var ErrCacheMiss = errors.New("cache: content not found")

// Store provides content-addressed blob storage.
//
// Implementations must be safe for concurrent use. Put and Writer must be
// idempotent per digest: concurrent writers targeting the same digest leave
// exactly one blob, and a reader never observes a partially written one.
type Store interface {
	// Has reports whether a blob exists for dgst. Constant-time with
	// respect to blob size.
	Has(dgst digest.Digest) bool

	// Open returns a reader over the blob for dgst.
	// Returns an error wrapping ErrCacheMiss if absent.
	Open(dgst digest.Digest) (io.ReadCloser, error)

	// Put stores content under dgst. A no-op if the blob already exists.
	Put(dgst digest.Digest, content []byte) error

	// Writer returns a Writer for streaming content into the store under
	// dgst. If the blob already exists the returned writer discards input
	// and Commit is a no-op.
	Writer(dgst digest.Digest) (Writer, error)
}

// Writer streams one blob into the store.
//
// Content is written via Write calls. After all content is written:
//   - Call Commit if the content digest was verified successfully
//   - Call Discard if verification failed or an error occurred
//
// Implementations buffer writes in a temporary location and only make the
// blob visible after Commit.
type Writer interface {
	io.Writer

	// Commit finalizes the blob, making it visible to Has and Open.
	Commit() error

	// Discard aborts the write and cleans up temporary data.
	Discard() error
}
