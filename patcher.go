// Package patcher synchronizes a local game installation with a remote,
// versioned build.
//
// A sync run flows through four stages:
//   - Parse: decode the build manifest into ordered file entries
//   - Plan: diff the manifest against the install directory and content cache
//   - Download: fetch missing content with bounded parallelism and
//     single-flight deduplication per content hash
//   - Install: materialize verified cache content into the install directory
//
// Content is addressed by the digest of its decompressed bytes, so files
// sharing content are fetched once regardless of how many paths need them.
// All cache inserts and install writes go through a temporary file plus an
// atomic rename; a concurrent reader never observes a partially written blob
// or target file.
package patcher

import (
	"errors"

	"github.com/coffeebreak/papatcher/cache"
)

// Sentinel errors.
var (
	// ErrManifestFormat is returned when a manifest payload is malformed.
	// It aborts the run: no valid plan can be formed from a bad manifest.
	ErrManifestFormat = errors.New("patcher: malformed manifest")

	// ErrIntegrity is returned when content does not match its expected digest.
	ErrIntegrity = errors.New("patcher: hash verification failed")

	// ErrDecompression is returned when a compressed entry cannot be
	// decompressed. It is never retried: the transfer bytes already matched
	// the manifest, so the manifest and content disagree.
	ErrDecompression = errors.New("patcher: decompression failed")

	// ErrInstallIO is returned when a verified blob cannot be written to its
	// target path. It fails only the affected file.
	ErrInstallIO = errors.New("patcher: install write failed")
)

// ErrCacheMiss is re-exported from the cache package.
var ErrCacheMiss = cache.ErrCacheMiss

// Compression identifies the wire encoding of a manifest entry.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionGzip
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	default:
		return "unknown"
	}
}
