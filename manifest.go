package patcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
)

// Entry describes one file of a build.
type Entry struct {
	// Path is the slash-separated install path relative to the install
	// root. Unique within a manifest.
	Path string

	// Checksum is the digest of the decompressed file content. It is the
	// cache key: two entries with equal checksums are interchangeable
	// regardless of path.
	Checksum digest.Digest

	// Size is the decompressed size in bytes.
	Size int64

	// Compression is the wire encoding of the transferred bytes.
	Compression Compression

	// TransferChecksum is the digest of the bytes transferred over the
	// wire. Equal to Checksum when the entry is not compressed.
	TransferChecksum digest.Digest

	// Executable marks launcher binaries and scripts that must be
	// materialized with the executable bit set.
	Executable bool
}

// Manifest is the authoritative file listing of one build.
type Manifest struct {
	Build   string
	Entries []Entry // manifest order preserved
}

type manifestJSON struct {
	Build string             `json:"build"`
	Files []manifestFileJSON `json:"files"`
}

type manifestFileJSON struct {
	Path             string `json:"path"`
	Checksum         string `json:"checksum"`
	Size             int64  `json:"size"`
	Compressed       bool   `json:"compressed"`
	TransferChecksum string `json:"transferChecksum,omitempty"`
	Executable       bool   `json:"executable,omitempty"`
}

// ParseManifest decodes raw manifest bytes into an ordered set of entries.
//
// The payload is JSON, optionally gzip-compressed (the build service gzips
// manifests in transit); gzip input is detected by its magic bytes. Any
// structural defect (missing fields, invalid digest encoding, negative
// size, duplicate or unsafe path) returns an error wrapping
// ErrManifestFormat.
func ParseManifest(raw []byte) (*Manifest, error) {
	if isGzip(raw) {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrManifestFormat, err)
		}
		raw, err = io.ReadAll(gz)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrManifestFormat, err)
		}
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("%w: gzip: %v", ErrManifestFormat, err)
		}
	}

	var wire manifestJSON
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
	}

	m := &Manifest{
		Build:   wire.Build,
		Entries: make([]Entry, 0, len(wire.Files)),
	}
	seen := make(map[string]struct{}, len(wire.Files))
	for i, f := range wire.Files {
		entry, err := parseEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: file %d: %v", ErrManifestFormat, i, err)
		}
		if _, dup := seen[entry.Path]; dup {
			return nil, fmt.Errorf("%w: duplicate path %q", ErrManifestFormat, entry.Path)
		}
		seen[entry.Path] = struct{}{}
		m.Entries = append(m.Entries, entry)
	}
	return m, nil
}

func parseEntry(f manifestFileJSON) (Entry, error) {
	if f.Path == "" {
		return Entry{}, fmt.Errorf("missing path")
	}
	// fs.ValidPath rejects absolute paths, "..", and backslash tricks;
	// "." would alias the install root itself.
	if !fs.ValidPath(f.Path) || f.Path == "." {
		return Entry{}, fmt.Errorf("unsafe path %q", f.Path)
	}
	if f.Size < 0 {
		return Entry{}, fmt.Errorf("negative size %d for %q", f.Size, f.Path)
	}
	if f.Checksum == "" {
		return Entry{}, fmt.Errorf("missing checksum for %q", f.Path)
	}
	sum, err := digest.Parse(f.Checksum)
	if err != nil {
		return Entry{}, fmt.Errorf("checksum for %q: %v", f.Path, err)
	}

	entry := Entry{
		Path:       f.Path,
		Checksum:   sum,
		Size:       f.Size,
		Executable: f.Executable,
	}
	if !f.Compressed {
		entry.Compression = CompressionNone
		entry.TransferChecksum = sum
		if f.TransferChecksum != "" && f.TransferChecksum != f.Checksum {
			return Entry{}, fmt.Errorf("transfer checksum differs from checksum for uncompressed %q", f.Path)
		}
		return entry, nil
	}

	entry.Compression = CompressionGzip
	if f.TransferChecksum == "" {
		return Entry{}, fmt.Errorf("missing transfer checksum for compressed %q", f.Path)
	}
	tsum, err := digest.Parse(f.TransferChecksum)
	if err != nil {
		return Entry{}, fmt.Errorf("transfer checksum for %q: %v", f.Path, err)
	}
	entry.TransferChecksum = tsum
	return entry, nil
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}
