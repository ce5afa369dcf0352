package patcher

import (
	"bytes"
	"fmt"
	"io"
	"os"

	digest "github.com/opencontainers/go-digest"
)

// Verify streams r and compares its digest against expected.
//
// When size is >= 0 a mismatched byte count fails fast, but the digest is
// always authoritative: content is never accepted on size alone.
func Verify(r io.Reader, expected digest.Digest, size int64) error {
	if err := expected.Validate(); err != nil {
		return fmt.Errorf("%w: invalid digest %q: %v", ErrIntegrity, expected, err)
	}
	verifier := expected.Verifier()
	n, err := io.Copy(verifier, r)
	if err != nil {
		return err
	}
	if size >= 0 && n != size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrIntegrity, n, size)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: content does not match %s", ErrIntegrity, expected)
	}
	return nil
}

// VerifyBytes compares the digest of b against expected.
func VerifyBytes(b []byte, expected digest.Digest) error {
	return Verify(bytes.NewReader(b), expected, -1)
}

// FileDigest computes the digest of the file at path using algo, returning
// the digest and the file's size in bytes.
func FileDigest(path string, algo digest.Algorithm) (digest.Digest, int64, error) {
	f, err := os.Open(path) //nolint:gosec // callers pass install-root derived paths
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digester := algo.Digester()
	n, err := io.Copy(digester.Hash(), f)
	if err != nil {
		return "", 0, err
	}
	return digester.Digest(), n, nil
}
