package patcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/coffeebreak/papatcher/cache"
)

// Fetcher retrieves the wire bytes for one content object. Remote objects
// are addressed by the digest of the transferred bytes.
//
// Implementations categorize failures by exposing a Temporary() bool method
// on returned errors; errors without one are assumed transient.
type Fetcher interface {
	Fetch(ctx context.Context, dgst digest.Digest) (io.ReadCloser, error)
}

// Download coordinator defaults.
const (
	DefaultMaxConcurrentDownloads = 4
	DefaultMaxRetries             = 3
	DefaultBackoffBase            = 500 * time.Millisecond
	DefaultBackoffMax             = 30 * time.Second
)

// Config bounds the download coordinator.
type Config struct {
	// MaxConcurrentDownloads caps the number of in-flight fetches. Must be
	// > 0; zero selects the default.
	MaxConcurrentDownloads int

	// MaxRetries is the number of re-attempts after a transient failure.
	MaxRetries int

	// BackoffBase and BackoffMax bound the exponential backoff between
	// attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = DefaultMaxConcurrentDownloads
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// TaskState tracks one download task through its lifecycle.
type TaskState uint8

const (
	TaskPending TaskState = iota
	TaskInFlight
	TaskVerified
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskInFlight:
		return "in-flight"
	case TaskVerified:
		return "verified"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ProgressEvent reports a download task state change.
type ProgressEvent struct {
	Digest digest.Digest
	State  TaskState

	// Bytes is the decompressed byte count handled so far; set on
	// TaskVerified (zero when the content was already cached).
	Bytes int64
}

// Coordinator fetches distinct content hashes with bounded parallelism and
// single-flight semantics: concurrent requests for the same digest coalesce
// onto one in-flight task and share its outcome, so identical content is
// never fetched twice at once, even across overlapping Run calls.
type Coordinator struct {
	fetcher  Fetcher
	store    cache.Store
	cfg      Config
	logger   *slog.Logger
	progress func(ProgressEvent)
	group    singleflight.Group
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the logger for download operations.
// If not set, logging is disabled.
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithCoordinatorProgress sets a callback invoked on task state changes.
// The callback must be safe for concurrent use.
func WithCoordinatorProgress(fn func(ProgressEvent)) CoordinatorOption {
	return func(c *Coordinator) {
		c.progress = fn
	}
}

// NewCoordinator creates a download coordinator writing verified content
// into store.
func NewCoordinator(fetcher Fetcher, store cache.Store, cfg Config, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		fetcher: fetcher,
		store:   store,
		cfg:     cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.logger
}

func (c *Coordinator) emit(ev ProgressEvent) {
	if c.progress != nil {
		c.progress(ev)
	}
}

// Run fetches, verifies, and caches the content for every distinct checksum
// among entries. The result maps each distinct checksum to nil (verified and
// cached) or its terminal failure. Failures for independent hashes do not
// block progress on others.
func (c *Coordinator) Run(ctx context.Context, entries []Entry) map[digest.Digest]error {
	tasks := dedupeByChecksum(entries)
	results := make(map[digest.Digest]error, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(c.cfg.MaxConcurrentDownloads))
	)
	for _, entry := range tasks {
		c.emit(ProgressEvent{Digest: entry.Checksum, State: TaskPending})
		wg.Add(1)
		go func(entry Entry) {
			defer wg.Done()
			err := sem.Acquire(ctx, 1)
			if err == nil {
				defer sem.Release(1)
				err = c.fetchOne(ctx, entry)
			}
			mu.Lock()
			results[entry.Checksum] = err
			mu.Unlock()
		}(entry)
	}
	wg.Wait()
	return results
}

// fetchOne resolves one checksum through the single-flight group: one caller
// performs the download, concurrent duplicates await and share its outcome.
func (c *Coordinator) fetchOne(ctx context.Context, entry Entry) error {
	_, err, _ := c.group.Do(entry.Checksum.String(), func() (any, error) {
		return nil, c.download(ctx, entry)
	})
	return err
}

func (c *Coordinator) download(ctx context.Context, entry Entry) error {
	if c.store.Has(entry.Checksum) {
		c.emit(ProgressEvent{Digest: entry.Checksum, State: TaskVerified})
		return nil
	}

	boff := &backoff.Backoff{
		Min:    c.cfg.BackoffBase,
		Max:    c.cfg.BackoffMax,
		Factor: 2,
		Jitter: true,
	}
	attempts := c.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.emit(ProgressEvent{Digest: entry.Checksum, State: TaskInFlight})
		var n int64
		n, err = c.attempt(ctx, entry)
		if err == nil {
			c.emit(ProgressEvent{Digest: entry.Checksum, State: TaskVerified, Bytes: n})
			return nil
		}
		if !retryable(err) || attempt == attempts {
			break
		}
		wait := boff.Duration()
		c.log().Debug("transient download failure",
			"digest", entry.Checksum.String(),
			"attempt", attempt,
			"backoff", wait,
			"error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = attempts
		}
	}
	c.emit(ProgressEvent{Digest: entry.Checksum, State: TaskFailed})
	c.log().Warn("download failed",
		"digest", entry.Checksum.String(),
		"error", err)
	return err
}

// attempt performs one full fetch-verify-cache cycle for entry, returning
// the number of decompressed bytes handled. Each attempt re-fetches from
// scratch; there is no partial-byte resume.
func (c *Coordinator) attempt(ctx context.Context, entry Entry) (int64, error) {
	body, err := c.fetcher.Fetch(ctx, entry.TransferChecksum)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	transfer := entry.TransferChecksum.Verifier()
	wire := io.TeeReader(body, transfer)

	var content io.Reader = wire
	if entry.Compression == CompressionGzip {
		gz, err := gzip.NewReader(wire)
		if err != nil {
			return 0, c.classifyDecodeError(wire, transfer, err)
		}
		defer gz.Close()
		content = gz
	}

	cw, err := c.store.Writer(entry.Checksum)
	if err != nil {
		return 0, err
	}
	verifier := entry.Checksum.Verifier()
	n, err := io.Copy(io.MultiWriter(cw, verifier), content)
	if err != nil {
		_ = cw.Discard()
		if entry.Compression == CompressionGzip {
			return 0, c.classifyDecodeError(wire, transfer, err)
		}
		return 0, err
	}

	// Drain any trailer bytes so the transfer digest covers the whole body.
	if _, err := io.Copy(io.Discard, wire); err != nil {
		_ = cw.Discard()
		return 0, err
	}
	if !transfer.Verified() {
		_ = cw.Discard()
		// Possibly a corrupted intermediate proxy or cache; retried.
		return 0, fmt.Errorf("%w: transfer bytes do not match %s", ErrIntegrity, entry.TransferChecksum)
	}
	if n != entry.Size {
		_ = cw.Discard()
		return 0, &permanentError{fmt.Errorf("%w: got %d bytes, want %d", ErrIntegrity, n, entry.Size)}
	}
	if !verifier.Verified() {
		_ = cw.Discard()
		// The wire bytes were exactly what the manifest promised, so the
		// manifest and content disagree; re-fetching cannot help.
		return 0, &permanentError{fmt.Errorf("%w: decompressed content does not match %s", ErrIntegrity, entry.Checksum)}
	}
	if err := cw.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// classifyDecodeError decides whether a mid-stream gzip failure was caused
// by corrupt transfer bytes (retryable integrity failure) or by a manifest
// that disagrees with its content (fatal decompression failure). The
// remaining body is drained first so the transfer digest is complete.
func (c *Coordinator) classifyDecodeError(wire io.Reader, transfer digest.Verifier, cause error) error {
	if _, err := io.Copy(io.Discard, wire); err != nil {
		return err
	}
	if !transfer.Verified() {
		return fmt.Errorf("%w: transfer corrupted: %v", ErrIntegrity, cause)
	}
	return fmt.Errorf("%w: %v", ErrDecompression, cause)
}

// permanentError marks failures where re-fetching cannot change the outcome.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// retryable reports whether err is worth another fetch attempt. Typed
// errors carrying Temporary() decide for themselves; everything else is
// assumed to be a transient transport fault.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrDecompression) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return true
}

func dedupeByChecksum(entries []Entry) []Entry {
	seen := make(map[digest.Digest]struct{}, len(entries))
	tasks := make([]Entry, 0, len(entries))
	for _, entry := range entries {
		if _, ok := seen[entry.Checksum]; ok {
			continue
		}
		seen[entry.Checksum] = struct{}{}
		tasks = append(tasks, entry)
	}
	return tasks
}
