package patcher

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"

	digest "github.com/opencontainers/go-digest"

	"github.com/coffeebreak/papatcher/cache"
)

// Report is the outcome of one sync run. The run is atomic per file only: a
// failed file leaves prior successfully installed files in place, and a
// subsequent run skips already-correct files.
type Report struct {
	Build     string
	Installed []string
	Skipped   []string
	Failed    []FileResult

	// FetchedBytes counts decompressed bytes obtained over the network
	// during this run; cache hits contribute nothing.
	FetchedBytes int64
}

// Ok reports whether every file reached its target state.
func (r *Report) Ok() bool {
	return len(r.Failed) == 0
}

// Syncer drives one build synchronization: parse the manifest, plan against
// local state, execute downloads, materialize files, and aggregate a report.
type Syncer struct {
	fetcher         Fetcher
	store           cache.Store
	installRoot     string
	cfg             Config
	logger          *slog.Logger
	progress        func(ProgressEvent)
	ignoreInstalled bool
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithLogger sets the logger for the run. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithProgress sets a callback invoked on download task state changes.
// The callback must be safe for concurrent use.
func WithProgress(fn func(ProgressEvent)) Option {
	return func(s *Syncer) {
		s.progress = fn
	}
}

// WithFullSync forces every file to be re-materialized even when the install
// directory already holds correct content. Verified cache entries are still
// reused, so a full sync is mostly disk work, not network work.
func WithFullSync() Option {
	return func(s *Syncer) {
		s.ignoreInstalled = true
	}
}

// NewSyncer creates a Syncer installing under installRoot, caching content
// in store, and fetching missing content through fetcher.
func NewSyncer(fetcher Fetcher, store cache.Store, installRoot string, cfg Config, opts ...Option) *Syncer {
	s := &Syncer{
		fetcher:     fetcher,
		store:       store,
		installRoot: installRoot,
		cfg:         cfg.withDefaults(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.logger
}

// Sync brings the install directory into agreement with the build described
// by manifestRaw.
//
// Per-file failures are collected in the report rather than returned; the
// error is non-nil only when no plan could be formed (ErrManifestFormat) or
// the run was cancelled.
func (s *Syncer) Sync(ctx context.Context, manifestRaw []byte) (*Report, error) {
	manifest, err := ParseManifest(manifestRaw)
	if err != nil {
		return nil, err
	}

	var planOpts []PlanOption
	if s.ignoreInstalled {
		planOpts = append(planOpts, WithIgnoreInstalled())
	}
	plan := BuildPlan(manifest, s.installRoot, s.store, planOpts...)

	report := &Report{Build: manifest.Build}
	var fetched atomic.Int64
	fetches := plan.FetchEntries()
	s.log().Info("sync plan",
		"build", manifest.Build,
		"entries", len(manifest.Entries),
		"fetches", len(fetches))

	var downloads map[digest.Digest]error
	if len(fetches) > 0 {
		coordinator := NewCoordinator(s.fetcher, s.store, s.cfg,
			WithCoordinatorLogger(s.logger),
			WithCoordinatorProgress(func(ev ProgressEvent) {
				if ev.State == TaskVerified {
					fetched.Add(ev.Bytes)
				}
				if s.progress != nil {
					s.progress(ev)
				}
			}))
		downloads = coordinator.Run(ctx, fetches)
	}

	installable := make([]Action, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		switch action.Kind {
		case ActionSkip:
			report.Skipped = append(report.Skipped, action.Entry.Path)
		case ActionFetchThenInstall:
			if err := downloads[action.Entry.Checksum]; err != nil {
				report.Failed = append(report.Failed, FileResult{Path: action.Entry.Path, Err: err})
				continue
			}
			installable = append(installable, action)
		case ActionInstallFromCache:
			installable = append(installable, action)
		}
	}

	installer := NewInstaller(s.installRoot, s.store, WithInstallerLogger(s.logger))
	for _, res := range installer.Install(ctx, installable) {
		if res.Err != nil {
			report.Failed = append(report.Failed, res)
		} else {
			report.Installed = append(report.Installed, res.Path)
		}
	}
	report.FetchedBytes = fetched.Load()

	s.log().Info("sync finished",
		"build", report.Build,
		"installed", len(report.Installed),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed))
	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}
