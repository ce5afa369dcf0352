package patcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/coffeebreak/papatcher/cache"
)

// FileResult is the per-file outcome of installation. Err is nil on success.
type FileResult struct {
	Path string
	Err  error
}

// Installer materializes verified cache content into the install directory.
//
// Each file is written to a temporary sibling and committed with an atomic
// rename, so a concurrently running game process never observes a partially
// written target. Manifest path uniqueness guarantees no two actions share a
// target, so independent files need no ordering.
type Installer struct {
	root   string
	store  cache.Store
	logger *slog.Logger
}

// InstallerOption configures an Installer.
type InstallerOption func(*Installer)

// WithInstallerLogger sets the logger for install operations.
// If not set, logging is disabled.
func WithInstallerLogger(logger *slog.Logger) InstallerOption {
	return func(i *Installer) {
		i.logger = logger
	}
}

// NewInstaller creates an installer writing under root, reading blobs from
// store.
func NewInstaller(root string, store cache.Store, opts ...InstallerOption) *Installer {
	inst := &Installer{root: root, store: store}
	for _, opt := range opts {
		opt(inst)
	}
	return inst
}

func (i *Installer) log() *slog.Logger {
	if i.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return i.logger
}

// Install materializes every non-skip action whose content is present in the
// store. A failed file is reported and does not abort unrelated files;
// cancellation marks the remaining files failed without touching them.
func (i *Installer) Install(ctx context.Context, actions []Action) []FileResult {
	results := make([]FileResult, 0, len(actions))
	for _, action := range actions {
		if action.Kind == ActionSkip {
			continue
		}
		if err := ctx.Err(); err != nil {
			results = append(results, FileResult{Path: action.Entry.Path, Err: err})
			continue
		}
		err := i.installOne(action.Entry)
		if err != nil {
			i.log().Warn("install failed", "path", action.Entry.Path, "error", err)
		} else {
			i.log().Debug("installed", "path", action.Entry.Path, "digest", action.Entry.Checksum.String())
		}
		results = append(results, FileResult{Path: action.Entry.Path, Err: err})
	}
	return results
}

func (i *Installer) installOne(entry Entry) error {
	src, err := i.store.Open(entry.Checksum)
	if err != nil {
		return err
	}
	defer src.Close()

	target := filepath.Join(i.root, filepath.FromSlash(entry.Path))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrInstallIO, err)
	}

	tmp, err := os.CreateTemp(dir, ".papatcher-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInstallIO, err)
	}
	tmpPath := tmp.Name()
	discard := func(cause error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrInstallIO, cause)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		return discard(err)
	}
	mode := os.FileMode(0o644)
	if entry.Executable {
		mode = 0o755
	}
	if err := tmp.Chmod(mode); err != nil {
		return discard(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrInstallIO, err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrInstallIO, err)
	}
	return nil
}
