package patcher

import (
	"os"
	"path/filepath"

	digest "github.com/opencontainers/go-digest"

	"github.com/coffeebreak/papatcher/cache"
)

// ActionKind classifies the work required for one manifest entry.
type ActionKind uint8

const (
	// ActionSkip means the install directory already holds the correct
	// content at the entry's path.
	ActionSkip ActionKind = iota

	// ActionInstallFromCache means the content is cached and only needs to
	// be materialized.
	ActionInstallFromCache

	// ActionFetchThenInstall means the content must be fetched, verified,
	// and cached before it can be materialized.
	ActionFetchThenInstall
)

func (k ActionKind) String() string {
	switch k {
	case ActionSkip:
		return "skip"
	case ActionInstallFromCache:
		return "install-from-cache"
	case ActionFetchThenInstall:
		return "fetch-then-install"
	default:
		return "unknown"
	}
}

// Action is one planned step, keyed by the entry's path.
type Action struct {
	Kind  ActionKind
	Entry Entry
}

// Plan is the ordered synchronization plan for one run. It is built once
// from one immutable manifest snapshot and consumed within the run.
type Plan struct {
	Build   string
	Actions []Action // manifest order
}

type planner struct {
	ignoreInstalled bool
}

// PlanOption configures plan construction.
type PlanOption func(*planner)

// WithIgnoreInstalled makes the planner disregard files already present in
// the install directory, forcing every entry to be re-materialized from the
// cache (or fetched). Verified cache content is still reused.
func WithIgnoreInstalled() PlanOption {
	return func(p *planner) {
		p.ignoreInstalled = true
	}
}

// BuildPlan diffs the manifest against the install directory and store,
// emitting exactly one Action per manifest entry, in manifest order.
//
// An existing file counts as installed only if its content digest equals the
// entry's checksum; size is checked first as a cheap pre-filter. Files that
// cannot be read are treated as absent rather than failing the plan.
func BuildPlan(m *Manifest, installRoot string, store cache.Store, opts ...PlanOption) *Plan {
	var p planner
	for _, opt := range opts {
		opt(&p)
	}

	plan := &Plan{
		Build:   m.Build,
		Actions: make([]Action, 0, len(m.Entries)),
	}
	for _, entry := range m.Entries {
		kind := ActionFetchThenInstall
		switch {
		case !p.ignoreInstalled && installedMatches(installRoot, entry):
			kind = ActionSkip
		case store.Has(entry.Checksum):
			kind = ActionInstallFromCache
		}
		plan.Actions = append(plan.Actions, Action{Kind: kind, Entry: entry})
	}
	return plan
}

// FetchEntries returns the plan's fetch actions deduplicated by checksum,
// in first-occurrence order. Entries sharing a checksum are interchangeable,
// so one representative per distinct hash is enough for the coordinator.
func (p *Plan) FetchEntries() []Entry {
	seen := make(map[digest.Digest]struct{})
	var entries []Entry
	for _, a := range p.Actions {
		if a.Kind != ActionFetchThenInstall {
			continue
		}
		if _, ok := seen[a.Entry.Checksum]; ok {
			continue
		}
		seen[a.Entry.Checksum] = struct{}{}
		entries = append(entries, a.Entry)
	}
	return entries
}

func installedMatches(root string, entry Entry) bool {
	target := filepath.Join(root, filepath.FromSlash(entry.Path))
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if info.Size() != entry.Size {
		return false
	}
	sum, _, err := FileDigest(target, entry.Checksum.Algorithm())
	if err != nil {
		return false
	}
	return sum == entry.Checksum
}
