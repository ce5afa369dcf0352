package patcher_test

import (
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	patcher "github.com/coffeebreak/papatcher"
	"github.com/coffeebreak/papatcher/internal/testutil"
)

func entryFor(path string, content []byte) patcher.Entry {
	sum := digest.FromBytes(content)
	return patcher.Entry{
		Path:             path,
		Checksum:         sum,
		Size:             int64(len(content)),
		TransferChecksum: sum,
	}
}

func writeInstalled(t *testing.T, root, path string, content []byte) {
	t.Helper()
	target := filepath.Join(root, filepath.FromSlash(path))
	require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o755))
	require.NoError(t, os.WriteFile(target, content, 0o644))
}

func TestBuildPlanOneActionPerEntry(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := testutil.NewMemStore()

	installed := []byte("already here")
	cached := []byte("cached content")
	missing := []byte("needs download")

	writeInstalled(t, root, "ok.txt", installed)
	require.NoError(t, store.Put(digest.FromBytes(cached), cached))

	m := &patcher.Manifest{
		Build: "b7",
		Entries: []patcher.Entry{
			entryFor("ok.txt", installed),
			entryFor("data/cached.bin", cached),
			entryFor("data/new.bin", missing),
		},
	}
	plan := patcher.BuildPlan(m, root, store)

	require.Len(t, plan.Actions, len(m.Entries))
	assert.Equal(t, "b7", plan.Build)
	assert.Equal(t, patcher.ActionSkip, plan.Actions[0].Kind)
	assert.Equal(t, patcher.ActionInstallFromCache, plan.Actions[1].Kind)
	assert.Equal(t, patcher.ActionFetchThenInstall, plan.Actions[2].Kind)
	for i, entry := range m.Entries {
		assert.Equal(t, entry.Path, plan.Actions[i].Entry.Path, "plan preserves manifest order")
	}
}

func TestBuildPlanStaleFileNotSkipped(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := testutil.NewMemStore()

	fresh := []byte("version 2")
	writeInstalled(t, root, "a.txt", []byte("version 1"))

	plan := patcher.BuildPlan(&patcher.Manifest{
		Entries: []patcher.Entry{entryFor("a.txt", fresh)},
	}, root, store)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, patcher.ActionFetchThenInstall, plan.Actions[0].Kind)
}

func TestBuildPlanSizeCollision(t *testing.T) {
	t.Parallel()

	// Same length, different bytes: the size pre-check must not short-circuit
	// into a skip.
	root := t.TempDir()
	writeInstalled(t, root, "a.txt", []byte("aaaa"))

	plan := patcher.BuildPlan(&patcher.Manifest{
		Entries: []patcher.Entry{entryFor("a.txt", []byte("bbbb"))},
	}, root, testutil.NewMemStore())
	assert.Equal(t, patcher.ActionFetchThenInstall, plan.Actions[0].Kind)
}

func TestBuildPlanIgnoreInstalled(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := testutil.NewMemStore()
	content := []byte("present and correct")
	writeInstalled(t, root, "a.txt", content)

	plan := patcher.BuildPlan(&patcher.Manifest{
		Entries: []patcher.Entry{entryFor("a.txt", content)},
	}, root, store, patcher.WithIgnoreInstalled())
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, patcher.ActionFetchThenInstall, plan.Actions[0].Kind,
		"correct files are re-planned when install state is ignored")

	require.NoError(t, store.Put(digest.FromBytes(content), content))
	plan = patcher.BuildPlan(&patcher.Manifest{
		Entries: []patcher.Entry{entryFor("a.txt", content)},
	}, root, store, patcher.WithIgnoreInstalled())
	assert.Equal(t, patcher.ActionInstallFromCache, plan.Actions[0].Kind,
		"cache is still consulted when install state is ignored")
}

func TestPlanFetchEntriesDeduped(t *testing.T) {
	t.Parallel()

	shared := []byte("shared content")
	unique := []byte("unique content")
	plan := patcher.BuildPlan(&patcher.Manifest{
		Entries: []patcher.Entry{
			entryFor("a.txt", shared),
			entryFor("b.txt", shared),
			entryFor("c.txt", unique),
		},
	}, t.TempDir(), testutil.NewMemStore())

	fetches := plan.FetchEntries()
	require.Len(t, fetches, 2, "two paths sharing content need one fetch")
	assert.Equal(t, digest.FromBytes(shared), fetches[0].Checksum)
	assert.Equal(t, digest.FromBytes(unique), fetches[1].Checksum)
}
