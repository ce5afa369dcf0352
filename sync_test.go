package patcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	patcher "github.com/coffeebreak/papatcher"
	"github.com/coffeebreak/papatcher/internal/testutil"
)

func manifestRaw(t *testing.T, build string, entries map[string][]byte) []byte {
	t.Helper()
	files := make([]wireFile, 0, len(entries))
	// Stable order keeps failures reproducible.
	for _, path := range sortedKeys(entries) {
		content := entries[path]
		files = append(files, wireFile{
			Path:     path,
			Checksum: digest.FromBytes(content).String(),
			Size:     int64(len(content)),
		})
	}
	return encodeManifest(t, build, files)
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func contentFetcher(entries map[string][]byte) *scriptFetcher {
	byDigest := make(map[digest.Digest][]byte, len(entries))
	for _, content := range entries {
		byDigest[digest.FromBytes(content)] = content
	}
	return newScriptFetcher(func(dgst digest.Digest, _ int) ([]byte, error) {
		content, ok := byDigest[dgst]
		if !ok {
			return nil, &tempErr{msg: "404 not found", temporary: false}
		}
		return content, nil
	})
}

func TestSyncTwoPathsOneHash(t *testing.T) {
	t.Parallel()

	shared := []byte("12345")
	entries := map[string][]byte{
		"a.txt": shared,
		"b.txt": shared,
	}
	fetcher := contentFetcher(entries)
	root := t.TempDir()

	syncer := patcher.NewSyncer(fetcher, testutil.NewMemStore(), root, fastConfig())
	report, err := syncer.Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)

	assert.True(t, report.Ok())
	assert.Equal(t, "b1", report.Build)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, report.Installed)
	assert.Equal(t, 1, fetcher.totalCalls(), "identical content fetched once")
	assert.Equal(t, int64(len(shared)), report.FetchedBytes)

	for _, name := range []string{"a.txt", "b.txt"} {
		got, err := os.ReadFile(filepath.Join(root, name))
		require.NoError(t, err)
		assert.Equal(t, shared, got)
	}
}

func TestSyncSkipsCorrectlyInstalled(t *testing.T) {
	t.Parallel()

	content := []byte("already perfect")
	entries := map[string][]byte{"a.txt": content}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), content, 0o644))

	fetcher := contentFetcher(entries)
	syncer := patcher.NewSyncer(fetcher, testutil.NewMemStore(), root, fastConfig())
	report, err := syncer.Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, report.Skipped)
	assert.Empty(t, report.Installed)
	assert.Equal(t, 0, fetcher.totalCalls(), "skip means zero fetches and zero writes")
	assert.Zero(t, report.FetchedBytes)
}

func TestSyncInstallsFromCacheWithoutFetching(t *testing.T) {
	t.Parallel()

	content := []byte("left over from a previous partial run")
	entries := map[string][]byte{"a.txt": content}
	store := testutil.NewMemStore()
	require.NoError(t, store.Put(digest.FromBytes(content), content))

	fetcher := contentFetcher(entries)
	root := t.TempDir()
	syncer := patcher.NewSyncer(fetcher, store, root, fastConfig())
	report, err := syncer.Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, report.Installed)
	assert.Equal(t, 0, fetcher.totalCalls())
}

func TestSyncRetryThenSuccess(t *testing.T) {
	t.Parallel()

	content := []byte("eventually delivered")
	entries := map[string][]byte{"a.txt": content}
	sum := digest.FromBytes(content)
	fetcher := newScriptFetcher(func(dgst digest.Digest, call int) ([]byte, error) {
		if call <= 2 {
			return nil, &tempErr{msg: "503 service unavailable", temporary: true}
		}
		require.Equal(t, sum, dgst)
		return content, nil
	})

	syncer := patcher.NewSyncer(fetcher, testutil.NewMemStore(), t.TempDir(), fastConfig())
	report, err := syncer.Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)

	assert.True(t, report.Ok(), "transient failures within budget leave no trace in the report")
	assert.Equal(t, []string{"a.txt"}, report.Installed)
}

func TestSyncIntegrityFailureReportedPerPath(t *testing.T) {
	t.Parallel()

	good := []byte("healthy")
	bad := []byte("always corrupted")
	badSum := digest.FromBytes(bad)

	entries := map[string][]byte{
		"good.txt": good,
		"bad1.txt": bad,
		"bad2.txt": bad,
	}
	fetcher := newScriptFetcher(func(dgst digest.Digest, _ int) ([]byte, error) {
		if dgst == badSum {
			return []byte("corrupted on every attempt"), nil
		}
		return good, nil
	})

	cfg := fastConfig()
	syncer := patcher.NewSyncer(fetcher, testutil.NewMemStore(), t.TempDir(), cfg)
	report, err := syncer.Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)

	assert.False(t, report.Ok())
	assert.Equal(t, []string{"good.txt"}, report.Installed, "independent files still succeed")

	require.Len(t, report.Failed, 2, "every path requiring the bad hash is reported")
	failedPaths := []string{report.Failed[0].Path, report.Failed[1].Path}
	assert.ElementsMatch(t, []string{"bad1.txt", "bad2.txt"}, failedPaths)
	for _, failure := range report.Failed {
		assert.ErrorIs(t, failure.Err, patcher.ErrIntegrity)
	}
	assert.Equal(t, cfg.MaxRetries+1, fetcher.callCount(badSum))
}

func TestSyncManifestErrorAbortsRun(t *testing.T) {
	t.Parallel()

	fetcher := newScriptFetcher(func(digest.Digest, int) ([]byte, error) {
		return nil, errors.New("must not be called")
	})
	syncer := patcher.NewSyncer(fetcher, testutil.NewMemStore(), t.TempDir(), fastConfig())

	report, err := syncer.Sync(context.Background(), []byte(`{"files": [{"path": "a"}]}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, patcher.ErrManifestFormat)
	assert.Nil(t, report, "no plan, no report")
	assert.Equal(t, 0, fetcher.totalCalls())
}

func TestSyncFullResyncReusesCache(t *testing.T) {
	t.Parallel()

	content := []byte("installed and cached")
	entries := map[string][]byte{"a.txt": content}
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), content, 0o644))
	store := testutil.NewMemStore()
	require.NoError(t, store.Put(digest.FromBytes(content), content))

	fetcher := contentFetcher(entries)
	syncer := patcher.NewSyncer(fetcher, store, root, fastConfig(), patcher.WithFullSync())
	report, err := syncer.Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)

	assert.Equal(t, []string{"a.txt"}, report.Installed, "full sync re-materializes")
	assert.Empty(t, report.Skipped)
	assert.Equal(t, 0, fetcher.totalCalls(), "full sync still reuses the cache")
}

func TestSyncResumesAfterPartialFailure(t *testing.T) {
	t.Parallel()

	good := []byte("good content")
	flaky := []byte("flaky content")
	flakySum := digest.FromBytes(flaky)
	entries := map[string][]byte{
		"good.txt":  good,
		"flaky.txt": flaky,
	}

	failing := newScriptFetcher(func(dgst digest.Digest, _ int) ([]byte, error) {
		if dgst == flakySum {
			return nil, &tempErr{msg: "403 forbidden", temporary: false}
		}
		return good, nil
	})
	root := t.TempDir()
	store := testutil.NewMemStore()

	report, err := patcher.NewSyncer(failing, store, root, fastConfig()).
		Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)
	assert.Equal(t, []string{"good.txt"}, report.Installed)
	require.Len(t, report.Failed, 1)

	// Next invocation: the remote recovered. The good file is skipped, only
	// the failed one is fetched.
	recovered := contentFetcher(entries)
	report, err = patcher.NewSyncer(recovered, store, root, fastConfig()).
		Sync(context.Background(), manifestRaw(t, "b1", entries))
	require.NoError(t, err)
	assert.True(t, report.Ok())
	assert.Equal(t, []string{"good.txt"}, report.Skipped)
	assert.Equal(t, []string{"flaky.txt"}, report.Installed)
	assert.Equal(t, 1, recovered.totalCalls())
}
