package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsIgnored(t *testing.T) {
	assert.True(t, isIgnored("/repo/.git"))
	assert.True(t, isIgnored("/repo/sub/._qik"))
	assert.False(t, isIgnored("/repo/src"))
}

func TestWatchSetDedupesAndReducesGlobsToDirs(t *testing.T) {
	set := WatchSet(
		[]string{"src/**/*.go", "src/**/*.go", "docs/*.md"},
		[]string{"requirements.lock"},
		[]string{"/venv/lib/site-packages"},
	)
	assert.Contains(t, set, "src")
	assert.Contains(t, set, "docs")
	assert.Contains(t, set, ".")
	assert.Contains(t, set, "/venv/lib/site-packages")

	seen := make(map[string]int)
	for _, p := range set {
		seen[p]++
	}
	for p, n := range seen {
		assert.Equal(t, 1, n, "path %q appeared more than once", p)
	}
}

func TestStaticPrefixStopsAtFirstWildcard(t *testing.T) {
	assert.Equal(t, "src", staticPrefix("src/**/*.go"))
	assert.Equal(t, "docs", staticPrefix("docs/*.md"))
	assert.Equal(t, ".", staticPrefix("qik.toml"))
}

func TestObserverCoalescesBurstIntoSingleTick(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("one"), 0o644))

	obs, err := NewObserver(hclog.NewNullLogger(), root, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, obs.Start())
	defer func() { _ = obs.Close() }()

	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("changed"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case changed := <-obs.Changes:
		assert.Contains(t, changed, "a.txt")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for coalesced change tick")
	}

	select {
	case extra := <-obs.Changes:
		t.Fatalf("expected no second tick, got %v", extra)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestObserverRewatchesNewDirectories(t *testing.T) {
	root := t.TempDir()

	obs, err := NewObserver(hclog.NewNullLogger(), root, 50*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, obs.Start())
	defer func() { _ = obs.Close() }()

	sub := filepath.Join(root, "newdir")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "file.txt"), []byte("x"), 0o644))

	select {
	case changed := <-obs.Changes:
		assert.Contains(t, changed, "newdir/file.txt")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change tick in newly created directory")
	}
}
