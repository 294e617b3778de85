package hashing

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitCmd(t, dir, "init")
	runGitCmd(t, dir, "config", "user.email", "qik@example.com")
	runGitCmd(t, dir, "config", "user.name", "qik")
	return dir
}

func runGitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
}

func writeAndTrack(t *testing.T, dir, path, contents string) {
	t.Helper()
	full := filepath.Join(dir, path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(contents), 0o644))
	runGitCmd(t, dir, "add", path)
}

func TestHashGlobsMatchesTrackedFiles(t *testing.T) {
	dir := initTestRepo(t)
	writeAndTrack(t, dir, "src/main.go", "package main\n")
	writeAndTrack(t, dir, "docs/readme.md", "hello\n")
	runGitCmd(t, dir, "commit", "-m", "initial")

	src := NewGitSource(dir)
	hashes, err := src.HashGlobs([]string{"src/**"})
	require.NoError(t, err)
	require.Len(t, hashes, 1)
	assert.Equal(t, "src/main.go", hashes[0].Path)
	assert.NotEmpty(t, hashes[0].Hash)
}

func TestHashGlobsChangesWithContent(t *testing.T) {
	dir := initTestRepo(t)
	writeAndTrack(t, dir, "src/main.go", "package main\n")
	runGitCmd(t, dir, "commit", "-m", "initial")

	src := NewGitSource(dir)
	before, err := src.HashGlobs([]string{"src/**"})
	require.NoError(t, err)

	writeAndTrack(t, dir, "src/main.go", "package main\n\nfunc main() {}\n")
	after, err := src.HashGlobs([]string{"src/**"})
	require.NoError(t, err)

	require.Len(t, before, 1)
	require.Len(t, after, 1)
	assert.NotEqual(t, before[0].Hash, after[0].Hash)
}

func TestHashGlobsExcludesDeletedFiles(t *testing.T) {
	dir := initTestRepo(t)
	writeAndTrack(t, dir, "src/main.go", "package main\n")
	writeAndTrack(t, dir, "src/other.go", "package main\n")
	runGitCmd(t, dir, "commit", "-m", "initial")

	require.NoError(t, os.Remove(filepath.Join(dir, "src/other.go")))

	src := NewGitSource(dir)
	hashes, err := src.HashGlobs([]string{"src/**"})
	require.NoError(t, err)

	var paths []string
	for _, h := range hashes {
		paths = append(paths, h.Path)
	}
	assert.Contains(t, paths, "src/main.go")
	assert.NotContains(t, paths, "src/other.go")
}

func TestHashGlobsEmptyPatternsReturnsNil(t *testing.T) {
	dir := initTestRepo(t)
	src := NewGitSource(dir)
	hashes, err := src.HashGlobs(nil)
	require.NoError(t, err)
	assert.Nil(t, hashes)
}
