package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/qik-run/qik/internal/runnable"
)

// RepoCache stores only the manifest (hash, exit code, truncated stdout)
// under a tracked directory: cache/<slug>/<fp>/{manifest,exit}. Artifact
// bytes are never stored here (spec §4.3). Entries are added to the git
// index with intent-to-add semantics so the manifest shows up in `git
// status` without staging its full content.
type RepoCache struct {
	// RepoDir is the tracked directory root (e.g. ".qik"), relative to
	// RepoRoot.
	RepoDir  string
	RepoRoot string
	// StdoutTruncateBytes bounds how much combined stdout/stderr is
	// committed to the tracked manifest.
	StdoutTruncateBytes int
}

// NewRepoCache builds a RepoCache rooted at repoDir within repoRoot.
func NewRepoCache(repoRoot, repoDir string) *RepoCache {
	return &RepoCache{RepoDir: repoDir, RepoRoot: repoRoot, StdoutTruncateBytes: 64 * 1024}
}

// Name implements Cache.
func (c *RepoCache) Name() string { return "repo" }

type repoManifest struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
}

func (c *RepoCache) entryDir(slug string, fp runnable.Fingerprint) string {
	return filepath.Join(c.RepoRoot, c.RepoDir, "cache", slug, string(fp))
}

// Get implements Cache. Artifacts are never restored since RepoCache
// never stores them; Result.Artifacts is a no-op.
func (c *RepoCache) Get(slug string, fp runnable.Fingerprint) (*Result, error) {
	dir := c.entryDir(slug, fp)
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading repo manifest: %w", err)
	}
	var m repoManifest
	if err := json.Unmarshal(manifestBytes, &m); err != nil {
		return nil, fmt.Errorf("cache: parsing repo manifest: %w", err)
	}
	return &Result{
		Entry: runnable.CacheEntry{
			ExitCode: m.ExitCode,
			Stdout:   []byte(m.Stdout),
		},
		Artifacts: func(string) error { return nil },
	}, nil
}

// Put implements Cache. RepoCache never writes artifact bytes, only the
// manifest entry, which it then marks intent-to-add in the git index.
func (c *RepoCache) Put(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, _ string, _ []string, policy runnable.CachePolicy) error {
	if !ShouldWrite(policy, entry.ExitCode, false) {
		return nil
	}

	dir := c.entryDir(slug, fp)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return err
	}

	stdout := entry.Stdout
	if c.StdoutTruncateBytes > 0 && len(stdout) > c.StdoutTruncateBytes {
		stdout = stdout[:c.StdoutTruncateBytes]
	}
	manifestBytes, err := json.Marshal(repoManifest{ExitCode: entry.ExitCode, Stdout: string(stdout)})
	if err != nil {
		return err
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(dir), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	if err := os.WriteFile(filepath.Join(tmpDir, "manifest"), manifestBytes, 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "exit"), []byte(strconv.Itoa(entry.ExitCode)), 0o644); err != nil {
		return err
	}

	_ = os.RemoveAll(dir)
	if err := os.Rename(tmpDir, dir); err != nil {
		return err
	}

	// intent-to-add so the manifest is visible in git status without
	// staging its content, per spec §4.3.
	cmd := exec.Command("git", "add", "--intent-to-add", dir)
	cmd.Dir = c.RepoRoot
	_ = cmd.Run() // best-effort: a missing git binary degrades to local-only bookkeeping

	return nil
}

// EnsureMergeDriver writes the .gitattributes rule and git config
// installing qik's custom merge driver for the repo cache paths: ours on
// merge, theirs on rebase, because the acting party's cache is always
// considered authoritative for the current head (spec §4.3).
func (c *RepoCache) EnsureMergeDriver() error {
	attrsPath := filepath.Join(c.RepoRoot, ".gitattributes")
	rule := fmt.Sprintf("%s/cache/** merge=qik-cache\n", c.RepoDir)

	existing, err := os.ReadFile(attrsPath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if !contains(string(existing), rule) {
		f, err := os.OpenFile(attrsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		if _, err := f.WriteString(rule); err != nil {
			return err
		}
	}

	// `merge.qik-cache.driver` resolves %O/%A/%B at merge/rebase time;
	// qik doesn't ship a custom merge binary, so it points the driver at
	// a shell one-liner instead. Git does NOT swap %A/%B roles during a
	// rebase the way the asymmetry requires: %A is always "the current
	// content" (the branch being rebased onto during a rebase) and %B is
	// always "the other branch's content" (the commit being replayed).
	// So keeping %A unconditionally serves the upstream's cache entry
	// during a rebase, not the acting party's own — the opposite of
	// "ours on merge, theirs on rebase". The driver instead checks
	// whether a rebase is in progress (a rebase-merge or rebase-apply
	// git-path exists) and only then takes %B; otherwise it keeps %A.
	driver := `sh -c 'if [ -d "$(git rev-parse --git-path rebase-merge)" ] || [ -d "$(git rev-parse --git-path rebase-apply)" ]; then cp -f %B %A; else cp -f %A %A.tmp && mv %A.tmp %A; fi'`
	cmd := exec.Command("git", "config", "merge.qik-cache.driver", driver)
	cmd.Dir = c.RepoRoot
	return cmd.Run()
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
