package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/nightlyone/lockfile"

	"github.com/qik-run/qik/internal/runnable"
)

// LocalCache stores entries under a private working directory:
// <private>/cache/<slug>/<fp>/{manifest,out,exit,artifacts/...}, per
// spec §4.3.
type LocalCache struct {
	// PrivateDir is the repo-local private working directory root
	// (e.g. "._qik").
	PrivateDir string
}

// NewLocalCache builds a LocalCache rooted at privateDir.
func NewLocalCache(privateDir string) *LocalCache {
	return &LocalCache{PrivateDir: privateDir}
}

// Name implements Cache.
func (c *LocalCache) Name() string { return "local" }

func (c *LocalCache) entryDir(slug string, fp runnable.Fingerprint) string {
	return filepath.Join(c.PrivateDir, "cache", slug, string(fp))
}

type manifestFile struct {
	Artifacts []runnable.ArtifactManifestEntry `json:"artifacts"`
}

// Get implements Cache. It is side-effect-free apart from restoring
// artifact files when the caller invokes the returned Result's Artifacts
// func — the lookup itself never writes.
func (c *LocalCache) Get(slug string, fp runnable.Fingerprint) (*Result, error) {
	dir := c.entryDir(slug, fp)
	exitBytes, err := os.ReadFile(filepath.Join(dir, "exit"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading exit code: %w", err)
	}
	exitCode, err := strconv.Atoi(string(bytes.TrimSpace(exitBytes)))
	if err != nil {
		return nil, fmt.Errorf("cache: parsing exit code: %w", err)
	}

	stdout, err := os.ReadFile(filepath.Join(dir, "out"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cache: reading stdout: %w", err)
	}

	var manifest manifestFile
	manifestBytes, err := os.ReadFile(filepath.Join(dir, "manifest"))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cache: reading manifest: %w", err)
	}
	if err == nil {
		if jsonErr := json.Unmarshal(manifestBytes, &manifest); jsonErr != nil {
			return nil, fmt.Errorf("cache: parsing manifest: %w", jsonErr)
		}
	}

	artifactsDir := filepath.Join(dir, "artifacts")
	return &Result{
		Entry: runnable.CacheEntry{
			ExitCode: exitCode,
			Stdout:   stdout,
			Manifest: manifest.Artifacts,
		},
		Artifacts: func(destRoot string) error {
			return restoreArtifacts(artifactsDir, destRoot, manifest.Artifacts)
		},
	}, nil
}

// Put implements Cache. It writes into a temp sibling directory and
// renames it into place so a concurrent Get never observes a partial
// entry (spec §4.3 atomicity invariant). A file lock guards the rare
// case of two processes racing to store the same key (e.g. watch-mode
// re-entrancy across a fork), following the narrow role
// github.com/nightlyone/lockfile plays in single-writer-per-resource
// scenarios.
func (c *LocalCache) Put(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, artifactSrcRoot string, artifactPaths []string, policy runnable.CachePolicy) error {
	if !ShouldWrite(policy, entry.ExitCode, false) {
		return nil
	}

	dir := c.entryDir(slug, fp)
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("cache: preparing cache dir: %w", err)
	}

	lockPath := dir + ".lock"
	lock, err := lockfile.New(lockPath)
	if err == nil {
		if lockErr := lock.TryLock(); lockErr == nil {
			defer func() { _ = lock.Unlock() }()
		}
		// If the lock is already held, another writer is storing this
		// exact key concurrently; per spec the last writer's entry must
		// be fully visible, so we still proceed — write-rename below
		// ensures whichever completes last wins atomically.
	}

	tmpDir, err := os.MkdirTemp(filepath.Dir(dir), ".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: creating temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	if err := os.WriteFile(filepath.Join(tmpDir, "exit"), []byte(strconv.Itoa(entry.ExitCode)), 0o644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "out"), entry.Stdout, 0o644); err != nil {
		return err
	}

	manifest := manifestFile{Artifacts: entry.Manifest}
	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "manifest"), manifestBytes, 0o644); err != nil {
		return err
	}

	if len(artifactPaths) > 0 {
		artifactsDir := filepath.Join(tmpDir, "artifacts")
		if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
			return err
		}
		for _, rel := range artifactPaths {
			src := filepath.Join(artifactSrcRoot, rel)
			dst := filepath.Join(artifactsDir, rel)
			if err := copyOrHardlink(src, dst); err != nil {
				return fmt.Errorf("cache: storing artifact %s: %w", rel, err)
			}
		}
	}

	_ = os.RemoveAll(dir)
	if err := os.Rename(tmpDir, dir); err != nil {
		return fmt.Errorf("cache: finalizing cache entry: %w", err)
	}
	return nil
}

func restoreArtifacts(artifactsDir, destRoot string, manifest []runnable.ArtifactManifestEntry) error {
	for _, entry := range manifest {
		src := filepath.Join(artifactsDir, entry.Path)
		dst := filepath.Join(destRoot, entry.Path)
		if err := copyOrHardlink(src, dst); err != nil {
			return fmt.Errorf("cache: restoring artifact %s: %w", entry.Path, err)
		}
	}
	return nil
}

// copyOrHardlink links dst to src's content, falling back to a full copy
// when hardlinking isn't possible (cross-device, or unsupported
// filesystem), per spec §4.3.
func copyOrHardlink(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	_ = os.Remove(dst)
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}
