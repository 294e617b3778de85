// Package hashing implements the hash source (spec §4.1): mapping file
// paths and glob patterns to stable content hashes, and resolving Python
// distribution versions for fingerprinting.
//
// Grounded on turborepo's internal/fs/package_deps_hash.go: its
// git-ls-files + git-status + git-hash-object pipeline,
// adapted to operate over arbitrary glob patterns instead of per-package
// scopes.
package hashing

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// FileHash pairs a repo-root-relative, '/'-separated path with its content
// hash.
type FileHash struct {
	Path string
	Hash string
}

// GitSource resolves glob dependencies and dist versions against a git
// working tree rooted at RepoRoot.
type GitSource struct {
	RepoRoot string
}

// NewGitSource builds a GitSource rooted at repoRoot.
func NewGitSource(repoRoot string) *GitSource {
	return &GitSource{RepoRoot: repoRoot}
}

// HashGlobs resolves the union of patterns against the tracked file set
// (git ls-files, minus deletions reported by git status), hashes each
// matched path's current working-tree content with `git hash-object`, so
// uncommitted edits to tracked files count, and returns the results sorted
// lexicographically by path. Files outside the git index are excluded,
// per spec invariant.
func (g *GitSource) HashGlobs(patterns []string) ([]FileHash, error) {
	if len(patterns) == 0 {
		return nil, nil
	}

	tracked, err := g.lsFiles(patterns)
	if err != nil {
		return nil, fmt.Errorf("hashing: git ls-files: %w", err)
	}

	deleted, err := g.statusDeletions(patterns)
	for _, d := range deleted {
		delete(tracked, d)
	}
	if err != nil {
		return nil, fmt.Errorf("hashing: git status: %w", err)
	}

	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		compiled, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("hashing: invalid glob %q: %w", p, err)
		}
		matchers = append(matchers, compiled)
	}

	var matched []string
	for path := range tracked {
		for _, m := range matchers {
			if m.Match(path) {
				matched = append(matched, path)
				break
			}
		}
	}

	hashes, err := g.hashObjects(matched)
	if err != nil {
		return nil, err
	}

	out := make([]FileHash, 0, len(matched))
	for _, path := range matched {
		out = append(out, FileHash{Path: path, Hash: hashes[path]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// lsFiles returns the set of tracked paths (repo-root-relative, '/'
// separated) matching any of patterns.
func (g *GitSource) lsFiles(patterns []string) (map[string]struct{}, error) {
	args := append([]string{"ls-files", "-z", "--"}, patterns...)
	out, err := g.runGit(args...)
	if err != nil {
		return nil, err
	}
	result := make(map[string]struct{})
	for _, line := range splitNul(out) {
		if line != "" {
			result[filepath.ToSlash(line)] = struct{}{}
		}
	}
	return result, nil
}

// statusDeletions returns tracked paths that git status reports as
// deleted in the working tree or index, so callers can exclude them.
func (g *GitSource) statusDeletions(patterns []string) ([]string, error) {
	args := append([]string{"status", "-u", "-z", "--"}, patterns...)
	out, err := g.runGit(args...)
	if err != nil {
		return nil, err
	}
	var deleted []string
	entries := splitNul(out)
	for i := 0; i < len(entries); i++ {
		entry := entries[i]
		if len(entry) < 3 {
			continue
		}
		x, y, path := entry[0], entry[1], entry[3:]
		if x == 'R' || y == 'R' {
			// Renamed entries are followed by the original path in a
			// second NUL-terminated field; skip it.
			i++
		}
		if x == 'D' || y == 'D' {
			deleted = append(deleted, filepath.ToSlash(path))
		}
	}
	return deleted, nil
}

// hashObjects hashes the current working-tree content of each path via
// `git hash-object --stdin-paths`, one call for the whole batch.
func (g *GitSource) hashObjects(paths []string) (map[string]string, error) {
	result := make(map[string]string, len(paths))
	if len(paths) == 0 {
		return result, nil
	}

	cmd := exec.Command("git", "hash-object", "--stdin-paths")
	cmd.Dir = g.RepoRoot

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("git hash-object: %w", err)
	}

	go func() {
		defer func() { _ = stdin.Close() }()
		for _, p := range paths {
			_, _ = io.WriteString(stdin, strings.ReplaceAll(p, "\n", "\\n")+"\n")
		}
	}()

	scanner := bufio.NewScanner(stdout)
	i := 0
	for scanner.Scan() {
		if i >= len(paths) {
			break
		}
		result[paths[i]] = scanner.Text()
		i++
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("git hash-object: reading output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("git hash-object: %w", err)
	}
	if i != len(paths) {
		return nil, fmt.Errorf("git hash-object: expected %d hashes, got %d", len(paths), i)
	}
	return result, nil
}

func (g *GitSource) runGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = g.RepoRoot
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func splitNul(s string) []string {
	trimmed := strings.TrimSuffix(s, "\x00")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "\x00")
}
