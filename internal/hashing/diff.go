package hashing

import (
	"fmt"
	"os/exec"
	"path/filepath"
)

// DiffNameOnly returns the repo-root-relative, '/'-separated paths that
// differ between ref and the current working tree (tracked changes plus
// untracked files), for the --since selector (spec §4.6). A distinct
// plumbing invocation from the ls-files/hash-object pair GitSource uses
// for glob hashing, so it is kept as a free function rather than a
// GitSource method.
func DiffNameOnly(repoRoot, ref string) ([]string, error) {
	tracked, err := runDiff(repoRoot, "diff", "--name-only", "-z", ref, "--")
	if err != nil {
		return nil, fmt.Errorf("hashing: git diff --name-only %s: %w", ref, err)
	}
	untracked, err := runDiff(repoRoot, "ls-files", "--others", "--exclude-standard", "-z", "--")
	if err != nil {
		return nil, fmt.Errorf("hashing: git ls-files --others: %w", err)
	}

	seen := make(map[string]struct{}, len(tracked)+len(untracked))
	out := make([]string, 0, len(tracked)+len(untracked))
	for _, p := range append(tracked, untracked...) {
		if p == "" {
			continue
		}
		p = filepath.ToSlash(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func runDiff(repoRoot string, args ...string) ([]string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoRoot
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return splitNul(string(out)), nil
}
