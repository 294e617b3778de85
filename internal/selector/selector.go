// Package selector implements the selector (C6): it narrows the full
// runnable table down to the subset a CLI invocation actually wants to
// run, then expands that subset along upstream/downstream edges per
// spec §4.6.
//
// Grounded on turborepo's internal/scope package (scope.go,
// filter.go): a list of independent filters intersected together, then
// expanded along the task graph. qik generalizes "workspace filter" to
// name/module/space/cache-status/since-ref filters and swaps
// turborepo's graph library for depgraph.Graph.
package selector

import (
	"fmt"
	"path"
	"strings"

	mapset "github.com/deckarep/golang-set"
	"github.com/gobwas/glob"

	"github.com/qik-run/qik/internal/depgraph"
	"github.com/qik-run/qik/internal/hashing"
	"github.com/qik-run/qik/internal/runnable"
)

// Criteria bundles the CLI's selection flags (spec §6).
type Criteria struct {
	// Names are positional command-name arguments, each matched either
	// exactly or as a glob (containing '*' or '?').
	Names []string
	// Modules filters to runnables whose ModuleName is in this set
	// (empty means no module filter).
	Modules []string
	// Spaces filters to runnables whose SpaceName is in this set.
	Spaces []string
	// CacheType filters to runnables whose CacheName equals this value.
	CacheType string
	// CacheStatus is "warm", "cold", or "" (no filter). Warm/cold is
	// evaluated by probing the cache via Prober without executing
	// anything, per spec §9's "never touch on hit" open question.
	CacheStatus string
	// Since, if non-empty, is a git ref; any runnable whose glob
	// dependencies intersect the file set changed since that ref is
	// selected.
	Since string
	// Isolated, when true, drops transitive upstreams whose edge is not
	// marked isolated=false.
	Isolated bool
}

// Prober computes a fingerprint and checks cache presence without
// restoring or executing anything — used only for --cache-status.
type Prober interface {
	Fingerprint(slug string) (runnable.Fingerprint, error)
	Probe(slug string, fp runnable.Fingerprint) (hit bool, err error)
}

// ChangedFilesFunc returns the set of repo-root-relative paths changed
// since a git ref (spec §4.6's --since). Grounded on hashing.GitSource's
// plumbing-command approach; kept as a narrow interface here so the
// selector does not import exec machinery directly.
type ChangedFilesFunc func(since string) ([]string, error)

// Tag marks whether a selected node was named directly or pulled in.
type Tag string

const (
	TagPrimary    Tag = "primary"
	TagTransitive Tag = "transitive"
)

// Selection is the selector's output: every selected slug tagged
// primary/transitive. Tags is a map, so neither it nor Slugs has a
// defined order.
type Selection struct {
	Tags map[string]Tag
}

// Slugs returns the selected slugs.
func (s *Selection) Slugs() []string {
	out := make([]string, 0, len(s.Tags))
	for slug := range s.Tags {
		out = append(out, slug)
	}
	return out
}

// Select applies criteria against the full runnable table and graph,
// producing a tagged Selection per spec §4.6.
func Select(
	nodes map[string]*runnable.Runnable,
	graph *depgraph.Graph,
	crit Criteria,
	prober Prober,
	changedFiles ChangedFilesFunc,
) (*Selection, error) {
	primary, err := filterPrimary(nodes, crit, prober, changedFiles)
	if err != nil {
		return nil, err
	}

	tags := make(map[string]Tag, primary.Cardinality())
	for _, v := range primary.ToSlice() {
		tags[v.(string)] = TagPrimary
	}

	// Upstream expansion, honoring --isolated and per-edge isolated=false
	// overrides (spec §4.6, §8 "Isolation correctness").
	for _, v := range primary.ToSlice() {
		slug := v.(string)
		ups := graph.TransitiveUpstreamsFiltered(slug, crit.Isolated)
		for u := range ups {
			if _, already := tags[u]; !already {
				tags[u] = TagTransitive
			}
		}
	}

	// Strict-downstream pull-in: any downstream reachable via a strict
	// edge from a selected node is selected too (spec §4.6, §8 "Strict
	// downstream").
	frontier := make([]string, 0, len(tags))
	for slug := range tags {
		frontier = append(frontier, slug)
	}
	for len(frontier) > 0 {
		slug := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for d := range graph.StrictDownstreams(slug) {
			if _, already := tags[d]; !already {
				tags[d] = TagTransitive
				frontier = append(frontier, d)
			}
		}
	}

	return &Selection{Tags: tags}, nil
}

func filterPrimary(
	nodes map[string]*runnable.Runnable,
	crit Criteria,
	prober Prober,
	changedFiles ChangedFilesFunc,
) (mapset.Set, error) {
	all := mapset.NewThreadUnsafeSet()
	for slug := range nodes {
		all.Add(slug)
	}

	result := all

	if len(crit.Names) > 0 {
		matched := mapset.NewThreadUnsafeSet()
		for slug, rn := range nodes {
			for _, name := range crit.Names {
				if matchesName(name, rn.CommandName) {
					matched.Add(slug)
					break
				}
			}
		}
		result = result.Intersect(matched)
	}

	if len(crit.Modules) > 0 {
		result = result.Intersect(setBy(nodes, crit.Modules, func(r *runnable.Runnable) string { return r.ModuleName }))
	}
	if len(crit.Spaces) > 0 {
		result = result.Intersect(setBy(nodes, crit.Spaces, func(r *runnable.Runnable) string { return r.SpaceName }))
	}
	if crit.CacheType != "" {
		result = result.Intersect(setBy(nodes, []string{crit.CacheType}, func(r *runnable.Runnable) string { return r.CacheName }))
	}

	if crit.CacheStatus != "" {
		if prober == nil {
			return nil, fmt.Errorf("selector: --cache-status requires a cache prober")
		}
		warm := mapset.NewThreadUnsafeSet()
		for _, v := range result.ToSlice() {
			slug := v.(string)
			fp, err := prober.Fingerprint(slug)
			if err != nil {
				return nil, fmt.Errorf("selector: fingerprinting %s for cache-status: %w", slug, err)
			}
			hit, err := prober.Probe(slug, fp)
			if err != nil {
				return nil, fmt.Errorf("selector: probing cache for %s: %w", slug, err)
			}
			if hit {
				warm.Add(slug)
			}
		}
		if crit.CacheStatus == "warm" {
			result = result.Intersect(warm)
		} else {
			result = result.Difference(warm)
		}
	}

	if crit.Since != "" {
		if changedFiles == nil {
			return nil, fmt.Errorf("selector: --since requires a changed-files source")
		}
		changed, err := changedFiles(crit.Since)
		if err != nil {
			return nil, fmt.Errorf("selector: resolving changed files since %q: %w", crit.Since, err)
		}
		touched := mapset.NewThreadUnsafeSet()
		for _, v := range result.ToSlice() {
			slug := v.(string)
			rn := nodes[slug]
			if dependsOnAny(rn, changed) {
				touched.Add(slug)
			}
		}
		result = result.Intersect(touched)
	}

	return result, nil
}

func setBy(nodes map[string]*runnable.Runnable, wanted []string, field func(*runnable.Runnable) string) mapset.Set {
	want := mapset.NewThreadUnsafeSet()
	for _, w := range wanted {
		want.Add(w)
	}
	out := mapset.NewThreadUnsafeSet()
	for slug, rn := range nodes {
		if want.Contains(field(rn)) {
			out.Add(slug)
		}
	}
	return out
}

func matchesName(pattern, name string) bool {
	if !strings.ContainsAny(pattern, "*?") {
		return pattern == name
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// dependsOnAny reports whether rn declares a glob dependency matching any
// path in changed. Patterns are compiled with gobwas/glob the same way
// hashing.GitSource.HashGlobs compiles them, since stdlib path.Match's '*'
// never crosses '/' and would silently miss patterns like "**.py" against
// a nested path.
func dependsOnAny(rn *runnable.Runnable, changed []string) bool {
	for _, dep := range rn.Deps {
		if dep.Kind != runnable.DepGlob {
			continue
		}
		matcher, err := glob.Compile(dep.Pattern, '/')
		if err != nil {
			continue
		}
		for _, c := range changed {
			if matcher.Match(c) {
				return true
			}
		}
	}
	return false
}

// ChangedFilesViaGit adapts hashing.DiffNameOnly (`git diff --name-only
// -z` against ref, plus untracked files from `git ls-files --others`)
// into ChangedFilesFunc form; DiffNameOnly is a free function, separate
// from hashing.GitSource and the ls-files/hash-object pair C1 uses.
func ChangedFilesViaGit(repoRoot, ref string) ([]string, error) {
	return hashing.DiffNameOnly(repoRoot, ref)
}
