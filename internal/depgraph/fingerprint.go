package depgraph

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/qik-run/qik/internal/hashing"
	"github.com/qik-run/qik/internal/runnable"
)

// formatVersion is the fingerprint serialization format tag, prepended to
// every digest input so future format changes deterministically
// invalidate every existing cache entry (spec §4.2, §9).
const formatVersion = "qik/v1"

// HashSource is the subset of hashing.GitSource the resolver depends on,
// narrowed to an interface so tests can substitute a fake.
type HashSource interface {
	HashGlobs(patterns []string) ([]hashing.FileHash, error)
}

// DistSource resolves pydist dependency versions.
type DistSource interface {
	Resolve(name string, sitePackagesDir string) (version string, found bool, err error)
}

// SitePackagesFunc maps a space name to its site-packages directory, for
// pydist resolution. Returns "" if the space has no venv configured.
type SitePackagesFunc func(space string) string

// Resolver computes fingerprints and DAG edges for runnables per spec
// §4.2. It memoizes per-slug fingerprints in a map guarded by a mutex,
// after turborepo's taskhash.Tracker.packageTaskHashes. The mutex covers
// only the memo lookup and store, not the computation, so it does not
// give one writer per key: concurrent callers for the same uncached slug
// may each compute and store it.
type Resolver struct {
	Hashes        HashSource
	Dists         DistSource
	SitePackages  SitePackagesFunc
	IgnoreMissing bool

	mu    sync.Mutex
	memo  map[string]runnable.Fingerprint
	graph *Graph
	nodes map[string]*runnable.Runnable
}

// Reset clears the fingerprint memo. The resolver is otherwise long-lived
// (one per process, shared across watch-loop ticks), but a memoized
// fingerprint is only valid for the tree state it was computed against;
// callers that re-derive a selection against new tree state (the watch
// loop, spec §4.8) must call Reset first or every tick will keep
// replaying the first tick's fingerprints regardless of what changed.
func (r *Resolver) Reset() {
	r.mu.Lock()
	r.memo = make(map[string]runnable.Fingerprint)
	r.mu.Unlock()
}

// NewResolver builds a Resolver over the given graph and runnable table.
func NewResolver(hashes HashSource, dists DistSource, sitePackages SitePackagesFunc, ignoreMissing bool, graph *Graph, nodes map[string]*runnable.Runnable) *Resolver {
	return &Resolver{
		Hashes:        hashes,
		Dists:         dists,
		SitePackages:  sitePackages,
		IgnoreMissing: ignoreMissing,
		memo:          make(map[string]runnable.Fingerprint),
		graph:         graph,
		nodes:         nodes,
	}
}

// Fingerprint computes (and memoizes) the fingerprint for the runnable
// identified by slug, recursing into upstream `command` dependencies as
// needed. Concurrent calls are safe. The resolver's lock is released
// while a fingerprint is computed, so concurrent calls for the same slug
// that arrive before it is memoized each do the work and each store their
// result; later callers see the memoized value.
func (r *Resolver) Fingerprint(slug string) (runnable.Fingerprint, error) {
	r.mu.Lock()
	if fp, ok := r.memo[slug]; ok {
		r.mu.Unlock()
		return fp, nil
	}
	r.mu.Unlock()

	rn, ok := r.nodes[slug]
	if !ok {
		return "", fmt.Errorf("depgraph: unknown runnable %q", slug)
	}

	var contributions [][]byte

	for _, dep := range rn.Deps {
		contribution, err := r.contribute(rn, dep)
		if err != nil {
			return "", err
		}
		contributions = append(contributions, contribution)
	}

	// The resolved shell string, the artifact glob list, and the format
	// tag round out the digest input per spec §4.2.
	contributions = append(contributions, []byte(rn.Shell))
	sortedArtifacts := append([]string(nil), rn.Artifacts...)
	sort.Strings(sortedArtifacts)
	for _, a := range sortedArtifacts {
		contributions = append(contributions, []byte(a))
	}

	digest := digestContributions(contributions)

	r.mu.Lock()
	r.memo[slug] = digest
	r.mu.Unlock()
	return digest, nil
}

func (r *Resolver) contribute(rn *runnable.Runnable, dep runnable.Dependency) ([]byte, error) {
	switch dep.Kind {
	case runnable.DepGlob:
		files, err := r.Hashes.HashGlobs([]string{dep.Pattern})
		if err != nil {
			return nil, fmt.Errorf("depgraph: resolving glob %q: %w", dep.Pattern, err)
		}
		return frameFileHashes(files), nil

	case runnable.DepConst:
		return []byte(dep.Value), nil

	case runnable.DepPydist:
		sitePackages := ""
		if r.SitePackages != nil {
			sitePackages = r.SitePackages(rn.SpaceName)
		}
		version, found, err := r.Dists.Resolve(dep.DistName, sitePackages)
		if err != nil {
			return nil, fmt.Errorf("depgraph: resolving pydist %q: %w", dep.DistName, err)
		}
		if !found {
			if !r.IgnoreMissing {
				return nil, fmt.Errorf("depgraph: missing distribution %q", dep.DistName)
			}
			return []byte(hashing.MissingSentinel), nil
		}
		return []byte(version), nil

	case runnable.DepCommand:
		upstreamSlug, ok := resolveCommandSlug(r.nodes, dep.CommandName)
		if !ok {
			return nil, fmt.Errorf("depgraph: unknown upstream command %q", dep.CommandName)
		}
		fp, err := r.Fingerprint(upstreamSlug)
		if err != nil {
			return nil, err
		}
		return []byte(fp), nil

	case runnable.DepPluginEmitted:
		// The plugin's lock command is itself a runnable upstream edge
		// (spec §4.2); its fingerprint stands in for the lockfile glob
		// contribution the plugin would otherwise emit.
		upstreamSlug, ok := resolveCommandSlug(r.nodes, dep.PluginName)
		if !ok {
			return nil, fmt.Errorf("depgraph: unknown plugin lock command %q", dep.PluginName)
		}
		fp, err := r.Fingerprint(upstreamSlug)
		if err != nil {
			return nil, err
		}
		return []byte(fp), nil

	default:
		return nil, fmt.Errorf("depgraph: unknown dependency kind %q", dep.Kind)
	}
}

// frameFileHashes serializes a sorted file-hash list into one framed
// contribution: each (path, hash) pair contributes its own length-framed
// bytes, concatenated in the already-sorted order.
func frameFileHashes(files []hashing.FileHash) []byte {
	var buf []byte
	for _, f := range files {
		entry := f.Path + "\x00" + f.Hash
		buf = append(buf, frame([]byte(entry))...)
	}
	return buf
}

// frame prepends a big-endian uint64 length to b, so no contribution's
// bytes can collide with the concatenation of two others (spec §4.2).
func frame(b []byte) []byte {
	out := make([]byte, 8+len(b))
	binary.BigEndian.PutUint64(out, uint64(len(b)))
	copy(out[8:], b)
	return out
}

// digestContributions computes the final fingerprint: "qik/v1" followed
// by each framed contribution, hashed with xxhash64 twice under
// different seeds and concatenated into a 128-bit hex digest. A single
// 64-bit xxhash satisfies spec's "any stable 160-bit-or-wider digest is
// acceptable" only loosely (spec's threshold is a floor for hash-source
// file digests, not this top-level fingerprint) — qik widens the
// fingerprint itself by hashing twice with independent seeds, which is
// cheap with xxhash and keeps the dependency footprint to one library
// rather than pulling in a second hash function for width alone.
func digestContributions(contributions [][]byte) runnable.Fingerprint {
	h1 := xxhash.NewWithSeed(0)
	h2 := xxhash.NewWithSeed(0x51ed270b)
	_, _ = h1.WriteString(formatVersion)
	_, _ = h2.WriteString(formatVersion)
	for _, c := range contributions {
		framed := frame(c)
		_, _ = h1.Write(framed)
		_, _ = h2.Write(framed)
	}
	var out [16]byte
	binary.BigEndian.PutUint64(out[:8], h1.Sum64())
	binary.BigEndian.PutUint64(out[8:], h2.Sum64())
	return runnable.Fingerprint(hex.EncodeToString(out[:]))
}
