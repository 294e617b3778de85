// Package cache implements the cache backends (C3): local, repo-embedded,
// and remote storage of (runnable slug, fingerprint) -> CacheEntry, plus a
// multiplexer that fans reads across them sequentially and writes
// concurrently.
//
// Grounded on turborepo's internal/cache/cache.go cacheMultiplexer, which
// does exactly this: sequential Fetch across priority-ordered caches,
// backfilling higher-priority caches on a lower-priority hit, concurrent
// Put via errgroup.
package cache

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/qik-run/qik/internal/runnable"
)

// Result is what Get returns on a cache hit.
type Result struct {
	Entry     runnable.CacheEntry
	Artifacts func(destRoot string) error // restores artifact files under destRoot
}

// Cache is the C3 contract: (runnable_id, fingerprint) -> entry lookup
// and storage, implemented by Local, Repo, and Remote backends and any
// plugin-registered variant (spec §6 plugin interface).
type Cache interface {
	// Get is idempotent; artifacts are restored only when the caller
	// invokes Result.Artifacts. It is not free of cache writes for every
	// backend: RemoteCache.Get writes a remote hit through to its local
	// copy, and Multiplexer.Get backfills higher-priority backends on a
	// lower-priority hit, so cache-status probing (C6) through either of
	// them can add entries.
	Get(slug string, fp runnable.Fingerprint) (*Result, error)
	// Put stores entry under (slug, fp), gated by policy per spec §4.3.
	// Writes must be atomic: write-rename discipline, invisible to Get
	// until complete.
	Put(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, artifactSrcRoot string, artifactPaths []string, policy runnable.CachePolicy) error
	// Name identifies this backend for --cache-type selection.
	Name() string
}

// ErrMiss is a sentinel a backend may return (wrapped) to signal a cache
// miss. The built-in backends do not return it: they return (nil, nil)
// for a miss and reserve error returns for I/O failures, which the
// Multiplexer and the scheduler treat as a miss (spec §7).
var ErrMiss = errors.New("cache: miss")

// ShouldWrite reports whether policy permits a Put given exitCode and
// whether the run was externally signaled (spec §4.3).
func ShouldWrite(policy runnable.CachePolicy, exitCode int, signaled bool) bool {
	switch policy {
	case runnable.PolicyNever:
		return false
	case runnable.PolicySuccess:
		return exitCode == 0 && !signaled
	case runnable.PolicyFinished:
		return !signaled
	case runnable.PolicyAlways:
		return true
	default:
		return false
	}
}

// Multiplexer fans a single logical Get/Put across several backends in
// priority order, as turborepo's cacheMultiplexer does.
type Multiplexer struct {
	mu       sync.RWMutex
	backends []Cache
	// onDisabled is invoked when a backend reports itself permanently
	// unavailable (e.g. remote cache auth revoked); the backend is then
	// dropped from future operations, matching turborepo's removeCache.
	onDisabled func(c Cache, err error)
}

// NewMultiplexer builds a Multiplexer over backends, highest priority first.
func NewMultiplexer(onDisabled func(Cache, error), backends ...Cache) *Multiplexer {
	if onDisabled == nil {
		onDisabled = func(Cache, error) {}
	}
	return &Multiplexer{backends: backends, onDisabled: onDisabled}
}

// Get tries each backend in priority order, returning the first hit and
// backfilling higher-priority backends with it.
func (m *Multiplexer) Get(slug string, fp runnable.Fingerprint) (*Result, error) {
	m.mu.RLock()
	backends := append([]Cache(nil), m.backends...)
	m.mu.RUnlock()

	for i, c := range backends {
		res, err := c.Get(slug, fp)
		if err != nil {
			var disabled *DisabledError
			if errors.As(err, &disabled) {
				m.remove(c, err)
			}
			// Degrade to miss on this backend and keep checking lower
			// priority ones, per spec §7.
			continue
		}
		if res != nil {
			m.backfill(backends[:i], slug, fp, res.Entry)
			return res, nil
		}
	}
	return nil, nil
}

// Put stores to every backend concurrently and always returns nil, so a
// write failure never fails the runnable. A backend reporting itself
// disabled is removed (through onDisabled); any other backend write
// failure is discarded without being logged or returned.
func (m *Multiplexer) Put(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, artifactSrcRoot string, artifactPaths []string, policy runnable.CachePolicy) error {
	m.mu.RLock()
	backends := append([]Cache(nil), m.backends...)
	m.mu.RUnlock()

	g := &errgroup.Group{}
	var mu sync.Mutex
	var toRemove []Cache
	for _, c := range backends {
		c := c
		g.Go(func() error {
			if err := c.Put(slug, fp, entry, artifactSrcRoot, artifactPaths, policy); err != nil {
				var disabled *DisabledError
				if errors.As(err, &disabled) {
					mu.Lock()
					toRemove = append(toRemove, c)
					mu.Unlock()
					return nil
				}
				// Non-fatal backend I/O failure: discarded; it is
				// neither logged nor a scheduler-visible error.
				return nil
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, c := range toRemove {
		m.remove(c, errDisabled)
	}
	return nil
}

func (m *Multiplexer) backfill(higherPriority []Cache, slug string, fp runnable.Fingerprint, entry runnable.CacheEntry) {
	for _, c := range higherPriority {
		_ = c.Put(slug, fp, entry, "", nil, runnable.PolicyAlways)
	}
}

func (m *Multiplexer) remove(c Cache, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.backends {
		if existing == c {
			m.backends = append(m.backends[:i], m.backends[i+1:]...)
			m.onDisabled(c, err)
			break
		}
	}
}

// Name identifies the multiplexer itself; individual Get/Put calls are
// attributed to whichever backend actually served them via logging, not
// this Name.
func (m *Multiplexer) Name() string { return "multiplexer" }

// DisabledError signals a cache backend is permanently unusable (e.g.
// remote auth revoked) and should be dropped from the multiplexer,
// mirroring turborepo's util.CacheDisabledError.
type DisabledError struct {
	Reason string
}

func (e *DisabledError) Error() string {
	return fmt.Sprintf("cache disabled: %s", e.Reason)
}

var errDisabled = &DisabledError{Reason: "backend reported unavailable"}

// Factory builds a named Cache backend from its configuration. Registered
// statically at bootstrap per spec §9's "static registry" design note,
// satisfying the plugin interface in spec §6 without runtime code loading.
type Factory func(name string, conf map[string]interface{}) (Cache, error)

var factories = map[string]Factory{}

// RegisterFactory adds a cache-type factory to the static registry.
func RegisterFactory(typeName string, f Factory) {
	factories[typeName] = f
}

// Build looks up a registered factory by type name and invokes it.
func Build(typeName, name string, conf map[string]interface{}) (Cache, error) {
	f, ok := factories[typeName]
	if !ok {
		return nil, fmt.Errorf("cache: unknown cache type %q", typeName)
	}
	return f(name, conf)
}
