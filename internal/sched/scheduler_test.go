package sched

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qik-run/qik/internal/cache"
	"github.com/qik-run/qik/internal/depgraph"
	"github.com/qik-run/qik/internal/runnable"
)

type fakeSink struct {
	mu       sync.Mutex
	started  []string
	finished map[string]Status
}

func newFakeSink() *fakeSink {
	return &fakeSink{finished: make(map[string]Status)}
}

func (f *fakeSink) Started(slug string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, slug)
}

func (f *fakeSink) Write(slug string, p []byte) {}

func (f *fakeSink) Finished(slug string, status Status, exitCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[slug] = status
}

func fingerprintBySlug(slug string) (runnable.Fingerprint, error) {
	return runnable.Fingerprint(slug), nil
}

func newScheduler(nodes map[string]*runnable.Runnable, graph *depgraph.Graph, sink Sink) *Scheduler {
	return &Scheduler{
		Graph:       graph,
		Nodes:       nodes,
		Fingerprint: fingerprintBySlug,
		Sink:        sink,
		Workers:     4,
		WorkDir:     ".",
		GracePeriod: time.Second,
	}
}

func TestRunExecutesInDependencyOrder(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"a": {Slug: "a", CommandName: "a", Shell: "true"},
		"b": {Slug: "b", CommandName: "b", Shell: "true"},
	}
	g := depgraph.NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	g.AddEdge(depgraph.Edge{Upstream: "a", Downstream: "b", Isolated: true})

	sink := newFakeSink()
	sched := newScheduler(nodes, g, sink)

	report, err := sched.Run(context.Background(), map[string]bool{"a": true, "b": true})
	require.NoError(t, err)
	assert.Equal(t, 0, report.ExitCode)
	assert.Equal(t, StatusSuccess, report.Results["a"].Status)
	assert.Equal(t, StatusSuccess, report.Results["b"].Status)
}

func TestRunPropagatesUpstreamFailure(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"a": {Slug: "a", CommandName: "a", Shell: "false"},
		"b": {Slug: "b", CommandName: "b", Shell: "true"},
	}
	g := depgraph.NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	g.AddEdge(depgraph.Edge{Upstream: "a", Downstream: "b", Isolated: false})

	sched := newScheduler(nodes, g, newFakeSink())
	report, err := sched.Run(context.Background(), map[string]bool{"a": true, "b": true})
	require.NoError(t, err)

	assert.Equal(t, 1, report.ExitCode)
	assert.Equal(t, StatusFailure, report.Results["a"].Status)
	assert.Equal(t, StatusUpstreamFailed, report.Results["b"].Status)
}

func TestRunIsolatedEdgeSurvivesUpstreamFailure(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"a": {Slug: "a", CommandName: "a", Shell: "false"},
		"b": {Slug: "b", CommandName: "b", Shell: "true"},
	}
	g := depgraph.NewGraph()
	g.AddNode("a")
	g.AddNode("b")
	g.AddEdge(depgraph.Edge{Upstream: "a", Downstream: "b", Isolated: true})

	sched := newScheduler(nodes, g, newFakeSink())
	report, err := sched.Run(context.Background(), map[string]bool{"a": true, "b": true})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, report.Results["a"].Status)
	assert.Equal(t, StatusSuccess, report.Results["b"].Status)
}

type fakeCache struct {
	mu  sync.Mutex
	hit map[string]runnable.CacheEntry
	put map[string]runnable.CacheEntry
}

func (c *fakeCache) Get(slug string, fp runnable.Fingerprint) (*cache.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.hit[slug]; ok {
		e := entry
		return &cache.Result{Entry: e}, nil
	}
	return nil, nil
}

func (c *fakeCache) Put(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, artifactSrcRoot string, artifactPaths []string, policy runnable.CachePolicy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.put == nil {
		c.put = make(map[string]runnable.CacheEntry)
	}
	c.put[slug] = entry
	return nil
}

func (c *fakeCache) Name() string { return "fake" }

func TestRunCacheHitSkipsSubprocess(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"a": {Slug: "a", CommandName: "a", Shell: "exit 17", CachePolicy: runnable.PolicySuccess},
	}
	g := depgraph.NewGraph()
	g.AddNode("a")

	sched := newScheduler(nodes, g, newFakeSink())
	sched.Cache = &fakeCache{hit: map[string]runnable.CacheEntry{"a": {ExitCode: 0}}}

	report, err := sched.Run(context.Background(), map[string]bool{"a": true})
	require.NoError(t, err)

	result := report.Results["a"]
	assert.True(t, result.CacheHit)
	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunWritesCacheOnSuccessPolicy(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"a": {Slug: "a", CommandName: "a", Shell: "true", CachePolicy: runnable.PolicySuccess},
	}
	g := depgraph.NewGraph()
	g.AddNode("a")

	fc := &fakeCache{}
	sched := newScheduler(nodes, g, newFakeSink())
	sched.Cache = fc

	_, err := sched.Run(context.Background(), map[string]bool{"a": true})
	require.NoError(t, err)

	_, wrote := fc.put["a"]
	assert.True(t, wrote)
}

func TestRunNeverPolicySkipsCacheWrite(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"a": {Slug: "a", CommandName: "a", Shell: "true", CachePolicy: runnable.PolicyNever},
	}
	g := depgraph.NewGraph()
	g.AddNode("a")

	fc := &fakeCache{}
	sched := newScheduler(nodes, g, newFakeSink())
	sched.Cache = fc

	_, err := sched.Run(context.Background(), map[string]bool{"a": true})
	require.NoError(t, err)

	_, wrote := fc.put["a"]
	assert.False(t, wrote)
}
