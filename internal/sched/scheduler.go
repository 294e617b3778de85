// Package sched implements the scheduler (C7): a bounded worker pool
// that walks the DAG of selected runnables, replaying cache hits and
// executing everything else as a subprocess, propagating failure to
// dependents per spec §4.7.
//
// Grounded on turborepo's cli/internal/run/real_run.go (the
// cache-check-then-exec shape of execContext.exec) and
// cli/internal/core/scheduler.go (semaphore-bounded concurrent walk of
// a DAG); qik replaces the library dag.Walk with an explicit
// coordinator loop since depgraph.Graph does not expose one, per
// spec §5's "coordinator thread owns DAG state, wakes on worker
// completion events" model.
package sched

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/qik-run/qik/internal/cache"
	"github.com/qik-run/qik/internal/depgraph"
	"github.com/qik-run/qik/internal/qikerr"
	"github.com/qik-run/qik/internal/runnable"
	"github.com/qik-run/qik/internal/util"
)

// FingerprintFunc computes a runnable's fingerprint, memoized by the
// caller (depgraph.Resolver.Fingerprint satisfies this).
type FingerprintFunc func(slug string) (runnable.Fingerprint, error)

// EnvFunc composes the additional environment variables for a
// runnable's space: venv activation additions first, then dotenv file
// contents, in that precedence order (spec §4.7 step 3b). The process
// environment is always the base layer beneath these.
type EnvFunc func(spaceName string) ([]string, error)

// Sink receives scheduler output events under its own internal lock
// (spec §5: "accessed under a single lock; workers enqueue output
// events, one rendering thread drains them").
type Sink interface {
	Started(slug string)
	Write(slug string, p []byte)
	Finished(slug string, status Status, exitCode int)
}

// NopSink discards all output; useful for --ls and tests.
type NopSink struct{}

func (NopSink) Started(string)              {}
func (NopSink) Write(string, []byte)        {}
func (NopSink) Finished(string, Status, int) {}

// RunResult is one runnable's outcome.
type RunResult struct {
	Slug        string
	Status      Status
	ExitCode    int
	Fingerprint runnable.Fingerprint
	CacheHit    bool
	Duration    time.Duration
	Err         error
}

// Report is the scheduler's overall outcome.
type Report struct {
	Results map[string]*RunResult
	// ExitCode mirrors spec §6: 1 if any selected runnable Failed or
	// went UpstreamFailed, 0 otherwise (callers add the §6 config/
	// selection-error and --fail special cases on top).
	ExitCode int
	// RunID identifies this scheduler invocation, used to correlate log
	// lines across a run (and across watch-loop ticks, each of which
	// calls Run again against the same long-lived Scheduler).
	RunID string
}

// Err aggregates every selected runnable's non-nil error into a single
// multierror, for callers that want one diagnostic summarizing a failed
// run rather than walking Results themselves. Returns nil if no runnable
// reported an error.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, res := range r.Results {
		if res.Err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", res.Slug, res.Err))
		}
	}
	return result.ErrorOrNil()
}

// Scheduler executes a selected subset of a graph's runnables.
type Scheduler struct {
	Graph    *depgraph.Graph
	Nodes    map[string]*runnable.Runnable
	Cache    cache.Cache
	Fingerprint FingerprintFunc
	Env      EnvFunc
	Sink     Sink

	// Workers bounds concurrent subprocess execution; <=0 means
	// logical-CPU-count default is the caller's responsibility to set.
	Workers int
	// WorkDir is the subprocess working directory (repo root).
	WorkDir string
	// LogDir holds per-runnable log files (out/<slug>.log).
	LogDir string
	// Force bypasses cache lookups (the -f flag) but still writes
	// results back per policy.
	Force bool
	// GracePeriod bounds how long a cancelled subprocess is given to
	// exit before being killed (spec §4.7's cancellation grace period).
	GracePeriod time.Duration
}

type completion struct {
	slug   string
	result *RunResult
}

// Run executes every slug in selected (a set of slugs already expanded
// by the selector), respecting DAG edges restricted to that set, and
// returns a Report once every selected runnable has reached a terminal
// status or the run was cancelled.
func (s *Scheduler) Run(ctx context.Context, selected map[string]bool) (*Report, error) {
	if s.Sink == nil {
		s.Sink = NopSink{}
	}
	if s.GracePeriod <= 0 {
		s.GracePeriod = 5 * time.Second
	}
	runID := uuid.New().String()

	status := make(map[string]Status, len(selected))
	remainingUpstreams := make(map[string]int, len(selected))
	downstreamsOf := make(map[string][]string, len(selected))

	for slug := range selected {
		status[slug] = StatusPending
		count := 0
		for _, e := range s.Graph.Upstreams(slug) {
			if selected[e.Upstream] {
				count++
				downstreamsOf[e.Upstream] = append(downstreamsOf[e.Upstream], slug)
			}
		}
		remainingUpstreams[slug] = count
	}

	results := make(map[string]*RunResult, len(selected))
	sem := util.NewSemaphore(s.Workers)
	// Buffered so workers still in flight after a cancellation can report
	// without a reader, letting wg.Wait return.
	completions := make(chan completion, len(selected))
	var wg sync.WaitGroup

	start := func(slug string) {
		status[slug] = StatusRunning
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()
			res := s.execOne(ctx, slug)
			completions <- completion{slug: slug, result: res}
		}()
	}

	cancelRemaining := func(reason Status) {
		for slug, st := range status {
			if st == StatusPending || st == StatusReady {
				status[slug] = reason
				results[slug] = &RunResult{Slug: slug, Status: reason}
			}
		}
	}

	pending := len(selected)
	for slug, n := range remainingUpstreams {
		if n == 0 {
			status[slug] = StatusReady
			start(slug)
		}
	}

	for pending > 0 {
		select {
		case <-ctx.Done():
			cancelRemaining(StatusSkipped)
			wg.Wait()
			return buildReport(results, runID), ctx.Err()
		case c := <-completions:
			pending--
			results[c.slug] = c.result
			status[c.slug] = c.result.Status

			failed := c.result.Status == StatusFailure || c.result.Status == StatusUpstreamFailed
			for _, d := range downstreamsOf[c.slug] {
				remainingUpstreams[d]--
				if failed && !edgeIsolated(s.Graph, c.slug, d) {
					if status[d] == StatusPending {
						status[d] = StatusUpstreamFailed
						results[d] = &RunResult{Slug: d, Status: StatusUpstreamFailed}
						pending--
						propagateFailure(d, downstreamsOf, status, results, &pending)
						continue
					}
				}
				if remainingUpstreams[d] == 0 && status[d] == StatusPending {
					status[d] = StatusReady
					start(d)
				}
			}
		}
	}
	wg.Wait()
	return buildReport(results, runID), nil
}

// propagateFailure marks every not-yet-terminal downstream of a node
// that just became UpstreamFailed as UpstreamFailed too, unless the
// connecting edge is isolated (spec §4.7 step 4).
func propagateFailure(slug string, downstreamsOf map[string][]string, status map[string]Status, results map[string]*RunResult, pending *int) {
	for _, d := range downstreamsOf[slug] {
		if status[d] == StatusPending {
			status[d] = StatusUpstreamFailed
			results[d] = &RunResult{Slug: d, Status: StatusUpstreamFailed}
			*pending--
			propagateFailure(d, downstreamsOf, status, results, pending)
		}
	}
}

func edgeIsolated(g *depgraph.Graph, upstream, downstream string) bool {
	for _, e := range g.Upstreams(downstream) {
		if e.Upstream == upstream {
			return e.Isolated
		}
	}
	return false
}

func buildReport(results map[string]*RunResult, runID string) *Report {
	exitCode := 0
	for _, r := range results {
		if r.Status == StatusFailure || r.Status == StatusUpstreamFailed {
			exitCode = 1
		}
	}
	return &Report{Results: results, ExitCode: exitCode, RunID: runID}
}

// execOne runs the cache-check-then-exec sequence for a single
// runnable (spec §4.7 step 3).
func (s *Scheduler) execOne(ctx context.Context, slug string) *RunResult {
	rn, ok := s.Nodes[slug]
	if !ok {
		return &RunResult{Slug: slug, Status: StatusFailure, Err: fmt.Errorf("sched: unknown runnable %q", slug)}
	}

	s.Sink.Started(slug)
	start := time.Now()

	fp, err := s.Fingerprint(slug)
	if err != nil {
		s.Sink.Finished(slug, StatusFailure, -1)
		return &RunResult{Slug: slug, Status: StatusFailure, Err: err, Duration: time.Since(start)}
	}

	if !s.Force && rn.CachePolicy != runnable.PolicyNever && s.Cache != nil {
		hit, err := s.Cache.Get(slug, fp)
		if err != nil {
			// A cache read failure is treated as a miss (spec §7).
			hit = nil
		}
		if hit != nil {
			s.Sink.Write(slug, hit.Entry.Stdout)
			destRoot := filepath.Join(s.WorkDir)
			if hit.Artifacts != nil {
				if err := hit.Artifacts(destRoot); err != nil {
					return &RunResult{Slug: slug, Status: StatusFailure, Fingerprint: fp, Err: err, Duration: time.Since(start)}
				}
			}
			s.Sink.Finished(slug, StatusSuccess, hit.Entry.ExitCode)
			return &RunResult{Slug: slug, Status: StatusSuccess, ExitCode: hit.Entry.ExitCode, Fingerprint: fp, CacheHit: true, Duration: time.Since(start)}
		}
	}

	exitCode, stdout, signaled, runErr := s.runSubprocess(ctx, rn)

	status := StatusSuccess
	if signaled && ctx.Err() != nil {
		status = StatusSkipped
	} else if exitCode != 0 {
		status = StatusFailure
	}
	s.Sink.Finished(slug, status, exitCode)

	if s.Cache != nil && status != StatusSkipped {
		if cache.ShouldWrite(rn.CachePolicy, exitCode, signaled) {
			entry := runnable.CacheEntry{ExitCode: exitCode, Stdout: stdout}
			if putErr := s.Cache.Put(slug, fp, entry, s.WorkDir, rn.Artifacts, rn.CachePolicy); putErr != nil {
				runErr = joinErr(runErr, qikerr.Wrap(qikerr.KindCacheIO, slug, putErr))
			}
		}
	}

	return &RunResult{Slug: slug, Status: status, ExitCode: exitCode, Fingerprint: fp, Err: runErr, Duration: time.Since(start)}
}

// runSubprocess spawns rn.Shell under "sh -c", streaming combined
// stdout/stderr to both the sink and a per-runnable log file, and
// returns the captured bytes for cache storage.
func (s *Scheduler) runSubprocess(ctx context.Context, rn *runnable.Runnable) (exitCode int, stdout []byte, signaled bool, err error) {
	// Not exec.CommandContext: that would kill the process as soon as ctx
	// is done, skipping the interrupt-then-grace-period escalation below.
	cmd := exec.Command("sh", "-c", rn.Shell)
	cmd.Dir = s.WorkDir
	cmd.Env = os.Environ()
	if s.Env != nil {
		extra, envErr := s.Env(rn.SpaceName)
		if envErr != nil {
			return -1, nil, false, envErr
		}
		cmd.Env = append(cmd.Env, extra...)
	}

	var buf bytes.Buffer
	var logFile *os.File
	if s.LogDir != "" {
		if mkErr := os.MkdirAll(s.LogDir, 0o755); mkErr == nil {
			logFile, _ = os.Create(filepath.Join(s.LogDir, rn.Slug+".log"))
		}
	}
	if logFile != nil {
		defer func() { _ = logFile.Close() }()
	}

	writer := &teeSink{slug: rn.Slug, sink: s.Sink, buf: &buf, log: logFile}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if startErr := cmd.Start(); startErr != nil {
		return -1, nil, false, startErr
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		return exitStatus(cmd, waitErr), buf.Bytes(), false, nil
	case <-ctx.Done():
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-done:
		case <-time.After(s.GracePeriod):
			_ = cmd.Process.Kill()
			<-done
		}
		return -1, buf.Bytes(), true, ctx.Err()
	}
}

func exitStatus(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func joinErr(a, b error) error {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return fmt.Errorf("%w; %v", a, b)
}

// teeSink fans subprocess output out to the sink and the per-runnable
// log file while also buffering it for the cache entry's stdout blob.
type teeSink struct {
	slug string
	sink Sink
	buf  io.Writer
	log  io.Writer
}

func (t *teeSink) Write(p []byte) (int, error) {
	t.sink.Write(t.slug, p)
	_, _ = t.buf.Write(p)
	if t.log != nil {
		_, _ = t.log.Write(p)
	}
	return len(p), nil
}
