// Package main is qik's CLI entry point (spec §6).
//
// Grounded on turborepo's cli/internal/cmd/root.go (cobra root command
// shape) and cli/internal/cmd/run/run.go (flag set for a run
// invocation), adapted to qik's own selector/scheduler flags in place
// of turborepo's workspace-scoped ones.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/qik-run/qik/internal/cache"
	"github.com/qik-run/qik/internal/config"
	"github.com/qik-run/qik/internal/depgraph"
	"github.com/qik-run/qik/internal/expand"
	"github.com/qik-run/qik/internal/hashing"
	"github.com/qik-run/qik/internal/qikerr"
	"github.com/qik-run/qik/internal/runnable"
	"github.com/qik-run/qik/internal/sched"
	"github.com/qik-run/qik/internal/selector"
	"github.com/qik-run/qik/internal/ui"
	"github.com/qik-run/qik/internal/watch"
)

type runOpts struct {
	modules     []string
	spaces      []string
	workers     int
	force       bool
	isolated    bool
	watchMode   bool
	since       string
	list        bool
	show        bool
	jsonOut     bool
	requireFail bool
	cacheType     string
	cacheOverride string
	cacheWhen     string
	cacheStatus   string
	profile     string
	verbosity   int
}

func newRootCmd() *cobra.Command {
	opts := &runOpts{}

	root := &cobra.Command{
		Use:   "qik [commands...]",
		Short: "Cached, parallel command runner for modular monorepos",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMain(cmd.Context(), args, opts)
		},
	}

	flags := root.Flags()
	flags.StringArrayVarP(&opts.modules, "module", "m", nil, "restrict selection to this module (repeatable)")
	flags.StringArrayVarP(&opts.spaces, "space", "s", nil, "restrict selection to this space (repeatable)")
	flags.IntVarP(&opts.workers, "workers", "n", runtime.NumCPU(), "number of concurrent worker slots")
	flags.BoolVarP(&opts.force, "force", "f", false, "bypass the cache")
	flags.BoolVar(&opts.isolated, "isolated", false, "do not pull in transitive upstreams marked isolated")
	flags.BoolVar(&opts.watchMode, "watch", false, "watch the filesystem and re-run reactively")
	flags.StringVar(&opts.since, "since", "", "select runnables whose globs changed since this git ref")
	flags.BoolVar(&opts.list, "ls", false, "list the selection without executing")
	flags.BoolVar(&opts.show, "show", false, "print the selection's DAG order without executing")
	flags.BoolVar(&opts.jsonOut, "json", false, "emit --show or the post-run summary as JSON")
	flags.BoolVar(&opts.requireFail, "fail", false, "exit non-zero if the selection is empty")
	flags.StringVar(&opts.cacheType, "cache-type", "", "restrict selection to runnables using this cache backend")
	flags.StringVar(&opts.cacheOverride, "cache", "", "override which configured cache backend is used for this invocation")
	flags.StringVar(&opts.cacheWhen, "cache-when", "", "override cache policy ({success,finished,always,never}) for this invocation")
	flags.StringVar(&opts.cacheStatus, "cache-status", "", "restrict selection to {warm,cold} runnables")
	flags.StringVarP(&opts.profile, "profile", "p", "", "active configuration profile")
	flags.IntVarP(&opts.verbosity, "verbosity", "v", 0, "log verbosity (0-2)")

	return root
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		var qerr *qikerr.Error
		if as(err, &qerr) {
			fmt.Fprintf(os.Stderr, "qik: %s\n", qerr.Error())
			os.Exit(qerr.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "qik: %v\n", err)
		os.Exit(3)
	}
}

// as is a tiny errors.As wrapper kept local so main doesn't need a
// second import line purely for this one call.
func as(err error, target **qikerr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*qikerr.Error); ok {
			*target = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func runMain(ctx context.Context, names []string, opts *runOpts) error {
	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "qik",
		Level: verbosityToLevel(opts.verbosity),
	})

	cfg, err := config.Load(filepath.Join(repoRoot, "qik.toml"))
	if err != nil {
		return err
	}

	privateDir := filepath.Join(repoRoot, "._qik")
	repoDir := ".qik"
	cache.RegisterBuiltins(privateDir, repoRoot, repoDir)

	backends, err := buildCaches(cfg, opts.cacheOverride)
	if err != nil {
		return err
	}
	mux := cache.NewMultiplexer(func(c cache.Cache, err error) {
		logger.Warn("cache backend disabled", "backend", c.Name(), "error", err)
	}, backends...)

	spaces := cfg.BuildSpaces()
	ctxHandle := config.NewCtxHandle(cfg, opts.profile)
	ex := expand.NewExpander(spaces, ctxHandle.Resolve, nil)

	defs, err := cfg.BuildCommandDefs()
	if err != nil {
		return qikerr.Wrap(qikerr.KindConfigParse, "commands", err)
	}

	nodes := make(map[string]*runnable.Runnable)
	for _, def := range defs {
		expanded, err := ex.Expand(def)
		if err != nil {
			return qikerr.Wrap(qikerr.KindConfigParse, def.Name, err)
		}
		for slug, rn := range expanded {
			nodes[slug] = rn
		}
	}

	graph, err := depgraph.BuildFromRunnables(nodes)
	if err != nil {
		return err
	}

	gitSource := hashing.NewGitSource(repoRoot)
	distResolver := &hashing.DistResolver{IgnoreMissing: true}
	sitePackages := func(space string) string {
		sp, ok := spaces[space]
		if !ok || sp.Venv == "" {
			return ""
		}
		if matches, _ := filepath.Glob(filepath.Join(sp.Venv, "lib", "python*", "site-packages")); len(matches) > 0 {
			return matches[0]
		}
		return filepath.Join(sp.Venv, "lib", "site-packages")
	}
	resolver := depgraph.NewResolver(gitSource, distResolver, sitePackages, true, graph, nodes)

	crit := selector.Criteria{
		Names:       names,
		Modules:     opts.modules,
		Spaces:      opts.spaces,
		CacheType:   opts.cacheType,
		CacheStatus: opts.cacheStatus,
		Since:       opts.since,
		Isolated:    opts.isolated,
	}
	prober := &cacheProber{resolver: resolver, cache: mux}
	changedFiles := func(ref string) ([]string, error) {
		return hashing.DiffNameOnly(repoRoot, ref)
	}

	sel, err := selector.Select(nodes, graph, crit, prober, changedFiles)
	if err != nil {
		return qikerr.Wrap(qikerr.KindUnknownCommand, "selection", err)
	}

	if len(sel.Tags) == 0 && opts.requireFail {
		return qikerr.New(qikerr.KindUnknownCommand, "empty selection")
	}
	if opts.list {
		for _, slug := range sel.Slugs() {
			fmt.Println(slug)
		}
		return nil
	}
	if opts.show {
		return printShow(graph, sel, opts.jsonOut)
	}

	selected := make(map[string]bool, len(sel.Tags))
	for slug := range sel.Tags {
		selected[slug] = true
	}
	if opts.cacheWhen != "" {
		policy := config.ToCachePolicy(opts.cacheWhen)
		for slug := range selected {
			nodes[slug].CachePolicy = policy
		}
	}

	sink := ui.NewTerminalSink(os.Stdout, os.Stderr)
	defer sink.Close()

	envFunc := buildEnvFunc(spaces)

	scheduler := &sched.Scheduler{
		Graph:       graph,
		Nodes:       nodes,
		Cache:       mux,
		Fingerprint: resolver.Fingerprint,
		Env:         envFunc,
		Sink:        sink,
		Workers:     opts.workers,
		WorkDir:     repoRoot,
		LogDir:      filepath.Join(privateDir, "out"),
		Force:       opts.force,
	}

	if !opts.watchMode {
		report, err := scheduler.Run(ctx, selected)
		if err != nil {
			return err
		}
		logger.Debug("run complete", "runID", report.RunID, "exitCode", report.ExitCode)
		if opts.jsonOut {
			if err := printRunSummary(report, sel); err != nil {
				return err
			}
		}
		if report.ExitCode != 0 {
			if aggErr := report.Err(); aggErr != nil {
				logger.Error("run failed", "runID", report.RunID, "error", aggErr)
			}
			os.Exit(1)
		}
		return nil
	}

	obs, err := watch.NewObserver(logger, repoRoot, 200*time.Millisecond)
	if err != nil {
		return err
	}
	if err := obs.Start(); err != nil {
		return err
	}
	return watch.Loop(ctx, obs, func(ctx context.Context, changed []string) error {
		// Spec §4.8: each tick re-derives the selection using the
		// watched set as the --since-equivalent change set, then
		// invokes the scheduler on the result. The resolver is reset
		// first so fingerprints reflect the post-change tree rather
		// than replaying whatever was memoized on the prior tick.
		resolver.Reset()

		tickCrit := crit
		tickCrit.Since = watchSinceToken
		tickChangedFiles := func(string) ([]string, error) { return changed, nil }

		tickSel, err := selector.Select(nodes, graph, tickCrit, prober, tickChangedFiles)
		if err != nil {
			return err
		}
		if len(tickSel.Tags) == 0 {
			logger.Info("watch tick: no runnables touched", "changed", len(changed))
			return nil
		}

		tickSelected := make(map[string]bool, len(tickSel.Tags))
		for slug := range tickSel.Tags {
			tickSelected[slug] = true
		}

		report, err := scheduler.Run(ctx, tickSelected)
		if err != nil {
			return err
		}
		logger.Info("watch tick complete", "runID", report.RunID, "exitCode", report.ExitCode)
		return nil
	})
}

// watchSinceToken is a non-empty sentinel assigned to Criteria.Since for
// watch-loop ticks so the selector's --since branch activates; the
// accompanying ChangedFilesFunc ignores the ref argument and returns the
// debounced filesystem-change set directly instead of resolving a git ref.
const watchSinceToken = "<watch>"

func verbosityToLevel(v int) hclog.Level {
	switch {
	case v <= 0:
		return hclog.Warn
	case v == 1:
		return hclog.Info
	default:
		return hclog.Debug
	}
}

func buildCaches(cfg *config.File, override string) ([]cache.Cache, error) {
	if override != "" {
		cc, ok := cfg.Caches[override]
		if !ok {
			return nil, qikerr.New(qikerr.KindUnknownCache, override)
		}
		c, err := cache.Build(cc.Type, override, cc.Opts)
		if err != nil {
			return nil, qikerr.Wrap(qikerr.KindUnknownCache, override, err)
		}
		return []cache.Cache{c}, nil
	}

	out := make([]cache.Cache, 0, len(cfg.Caches))
	for name, cc := range cfg.Caches {
		c, err := cache.Build(cc.Type, name, cc.Opts)
		if err != nil {
			return nil, qikerr.Wrap(qikerr.KindUnknownCache, name, err)
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		out = append(out, func() cache.Cache {
			c, _ := cache.Build("local", "local", nil)
			return c
		}())
	}
	return out, nil
}

// cacheProber adapts a Resolver+Cache pair to selector.Prober.
type cacheProber struct {
	resolver *depgraph.Resolver
	cache    cache.Cache
}

func (p *cacheProber) Fingerprint(slug string) (runnable.Fingerprint, error) {
	return p.resolver.Fingerprint(slug)
}

func (p *cacheProber) Probe(slug string, fp runnable.Fingerprint) (bool, error) {
	res, err := p.cache.Get(slug, fp)
	if err != nil {
		return false, err
	}
	return res != nil, nil
}
