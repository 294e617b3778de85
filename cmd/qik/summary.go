package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/qik-run/qik/internal/depgraph"
	"github.com/qik-run/qik/internal/sched"
	"github.com/qik-run/qik/internal/selector"
)

// showEntry is one line of --show output: a runnable's slug, whether it
// was explicitly selected or pulled in transitively, and its immediate
// upstream slugs. Grounded on turborepo's internal/runsummary format_text.go
// / format_json.go pair of mirrored formatters for the same summary struct.
type showEntry struct {
	Slug      string   `json:"slug"`
	Tag       string   `json:"tag"`
	Upstreams []string `json:"upstreams"`
}

// printShow prints the topo-ordered selection without executing anything,
// distinct from --ls (which lists bare slugs with no DAG detail).
func printShow(graph *depgraph.Graph, sel *selector.Selection, asJSON bool) error {
	order, err := graph.TopoOrder()
	if err != nil {
		return err
	}

	entries := make([]showEntry, 0, len(sel.Tags))
	for _, slug := range order {
		tag, ok := sel.Tags[slug]
		if !ok {
			continue
		}
		var ups []string
		for _, e := range graph.Upstreams(slug) {
			if _, selected := sel.Tags[e.Upstream]; selected {
				ups = append(ups, e.Upstream)
			}
		}
		sort.Strings(ups)
		entries = append(entries, showEntry{Slug: slug, Tag: string(tag), Upstreams: ups})
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	for _, e := range entries {
		if len(e.Upstreams) == 0 {
			fmt.Printf("%s [%s]\n", e.Slug, e.Tag)
			continue
		}
		fmt.Printf("%s [%s] <- %v\n", e.Slug, e.Tag, e.Upstreams)
	}
	return nil
}

// runSummaryEntry is one runnable's outcome in the end-of-run --json
// summary, analogous to turborepo's internal/runsummary per-task record.
type runSummaryEntry struct {
	Slug        string `json:"slug"`
	Status      string `json:"status"`
	ExitCode    int    `json:"exitCode"`
	Fingerprint string `json:"fingerprint"`
	CacheHit    bool   `json:"cacheHit"`
	DurationMs  int64  `json:"durationMs"`
	Error       string `json:"error,omitempty"`
}

// printRunSummary flushes the accumulated per-runnable results once the
// run has terminated, following internal/runsummary/run_summary.go's
// "accumulate-then-flush" shape.
func printRunSummary(report *sched.Report, sel *selector.Selection) error {
	slugs := make([]string, 0, len(report.Results))
	for slug := range report.Results {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	entries := make([]runSummaryEntry, 0, len(slugs))
	for _, slug := range slugs {
		r := report.Results[slug]
		entry := runSummaryEntry{
			Slug:        r.Slug,
			Status:      string(r.Status),
			ExitCode:    r.ExitCode,
			Fingerprint: string(r.Fingerprint),
			CacheHit:    r.CacheHit,
			DurationMs:  r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			entry.Error = r.Err.Error()
		}
		entries = append(entries, entry)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}
