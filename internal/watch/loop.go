package watch

import (
	"context"
)

// RerunFunc re-derives the selection from a changed-file set and
// executes it; it returns an error only for fatal (non per-runnable)
// failures.
type RerunFunc func(ctx context.Context, changed []string) error

// Loop drives obs.Changes into rerun, serializing so a new tick's work
// only starts once the previous rerun has returned — the default
// "wait for prior completion, then coalesce" policy from spec §4.8.
// It runs until ctx is cancelled or the observer's channel closes.
func Loop(ctx context.Context, obs *Observer, rerun RerunFunc) error {
	for {
		select {
		case <-ctx.Done():
			return obs.Close()
		case changed, ok := <-obs.Changes:
			if !ok {
				return nil
			}
			if err := rerun(ctx, changed); err != nil {
				return err
			}
		}
	}
}
