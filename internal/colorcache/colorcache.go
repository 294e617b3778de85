// Package colorcache assigns each runnable a stable terminal color for
// the duration of a run, so its prefixed output lines are visually
// distinguishable from its siblings.
//
// Grounded directly on turborepo's cli/internal/colorcache/colorcache.go.
package colorcache

import (
	"sync"

	"github.com/fatih/color"
)

type colorFn = func(format string, a ...interface{}) string

func terminalColors() []colorFn {
	return []colorFn{color.CyanString, color.MagentaString, color.GreenString, color.YellowString, color.BlueString}
}

// ColorCache hands out a consistent color per slug, assigned on first
// use and round-robined across a small fixed palette.
type ColorCache struct {
	mu    sync.Mutex
	index int
	colors []colorFn
	cache  map[string]colorFn
}

// New builds an empty ColorCache.
func New() *ColorCache {
	return &ColorCache{colors: terminalColors(), cache: make(map[string]colorFn)}
}

func (c *ColorCache) colorFor(slug string) colorFn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn, ok := c.cache[slug]; ok {
		return fn
	}
	fn := c.colors[c.index%len(c.colors)]
	c.index++
	c.cache[slug] = fn
	return fn
}

// PrefixFor returns slug rendered in its assigned color with a trailing
// separator, suitable as an output line prefix.
func (c *ColorCache) PrefixFor(slug string) string {
	return c.colorFor(slug)("%s: ", slug)
}
