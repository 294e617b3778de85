// Package expand implements the command expander (C4): turning
// declarative CommandDefs into the full set of concrete Runnables by
// substituting {module...}/{space}/{ctx...} placeholders across the
// (space, module) pairs in scope.
//
// Grounded on how turborepo's internal/run/scope.go and
// internal/core/engine.go expand a pipeline entry into one package-task
// per workspace; qik generalizes the same "one definition, many
// concrete invocations" shape to spaces and modules instead of
// workspaces.
package expand

import (
	"fmt"
	"strings"

	"github.com/qik-run/qik/internal/runnable"
	"github.com/qik-run/qik/internal/util"
)

// CtxValue resolves a configured context variable by namespace and name.
type CtxValue func(namespace, name string) (string, error)

// Expander expands CommandDefs into Runnables across a set of spaces.
type Expander struct {
	Spaces   map[string]runnable.Space
	Ctx      CtxValue
	BaseDeps []runnable.Dependency
}

// NewExpander builds an Expander over the given spaces.
func NewExpander(spaces map[string]runnable.Space, ctx CtxValue, baseDeps []runnable.Dependency) *Expander {
	return &Expander{Spaces: spaces, Ctx: ctx, BaseDeps: baseDeps}
}

// Expand produces the full runnable table for cmd, keyed by slug, per
// spec §4.4's numbered expansion rules. Base dependencies defined at
// configuration scope are prepended to every runnable's dependency list
// (spec §4.2).
func (e *Expander) Expand(cmd runnable.CommandDef) (map[string]*runnable.Runnable, error) {
	out := make(map[string]*runnable.Runnable)

	if !cmd.IsParametric() {
		space := cmd.Space
		r, err := e.expandOne(cmd, space, runnable.Module{})
		if err != nil {
			return nil, err
		}
		out[r.Slug] = r
		return out, nil
	}

	spaces := e.Spaces
	if cmd.Space != "" {
		sp, ok := e.Spaces[cmd.Space]
		if !ok {
			return nil, fmt.Errorf("expand: command %q references unknown space %q", cmd.Name, cmd.Space)
		}
		spaces = map[string]runnable.Space{cmd.Space: sp}
	}

	for spaceName, space := range spaces {
		if len(space.Modules) == 0 {
			r, err := e.expandOne(cmd, spaceName, runnable.Module{})
			if err != nil {
				return nil, err
			}
			out[r.Slug] = r
			continue
		}
		for _, mod := range space.Modules {
			r, err := e.expandOne(cmd, spaceName, mod)
			if err != nil {
				return nil, err
			}
			out[r.Slug] = r
		}
	}
	return out, nil
}

func (e *Expander) expandOne(cmd runnable.CommandDef, space string, mod runnable.Module) (*runnable.Runnable, error) {
	shell, err := e.substitute(cmd.Exec, space, mod)
	if err != nil {
		return nil, fmt.Errorf("expand: command %q: %w", cmd.Name, err)
	}

	deps := make([]runnable.Dependency, 0, len(e.BaseDeps)+len(cmd.Deps))
	deps = append(deps, e.BaseDeps...)
	for _, d := range cmd.Deps {
		resolved, err := e.substituteDep(d, space, mod)
		if err != nil {
			return nil, fmt.Errorf("expand: command %q dependency: %w", cmd.Name, err)
		}
		deps = append(deps, resolved)
	}

	artifacts := make([]string, len(cmd.Artifacts))
	for i, a := range cmd.Artifacts {
		sub, err := e.substitute(a, space, mod)
		if err != nil {
			return nil, err
		}
		artifacts[i] = sub
	}

	return &runnable.Runnable{
		Slug:        util.Slug(cmd.Name, space, mod.Name),
		CommandName: cmd.Name,
		SpaceName:   space,
		ModuleName:  mod.Name,
		Shell:       shell,
		Deps:        deps,
		CacheName:   cmd.CacheName,
		CachePolicy: cmd.CachePolicy,
		Artifacts:   artifacts,
	}, nil
}

func (e *Expander) substituteDep(d runnable.Dependency, space string, mod runnable.Module) (runnable.Dependency, error) {
	out := d
	var err error
	if d.Pattern != "" {
		out.Pattern, err = e.substitute(d.Pattern, space, mod)
		if err != nil {
			return out, err
		}
	}
	if d.Value != "" {
		out.Value, err = e.substitute(d.Value, space, mod)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// substitute replaces every {module.dir}, {module.pyimport}, {module.name},
// {space}, and {ctx.NAMESPACE.NAME} placeholder in s, per spec §4.4.
func (e *Expander) substitute(s string, space string, mod runnable.Module) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '{' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i:], '}')
		if end < 0 {
			b.WriteString(s[i:])
			break
		}
		token := s[i+1 : i+end]
		replacement, err := e.resolveToken(token, space, mod)
		if err != nil {
			return "", err
		}
		b.WriteString(replacement)
		i += end + 1
	}
	return b.String(), nil
}

func (e *Expander) resolveToken(token, space string, mod runnable.Module) (string, error) {
	switch {
	case token == "space":
		return space, nil
	case token == "module.dir":
		return mod.Dir, nil
	case token == "module.pyimport":
		return mod.PyImport, nil
	case token == "module.name":
		return mod.Name, nil
	case strings.HasPrefix(token, "ctx."):
		rest := strings.TrimPrefix(token, "ctx.")
		parts := strings.SplitN(rest, ".", 2)
		if len(parts) != 2 {
			return "", fmt.Errorf("invalid ctx placeholder {%s}: expected ctx.NAMESPACE.NAME", token)
		}
		if e.Ctx == nil {
			return "", fmt.Errorf("ctx placeholder {%s} used but no context resolver configured", token)
		}
		return e.Ctx(parts[0], parts[1])
	default:
		return "", fmt.Errorf("unknown placeholder {%s}", token)
	}
}
