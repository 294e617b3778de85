package config

import (
	"path/filepath"
	"strings"

	"github.com/qik-run/qik/internal/runnable"
)

// BuildCommandDefs converts the parsed [commands.*] and [base] sections
// into the runtime CommandDef table keyed by name, applying base.deps
// as a prefix to every command's dependency list per spec §4.2.
func (f *File) BuildCommandDefs() (map[string]runnable.CommandDef, error) {
	baseDeps := make([]runnable.Dependency, 0, len(f.Base.Deps))
	for _, d := range f.Base.Deps {
		dep, err := d.ToDependency()
		if err != nil {
			return nil, err
		}
		baseDeps = append(baseDeps, dep)
	}

	out := make(map[string]runnable.CommandDef, len(f.Commands))
	for name, c := range f.Commands {
		deps := make([]runnable.Dependency, 0, len(baseDeps)+len(c.Deps))
		deps = append(deps, baseDeps...)
		for _, d := range c.Deps {
			dep, err := d.ToDependency()
			if err != nil {
				return nil, err
			}
			deps = append(deps, dep)
		}
		out[name] = runnable.CommandDef{
			Name:        name,
			Exec:        c.Exec,
			Deps:        deps,
			Artifacts:   c.Artifacts,
			CacheName:   c.Cache,
			CachePolicy: ToCachePolicy(c.CacheWhen),
			Space:       c.Space,
			Isolated:    c.Isolated,
		}
	}
	return out, nil
}

// BuildSpaces converts the parsed [spaces.*] sections into runtime
// Space values. Each configured module path becomes a Module whose
// Name/Dir/PyImport are derived from that path, for use in
// {module.name}/{module.dir}/{module.pyimport} template placeholders.
func (f *File) BuildSpaces() map[string]runnable.Space {
	out := make(map[string]runnable.Space, len(f.Spaces))
	for name, sc := range f.Spaces {
		mods := make([]runnable.Module, 0, len(sc.Modules))
		for _, dir := range sc.Modules {
			mods = append(mods, runnable.Module{
				Name:     filepath.Base(dir),
				Dir:      dir,
				PyImport: dirToPyImport(dir),
			})
		}
		out[name] = runnable.Space{
			Name:    name,
			Venv:    sc.Venv,
			Dotenv:  sc.Dotenv,
			Modules: mods,
			Fence:   sc.Fence,
			Root:    sc.Root,
		}
	}
	return out
}

func dirToPyImport(dir string) string {
	clean := filepath.ToSlash(filepath.Clean(dir))
	clean = strings.TrimPrefix(clean, "./")
	return strings.ReplaceAll(clean, "/", ".")
}
