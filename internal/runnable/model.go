// Package runnable holds qik's core data model: command definitions, their
// dependencies, the concrete runnables produced by template expansion, and
// the fingerprints/cache entries attached to them. See spec.md §3.
package runnable

// CachePolicy controls whether a terminal run is stored to cache.
type CachePolicy string

const (
	// PolicySuccess writes only when the runnable exits zero.
	PolicySuccess CachePolicy = "success"
	// PolicyFinished writes on any terminal exit, success or failure.
	PolicyFinished CachePolicy = "finished"
	// PolicyAlways writes even on externally-signaled termination.
	PolicyAlways CachePolicy = "always"
	// PolicyNever skips caching entirely.
	PolicyNever CachePolicy = "never"
)

// DepKind tags the variant of a Dependency.
type DepKind string

const (
	// DepGlob resolves to the set of tracked files matching a pattern and
	// their content hashes.
	DepGlob DepKind = "glob"
	// DepConst contributes a literal value verbatim.
	DepConst DepKind = "const"
	// DepPydist contributes the installed version string of a named
	// distribution.
	DepPydist DepKind = "pydist"
	// DepCommand contributes the fingerprint of an upstream runnable and
	// imposes a DAG edge.
	DepCommand DepKind = "command"
	// DepPluginEmitted is an opaque variant resolved by invoking a
	// plugin's declared lock command and reading its lockfile artifact.
	DepPluginEmitted DepKind = "plugin-emitted"
)

// Dependency is a declared, tagged-variant dependency of a command
// definition. Only the fields relevant to Kind are populated.
type Dependency struct {
	Kind DepKind

	// DepGlob
	Pattern string

	// DepConst
	Value string

	// DepPydist
	DistName string

	// DepCommand
	CommandName string
	Strict      bool
	Isolated    *bool // nil means "inherit default" (true)

	// DepPluginEmitted
	PluginName string
}

// IsolatedOrDefault returns the effective isolated flag for a command
// dependency edge; edges default to isolated=true per spec §3.
func (d Dependency) IsolatedOrDefault() bool {
	if d.Isolated == nil {
		return true
	}
	return *d.Isolated
}

// CommandDef is the declarative input for a command: a name within a
// namespace, a shell template, dependencies, cache policy, and optional
// space/isolation configuration.
type CommandDef struct {
	// Name is the command's name within its namespace (root, module, or
	// plugin-defined).
	Name string
	// Namespace identifies where the command was declared.
	Namespace string
	// Exec is the shell string, possibly containing {module...}/{space}/
	// {ctx...} placeholders.
	Exec string
	// Deps are the declared dependencies, in declaration order.
	Deps []Dependency
	// Artifacts is the glob list of output paths this command produces.
	Artifacts []string
	// CacheName identifies which configured cache backend to use.
	CacheName string
	// CachePolicy controls when a terminal run is stored.
	CachePolicy CachePolicy
	// Space restricts this command to a specific space, if any.
	Space string
	// Isolated marks this command's default edge isolation.
	Isolated bool
}

// IsParametric reports whether cmd contains any {module...} or {space}
// placeholder, meaning it must be expanded per (space, module) pair.
// Per spec §4.4 rule 1, a command is parametric if ANY field carries a
// placeholder, including an artifact path with no other parametric field.
func (c CommandDef) IsParametric() bool {
	return containsPlaceholder(c.Exec) ||
		containsAnyPlaceholder(c.Deps) ||
		containsPlaceholder(c.Space) ||
		containsAnyPlaceholderStr(c.Artifacts)
}

func containsAnyPlaceholderStr(ss []string) bool {
	for _, s := range ss {
		if containsPlaceholder(s) {
			return true
		}
	}
	return false
}

func containsAnyPlaceholder(deps []Dependency) bool {
	for _, d := range deps {
		if containsPlaceholder(d.Pattern) || containsPlaceholder(d.Value) {
			return true
		}
	}
	return false
}

func containsPlaceholder(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '{' {
			if idx := indexByte(s[i:], '}'); idx >= 0 {
				token := s[i+1 : i+idx]
				if token == "space" || token == "module" ||
					(len(token) > 6 && token[:6] == "space.") ||
					(len(token) > 7 && token[:7] == "module.") {
					return true
				}
			}
		}
	}
	return false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Module is a directory within a space, usable in command templates via
// module.dir / module.pyimport / module.name.
type Module struct {
	Name     string
	Dir      string
	PyImport string
}

// Space pairs a virtual environment, dotenv files, and a set of modules.
type Space struct {
	Name    string
	Venv    string
	Dotenv  []string
	Modules []Module
	Fence   []string
	Root    string
}

// Runnable is a concrete invocation produced by template expansion.
// Its identity is (CommandName, SpaceName, ModuleName); Slug is the
// filesystem-safe key derived from that identity.
type Runnable struct {
	Slug        string
	CommandName string
	SpaceName   string
	ModuleName  string

	// Shell is the resolved shell string with placeholders substituted.
	Shell string
	// Deps is the concrete, resolved dependency list (base deps prepended).
	Deps []Dependency
	// CacheName/CachePolicy/Artifacts come from the owning CommandDef.
	CacheName   string
	CachePolicy CachePolicy
	Artifacts   []string

	// Primary is true when this runnable was explicitly selected rather
	// than pulled in transitively.
	Primary bool
}

// Fingerprint is the fixed-width digest of a runnable's full dependency
// state, computed per spec §4.2.
type Fingerprint string

// CacheEntry is what gets stored/retrieved for a (slug, fingerprint) key.
type CacheEntry struct {
	ExitCode int
	Stdout   []byte
	Manifest []ArtifactManifestEntry
}

// ArtifactManifestEntry records one cached artifact file and its hash.
type ArtifactManifestEntry struct {
	Path string
	Hash string
}
