// Package config loads qik's declarative TOML configuration (spec §6)
// and resolves context variables per spec §4.4.
//
// The teacher parses its own JSONC turbo.json by hand
// (internal/fs/turbo_json.go) with encoding/json struct tags; qik's
// config is TOML, so it adopts github.com/pelletier/go-toml/v2 — the
// TOML library used elsewhere in the retrieval pack (invowk-cli) — in
// the same "plain struct + tags" style the teacher uses for JSON.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/qik-run/qik/internal/qikerr"
	"github.com/qik-run/qik/internal/runnable"
)

// File is the root of a parsed qik.toml.
type File struct {
	Commands map[string]CommandConfig `toml:"commands"`
	Spaces   map[string]SpaceConfig   `toml:"spaces"`
	Caches   map[string]CacheConfig   `toml:"caches"`
	Plugins  map[string]string        `toml:"plugins"`
	Ctx      map[string]map[string]map[string]interface{} `toml:"ctx"`
	Vars     []VarSpec                `toml:"vars"`
	Base     BaseConfig               `toml:"base"`
}

// CommandConfig is one [commands.NAME] section.
type CommandConfig struct {
	Exec      string       `toml:"exec"`
	Deps      []DepConfig  `toml:"deps"`
	Artifacts []string     `toml:"artifacts"`
	Cache     string       `toml:"cache"`
	CacheWhen string       `toml:"cache-when"`
	Space     string       `toml:"space"`
	Isolated  bool         `toml:"isolated"`
}

// DepConfig is one entry in a command's `deps` list. Exactly one of the
// type-specific fields is meaningful, selected by Type.
type DepConfig struct {
	Type     string `toml:"type"`
	Pattern  string `toml:"pattern"`
	Value    string `toml:"value"`
	Name     string `toml:"name"`
	Strict   bool   `toml:"strict"`
	Isolated *bool  `toml:"isolated"`
}

// SpaceConfig is one [spaces.NAME] section.
type SpaceConfig struct {
	Venv    string   `toml:"venv"`
	Dotenv  []string `toml:"dotenv"`
	Modules []string `toml:"modules"`
	Fence   []string `toml:"fence"`
	Root    string   `toml:"root"`
}

// CacheConfig is one [caches.NAME] section. Backend-specific fields are
// captured opaquely since each cache type's factory interprets them.
type CacheConfig struct {
	Type string
	Opts map[string]interface{}
}

// UnmarshalTOML implements a custom unmarshaler so arbitrary
// backend-specific keys alongside `type` are preserved for the cache
// factory to interpret (spec §6: `[caches.NAME] type, <backend-specific>`).
func (c *CacheConfig) UnmarshalTOML(data interface{}) error {
	m, ok := data.(map[string]interface{})
	if !ok {
		return fmt.Errorf("config: invalid caches entry %T", data)
	}
	c.Opts = make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == "type" {
			if t, ok := v.(string); ok {
				c.Type = t
			}
			continue
		}
		c.Opts[k] = v
	}
	return nil
}

// VarSpec describes a context variable: either a bare name (implying
// string type, not required, no default) or the full form.
type VarSpec struct {
	Name     string
	Type     string
	Default  string
	Required bool
}

// UnmarshalTOML implements a custom unmarshaler so `vars` entries may be
// either a bare string or a full table, per spec §6
// (`vars = [name | {name, type, default, required}]`).
func (v *VarSpec) UnmarshalTOML(data interface{}) error {
	switch val := data.(type) {
	case string:
		v.Name = val
		v.Type = "str"
		return nil
	case map[string]interface{}:
		if name, ok := val["name"].(string); ok {
			v.Name = name
		}
		v.Type = "str"
		if t, ok := val["type"].(string); ok {
			v.Type = t
		}
		if d, ok := val["default"].(string); ok {
			v.Default = d
		}
		if r, ok := val["required"].(bool); ok {
			v.Required = r
		}
		return nil
	default:
		return fmt.Errorf("config: invalid vars entry %T", data)
	}
}

// BaseConfig is the [base] section: deps applied to every command.
type BaseConfig struct {
	Deps []DepConfig `toml:"deps"`
}

// Load reads and parses a qik.toml file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, qikerr.New(qikerr.KindConfigNotFound, path)
	}
	if err != nil {
		return nil, qikerr.Wrap(qikerr.KindConfigParse, path, err)
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, qikerr.Wrap(qikerr.KindConfigParse, path, err)
	}
	return &f, nil
}

// ToDependency converts a parsed DepConfig into the runtime Dependency
// tagged variant.
func (d DepConfig) ToDependency() (runnable.Dependency, error) {
	switch runnable.DepKind(d.Type) {
	case runnable.DepGlob:
		return runnable.Dependency{Kind: runnable.DepGlob, Pattern: d.Pattern}, nil
	case runnable.DepConst:
		return runnable.Dependency{Kind: runnable.DepConst, Value: d.Value}, nil
	case runnable.DepPydist:
		return runnable.Dependency{Kind: runnable.DepPydist, DistName: d.Name}, nil
	case runnable.DepCommand:
		return runnable.Dependency{
			Kind:        runnable.DepCommand,
			CommandName: d.Name,
			Strict:      d.Strict,
			Isolated:    d.Isolated,
		}, nil
	case runnable.DepPluginEmitted:
		return runnable.Dependency{Kind: runnable.DepPluginEmitted, PluginName: d.Name}, nil
	default:
		return runnable.Dependency{}, fmt.Errorf("config: unknown dependency type %q", d.Type)
	}
}

// ToCachePolicy parses a cache-when string into a runnable.CachePolicy,
// defaulting to "success" per common convention when unset.
func ToCachePolicy(s string) runnable.CachePolicy {
	switch runnable.CachePolicy(s) {
	case runnable.PolicySuccess, runnable.PolicyFinished, runnable.PolicyAlways, runnable.PolicyNever:
		return runnable.CachePolicy(s)
	default:
		return runnable.PolicySuccess
	}
}
