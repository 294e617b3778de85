package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCommandDefsPrependsBaseDeps(t *testing.T) {
	f := &File{
		Base: BaseConfig{Deps: []DepConfig{{Type: "glob", Pattern: "qik.toml"}}},
		Commands: map[string]CommandConfig{
			"build": {
				Exec:      "echo hi",
				Deps:      []DepConfig{{Type: "glob", Pattern: "src/**"}},
				Artifacts: []string{"dist/**"},
				Cache:     "local",
				CacheWhen: "always",
			},
		},
	}

	defs, err := f.BuildCommandDefs()
	require.NoError(t, err)

	build, ok := defs["build"]
	require.True(t, ok)
	require.Len(t, build.Deps, 2)
	assert.Equal(t, "qik.toml", build.Deps[0].Pattern)
	assert.Equal(t, "src/**", build.Deps[1].Pattern)
	assert.Equal(t, "local", build.CacheName)
}

func TestBuildSpacesDerivesModuleFields(t *testing.T) {
	f := &File{
		Spaces: map[string]SpaceConfig{
			"api": {
				Venv:    ".venv",
				Modules: []string{"services/orders", "services/billing"},
			},
		},
	}

	spaces := f.BuildSpaces()
	sp, ok := spaces["api"]
	require.True(t, ok)
	require.Len(t, sp.Modules, 2)

	byName := make(map[string]string)
	for _, m := range sp.Modules {
		byName[m.Name] = m.PyImport
	}
	assert.Equal(t, "services.orders", byName["orders"])
	assert.Equal(t, "services.billing", byName["billing"])
}

func TestDirToPyImportStripsLeadingDotSlash(t *testing.T) {
	assert.Equal(t, "pkg.sub", dirToPyImport("./pkg/sub"))
	assert.Equal(t, "pkg.sub", dirToPyImport("pkg/sub"))
}
