package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qik-run/qik/internal/runnable"
)

func TestVenvEnvSetsPathAndVirtualEnv(t *testing.T) {
	env := venvEnv("/repo/.venv")

	var virtualEnv, path string
	for _, e := range env {
		if strings.HasPrefix(e, "VIRTUAL_ENV=") {
			virtualEnv = strings.TrimPrefix(e, "VIRTUAL_ENV=")
		}
		if strings.HasPrefix(e, "PATH=") {
			path = strings.TrimPrefix(e, "PATH=")
		}
	}
	assert.Equal(t, "/repo/.venv", virtualEnv)
	assert.True(t, strings.HasPrefix(path, filepath.Join("/repo/.venv", "bin")))
}

func TestBuildEnvFuncComposesVenvAndDotenv(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenvPath, []byte("API_KEY=secret\n"), 0o644))

	spaces := map[string]runnable.Space{
		"api": {Name: "api", Venv: filepath.Join(dir, ".venv"), Dotenv: []string{dotenvPath}},
	}
	envFunc := buildEnvFunc(spaces)

	env, err := envFunc("api")
	require.NoError(t, err)

	joined := strings.Join(env, "\n")
	assert.Contains(t, joined, "VIRTUAL_ENV="+filepath.Join(dir, ".venv"))
	assert.Contains(t, joined, "API_KEY=secret")
}

func TestBuildEnvFuncUnknownSpaceReturnsNil(t *testing.T) {
	envFunc := buildEnvFunc(map[string]runnable.Space{})
	env, err := envFunc("missing")
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestBuildEnvFuncMissingDotenvFileIsIgnored(t *testing.T) {
	spaces := map[string]runnable.Space{
		"api": {Name: "api", Dotenv: []string{"/does/not/exist/.env"}},
	}
	envFunc := buildEnvFunc(spaces)
	env, err := envFunc("api")
	require.NoError(t, err)
	assert.Empty(t, env)
}
