package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/qik-run/qik/internal/runnable"
)

// buildEnvFunc composes a sched.EnvFunc from the configured spaces:
// venv activation additions first, then dotenv file contents, in that
// precedence (spec §4.7 step 3b — later entries in cmd.Env win, so
// dotenv is appended after venv to take priority over it, and both sit
// above the inherited process environment already on cmd.Env).
func buildEnvFunc(spaces map[string]runnable.Space) func(space string) ([]string, error) {
	return func(spaceName string) ([]string, error) {
		sp, ok := spaces[spaceName]
		if !ok {
			return nil, nil
		}
		var env []string
		if sp.Venv != "" {
			env = append(env, venvEnv(sp.Venv)...)
		}
		for _, path := range sp.Dotenv {
			vars, err := godotenv.Read(path)
			if err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return nil, fmt.Errorf("env: reading dotenv %q: %w", path, err)
			}
			for k, v := range vars {
				env = append(env, k+"="+v)
			}
		}
		return env, nil
	}
}

// venvEnv mirrors the PATH/VIRTUAL_ENV additions a `source venv/bin/activate`
// would make, without needing the implementation to source a shell script.
func venvEnv(venvDir string) []string {
	bin := filepath.Join(venvDir, "bin")
	path := bin
	if existing, ok := os.LookupEnv("PATH"); ok {
		path = bin + string(os.PathListSeparator) + existing
	}
	return []string{
		"VIRTUAL_ENV=" + venvDir,
		"PATH=" + path,
	}
}
