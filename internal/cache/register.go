package cache

import "fmt"

// RegisterBuiltins installs the local/repo/remote factories into the
// static registry (spec §9's compile-time registry, no runtime code
// loading). Called once at process startup.
func RegisterBuiltins(privateDir, repoRoot, repoDir string) {
	RegisterFactory("local", func(name string, conf map[string]interface{}) (Cache, error) {
		return NewLocalCache(privateDir), nil
	})
	RegisterFactory("repo", func(name string, conf map[string]interface{}) (Cache, error) {
		c := NewRepoCache(repoRoot, repoDir)
		if err := c.EnsureMergeDriver(); err != nil {
			return nil, fmt.Errorf("cache: configuring repo cache %q: %w", name, err)
		}
		return c, nil
	})
	RegisterFactory("remote", func(name string, conf map[string]interface{}) (Cache, error) {
		baseURL, _ := conf["url"].(string)
		token, _ := conf["token"].(string)
		if baseURL == "" {
			return nil, fmt.Errorf("cache: remote cache %q missing required %q option", name, "url")
		}
		return NewRemoteCache(privateDir, baseURL, token), nil
	})
}
