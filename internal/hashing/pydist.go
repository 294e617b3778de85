package hashing

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// MissingSentinel is the fingerprint contribution substituted for a
// pydist dependency whose distribution cannot be resolved, when the
// global "ignore missing" flag suppresses the MissingDist error.
const MissingSentinel = "\x00qik-missing-dist\x00"

// LockfileReader parses a lockfile into a name -> version map. qik ships
// RequirementsLockfile, which reads pinned `name==version` lines only (it
// does not parse poetry.lock); plugins may register their own for other
// ecosystems (spec §6 plugin interface: dep variants).
type LockfileReader interface {
	Read(path string) (map[string]string, error)
}

// DistResolver resolves pydist dependency versions per spec §4.1:
// (a) a configured override map, (b) the space's site-packages metadata,
// (c) a parsed lockfile, in that order.
type DistResolver struct {
	Overrides      map[string]string
	LockfilePath   string
	Lockfile       LockfileReader
	IgnoreMissing  bool
}

// Resolve returns the version string for name within space, and whether
// it was found. A not-found result is never an error here, whatever
// IgnoreMissing says (Resolve does not read it); the caller decides
// whether a missing distribution fails or contributes MissingSentinel.
func (r *DistResolver) Resolve(name string, sitePackagesDir string) (version string, found bool, err error) {
	if r.Overrides != nil {
		if v, ok := r.Overrides[name]; ok {
			return v, true, nil
		}
	}

	if sitePackagesDir != "" {
		v, ok, err := readDistInfoVersion(sitePackagesDir, name)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}

	if r.Lockfile != nil && r.LockfilePath != "" {
		versions, err := r.Lockfile.Read(r.LockfilePath)
		if err != nil {
			return "", false, err
		}
		if v, ok := versions[name]; ok {
			return v, true, nil
		}
	}

	return "", false, nil
}

// readDistInfoVersion scans sitePackagesDir for a `<name>-<version>.dist-info`
// directory (PEP 376 metadata layout) and reads the Version field out of
// its METADATA file, falling back to parsing the directory name.
func readDistInfoVersion(sitePackagesDir, name string) (string, bool, error) {
	entries, err := os.ReadDir(sitePackagesDir)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	normalized := normalizeDistName(name)
	prefix := normalized + "-"
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), ".dist-info") {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), ".dist-info")
		if normalizeDistName(base) != "" && !strings.HasPrefix(normalizeDistName(base), prefix) {
			continue
		}
		// The part after "<name>-" must be a version, so "requests" does
		// not match "requests-oauthlib-1.3.1.dist-info".
		if rest := strings.TrimPrefix(normalizeDistName(base), prefix); rest == "" || rest[0] < '0' || rest[0] > '9' {
			continue
		}
		metadataPath := filepath.Join(sitePackagesDir, entry.Name(), "METADATA")
		if v, ok := readVersionField(metadataPath); ok {
			return v, true, nil
		}
		// Fall back to the version embedded in the directory name itself.
		if v := strings.TrimPrefix(base, prefix); v != base {
			return v, true, nil
		}
	}
	return "", false, nil
}

func normalizeDistName(name string) string {
	name = strings.ToLower(name)
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

func readVersionField(path string) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "Version:") {
			return strings.TrimSpace(strings.TrimPrefix(line, "Version:")), true
		}
	}
	return "", false
}

// RequirementsLockfile reads a pip-style pinned-dependency file such as
// requirements.txt: one `name==version` pair per line, blank lines and
// `#` comments ignored. Lines in any other form are skipped.
type RequirementsLockfile struct{}

// Read implements LockfileReader.
func (RequirementsLockfile) Read(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading lockfile %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	result := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "==", 2)
		if len(parts) != 2 {
			continue
		}
		result[normalizeDistName(strings.TrimSpace(parts[0]))] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
