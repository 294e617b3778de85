package depgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qik-run/qik/internal/hashing"
	"github.com/qik-run/qik/internal/runnable"
)

type fakeHashSource struct {
	files map[string][]hashing.FileHash
}

func (f *fakeHashSource) HashGlobs(patterns []string) ([]hashing.FileHash, error) {
	var out []hashing.FileHash
	for _, p := range patterns {
		out = append(out, f.files[p]...)
	}
	return out, nil
}

type fakeDistSource struct {
	versions map[string]string
}

func (f *fakeDistSource) Resolve(name, sitePackagesDir string) (string, bool, error) {
	v, ok := f.versions[name]
	return v, ok, nil
}

func newTestResolver(hashes *fakeHashSource, dists *fakeDistSource, nodes map[string]*runnable.Runnable, graph *Graph) *Resolver {
	return NewResolver(hashes, dists, func(string) string { return "" }, false, graph, nodes)
}

func TestFingerprintChangesWithGlobContents(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"build": {
			Slug:        "build",
			CommandName: "build",
			Shell:       "echo hi",
			Deps:        []runnable.Dependency{{Kind: runnable.DepGlob, Pattern: "src/**"}},
		},
	}
	graph := NewGraph()
	graph.AddNode("build")

	hashes := &fakeHashSource{files: map[string][]hashing.FileHash{
		"src/**": {{Path: "src/a.go", Hash: "aaa"}},
	}}
	r := newTestResolver(hashes, &fakeDistSource{}, nodes, graph)

	fp1, err := r.Fingerprint("build")
	require.NoError(t, err)

	hashes.files["src/**"][0].Hash = "bbb"
	r2 := newTestResolver(hashes, &fakeDistSource{}, nodes, graph)
	fp2, err := r2.Fingerprint("build")
	require.NoError(t, err)

	assert.NotEqual(t, fp1, fp2)
}

func TestFingerprintIsDeterministic(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"build": {
			Slug:        "build",
			CommandName: "build",
			Shell:       "echo hi",
			Artifacts:   []string{"dist/out.txt"},
			Deps:        []runnable.Dependency{{Kind: runnable.DepConst, Value: "v1"}},
		},
	}
	graph := NewGraph()
	graph.AddNode("build")

	r1 := newTestResolver(&fakeHashSource{}, &fakeDistSource{}, nodes, graph)
	r2 := newTestResolver(&fakeHashSource{}, &fakeDistSource{}, nodes, graph)

	fp1, err := r1.Fingerprint("build")
	require.NoError(t, err)
	fp2, err := r2.Fingerprint("build")
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
	assert.Len(t, string(fp1), 32)
}

func TestFingerprintRecursesIntoUpstreamCommand(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"compile": {
			Slug:        "compile",
			CommandName: "compile",
			Shell:       "cc -o out src.c",
			Deps:        []runnable.Dependency{{Kind: runnable.DepConst, Value: "a"}},
		},
		"test": {
			Slug:        "test",
			CommandName: "test",
			Shell:       "run-tests",
			Deps:        []runnable.Dependency{{Kind: runnable.DepCommand, CommandName: "compile", Strict: true}},
		},
	}
	graph := NewGraph()
	graph.AddNode("compile")
	graph.AddNode("test")
	graph.AddEdge(Edge{Upstream: "compile", Downstream: "test", Strict: true, Isolated: true})

	r := newTestResolver(&fakeHashSource{}, &fakeDistSource{}, nodes, graph)
	fpTest1, err := r.Fingerprint("test")
	require.NoError(t, err)

	nodes["compile"].Deps[0].Value = "b"
	r2 := newTestResolver(&fakeHashSource{}, &fakeDistSource{}, nodes, graph)
	fpTest2, err := r2.Fingerprint("test")
	require.NoError(t, err)

	assert.NotEqual(t, fpTest1, fpTest2)
}

func TestFingerprintMissingPydistFailsWithoutIgnoreMissing(t *testing.T) {
	nodes := map[string]*runnable.Runnable{
		"build": {
			Slug:        "build",
			CommandName: "build",
			Shell:       "echo hi",
			Deps:        []runnable.Dependency{{Kind: runnable.DepPydist, DistName: "numpy"}},
		},
	}
	graph := NewGraph()
	graph.AddNode("build")

	r := NewResolver(&fakeHashSource{}, &fakeDistSource{versions: map[string]string{}}, func(string) string { return "" }, false, graph, nodes)
	_, err := r.Fingerprint("build")
	require.Error(t, err)
}
