package cache

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qik-run/qik/internal/runnable"
)

// fakeRemoteServer backs a handful of (slug, fp) entries in memory and
// counts GET requests so tests can assert a local hit avoids a second
// network round trip.
func fakeRemoteServer(t *testing.T, entries map[string]remoteEnvelope, wantToken string) (*httptest.Server, *int32) {
	t.Helper()
	var gets int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if wantToken != "" {
			assert.Equal(t, "Bearer "+wantToken, r.Header.Get("Authorization"))
		}
		key := r.URL.Path
		switch r.Method {
		case http.MethodGet:
			atomic.AddInt32(&gets, 1)
			env, ok := entries[key]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			body, err := json.Marshal(env)
			require.NoError(t, err)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			var env remoteEnvelope
			require.NoError(t, json.Unmarshal(body, &env))
			entries[key] = env
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &gets
}

func TestRemoteCacheGetDownloadsAndWritesThroughToLocal(t *testing.T) {
	entries := map[string]remoteEnvelope{
		"/artifacts/build/fp1": {
			ExitCode: 0,
			Stdout:   []byte("built remotely\n"),
			Manifest: nil,
		},
	}
	srv, gets := fakeRemoteServer(t, entries, "tok123")
	c := NewRemoteCache(t.TempDir(), srv.URL, "tok123")

	res, err := c.Get("build", "fp1")
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, 0, res.Entry.ExitCode)
	assert.Equal(t, "built remotely\n", string(res.Entry.Stdout))
	assert.EqualValues(t, 1, atomic.LoadInt32(gets))

	// Second Get is served from the local write-through copy, no new GET.
	res2, err := c.Get("build", "fp1")
	require.NoError(t, err)
	require.NotNil(t, res2)
	assert.EqualValues(t, 1, atomic.LoadInt32(gets))
}

func TestRemoteCacheGetMissReturnsNilWithoutError(t *testing.T) {
	srv, _ := fakeRemoteServer(t, map[string]remoteEnvelope{}, "")
	c := NewRemoteCache(t.TempDir(), srv.URL, "")

	res, err := c.Get("build", "nope")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRemoteCacheGetDegradesToMissOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewRemoteCache(t.TempDir(), srv.URL, "")
	c.Client.RetryMax = 0

	res, err := c.Get("build", "fp1")
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestRemoteCachePutWritesLocalThenUploads(t *testing.T) {
	entries := map[string]remoteEnvelope{}
	srv, _ := fakeRemoteServer(t, entries, "tok456")
	c := NewRemoteCache(t.TempDir(), srv.URL, "tok456")

	entry := runnable.CacheEntry{ExitCode: 0, Stdout: []byte("ok\n")}
	require.NoError(t, c.Put("build", "fp1", entry, "", nil, runnable.PolicySuccess))

	// Local copy exists regardless of upload outcome.
	local, err := c.LocalCache.Get("build", "fp1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, "ok\n", string(local.Entry.Stdout))

	// Uploaded copy is visible to a fresh RemoteCache pointed at an empty
	// local dir, proving the PUT reached the fake server.
	fresh := NewRemoteCache(t.TempDir(), srv.URL, "tok456")
	remote, err := fresh.Get("build", "fp1")
	require.NoError(t, err)
	require.NotNil(t, remote)
	assert.Equal(t, "ok\n", string(remote.Entry.Stdout))
}

func TestRemoteCachePutSkipsUploadUnderNeverPolicy(t *testing.T) {
	entries := map[string]remoteEnvelope{}
	srv, _ := fakeRemoteServer(t, entries, "")
	c := NewRemoteCache(t.TempDir(), srv.URL, "")

	entry := runnable.CacheEntry{ExitCode: 0}
	require.NoError(t, c.Put("build", "fp1", entry, "", nil, runnable.PolicyNever))

	assert.Empty(t, entries)
}

func TestRemoteCachePutDegradesToLocalOnlyWhenUploadFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewRemoteCache(t.TempDir(), srv.URL, "")
	c.Client.RetryMax = 0

	entry := runnable.CacheEntry{ExitCode: 0, Stdout: []byte("local only\n")}
	err := c.Put("build", "fp1", entry, "", nil, runnable.PolicySuccess)
	require.NoError(t, err)

	local, err := c.LocalCache.Get("build", "fp1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, "local only\n", string(local.Entry.Stdout))
}

func TestRemoteCacheAuthenticateSetsBearerHeader(t *testing.T) {
	c := NewRemoteCache(t.TempDir(), "http://example.invalid", "secret-tok")
	req, err := http.NewRequest(http.MethodGet, "http://example.invalid/artifacts/build/fp1", nil)
	require.NoError(t, err)

	c.authenticate(req)
	assert.Equal(t, "Bearer secret-tok", req.Header.Get("Authorization"))
}

func TestRemoteCacheAuthenticateOmitsHeaderWithoutToken(t *testing.T) {
	c := NewRemoteCache(t.TempDir(), "http://example.invalid", "")
	req, err := http.NewRequest(http.MethodGet, "http://example.invalid/artifacts/build/fp1", nil)
	require.NoError(t, err)

	c.authenticate(req)
	assert.Empty(t, req.Header.Get("Authorization"))
}
