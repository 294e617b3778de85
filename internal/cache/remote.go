package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/qik-run/qik/internal/runnable"
)

// RemoteCache extends LocalCache (spec §4.3): on miss it downloads the
// entry into Local first, then serves from Local; on store it writes
// through to Local first, then uploads. Grounded on turborepo's
// internal/client + internal/cache/cache_http.go HTTP transport shape:
// retryablehttp for the transport, bearer-token auth, backoff on
// transient network errors around the initial dial.
type RemoteCache struct {
	*LocalCache
	BaseURL string
	Token   string
	Client  *retryablehttp.Client
}

// NewRemoteCache builds a RemoteCache backed by local at privateDir,
// talking to baseURL with the given bearer token.
func NewRemoteCache(privateDir, baseURL, token string) *RemoteCache {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &RemoteCache{
		LocalCache: NewLocalCache(privateDir),
		BaseURL:    baseURL,
		Token:      token,
		Client:     client,
	}
}

// Name implements Cache.
func (c *RemoteCache) Name() string { return "remote" }

type remoteEnvelope struct {
	ExitCode  int                               `json:"exitCode"`
	Stdout    []byte                             `json:"stdout"`
	Manifest  []runnable.ArtifactManifestEntry   `json:"manifest"`
	Artifacts map[string][]byte                  `json:"artifacts"`
}

// Get implements Cache: a local hit is served directly; otherwise it
// downloads from the remote with bounded retry/backoff and, on success,
// writes through to Local before returning the result (spec §4.3).
func (c *RemoteCache) Get(slug string, fp runnable.Fingerprint) (*Result, error) {
	if res, err := c.LocalCache.Get(slug, fp); err != nil {
		return nil, err
	} else if res != nil {
		return res, nil
	}

	env, err := c.download(slug, fp)
	if err != nil {
		// Network/backend errors degrade to a miss per spec §7
		// ("Remote Cache backend I/O failures on get degrade to Miss").
		return nil, nil
	}
	if env == nil {
		return nil, nil
	}

	entry := runnable.CacheEntry{ExitCode: env.ExitCode, Stdout: env.Stdout, Manifest: env.Manifest}
	artifactPaths := make([]string, 0, len(env.Artifacts))
	for p := range env.Artifacts {
		artifactPaths = append(artifactPaths, p)
	}

	tmpRoot, cleanup, err := writeArtifactsToTemp(env.Artifacts)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := c.LocalCache.Put(slug, fp, entry, tmpRoot, artifactPaths, runnable.PolicyAlways); err != nil {
		return nil, fmt.Errorf("cache: writing through to local after remote fetch: %w", err)
	}
	return c.LocalCache.Get(slug, fp)
}

// Put implements Cache: writes through to Local first (so a subsequent
// Get always has a local copy even if the upload fails), then uploads
// through the retrying HTTP client. An upload failure leaves the entry
// local-only and does not fail the runnable; Put returns nil and does
// not log the failure.
func (c *RemoteCache) Put(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, artifactSrcRoot string, artifactPaths []string, policy runnable.CachePolicy) error {
	if err := c.LocalCache.Put(slug, fp, entry, artifactSrcRoot, artifactPaths, policy); err != nil {
		return err
	}
	if !ShouldWrite(policy, entry.ExitCode, false) {
		return nil
	}
	if err := c.upload(slug, fp, entry, artifactSrcRoot, artifactPaths); err != nil {
		// Degrade to local-only; the upload error is neither returned
		// nor logged.
		return nil
	}
	return nil
}

func (c *RemoteCache) download(slug string, fp runnable.Fingerprint) (*remoteEnvelope, error) {
	url := fmt.Sprintf("%s/artifacts/%s/%s", c.BaseURL, slug, fp)
	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	c.authenticate(req.Request)

	var resp *http.Response
	boff := backoff.NewExponentialBackOff()
	boff.MaxElapsedTime = 10 * time.Second
	err = backoff.Retry(func() error {
		r, err := c.Client.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, boff)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cache: remote GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var env remoteEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (c *RemoteCache) upload(slug string, fp runnable.Fingerprint, entry runnable.CacheEntry, artifactSrcRoot string, artifactPaths []string) error {
	artifacts := make(map[string][]byte, len(artifactPaths))
	for _, p := range artifactPaths {
		data, err := readArtifact(artifactSrcRoot, p)
		if err != nil {
			return err
		}
		artifacts[p] = data
	}
	env := remoteEnvelope{
		ExitCode:  entry.ExitCode,
		Stdout:    entry.Stdout,
		Manifest:  entry.Manifest,
		Artifacts: artifacts,
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/artifacts/%s/%s", c.BaseURL, slug, fp)
	req, err := retryablehttp.NewRequest(http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authenticate(req.Request)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("cache: remote PUT %s: status %d", url, resp.StatusCode)
	}
	return nil
}

func (c *RemoteCache) authenticate(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
