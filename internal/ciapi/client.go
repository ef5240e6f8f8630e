// Package ciapi is a typed wrapper over the CI provider's REST API:
// workflow runs, jobs, self-hosted runners, and registration tokens,
// with conditional-GET caching against a filesystem-backed store.
//
// Grounded on internal/github/client.go's net/http + bearer-token
// wrapper, generalized from a single endpoint to the full read/write
// surface spec §4 needs, and on gitlabhq-gitlab-runner's approach of
// keeping the transport a thin wrapper around the standard library
// rather than adopting a REST framework.
package ciapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CI is the capability set the core depends on.
type CI interface {
	ListQueuedJobs(ctx context.Context) ([]Job, error)
	ListRunners(ctx context.Context) ([]Runner, error)
	RemoveRunner(ctx context.Context, name string) error
	CreateRegistrationToken(ctx context.Context) (RegistrationToken, error)
	RateLimit(ctx context.Context) (RateLimit, error)
}

// Client is the HTTP-backed CI implementation.
type Client struct {
	token      string
	baseURL    string
	repository string
	http       *http.Client
	cache      *Cache
	logger     *slog.Logger
}

// New returns a Client authenticating with token against baseURL for
// the given "owner/repo" repository. cache may be nil to disable
// conditional-GET caching.
func New(token, baseURL, repository string, cache *Cache, logger *slog.Logger) *Client {
	return &Client{
		token:      token,
		baseURL:    baseURL,
		repository: repository,
		http:       &http.Client{Timeout: 30 * time.Second},
		cache:      cache,
		logger:     logger.With("component", "ciapi"),
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	if c.cache != nil && Cacheable(req.URL.Host) {
		c.cache.Prepare(req, url)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ci request GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && c.cache != nil {
		body, ok := c.cache.Cached(url)
		if !ok {
			return fmt.Errorf("ci request GET %s: got 304 with no cached body", path)
		}
		return json.Unmarshal(body, out)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ci transient error %d on GET %s", resp.StatusCode, path)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ci request GET %s failed: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response for GET %s: %w", path, err)
	}

	if c.cache != nil && Cacheable(req.URL.Host) {
		c.cache.Store(url, resp, body)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *Client) post(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ci request POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ci transient error %d on POST %s", resp.StatusCode, path)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ci request POST %s failed: status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ci request DELETE %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("ci transient error %d on DELETE %s", resp.StatusCode, path)
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("ci request DELETE %s failed: status %d", path, resp.StatusCode)
	}
	return nil
}

// ListQueuedJobs returns queued jobs, newest run first, as required by
// scale-up's ordering guarantee.
func (c *Client) ListQueuedJobs(ctx context.Context) ([]Job, error) {
	var out struct {
		Jobs []Job `json:"jobs"`
	}
	if err := c.get(ctx, "/repos/"+c.repository+"/actions/runs/jobs?status=queued&sort=created&direction=desc", &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *Client) ListRunners(ctx context.Context) ([]Runner, error) {
	var out struct {
		Runners []Runner `json:"runners"`
	}
	if err := c.get(ctx, "/repos/"+c.repository+"/actions/runners", &out); err != nil {
		return nil, err
	}
	return out.Runners, nil
}

func (c *Client) RemoveRunner(ctx context.Context, name string) error {
	return c.delete(ctx, "/repos/"+c.repository+"/actions/runners/"+name)
}

func (c *Client) CreateRegistrationToken(ctx context.Context) (RegistrationToken, error) {
	var out RegistrationToken
	if err := c.post(ctx, "/repos/"+c.repository+"/actions/runners/registration-token", &out); err != nil {
		return RegistrationToken{}, err
	}
	return out, nil
}

func (c *Client) RateLimit(ctx context.Context) (RateLimit, error) {
	var out RateLimit
	if err := c.get(ctx, "/rate_limit", &out); err != nil {
		return RateLimit{}, err
	}
	return out, nil
}
