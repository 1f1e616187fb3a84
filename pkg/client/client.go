// Package client is the worker-side HTTP client for the governor API. A
// posting worker registers once, then loops pulling jobs and reporting
// results while heartbeating in the background.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/postflow/governor/internal/config"
	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/registry"
)

// Client talks to one governor instance on behalf of one worker
type Client struct {
	baseURL string
	secret  string
	http    *http.Client

	mu       sync.RWMutex
	workerID string
	token    string
	// expiresAt is when the current token lapses; Register refreshes it
	expiresAt time.Time
}

// New creates a client from a worker configuration
func New(cfg *config.WorkerConfig) *Client {
	return &Client{
		baseURL: cfg.GovernorURL,
		secret:  cfg.Secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithURL creates a client without a config, for tests and tooling
func NewWithURL(baseURL, secret string) *Client {
	return &Client{
		baseURL: baseURL,
		secret:  secret,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WorkerID returns the id assigned at registration, empty before Register
func (c *Client) WorkerID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workerID
}

// TokenExpiresAt returns when the current auth token lapses
func (c *Client) TokenExpiresAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiresAt
}

type registerRequest struct {
	Secret       string                `json:"secret"`
	Registration registry.Registration `json:"registration"`
}

type registerResponse struct {
	Worker    registry.Worker `json:"worker"`
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Register joins the fleet and stores the issued token for every later call.
// Calling it again re-registers under a fresh worker id, so workers call it
// once at startup and renew tokens before expiry instead.
func (c *Client) Register(ctx context.Context, reg registry.Registration) (registry.Worker, error) {
	var out registerResponse
	err := c.do(ctx, http.MethodPost, "/v1/workers/register", false,
		registerRequest{Secret: c.secret, Registration: reg}, &out)
	if err != nil {
		return registry.Worker{}, err
	}

	c.mu.Lock()
	c.workerID = out.Worker.ID
	c.token = out.Token
	c.expiresAt = out.ExpiresAt
	c.mu.Unlock()
	return out.Worker, nil
}

type heartbeatRequest struct {
	Load   int             `json:"load"`
	Health registry.Health `json:"health"`
}

// Heartbeat reports current load and health
func (c *Client) Heartbeat(ctx context.Context, load int, health registry.Health) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/heartbeat", true,
		heartbeatRequest{Load: load, Health: health}, nil)
}

// PullJob fetches the next queued job, or nil when none is waiting
func (c *Client) PullJob(ctx context.Context) (*dispatch.WorkerJob, error) {
	var job dispatch.WorkerJob
	found, err := c.doMaybe(ctx, http.MethodPost, "/v1/workers/jobs/pull", nil, &job)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &job, nil
}

// ReportResult sends the outcome of one executed job
func (c *Client) ReportResult(ctx context.Context, jobID string, res dispatch.JobResult) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/jobs/"+jobID+"/result", true, res, nil)
}

// do issues one JSON request; authed attaches the stored bearer token
func (c *Client) do(ctx context.Context, method, path string, authed bool, body, out interface{}) error {
	resp, err := c.request(ctx, method, path, authed, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return apiError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// doMaybe is do for endpoints where 204 means "nothing available"
func (c *Client) doMaybe(ctx context.Context, method, path string, body, out interface{}) (bool, error) {
	resp, err := c.request(ctx, method, path, true, body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return true, nil
}

func (c *Client) request(ctx context.Context, method, path string, authed bool, body interface{}) (*http.Response, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		c.mu.RLock()
		token := c.token
		c.mu.RUnlock()
		if token == "" {
			return nil, fmt.Errorf("client is not registered")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("governor returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("governor returned %d", resp.StatusCode)
}
