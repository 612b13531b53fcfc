// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package agentclient calls the external Director and Safety agents. Each
// agent is an HTTP endpoint that takes a JSON input and answers with a
// structured JSON output.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a single agent call when none is configured.
const DefaultTimeout = 30 * time.Second

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for one agent endpoint.
type Config struct {
	Name    string        // Agent name used in errors and logs
	BaseURL string        // Required: endpoint root
	APIKey  string        // Optional: sent as a bearer token
	Timeout time.Duration // Optional: HTTP timeout (default: 30s)
	// RequestsPerSecond paces outbound calls. Zero disables pacing.
	RequestsPerSecond float64
}

// Client invokes one agent.
type Client struct {
	name    string
	baseURL string
	apiKey  string
	client  HTTPClient
	limiter *rate.Limiter

	mu      sync.RWMutex
	healthy bool
}

// New creates a client for cfg.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%s agent URL is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Client{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		healthy: true,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

// WithHTTPClient replaces the transport.
func (c *Client) WithHTTPClient(h HTTPClient) *Client {
	c.client = h
	return c
}

// Name returns the agent name.
func (c *Client) Name() string {
	return c.name
}

// IsHealthy reports whether the last call reached the agent.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Client) setHealthy(healthy bool) {
	c.mu.Lock()
	c.healthy = healthy
	c.mu.Unlock()
}

// Invoke posts input to path and decodes the structured output into out.
func (c *Client) Invoke(ctx context.Context, path string, input, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s agent: %w", c.name, err)
		}
	}

	body, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.setHealthy(false)
		return fmt.Errorf("%s agent error: %w", c.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if resp.StatusCode >= 500 {
			c.setHealthy(false)
		}
		return c.parseAPIError(resp.StatusCode, raw)
	}
	c.setHealthy(true)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &MalformedOutputError{Agent: c.name, Err: err}
	}
	return nil
}

func (c *Client) parseAPIError(statusCode int, body []byte) error {
	var errResp struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &errResp); err != nil || (errResp.Error == "" && errResp.Message == "") {
		return &APIError{Agent: c.name, StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
	}
	return &APIError{Agent: c.name, StatusCode: statusCode, Type: errResp.Error, Message: errResp.Message}
}

// APIError is a non-2xx answer from an agent.
type APIError struct {
	Agent      string
	StatusCode int
	Type       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s agent error (status %d, type %s): %s", e.Agent, e.StatusCode, e.Type, e.Message)
}

// IsRateLimitError returns true if the agent throttled the call.
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// MalformedOutputError is returned when the agent answered with a body that
// is not the expected JSON document.
type MalformedOutputError struct {
	Agent string
	Err   error
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("%s agent returned malformed output: %v", e.Agent, e.Err)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}
