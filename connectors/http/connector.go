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

// Package http executes domain actions against connectors exposed as
// HTTP/JSON APIs: ERP, tax portals, banks, GRC platforms.
package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"lawai/platform/connectors/base"
)

const (
	// DefaultTimeout is the default HTTP request timeout
	DefaultTimeout = 30 * time.Second
	// DefaultMaxResponseSize is the maximum response body size (10MB)
	DefaultMaxResponseSize = 10 * 1024 * 1024
	// DefaultMaxRetries is the default number of retry attempts
	DefaultMaxRetries = 3
	// DefaultRetryDelay is the initial delay between retries
	DefaultRetryDelay = 100 * time.Millisecond
	// MaxRetryDelay is the maximum delay between retries
	MaxRetryDelay = 5 * time.Second
)

// Executor implements base.Executor for HTTP connectors. Per-connector
// settings come from the target's Config: base_url, auth_type, headers,
// timeout (seconds), max_retries, allow_private_ips.
type Executor struct {
	httpClient      *http.Client
	logger          *log.Logger
	maxResponseSize int64
	maxRetries      int
	retryDelay      time.Duration
	validation      base.URLValidationOptions
}

// Option customizes an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.httpClient = c }
}

// WithRetryDelay sets the initial backoff.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) { e.retryDelay = d }
}

// WithURLValidation replaces the SSRF validation options.
func WithURLValidation(opts base.URLValidationOptions) Option {
	return func(e *Executor) { e.validation = opts }
}

// NewExecutor creates an executor with secure defaults.
func NewExecutor(opts ...Option) *Executor {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConns:    100,
		MaxConnsPerHost: 10,
		IdleConnTimeout: 90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	e := &Executor{
		httpClient:      &http.Client{Transport: transport},
		logger:          log.New(os.Stdout, "[HTTPConnector] ", log.LstdFlags),
		maxResponseSize: DefaultMaxResponseSize,
		maxRetries:      DefaultMaxRetries,
		retryDelay:      DefaultRetryDelay,
		validation:      base.DefaultURLValidationOptions(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type targetSettings struct {
	baseURL    string
	authType   string
	headers    map[string]string
	timeout    time.Duration
	maxRetries int
}

func (e *Executor) settings(ctx context.Context, target base.Target) (*targetSettings, error) {
	cfg := target.Config
	baseURL, _ := cfg["base_url"].(string)
	if baseURL == "" {
		return nil, base.NewConnectorError(target.Name, "Execute", "base_url is required", nil)
	}

	validation := e.validation
	if allow, ok := cfg["allow_private_ips"].(bool); ok && allow {
		validation.AllowPrivateIPs = true
	}
	if err := base.ValidateURL(ctx, baseURL, validation); err != nil {
		return nil, base.NewConnectorError(target.Name, "Execute", "SSRF protection", err)
	}

	s := &targetSettings{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		authType:   "none",
		headers:    map[string]string{},
		timeout:    DefaultTimeout,
		maxRetries: e.maxRetries,
	}
	if authType, ok := cfg["auth_type"].(string); ok && authType != "" {
		s.authType = authType
	}
	if headers, ok := cfg["headers"].(map[string]interface{}); ok {
		for key, val := range headers {
			if strVal, ok := val.(string); ok {
				s.headers[key] = strVal
			}
		}
	}
	if t, ok := cfg["timeout"].(float64); ok && t > 0 {
		s.timeout = time.Duration(t * float64(time.Second))
	}
	if r, ok := cfg["max_retries"].(float64); ok && r >= 0 {
		s.maxRetries = int(r)
	}
	return s, nil
}

// Execute implements base.Executor. GET, PUT and DELETE are retried on
// transport errors and retryable status codes. POST and PATCH are sent
// exactly once: a transport error may hide a request the upstream already
// processed.
func (e *Executor) Execute(ctx context.Context, target base.Target, action base.Action) (*base.Result, error) {
	s, err := e.settings(ctx, target)
	if err != nil {
		return nil, err
	}

	method := strings.ToUpper(action.Method)
	if method == "" {
		method = http.MethodPost
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil, base.NewConnectorError(target.Name, "Execute", fmt.Sprintf("unsupported HTTP method: %s", method), nil)
	}

	path := action.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	reqURL, err := url.Parse(s.baseURL + path)
	if err != nil {
		return nil, base.NewConnectorError(target.Name, "Execute", "invalid URL path", err)
	}
	if len(action.Query) > 0 {
		params := url.Values{}
		for key, val := range action.Query {
			params.Set(key, val)
		}
		reqURL.RawQuery = params.Encode()
	}

	var bodyBytes []byte
	if len(action.Body) > 0 {
		bodyBytes, err = json.Marshal(action.Body)
		if err != nil {
			return nil, base.NewConnectorError(target.Name, "Execute", "failed to marshal body", err)
		}
	}

	timeout := s.timeout
	if action.Timeout > 0 {
		timeout = action.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxRetries := s.maxRetries
	idempotent := method == http.MethodGet || method == http.MethodPut || method == http.MethodDelete
	if !idempotent {
		maxRetries = 0
	}

	start := time.Now()
	var lastErr error
	var resp *http.Response

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := e.calculateBackoff(attempt)
			e.logger.Printf("Retry attempt %d/%d for %s after %v", attempt, maxRetries, target.Name, delay)

			select {
			case <-ctx.Done():
				return nil, base.NewConnectorError(target.Name, "Execute", "context cancelled during retry", ctx.Err())
			case <-time.After(delay):
			}
		}

		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL.String(), bodyReader)
		if err != nil {
			return nil, base.NewConnectorError(target.Name, "Execute", "failed to create request", err)
		}
		applyAuth(req, s.authType, target.Credentials)
		applyHeaders(req, s.headers)
		if bodyBytes != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, lastErr = e.httpClient.Do(req)
		if lastErr == nil && (!idempotent || !isRetryableStatusCode(resp.StatusCode)) {
			break
		}
		if lastErr == nil && attempt == maxRetries {
			break
		}

		if resp != nil {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
			_ = resp.Body.Close()
			resp = nil
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("HTTP retryable status")
		}
	}

	if resp == nil {
		return nil, base.NewConnectorError(target.Name, "Execute", "request failed after retries", lastErr)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseSize+1))
	if err != nil {
		return nil, base.NewConnectorError(target.Name, "Execute", "failed to read response", err)
	}
	if int64(len(body)) > e.maxResponseSize {
		return nil, base.NewConnectorError(target.Name, "Execute",
			fmt.Sprintf("response size exceeds limit of %d bytes", e.maxResponseSize), nil)
	}

	duration := time.Since(start)
	result := &base.Result{
		Success:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Duration:   duration,
		Connector:  target.Name,
		Message:    fmt.Sprintf("HTTP %d", resp.StatusCode),
	}

	if len(body) > 0 {
		var data interface{}
		if err := json.Unmarshal(body, &data); err == nil {
			result.Data = data
		} else {
			result.Data = string(body)
		}
		if !result.Success {
			msg := string(body)
			if len(msg) > 200 {
				msg = msg[:200] + "..."
			}
			result.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)
		}
	}

	e.logger.Printf("HTTP %s %s%s: status=%d, %v", method, target.Name, path, resp.StatusCode, duration)
	return result, nil
}

// applyAuth applies authentication to the request
func applyAuth(req *http.Request, authType string, creds map[string]string) {
	switch authType {
	case "bearer", "oauth2":
		token := creds["token"]
		if token == "" {
			token = creds["access_token"]
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "basic":
		if username, ok := creds["username"]; ok {
			req.SetBasicAuth(username, creds["password"])
		}
	case "api-key":
		if key := creds["api_key"]; key != "" {
			headerName := creds["header_name"]
			if headerName == "" {
				headerName = "X-API-Key"
			}
			req.Header.Set(headerName, key)
		}
	}
}

func applyHeaders(req *http.Request, headers map[string]string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "LawAI-Connector/1.0")
	for key, val := range headers {
		req.Header.Set(key, val)
	}
}

// calculateBackoff calculates exponential backoff delay
func (e *Executor) calculateBackoff(attempt int) time.Duration {
	delay := e.retryDelay * time.Duration(1<<uint(attempt-1))
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

func isRetryableStatusCode(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
