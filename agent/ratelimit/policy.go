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

package ratelimit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PolicyFunc is an external admission decision. It receives the operation
// ("hit", "reset" or "block"), the key, the rule and, for block, the duration.
type PolicyFunc func(ctx context.Context, req PolicyRequest) (Result, error)

// PolicyRequest is the payload sent to an external policy service.
type PolicyRequest struct {
	Op         string `json:"op"`
	Key        string `json:"key"`
	Limit      int    `json:"limit"`
	WindowMs   int64  `json:"windowMs"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

// PolicyLimiter delegates every decision to a PolicyFunc.
type PolicyLimiter struct {
	decide PolicyFunc
}

// NewPolicyLimiter wraps fn.
func NewPolicyLimiter(fn PolicyFunc) *PolicyLimiter {
	return &PolicyLimiter{decide: fn}
}

// Hit implements Limiter.
func (p *PolicyLimiter) Hit(ctx context.Context, key string, rule Rule) (Result, error) {
	res, err := p.decide(ctx, PolicyRequest{
		Op:       "hit",
		Key:      key,
		Limit:    rule.Limit,
		WindowMs: rule.Window.Milliseconds(),
	})
	if err != nil {
		return Result{}, err
	}
	if res.Limit == 0 {
		res.Limit = rule.Limit
	}
	return res, nil
}

// Reset implements Limiter.
func (p *PolicyLimiter) Reset(ctx context.Context, key string) error {
	_, err := p.decide(ctx, PolicyRequest{Op: "reset", Key: key})
	return err
}

// Block implements Limiter.
func (p *PolicyLimiter) Block(ctx context.Context, key string, rule Rule, d time.Duration) error {
	_, err := p.decide(ctx, PolicyRequest{
		Op:         "block",
		Key:        key,
		Limit:      rule.Limit,
		WindowMs:   rule.Window.Milliseconds(),
		DurationMs: d.Milliseconds(),
	})
	return err
}

// HTTPPolicy returns a PolicyFunc that POSTs the request as JSON to url and
// decodes a Result from the response. A 501 reply maps to ErrUnsupported.
func HTTPPolicy(client *http.Client, url string) PolicyFunc {
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	return func(ctx context.Context, req PolicyRequest) (Result, error) {
		body, err := json.Marshal(req)
		if err != nil {
			return Result{}, fmt.Errorf("failed to encode policy request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return Result{}, fmt.Errorf("failed to build policy request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return Result{}, fmt.Errorf("policy service unreachable: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotImplemented {
			return Result{}, ErrUnsupported
		}
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return Result{}, fmt.Errorf("policy service returned %d: %s", resp.StatusCode, string(msg))
		}

		var res Result
		if req.Op != "hit" {
			return res, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return Result{}, fmt.Errorf("failed to decode policy response: %w", err)
		}
		return res, nil
	}
}
