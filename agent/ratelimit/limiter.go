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

// Package ratelimit implements fixed-window admission control keyed by
// route, org and user. Every backend satisfies Limiter so the gateway can
// swap an in-process map for a shared cache or an external policy service
// through configuration alone.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"
)

// ErrUnsupported is returned by backends that cannot honour Reset or Block.
var ErrUnsupported = errors.New("operation not supported by rate limit backend")

// Rule is the limit applied to one key.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Result is the outcome of a single hit.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// RetryAfter returns whole seconds until the window resets, never less than 1.
func (r Result) RetryAfter(now time.Time) int {
	secs := int(math.Ceil(r.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter is the contract shared by all backends.
type Limiter interface {
	// Hit counts one request against key and reports whether it is admitted.
	Hit(ctx context.Context, key string, rule Rule) (Result, error)
	// Reset drops any state held for key.
	Reset(ctx context.Context, key string) error
	// Block pins key at its limit for d regardless of organic traffic.
	Block(ctx context.Context, key string, rule Rule, d time.Duration) error
}

// Key builds the counter key for a route, org and user.
func Key(route, orgID, userID string) string {
	return strings.Join([]string{route, orgID, userID}, ":")
}

func clampRemaining(limit, count int) int {
	if count >= limit {
		return 0
	}
	return limit - count
}
