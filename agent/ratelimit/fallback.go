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
	"context"
	"log"
	"time"
)

// FallbackLimiter tries Primary, then Secondary, and finally admits the
// request with a warning. Limiter infrastructure errors never fail a request.
type FallbackLimiter struct {
	Primary   Limiter
	Secondary Limiter
	// OnFailure is invoked with the backend name whenever a backend errors.
	OnFailure func(backend string, err error)
	now       func() time.Time
}

// NewFallbackLimiter chains primary and secondary. secondary may be nil.
func NewFallbackLimiter(primary, secondary Limiter) *FallbackLimiter {
	return &FallbackLimiter{Primary: primary, Secondary: secondary, now: time.Now}
}

// Hit implements Limiter.
func (f *FallbackLimiter) Hit(ctx context.Context, key string, rule Rule) (Result, error) {
	res, err := f.Primary.Hit(ctx, key, rule)
	if err == nil {
		return res, nil
	}
	f.fail("primary", key, err)

	if f.Secondary != nil {
		res, err = f.Secondary.Hit(ctx, key, rule)
		if err == nil {
			return res, nil
		}
		f.fail("secondary", key, err)
	}

	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   f.now().Add(rule.Window),
	}, nil
}

// Reset implements Limiter. Both backends are reset.
func (f *FallbackLimiter) Reset(ctx context.Context, key string) error {
	err := f.Primary.Reset(ctx, key)
	if f.Secondary != nil {
		if serr := f.Secondary.Reset(ctx, key); err == nil {
			err = serr
		}
	}
	return err
}

// Block implements Limiter. Both backends are blocked.
func (f *FallbackLimiter) Block(ctx context.Context, key string, rule Rule, d time.Duration) error {
	err := f.Primary.Block(ctx, key, rule, d)
	if f.Secondary != nil {
		if serr := f.Secondary.Block(ctx, key, rule, d); err == nil {
			err = serr
		}
	}
	return err
}

func (f *FallbackLimiter) fail(backend, key string, err error) {
	log.Printf("[RateLimit] Warning: %s backend failed for %s: %v (falling back)", backend, key, err)
	if f.OnFailure != nil {
		f.OnFailure(backend, err)
	}
}
