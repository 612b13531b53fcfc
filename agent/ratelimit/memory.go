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
	"sync"
	"time"
)

const pruneEvery = 256

type counter struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps counters in a process-local map. Expired entries are
// pruned lazily while hits are served.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	hits     int
	now      func() time.Time
}

// NewMemoryLimiter creates an empty in-process limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*counter),
		now:      time.Now,
	}
}

// Hit implements Limiter.
func (m *MemoryLimiter) Hit(_ context.Context, key string, rule Rule) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.hits++
	if m.hits%pruneEvery == 0 {
		m.prune(now)
	}

	entry, ok := m.counters[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = &counter{resetAt: now.Add(rule.Window)}
		m.counters[key] = entry
	}

	if entry.count >= rule.Limit {
		return Result{
			Allowed:   false,
			Limit:     rule.Limit,
			Remaining: 0,
			ResetAt:   entry.resetAt,
		}, nil
	}

	entry.count++
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: clampRemaining(rule.Limit, entry.count),
		ResetAt:   entry.resetAt,
	}, nil
}

// Reset implements Limiter.
func (m *MemoryLimiter) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.counters, key)
	m.mu.Unlock()
	return nil
}

// Block implements Limiter.
func (m *MemoryLimiter) Block(_ context.Context, key string, rule Rule, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	until := now.Add(d)
	if entry, ok := m.counters[key]; ok && entry.resetAt.After(until) {
		until = entry.resetAt
	}
	m.counters[key] = &counter{count: rule.Limit, resetAt: until}
	return nil
}

// Len returns the number of live counters.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}

func (m *MemoryLimiter) prune(now time.Time) {
	for key, entry := range m.counters {
		if !now.Before(entry.resetAt) {
			delete(m.counters, key)
		}
	}
}
