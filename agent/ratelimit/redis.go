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
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// hitScript increments the window counter. The first hit of a window also
// stores the reset timestamp next to the counter so every hit in the window
// reports the same resetAt.
var hitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[1])
end
local reset = redis.call('GET', KEYS[2])
if not reset then
  reset = ARGV[2]
end
return {count, reset}
`)

// blockScript pins the counter at the limit until max(current reset, deadline).
var blockScript = redis.NewScript(`
local deadline = ARGV[2]
local current = redis.call('GET', KEYS[2])
if current and tonumber(current) > tonumber(deadline) then
  deadline = current
end
local ttl = tonumber(deadline) - tonumber(ARGV[3])
if ttl < 1 then
  ttl = 1
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
redis.call('SET', KEYS[2], deadline, 'PX', ttl)
return ttl
`)

// RedisLimiter shares fixed-window counters across gateway instances.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisLimiter wraps an existing client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "ratelimit:", now: time.Now}
}

// DialRedis parses redisURL, connects and pings the server.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisLimiter) keys(key string) []string {
	counterKey := r.prefix + key
	return []string{counterKey, counterKey + ":reset"}
}

// Hit implements Limiter.
func (r *RedisLimiter) Hit(ctx context.Context, key string, rule Rule) (Result, error) {
	now := r.now()
	windowMs := rule.Window.Milliseconds()
	if windowMs < 1 {
		windowMs = 1
	}
	resetMs := now.UnixMilli() + windowMs

	raw, err := hitScript.Run(ctx, r.client, r.keys(key), windowMs, resetMs).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis rate limit hit failed: %w", err)
	}
	if len(raw) != 2 {
		return Result{}, fmt.Errorf("redis rate limit hit: unexpected reply %v", raw)
	}

	count, ok := raw[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("redis rate limit hit: unexpected count %T", raw[0])
	}
	reset, err := parseMillis(raw[1])
	if err != nil {
		return Result{}, err
	}

	return Result{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: clampRemaining(rule.Limit, int(count)),
		ResetAt:   time.UnixMilli(reset),
	}, nil
}

// Reset implements Limiter.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keys(key)...).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit: %w", err)
	}
	return nil
}

// Block implements Limiter.
func (r *RedisLimiter) Block(ctx context.Context, key string, rule Rule, d time.Duration) error {
	now := r.now()
	deadline := now.Add(d).UnixMilli()
	if err := blockScript.Run(ctx, r.client, r.keys(key), rule.Limit, deadline, now.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("failed to block rate limit key: %w", err)
	}
	return nil
}

func parseMillis(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("redis rate limit: invalid reset %q: %w", t, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("redis rate limit: unexpected reset %T", v)
	}
}
