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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLimiter, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := newClock()
	l := NewRedisLimiter(client)
	l.now = clock.Now
	return mr, l, clock
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	mr, l, clock := newTestRedis(t)
	rule := Rule{Limit: 2, Window: time.Minute}
	ctx := context.Background()

	first, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, first.Allowed)
	assert.Equal(t, 1, first.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute).UnixMilli(), first.ResetAt.UnixMilli())

	clock.Advance(10 * time.Second)
	second, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, first.ResetAt, second.ResetAt)

	third, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
	assert.Equal(t, 0, third.Remaining)
	assert.Equal(t, first.ResetAt, third.ResetAt)

	mr.FastForward(time.Minute)
	clock.Advance(time.Minute)

	fresh, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, fresh.Allowed)
	assert.True(t, fresh.ResetAt.After(first.ResetAt))
}

func TestRedisLimiterReset(t *testing.T) {
	mr, l, _ := newTestRedis(t)
	rule := Rule{Limit: 1, Window: time.Minute}
	ctx := context.Background()

	_, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, mr.Exists("ratelimit:k"))

	require.NoError(t, l.Reset(ctx, "k"))
	assert.False(t, mr.Exists("ratelimit:k"))
	assert.False(t, mr.Exists("ratelimit:k:reset"))

	res, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterBlock(t *testing.T) {
	mr, l, clock := newTestRedis(t)
	rule := Rule{Limit: 5, Window: time.Minute}
	ctx := context.Background()

	require.NoError(t, l.Block(ctx, "k", rule, 10*time.Minute))

	res, err := l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, clock.Now().Add(10*time.Minute).UnixMilli(), res.ResetAt.UnixMilli())

	mr.FastForward(10 * time.Minute)
	clock.Advance(10 * time.Minute)
	res, err = l.Hit(ctx, "k", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterUnavailable(t *testing.T) {
	mr, l, _ := newTestRedis(t)
	mr.Close()

	_, err := l.Hit(context.Background(), "k", Rule{Limit: 1, Window: time.Minute})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis rate limit hit failed")
}

func TestDialRedis(t *testing.T) {
	_, err := DialRedis(context.Background(), "http://localhost:6379")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse")

	mr := miniredis.RunT(t)
	client, err := DialRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	_ = client.Close()
}

func TestFallbackLimiterUsesSecondary(t *testing.T) {
	mr, primary, _ := newTestRedis(t)
	mr.Close()

	secondary := NewMemoryLimiter()
	var failures []string
	f := NewFallbackLimiter(primary, secondary)
	f.OnFailure = func(backend string, _ error) { failures = append(failures, backend) }

	rule := Rule{Limit: 1, Window: time.Minute}
	res, err := f.Hit(context.Background(), "k", rule)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = f.Hit(context.Background(), "k", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "secondary enforces the limit")
	assert.Equal(t, []string{"primary", "primary"}, failures)
}

type brokenLimiter struct{}

func (brokenLimiter) Hit(context.Context, string, Rule) (Result, error) {
	return Result{}, errors.New("backend down")
}
func (brokenLimiter) Reset(context.Context, string) error { return errors.New("backend down") }
func (brokenLimiter) Block(context.Context, string, Rule, time.Duration) error {
	return errors.New("backend down")
}

func TestFallbackLimiterFailsOpen(t *testing.T) {
	f := NewFallbackLimiter(brokenLimiter{}, brokenLimiter{})
	rule := Rule{Limit: 3, Window: time.Minute}

	for i := 0; i < 10; i++ {
		res, err := f.Hit(context.Background(), "k", rule)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 3, res.Limit)
	}

	assert.Error(t, f.Reset(context.Background(), "k"))
}

func TestPolicyLimiterHTTP(t *testing.T) {
	var got []PolicyRequest
	reset := time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req PolicyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		got = append(got, req)
		switch req.Op {
		case "hit":
			_ = json.NewEncoder(w).Encode(Result{Allowed: false, Remaining: 0, ResetAt: reset})
		case "block":
			w.WriteHeader(http.StatusNotImplemented)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	l := NewPolicyLimiter(HTTPPolicy(srv.Client(), srv.URL))
	rule := Rule{Limit: 7, Window: time.Minute}

	res, err := l.Hit(context.Background(), "k", rule)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 7, res.Limit, "limit defaults to the rule")
	assert.True(t, reset.Equal(res.ResetAt))

	require.NoError(t, l.Reset(context.Background(), "k"))
	err = l.Block(context.Background(), "k", rule, time.Minute)
	assert.ErrorIs(t, err, ErrUnsupported)

	require.Len(t, got, 3)
	assert.Equal(t, PolicyRequest{Op: "hit", Key: "k", Limit: 7, WindowMs: 60000}, got[0])
	assert.Equal(t, int64(60000), got[2].DurationMs)
}

func TestPolicyLimiterServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := NewFallbackLimiter(NewPolicyLimiter(HTTPPolicy(nil, srv.URL)), nil)
	res, err := f.Hit(context.Background(), "k", Rule{Limit: 1, Window: time.Second})
	require.NoError(t, err)
	assert.True(t, res.Allowed, "policy failure fails open")
}
