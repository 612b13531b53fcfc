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

package agent

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lawai/platform/agent/access"
	"lawai/platform/agent/gateway"
	"lawai/platform/agent/ratelimit"
	"lawai/platform/orchestrator"
	"lawai/platform/shared/config"
	"lawai/platform/shared/logger"
)

// Process is the assembled gateway process.
type Process struct {
	Core   *orchestrator.Core
	Server *gateway.Server
	redis  *redis.Client
}

// Build assembles the gateway over the shared core. Metrics are registered
// with reg and served from it on /prometheus.
func Build(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*Process, error) {
	core, err := orchestrator.NewCore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p := &Process{Core: core}

	permissions, err := loadPermissions(cfg)
	if err != nil {
		_ = p.Close()
		return nil, err
	}

	var members access.Store
	if core.DB != nil {
		members = access.NewPostgresStore(core.DB)
	} else {
		members = access.NewMemoryStore()
		log.Println("[Agent] No database configured, memberships are empty until seeded")
	}

	var limiter ratelimit.Limiter
	limiter, p.redis = newLimiter(ctx, cfg.RateLimit, cfg.RedisURL)

	rules := make(map[string]ratelimit.Rule, len(cfg.RateLimit.Routes))
	for route, rule := range cfg.RateLimit.Routes {
		rules[route] = ratelimit.Rule{Limit: rule.Limit, Window: time.Duration(rule.WindowMs) * time.Millisecond}
	}

	var secret []byte
	if cfg.JWTSecret != "" {
		secret = []byte(cfg.JWTSecret)
	}

	p.Server = gateway.NewServer(gateway.Options{
		Resolver:       access.NewResolver(members, permissions),
		Limiter:        limiter,
		DefaultRule:    ratelimit.Rule{Limit: cfg.RateLimit.Limit, Window: cfg.RateLimit.Window()},
		Rules:          rules,
		Service:        core.Service,
		Registry:       core.Registry,
		Audit:          core.Audit,
		JWTSecret:      secret,
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Metrics:        gateway.NewMetrics(reg),
		Gatherer:       reg,
		Logger:         logger.New("gateway"),
	})
	return p, nil
}

// loadPermissions layers the permissions file and then inline overrides
// on top of the seeded table.
func loadPermissions(cfg *config.Config) (access.PermissionTable, error) {
	table := access.DefaultPermissions()
	if cfg.PermissionsFile != "" {
		fromFile, err := access.LoadPermissionsFile(cfg.PermissionsFile)
		if err != nil {
			return nil, err
		}
		table = table.Merge(fromFile)
	}
	if len(cfg.Permissions) > 0 {
		table = table.Merge(access.FromMap(cfg.Permissions))
	}
	return table, nil
}

// newLimiter picks the admission backend. Shared backends fall back to the
// in-process limiter when they fail; an unreachable redis at startup means
// the in-process limiter alone.
func newLimiter(ctx context.Context, cfg config.RateLimitConfig, redisURL string) (ratelimit.Limiter, *redis.Client) {
	local := ratelimit.NewMemoryLimiter()
	switch cfg.Backend {
	case "redis":
		client, err := ratelimit.DialRedis(ctx, redisURL)
		if err != nil {
			log.Printf("[Agent] Redis unavailable, using in-memory rate limiting: %v", err)
			return local, nil
		}
		log.Println("[Agent] Using Redis rate limiting")
		return ratelimit.NewFallbackLimiter(ratelimit.NewRedisLimiter(client), local), client
	case "policy":
		log.Printf("[Agent] Using policy rate limiting at %s", cfg.PolicyURL)
		return ratelimit.NewFallbackLimiter(ratelimit.NewPolicyLimiter(ratelimit.HTTPPolicy(nil, cfg.PolicyURL)), local), nil
	default:
		return local, nil
	}
}

// Close releases the redis client and the shared core.
func (p *Process) Close() error {
	if p.redis != nil {
		_ = p.redis.Close()
	}
	return p.Core.Close()
}

// Run starts the gateway process and blocks until SIGINT or SIGTERM.
func Run() {
	log.Println("Starting LawAI Agent gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Agent] Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	proc, err := Build(ctx, cfg, reg)
	if err != nil {
		log.Fatalf("[Agent] Startup failed: %v", err)
	}
	defer func() { _ = proc.Close() }()

	if err := proc.Server.Serve(ctx, ":"+cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[Agent] Server stopped: %v", err)
	}
}
