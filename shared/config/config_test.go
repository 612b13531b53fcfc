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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window())
	assert.Equal(t, 30*time.Second, cfg.Agents.DirectorTimeout())
	assert.Equal(t, 15*time.Second, cfg.Agents.SafetyTimeout())
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval())
	assert.Equal(t, 10, cfg.Safety.HighPriorityThreshold)
	assert.Contains(t, cfg.Safety.SensitiveTopics, "sanctions")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("PORT", "9090")
	t.Setenv("RATE_LIMIT_LIMIT", "5")
	t.Setenv("RATE_LIMIT_WINDOW_MS", "1000")
	t.Setenv("WORKER_ORG_IDS", "org-a, org-b,,")
	t.Setenv("DIRECTOR_AGENT_URL", "http://director:8000")
	t.Setenv("SAFETY_SENSITIVE_TOPICS", "embargo")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 5, cfg.RateLimit.Limit)
	assert.Equal(t, time.Second, cfg.RateLimit.Window())
	assert.Equal(t, []string{"org-a", "org-b"}, cfg.Worker.OrgIDs)
	assert.Equal(t, "http://director:8000", cfg.Agents.DirectorURL)
	assert.Equal(t, []string{"embargo"}, cfg.Safety.SensitiveTopics)
}

func TestLoadInvalidInteger(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("WORKER_CONCURRENCY", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
}

func TestLoadFileWithEnvExpansion(t *testing.T) {
	t.Setenv("TEST_LAWAI_REDIS", "redis://cache:6379/0")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
redis_url: ${TEST_LAWAI_REDIS}
database_url: ${TEST_LAWAI_MISSING:-postgres://localhost/lawai}
rate_limit:
  backend: redis
  limit: 10
  window_ms: 60000
  routes:
    commands:
      limit: 2
      window_ms: 1000
safety:
  blocked_stages:
    - org_id: org-1
      stage: finance.payment_release
permissions:
  "agent:job.review": [owner]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
	assert.Equal(t, "postgres://localhost/lawai", cfg.DatabaseURL)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, RouteRule{Limit: 2, WindowMs: 1000}, cfg.RateLimit.Routes["commands"])
	require.Len(t, cfg.Safety.BlockedStages, 1)
	assert.Equal(t, "finance.payment_release", cfg.Safety.BlockedStages[0].Stage)
	assert.Equal(t, []string{"owner"}, cfg.Permissions["agent:job.review"])
	// unset fields keep defaults
	assert.Equal(t, 12, cfg.Budget.MaxSteps)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.RateLimit.Backend = "dynamo" }, "unknown rate limit backend"},
		{"policy without url", func(c *Config) { c.RateLimit.Backend = "policy" }, "policy_url"},
		{"zero limit", func(c *Config) { c.RateLimit.Limit = 0 }, "positive limit"},
		{"bad route", func(c *Config) {
			c.RateLimit.Routes = map[string]RouteRule{"claim": {Limit: 1}}
		}, "route claim"},
		{"zero timeout", func(c *Config) { c.Agents.SafetyTimeoutMs = 0 }, "timeouts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateClampsWorker(t *testing.T) {
	cfg := Default()
	cfg.Worker.Concurrency = 0
	cfg.Worker.BatchSize = -1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Worker.Concurrency)
	assert.Equal(t, 1, cfg.Worker.BatchSize)
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_LAWAI_HOST", "db")
	assert.Equal(t, "host=db", expandEnvVars("host=${TEST_LAWAI_HOST}"))
	assert.Equal(t, "port=5432", expandEnvVars("port=${TEST_LAWAI_PORT_UNSET:-5432}"))
	assert.Equal(t, "x=", expandEnvVars("x=${TEST_LAWAI_PORT_UNSET}"))
	assert.Equal(t, "plain $TEXT", expandEnvVars("plain $TEXT"))
}
