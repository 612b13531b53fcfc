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

// Package config loads process configuration for the gateway and the
// orchestrator worker from an optional YAML file and environment variables.
// Environment variables always win over the file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable pointing at the YAML file.
const ConfigFileEnv = "LAWAI_CONFIG_FILE"

// Config is the resolved configuration for both processes.
type Config struct {
	Port               string              `yaml:"port"`
	DatabaseURL        string              `yaml:"database_url"`
	RedisURL           string              `yaml:"redis_url"`
	JWTSecret          string              `yaml:"jwt_secret"`
	PermissionsFile    string              `yaml:"permissions_file"`
	ManifestFile       string              `yaml:"manifest_file"`
	CORSAllowedOrigins []string            `yaml:"cors_allowed_origins"`
	Permissions        map[string][]string `yaml:"permissions"`
	RateLimit          RateLimitConfig     `yaml:"rate_limit"`
	Agents             AgentConfig         `yaml:"agents"`
	Budget             BudgetConfig        `yaml:"budget"`
	Safety             SafetyConfig        `yaml:"safety"`
	Worker             WorkerConfig        `yaml:"worker"`
}

// RateLimitConfig selects the admission limiter backend and its window.
type RateLimitConfig struct {
	// Backend is one of memory, redis, policy.
	Backend   string               `yaml:"backend"`
	Limit     int                  `yaml:"limit"`
	WindowMs  int                  `yaml:"window_ms"`
	PolicyURL string               `yaml:"policy_url"`
	Routes    map[string]RouteRule `yaml:"routes"`
}

// RouteRule overrides the default window for a single route.
type RouteRule struct {
	Limit    int `yaml:"limit"`
	WindowMs int `yaml:"window_ms"`
}

// Window returns the default window as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowMs) * time.Millisecond
}

// AgentConfig points at the external Director and Safety agents.
type AgentConfig struct {
	DirectorURL       string  `yaml:"director_url"`
	SafetyURL         string  `yaml:"safety_url"`
	APIKey            string  `yaml:"api_key"`
	DirectorTimeoutMs int     `yaml:"director_timeout_ms"`
	SafetyTimeoutMs   int     `yaml:"safety_timeout_ms"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// DirectorTimeout returns the planning call timeout.
func (c AgentConfig) DirectorTimeout() time.Duration {
	return time.Duration(c.DirectorTimeoutMs) * time.Millisecond
}

// SafetyTimeout returns the review call timeout.
func (c AgentConfig) SafetyTimeout() time.Duration {
	return time.Duration(c.SafetyTimeoutMs) * time.Millisecond
}

// BudgetConfig bounds what an accepted plan may ask for.
type BudgetConfig struct {
	MaxSteps     int `yaml:"max_steps"`
	MaxToolCalls int `yaml:"max_tool_calls"`
	MaxDepth     int `yaml:"max_depth"`
}

// SafetyConfig configures the built-in gates and filters.
type SafetyConfig struct {
	BlockedStages   []BlockedStage `yaml:"blocked_stages"`
	MaxPayloadBytes int            `yaml:"max_payload_bytes"`
	SensitiveTopics []string       `yaml:"sensitive_topics"`

	// HighPriorityThreshold escalates approved commands at or above this
	// priority. Zero disables the check.
	HighPriorityThreshold int `yaml:"high_priority_threshold"`
}

// BlockedStage forbids a command type for an org. "*" matches any org.
type BlockedStage struct {
	OrgID string `yaml:"org_id"`
	Stage string `yaml:"stage"`
}

// WorkerConfig controls the orchestrator worker loop.
type WorkerConfig struct {
	ID             string   `yaml:"id"`
	OrgIDs         []string `yaml:"org_ids"`
	Classes        []string `yaml:"classes"`
	PollIntervalMs int      `yaml:"poll_interval_ms"`
	Concurrency    int      `yaml:"concurrency"`
	BatchSize      int      `yaml:"batch_size"`
}

// PollInterval returns the idle poll interval.
func (c WorkerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port: "8080",
		RateLimit: RateLimitConfig{
			Backend:  "memory",
			Limit:    120,
			WindowMs: 60000,
		},
		Agents: AgentConfig{
			DirectorTimeoutMs: 30000,
			SafetyTimeoutMs:   15000,
			RequestsPerSecond: 5,
		},
		Budget: BudgetConfig{
			MaxSteps:     12,
			MaxToolCalls: 24,
			MaxDepth:     6,
		},
		Safety: SafetyConfig{
			MaxPayloadBytes:       256 * 1024,
			SensitiveTopics:       []string{"sanctions", "money laundering", "whistleblower", "insider trading"},
			HighPriorityThreshold: 10,
		},
		Worker: WorkerConfig{
			ID:             "worker-1",
			Classes:        []string{"director", "safety", "domain"},
			PollIntervalMs: 2000,
			Concurrency:    4,
			BatchSize:      5,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// LAWAI_CONFIG_FILE (if any), then environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile is Load with an explicit YAML path and no environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.RedisURL = getEnv("REDIS_URL", c.RedisURL)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.PermissionsFile = getEnv("PERMISSIONS_FILE", c.PermissionsFile)
	c.ManifestFile = getEnv("MANIFEST_FILE", c.ManifestFile)
	c.CORSAllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.CORSAllowedOrigins)

	c.RateLimit.Backend = getEnv("RATE_LIMIT_BACKEND", c.RateLimit.Backend)
	c.RateLimit.PolicyURL = getEnv("RATE_LIMIT_POLICY_URL", c.RateLimit.PolicyURL)

	c.Agents.DirectorURL = getEnv("DIRECTOR_AGENT_URL", c.Agents.DirectorURL)
	c.Agents.SafetyURL = getEnv("SAFETY_AGENT_URL", c.Agents.SafetyURL)
	c.Agents.APIKey = getEnv("AGENT_API_KEY", c.Agents.APIKey)

	c.Worker.ID = getEnv("WORKER_ID", c.Worker.ID)
	c.Worker.OrgIDs = getEnvList("WORKER_ORG_IDS", c.Worker.OrgIDs)
	c.Worker.Classes = getEnvList("WORKER_CLASSES", c.Worker.Classes)
	c.Safety.SensitiveTopics = getEnvList("SAFETY_SENSITIVE_TOPICS", c.Safety.SensitiveTopics)

	ints := []struct {
		key string
		dst *int
	}{
		{"RATE_LIMIT_LIMIT", &c.RateLimit.Limit},
		{"RATE_LIMIT_WINDOW_MS", &c.RateLimit.WindowMs},
		{"DIRECTOR_TIMEOUT_MS", &c.Agents.DirectorTimeoutMs},
		{"SAFETY_TIMEOUT_MS", &c.Agents.SafetyTimeoutMs},
		{"PLAN_MAX_STEPS", &c.Budget.MaxSteps},
		{"PLAN_MAX_TOOL_CALLS", &c.Budget.MaxToolCalls},
		{"PLAN_MAX_DEPTH", &c.Budget.MaxDepth},
		{"WORKER_POLL_INTERVAL_MS", &c.Worker.PollIntervalMs},
		{"WORKER_CONCURRENCY", &c.Worker.Concurrency},
		{"WORKER_BATCH_SIZE", &c.Worker.BatchSize},
		{"SAFETY_MAX_PAYLOAD_BYTES", &c.Safety.MaxPayloadBytes},
		{"SAFETY_HIGH_PRIORITY_THRESHOLD", &c.Safety.HighPriorityThreshold},
	}
	for _, item := range ints {
		raw := os.Getenv(item.key)
		if raw == "" {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", item.key, err)
		}
		*item.dst = v
	}
	return nil
}

// Validate rejects configurations the processes cannot start with.
func (c *Config) Validate() error {
	switch c.RateLimit.Backend {
	case "memory", "redis", "policy":
	default:
		return fmt.Errorf("unknown rate limit backend: %q", c.RateLimit.Backend)
	}
	if c.RateLimit.Backend == "policy" && c.RateLimit.PolicyURL == "" {
		return fmt.Errorf("rate limit backend policy requires policy_url")
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("rate limit requires positive limit and window_ms")
	}
	for route, rule := range c.RateLimit.Routes {
		if rule.Limit <= 0 || rule.WindowMs <= 0 {
			return fmt.Errorf("rate limit route %s requires positive limit and window_ms", route)
		}
	}
	if c.Agents.DirectorTimeoutMs <= 0 || c.Agents.SafetyTimeoutMs <= 0 {
		return fmt.Errorf("agent timeouts must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.Worker.BatchSize <= 0 {
		c.Worker.BatchSize = 1
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

var envVarRegex = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*(:-[^}]*)?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} references.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		defaultVal := ""
		if idx := strings.Index(name, ":-"); idx != -1 {
			defaultVal = name[idx+2:]
			name = name[:idx]
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultVal
	})
}
