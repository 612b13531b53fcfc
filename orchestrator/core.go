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

package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/agentclient"
	"lawai/platform/orchestrator/audit"
	"lawai/platform/orchestrator/director"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/safety"
	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/config"
	"lawai/platform/shared/database"
	"lawai/platform/shared/logger"
)

// Core is what the gateway and the worker process share: storage, the
// audit recorder, both kernels, the connector registry and the dispatch
// service built over them.
type Core struct {
	DB       *sql.DB
	Store    store.Store
	Audit    *audit.Recorder
	Safety   *safety.Kernel
	Director *director.Kernel
	Registry *registry.Registry
	Service  *dispatch.Service
}

// NewCore builds the shared components from cfg. Without a DATABASE_URL
// everything is kept in process memory, which only works when the gateway
// and the worker share a process (tests, local runs).
func NewCore(ctx context.Context, cfg *config.Config) (*Core, error) {
	c := &Core{}

	var (
		writer     audit.Writer
		connectors registry.Storage
	)
	if cfg.DatabaseURL != "" {
		db, err := database.Open(ctx, cfg.DatabaseURL, database.DefaultOptions())
		if err != nil {
			return nil, err
		}
		c.DB = db

		pg := store.NewPostgresStore(db)
		if err := pg.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate orchestrator store: %w", err)
		}
		aw := audit.NewPostgresWriter(db)
		if err := aw.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate audit log: %w", err)
		}
		cs, err := registry.NewPostgreSQLStorage(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		c.Store, writer, connectors = pg, aw, cs
		log.Println("[Core] Using PostgreSQL storage")
	} else {
		c.Store, writer, connectors = store.NewMemoryStore(), &audit.MemoryWriter{}, registry.NewMemoryStorage()
		log.Println("[Core] DATABASE_URL not set, using in-memory storage")
	}
	c.Audit = audit.NewRecorder(writer, audit.DefaultOptions())

	var manifest *registry.Manifest
	if cfg.ManifestFile != "" {
		m, err := registry.LoadManifestFile(cfg.ManifestFile)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		manifest = m
	}
	c.Registry = registry.NewRegistry(connectors, manifest)

	reviewer, planner, err := externalAgents(cfg.Agents)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	pipeline := safety.DefaultPipeline(cfg.Safety)
	pipeline.Timeout = cfg.Agents.SafetyTimeout()
	pipeline.Audit = c.Audit
	pipeline.Logger = logger.New("safety")
	c.Safety = safety.NewKernel(reviewer, pipeline)

	c.Director = director.NewKernel(planner, director.Options{
		Budget: director.Budget{
			MaxSteps:     cfg.Budget.MaxSteps,
			MaxToolCalls: cfg.Budget.MaxToolCalls,
			MaxDepth:     cfg.Budget.MaxDepth,
		},
		Timeout:  cfg.Agents.DirectorTimeout(),
		Sessions: c.Store,
		Audit:    c.Audit,
		Logger:   logger.New("director"),
	})

	c.Service = dispatch.NewService(c.Store, dispatch.Options{
		Safety:   c.Safety,
		Director: c.Director,
		Audit:    c.Audit,
		Logger:   logger.New("dispatch"),
	})
	return c, nil
}

// externalAgents connects the reviewer and planner. A missing URL leaves
// the corresponding agent nil: the safety kernel then holds every command
// for human review and planning fails with director_plan_failed.
func externalAgents(cfg config.AgentConfig) (safety.Reviewer, director.Agent, error) {
	var (
		reviewer safety.Reviewer
		planner  director.Agent
	)

	if cfg.SafetyURL != "" {
		client, err := agentclient.New(agentclient.Config{
			Name:              "safety",
			BaseURL:           cfg.SafetyURL,
			APIKey:            cfg.APIKey,
			Timeout:           cfg.SafetyTimeout(),
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, err
		}
		reviewer = safety.NewHTTPReviewer(client)
	} else {
		log.Println("[Core] SAFETY_AGENT_URL not set, commands will be held for human review")
	}

	if cfg.DirectorURL != "" {
		client, err := agentclient.New(agentclient.Config{
			Name:              "director",
			BaseURL:           cfg.DirectorURL,
			APIKey:            cfg.APIKey,
			Timeout:           cfg.DirectorTimeout(),
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, err
		}
		planner = director.NewHTTPAgent(client)
	} else {
		log.Println("[Core] DIRECTOR_AGENT_URL not set, planning is disabled")
	}
	return reviewer, planner, nil
}

// Close drains the audit queue and releases the database.
func (c *Core) Close() error {
	if c.Audit != nil {
		_ = c.Audit.Close()
	}
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
