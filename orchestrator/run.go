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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpconn "lawai/platform/connectors/http"
	"lawai/platform/orchestrator/store"
	"lawai/platform/orchestrator/worker"
	"lawai/platform/shared/config"
	"lawai/platform/shared/logger"
)

// Process is the assembled worker process.
type Process struct {
	Core    *Core
	Loop    *worker.Loop
	Handler http.Handler
}

// Build assembles the worker process. Metrics are registered with reg and
// served from it on /prometheus.
func Build(ctx context.Context, cfg *config.Config, reg *prometheus.Registry) (*Process, error) {
	core, err := NewCore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	handlers, err := Handlers(core, cfg.Worker.Classes)
	if err != nil {
		_ = core.Close()
		return nil, err
	}
	if len(cfg.Worker.OrgIDs) == 0 {
		log.Println("[Orchestrator] WORKER_ORG_IDS is empty, the worker will not claim any jobs")
	}

	loop := worker.NewLoop(core.Service, worker.Options{
		ID:           cfg.Worker.ID,
		OrgIDs:       cfg.Worker.OrgIDs,
		Handlers:     handlers,
		PollInterval: cfg.Worker.PollInterval(),
		Concurrency:  cfg.Worker.Concurrency,
		BatchSize:    cfg.Worker.BatchSize,
		Metrics:      worker.NewMetrics(reg),
		Logger:       logger.New("worker"),
	})

	r := mux.NewRouter()
	r.HandleFunc("/health", healthHandler).Methods("GET")
	r.Handle("/prometheus", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

	return &Process{Core: core, Loop: loop, Handler: r}, nil
}

// Handlers maps each configured worker class to its handler.
func Handlers(core *Core, classes []string) (map[store.WorkerClass]worker.Handler, error) {
	out := make(map[store.WorkerClass]worker.Handler, len(classes))
	for _, name := range classes {
		switch class := store.WorkerClass(name); class {
		case store.WorkerDirector:
			out[class] = worker.DirectorHandler{Planner: core.Director}
		case store.WorkerSafety:
			out[class] = worker.SafetyHandler{Kernel: core.Safety}
		case store.WorkerDomain:
			out[class] = worker.DomainHandler{
				Connectors: core.Registry,
				Executor:   httpconn.NewExecutor(),
				Logger:     logger.New("domain"),
			}
		default:
			return nil, fmt.Errorf("unknown worker class %q", name)
		}
	}
	return out, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, `{"status":"healthy","service":"lawai-orchestrator","timestamp":%q}`,
		time.Now().UTC().Format(time.RFC3339))
}

// Run starts the worker process and blocks until SIGINT or SIGTERM.
func Run() {
	log.Println("Starting LawAI Orchestrator...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Orchestrator] Invalid configuration: %v", err)
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
		log.Fatalf("[Orchestrator] Startup failed: %v", err)
	}
	defer func() { _ = proc.Core.Close() }()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           proc.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("LawAI Orchestrator listening on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[Orchestrator] HTTP server failed: %v", err)
			stop()
		}
	}()

	_ = proc.Loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Orchestrator] Shutdown error: %v", err)
	}
}
