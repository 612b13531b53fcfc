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

// Package gateway is the /agent HTTP surface. Every gated route runs the
// same chain before its handler: caller identity, admission limiting,
// role authorization and, for mutating calls, the compliance gate.
package gateway

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"lawai/platform/agent/access"
	"lawai/platform/agent/ratelimit"
	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/audit"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/shared/logger"
)

// Route names used for rate limit rules and metrics labels.
const (
	RouteCommandSubmit  = "commands.submit"
	RouteCommandGet     = "commands.get"
	RouteJobClaim       = "jobs.claim"
	RouteJobComplete    = "jobs.complete"
	RouteJobReview      = "jobs.review"
	RouteJobRetry       = "jobs.retry"
	RouteCapabilities   = "capabilities"
	RouteConnectorsList = "connectors.list"
	RouteConnectorsSave = "connectors.save"
	RoutePlan           = "plan"
)

// Options wires a Server.
type Options struct {
	Resolver *access.Resolver
	Limiter  ratelimit.Limiter
	// DefaultRule applies to routes without an entry in Rules. A zero limit
	// disables admission limiting.
	DefaultRule    ratelimit.Rule
	Rules          map[string]ratelimit.Rule
	Service        *dispatch.Service
	Registry       *registry.Registry
	Audit          audit.Sink
	JWTSecret      []byte
	AllowedOrigins []string
	Metrics        *Metrics
	Gatherer       prometheus.Gatherer
	Logger         *logger.Logger
	Now            func() time.Time
}

// Server serves the /agent API.
type Server struct {
	opts   Options
	log    *logger.Logger
	now    func() time.Time
	router *mux.Router
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Discard("gateway")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	s := &Server{opts: opts, log: opts.Logger, now: opts.Now, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/prometheus", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	r.HandleFunc("/agent/commands", s.instrument(RouteCommandSubmit, s.handleSubmitCommand)).Methods("POST")
	r.HandleFunc("/agent/commands/{id}", s.instrument(RouteCommandGet, s.handleGetCommand)).Methods("GET")

	// claim must be registered before the {id} routes
	r.HandleFunc("/agent/jobs/claim", s.instrument(RouteJobClaim, s.handleClaimJobs)).Methods("POST")
	r.HandleFunc("/agent/jobs/{id}/complete", s.instrument(RouteJobComplete, s.handleCompleteJob)).Methods("POST")
	r.HandleFunc("/agent/jobs/{id}/review", s.instrument(RouteJobReview, s.handleReviewJob)).Methods("POST")
	r.HandleFunc("/agent/jobs/{id}/retry", s.instrument(RouteJobRetry, s.handleRetryJob)).Methods("POST")

	r.HandleFunc("/agent/capabilities", s.instrument(RouteCapabilities, s.handleCapabilities)).Methods("GET")
	r.HandleFunc("/agent/connectors", s.instrument(RouteConnectorsList, s.handleListConnectors)).Methods("GET")
	r.HandleFunc("/agent/connectors", s.instrument(RouteConnectorsSave, s.handleSaveConnector)).Methods("POST")

	r.HandleFunc("/agent/plan", s.instrument(RoutePlan, s.handlePlan)).Methods("POST")
}

// Handler returns the router wrapped in CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", headerUserID, headerAuthStrength, headerConsentVersion, headerDisclosureVersion},
		ExposedHeaders: []string{headerLimit, headerRemaining, headerReset, headerRetryAfter},
	})
	return c.Handler(s.router)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "lawai-agent",
		"timestamp": s.now().UTC(),
	})
}

// instrument records request count and latency per route.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if s.opts.Metrics != nil {
			s.opts.Metrics.observe(route, rec.status, time.Since(start))
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Serve listens on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] Listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Printf("[Gateway] Shutting down")
	return srv.Shutdown(shutdownCtx)
}
