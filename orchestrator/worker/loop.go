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

// Package worker runs the job execution loop: it claims pending jobs per
// org and worker class, runs the class handler with bounded concurrency and
// reports each outcome back through the dispatch service.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/logger"
)

// Lifecycle is the slice of the dispatch service the loop drives.
type Lifecycle interface {
	Claim(ctx context.Context, orgID, worker, claimant string, limit int) ([]store.Envelope, error)
	Complete(ctx context.Context, orgID, jobID string, in dispatch.CompleteInput) (*store.Envelope, error)
	Escalate(ctx context.Context, orgID, jobID, reason, actor string) (*store.Job, error)
}

// Options configures a Loop.
type Options struct {
	ID           string
	OrgIDs       []string
	Handlers     map[store.WorkerClass]Handler
	PollInterval time.Duration
	Concurrency  int
	BatchSize    int
	Metrics      *Metrics
	Logger       *logger.Logger
}

// Loop polls for work until its context is cancelled.
type Loop struct {
	svc  Lifecycle
	opts Options
	log  *logger.Logger
}

// NewLoop creates a worker loop.
func NewLoop(svc Lifecycle, opts Options) *Loop {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = opts.Concurrency
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard("worker")
	}
	return &Loop{svc: svc, opts: opts, log: opts.Logger}
}

// Run polls every PollInterval and returns when ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	log.Printf("[Worker] %s started (orgs=%d, classes=%d, concurrency=%d)",
		l.opts.ID, len(l.opts.OrgIDs), len(l.opts.Handlers), l.opts.Concurrency)

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := l.RunOnce(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("", "", "Worker poll finished with errors", map[string]interface{}{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			log.Printf("[Worker] %s stopped", l.opts.ID)
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes one batch per org and class. It returns the
// number of jobs handled and the first claim error, if any.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	var firstErr error
	handled := 0
	for _, orgID := range l.opts.OrgIDs {
		for class, h := range l.opts.Handlers {
			envs, err := l.svc.Claim(ctx, orgID, string(class), l.opts.ID, l.opts.BatchSize)
			if err != nil {
				if l.opts.Metrics != nil {
					l.opts.Metrics.claimErrors.WithLabelValues(string(class)).Inc()
				}
				l.log.Error(orgID, "", "Failed to claim jobs", map[string]interface{}{
					"worker": string(class),
					"error":  err.Error(),
				})
				if firstErr == nil {
					firstErr = fmt.Errorf("claim %s/%s: %w", orgID, class, err)
				}
				continue
			}

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(l.opts.Concurrency)
			for _, env := range envs {
				env := env
				g.Go(func() error {
					l.process(gctx, h, env)
					return nil
				})
			}
			_ = g.Wait()
			handled += len(envs)
		}
	}
	return handled, firstErr
}

func (l *Loop) process(ctx context.Context, h Handler, env store.Envelope) {
	start := time.Now()
	job := env.Job
	out, err := l.handle(ctx, h, env)

	outcome := "completed"
	var reportErr error
	switch {
	case err != nil:
		outcome = "failed"
		_, reportErr = l.svc.Complete(ctx, job.OrgID, job.ID, dispatch.CompleteInput{
			Status:      string(store.JobFailed),
			Error:       err.Error(),
			CompletedBy: l.opts.ID,
		})
	case out.Escalate != "":
		outcome = "escalated"
		_, reportErr = l.svc.Escalate(ctx, job.OrgID, job.ID, out.Escalate, l.opts.ID)
	default:
		status := out.Status
		if status == "" {
			status = store.JobCompleted
		}
		outcome = string(status)
		_, reportErr = l.svc.Complete(ctx, job.OrgID, job.ID, dispatch.CompleteInput{
			Status:      string(status),
			Result:      out.Result,
			Error:       out.Error,
			CompletedBy: l.opts.ID,
		})
	}

	elapsed := time.Since(start)
	if l.opts.Metrics != nil {
		l.opts.Metrics.jobsTotal.WithLabelValues(string(job.Worker), outcome).Inc()
		l.opts.Metrics.jobDuration.WithLabelValues(string(job.Worker)).Observe(float64(elapsed.Milliseconds()))
	}
	fields := map[string]interface{}{
		"job_id":     job.ID,
		"command_id": job.CommandID,
		"worker":     string(job.Worker),
		"outcome":    outcome,
		"attempts":   job.Attempts,
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if reportErr != nil {
		fields["report_error"] = reportErr.Error()
		l.log.Error(job.OrgID, job.ID, "Failed to report job outcome", fields)
		return
	}
	l.log.InfoWithDuration(job.OrgID, job.ID, "Job processed", elapsed, fields)
}

// handle runs h, turning a panic or an empty outcome into an error.
func (l *Loop) handle(ctx context.Context, h Handler, env store.Envelope) (out *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	out, err = h.Handle(ctx, env)
	if err == nil && out == nil {
		err = fmt.Errorf("handler returned no outcome")
	}
	return out, err
}
