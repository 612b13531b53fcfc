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

package director

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lawai/platform/orchestrator/audit"
	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/logger"
)

// CodePlanFailed is the client-facing code of every kernel failure.
const CodePlanFailed = "director_plan_failed"

// KernelError reports a failed planning call. Callers retry or surface it.
type KernelError struct {
	Code  string
	RunID string
	Cause error
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *KernelError) Unwrap() error {
	return e.Cause
}

// Request is what the Director agent receives.
type Request struct {
	RunID     string                 `json:"runId"`
	OrgID     string                 `json:"orgId"`
	SessionID string                 `json:"sessionId"`
	Objective string                 `json:"objective"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Previous  map[string]interface{} `json:"previousPlan,omitempty"`
	Budget    Budget                 `json:"budget"`
}

// Agent produces plans.
type Agent interface {
	Plan(ctx context.Context, req Request) (*Plan, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req Request) (*Plan, error)

// Plan implements Agent.
func (f AgentFunc) Plan(ctx context.Context, req Request) (*Plan, error) {
	return f(ctx, req)
}

// SessionUpdater is the slice of the store the kernel writes to.
type SessionUpdater interface {
	UpdateSession(ctx context.Context, orgID, id string, patch store.SessionPatch) (*store.Session, error)
}

// Options configures a Kernel.
type Options struct {
	Budget   Budget
	Timeout  time.Duration
	Sessions SessionUpdater
	Audit    audit.Sink
	Logger   *logger.Logger
}

// Kernel validates and records every planning call.
type Kernel struct {
	agent    Agent
	budget   Budget
	timeout  time.Duration
	sessions SessionUpdater
	audit    audit.Sink
	log      *logger.Logger
}

// NewKernel creates a planning kernel around agent.
func NewKernel(agent Agent, opts Options) *Kernel {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard("director")
	}
	return &Kernel{
		agent:    agent,
		budget:   opts.Budget,
		timeout:  opts.Timeout,
		sessions: opts.Sessions,
		audit:    opts.Audit,
		log:      opts.Logger,
	}
}

// Plan asks the agent for a plan and accepts it only if it fits the budget.
// Any failure is returned as a *KernelError; no partial plan is returned.
func (k *Kernel) Plan(ctx context.Context, sess *store.Session, objective string, planCtx map[string]interface{}) (*Plan, error) {
	runID := uuid.New().String()
	start := time.Now()
	req := Request{
		RunID:     runID,
		OrgID:     sess.OrgID,
		SessionID: sess.ID,
		Objective: objective,
		Context:   planCtx,
		Budget:    k.budget,
	}
	if prev, ok := sess.DirectorState["plan"].(map[string]interface{}); ok {
		req.Previous = prev
	}

	plan, err := k.invoke(ctx, req)
	if err == nil {
		err = k.budget.Validate(plan)
	}
	if err != nil {
		kerr := &KernelError{Code: CodePlanFailed, RunID: runID, Cause: err}
		k.log.ErrorWithCode(sess.OrgID, runID, "Director plan failed", 502, err, map[string]interface{}{
			"session_id": sess.ID,
		})
		k.record(ctx, sess, runID, "failed", err, nil)
		return nil, kerr
	}

	if plan.ID == "" {
		plan.ID = runID
	}
	if plan.Objective == "" {
		plan.Objective = objective
	}
	k.log.InfoWithDuration(sess.OrgID, runID, "Director plan accepted", time.Since(start), map[string]interface{}{
		"session_id": sess.ID,
		"steps":      len(plan.Steps),
	})
	k.record(ctx, sess, runID, "accepted", nil, plan)

	if k.sessions != nil {
		state, err := toMap(plan)
		if err != nil {
			return nil, &KernelError{Code: CodePlanFailed, RunID: runID, Cause: err}
		}
		_, err = k.sessions.UpdateSession(ctx, sess.OrgID, sess.ID, store.SessionPatch{
			Objective:         &objective,
			DirectorState:     map[string]interface{}{"plan": state, "runId": runID},
			LastDirectorRunID: &runID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store plan: %w", err)
		}
	}
	return plan, nil
}

func (k *Kernel) invoke(ctx context.Context, req Request) (*Plan, error) {
	if k.agent == nil {
		return nil, errors.New("no director agent configured")
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()

	type result struct {
		plan *Plan
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("director panic: %v", r)}
			}
		}()
		p, err := k.agent.Plan(ctx, req)
		done <- result{p, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		if r.plan == nil {
			return nil, errors.New("director returned no plan")
		}
		return r.plan, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("director timed out after %v: %w", k.timeout, ctx.Err())
	}
}

func (k *Kernel) record(ctx context.Context, sess *store.Session, runID, decision string, err error, plan *Plan) {
	if k.audit == nil {
		return
	}
	e := &audit.Event{
		OrgID:    sess.OrgID,
		Actor:    "director",
		Kind:     audit.KindDirectorPlan,
		Object:   sess.ID,
		Decision: decision,
		Metadata: map[string]interface{}{"runId": runID},
	}
	if err != nil {
		e.Reasons = []string{CodePlanFailed}
		e.Metadata["error"] = err.Error()
	}
	if plan != nil {
		e.Metadata["steps"] = len(plan.Steps)
		e.Metadata["toolCalls"] = plan.ToolCalls()
	}
	k.audit.Record(ctx, e)
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
