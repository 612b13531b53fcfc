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

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"lawai/platform/connectors/base"
	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/safety"
	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/logger"
)

// EscalationPrefixConnectors starts the hitlReason of a domain job whose
// required connectors are not active.
const EscalationPrefixConnectors = "activate_connectors:"

// Outcome is what a handler reports for a job. Escalate holds the job for
// human review instead of finishing it; otherwise Status (default
// completed) finalizes the job.
type Outcome struct {
	Status   store.JobStatus
	Result   map[string]interface{}
	Error    string
	Escalate string
}

// Handler executes one claimed job.
type Handler interface {
	Handle(ctx context.Context, env store.Envelope) (*Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env store.Envelope) (*Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env store.Envelope) (*Outcome, error) {
	return f(ctx, env)
}

// DirectorHandler plans the command's objective.
type DirectorHandler struct {
	Planner dispatch.Planner
}

// Handle implements Handler.
func (h DirectorHandler) Handle(ctx context.Context, env store.Envelope) (*Outcome, error) {
	objective := payloadString(env.Command.Payload, "objective")
	if objective == "" {
		objective = payloadString(env.Command.Payload, "intent")
	}
	if objective == "" {
		objective = env.Session.Objective
	}
	if objective == "" {
		return nil, errors.New("command has no objective to plan")
	}
	plan, err := h.Planner.Plan(ctx, &env.Session, objective, env.Command.Payload)
	if err != nil {
		return nil, err
	}
	state, err := toMap(plan)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	return &Outcome{Result: map[string]interface{}{"plan": state}}, nil
}

// SafetyHandler runs the safety kernel for commands addressed to the safety
// worker directly.
type SafetyHandler struct {
	Kernel dispatch.Assessor
}

// Handle implements Handler.
func (h SafetyHandler) Handle(ctx context.Context, env store.Envelope) (*Outcome, error) {
	a := h.Kernel.Assess(ctx, &safety.Input{Envelope: env})
	result := map[string]interface{}{store.MetaSafety: a.Map()}
	switch a.Status {
	case safety.StatusApproved:
		return &Outcome{Result: result}, nil
	case safety.StatusRejected:
		return &Outcome{
			Status: store.JobCancelled,
			Result: result,
			Error:  dispatch.CodeCommandRejected + ": " + strings.Join(a.Reasons, ", "),
		}, nil
	default:
		return &Outcome{Escalate: "safety_review:" + strings.Join(a.Reasons, ",")}, nil
	}
}

// Connectors is the registry as seen by the domain handler.
type Connectors interface {
	DomainCoverage(ctx context.Context, orgID, domain string) (*registry.DomainCoverage, error)
	Get(ctx context.Context, orgID, connectorType, name string) (*registry.Connector, error)
	RecordSync(ctx context.Context, id string, syncErr error) error
}

// DomainHandler sends a domain command to the org's connector. It never
// calls out when a required connector is missing.
type DomainHandler struct {
	Connectors Connectors
	Executor   base.Executor
	Logger     *logger.Logger
}

// Handle implements Handler.
func (h DomainHandler) Handle(ctx context.Context, env store.Envelope) (*Outcome, error) {
	cmd := env.Command
	domain := env.Job.DomainAgent
	if domain == "" {
		domain = payloadString(cmd.Payload, "domain")
	}
	if domain == "" {
		return nil, errors.New("domain job has no domain")
	}

	cov, err := h.Connectors.DomainCoverage(ctx, cmd.OrgID, domain)
	if err != nil {
		return nil, err
	}
	if !cov.Ready() {
		return activateConnectors(cov.Missing...), nil
	}

	named := payloadString(cmd.Payload, "connector")
	req, ok := pickConnector(cov, named)
	switch {
	case ok:
	case named != "":
		return activateConnectors(named), nil
	case len(cov.Connectors) > 0:
		names := make([]string, 0, len(cov.Connectors))
		for _, c := range cov.Connectors {
			names = append(names, c.Name)
		}
		return activateConnectors(names...), nil
	default:
		return &Outcome{Result: map[string]interface{}{"domain": domain, "dispatched": false}}, nil
	}
	conn, err := h.Connectors.Get(ctx, cmd.OrgID, req.Type, req.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load connector %s: %w", req.Name, err)
	}

	target := base.Target{
		ID:          conn.ID,
		OrgID:       conn.OrgID,
		Name:        conn.Name,
		Type:        conn.ConnectorType,
		Config:      conn.Config,
		Credentials: credentials(conn.Config),
	}
	res, execErr := h.Executor.Execute(ctx, target, actionFor(cmd))
	if err := h.Connectors.RecordSync(ctx, conn.ID, execErr); err != nil && h.Logger != nil {
		h.Logger.Warn(cmd.OrgID, env.Job.ID, "Failed to record connector sync", map[string]interface{}{
			"connector": conn.Name,
			"error":     err.Error(),
		})
	}
	if execErr != nil {
		return nil, execErr
	}
	if !res.Success {
		return nil, fmt.Errorf("connector %s: %s", conn.Name, res.Message)
	}
	return &Outcome{Result: map[string]interface{}{
		"domain":     domain,
		"connector":  conn.Name,
		"statusCode": res.StatusCode,
		"data":       res.Data,
		"durationMs": res.Duration.Milliseconds(),
		"dispatched": true,
	}}, nil
}

// activateConnectors escalates a job until the named connectors are active.
func activateConnectors(names ...string) *Outcome {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return &Outcome{Escalate: EscalationPrefixConnectors + strings.Join(sorted, ",")}
}

// pickConnector returns the named requirement if it is active. Without a
// name it prefers the first active required connector, then an active
// optional one.
func pickConnector(cov *registry.DomainCoverage, name string) (registry.RequirementStatus, bool) {
	if name != "" {
		for _, c := range cov.Connectors {
			if c.Name == name && c.Status == registry.StatusActive {
				return c, true
			}
		}
		return registry.RequirementStatus{}, false
	}
	for _, required := range []bool{true, false} {
		for _, c := range cov.Connectors {
			if c.Required == required && c.Status == registry.StatusActive {
				return c, true
			}
		}
	}
	return registry.RequirementStatus{}, false
}

// actionFor reads an optional {"action": {method, path, query, body}} from
// the payload. Without one the whole command is POSTed to /commands.
func actionFor(cmd store.Command) base.Action {
	action := base.Action{
		Method: "POST",
		Path:   "/commands",
		Body: map[string]interface{}{
			"commandId":   cmd.ID,
			"commandType": cmd.CommandType,
			"payload":     cmd.Payload,
		},
	}
	raw, ok := cmd.Payload["action"].(map[string]interface{})
	if !ok {
		return action
	}
	if m := payloadString(raw, "method"); m != "" {
		action.Method = m
	}
	if p := payloadString(raw, "path"); p != "" {
		action.Path = p
	}
	if body, ok := raw["body"].(map[string]interface{}); ok {
		action.Body = body
	}
	if q, ok := raw["query"].(map[string]interface{}); ok {
		action.Query = make(map[string]string, len(q))
		for k, v := range q {
			action.Query[k] = fmt.Sprint(v)
		}
	}
	return action
}

func credentials(cfg map[string]interface{}) map[string]string {
	raw, ok := cfg["credentials"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func payloadString(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
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
