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

// Package safety decides whether a command may run. Assessment is a fixed
// pipeline: policy gates, pre-filters, the external reviewer, then
// post-filters. Any stage that does not allow ends the pipeline, and any
// failure escalates rather than approves.
package safety

import (
	"context"

	"lawai/platform/agent/access"
	"lawai/platform/orchestrator/store"
)

// Verdict is what a single gate or filter decides.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictNeedsHITL Verdict = "needs_hitl"
	VerdictBlock     Verdict = "block"
)

// Status is the outcome of a full assessment.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusNeedsHITL Status = "needs_hitl"
	StatusRejected  Status = "rejected"
)

// Reason codes produced by the kernel itself.
const (
	ReasonKernelFailure = "safety_kernel_failure"
	ReasonGateFailure   = "policy_gate_failure"
	ReasonFilterFailure = "safety_filter_failure"
)

// Decision is the result of one gate or filter.
type Decision struct {
	Verdict     Verdict  `json:"verdict"`
	Reason      string   `json:"reason,omitempty"`
	Mitigations []string `json:"mitigations,omitempty"`
}

// Allow lets the pipeline continue.
func Allow() Decision {
	return Decision{Verdict: VerdictAllow}
}

// Escalate sends the command to human review.
func Escalate(reason string, mitigations ...string) Decision {
	return Decision{Verdict: VerdictNeedsHITL, Reason: reason, Mitigations: mitigations}
}

// Block rejects the command.
func Block(reason string, mitigations ...string) Decision {
	return Decision{Verdict: VerdictBlock, Reason: reason, Mitigations: mitigations}
}

// Input is what the pipeline evaluates.
type Input struct {
	Envelope store.Envelope
	// Access is the submitter's resolved context. Nil when assessed outside
	// a request, in which case org policy defaults apply.
	Access *access.AccessContext
	// Result is the status computed so far. Set before post-filters run.
	Result Status
}

// Policy returns the effective org policy flags.
func (in *Input) Policy() access.PolicyFlags {
	if in.Access == nil {
		return access.DefaultPolicyFlags()
	}
	return in.Access.Policy
}

// Filter is a gate, pre-filter or post-filter.
type Filter interface {
	Name() string
	Evaluate(ctx context.Context, in *Input) (Decision, error)
}

// FilterFunc adapts a function to Filter.
type FilterFunc struct {
	FilterName string
	Fn         func(ctx context.Context, in *Input) (Decision, error)
}

// Name implements Filter.
func (f FilterFunc) Name() string { return f.FilterName }

// Evaluate implements Filter.
func (f FilterFunc) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	return f.Fn(ctx, in)
}

// Stage names used in the applied chain.
const (
	StageGate     = "gate"
	StagePre      = "pre_filter"
	StageReviewer = "reviewer"
	StagePost     = "post_filter"
)

// ChainEntry records one evaluated step so an assessment can be
// reconstructed later.
type ChainEntry struct {
	Stage   string  `json:"stage"`
	Name    string  `json:"name"`
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// Assessment is the kernel's answer for one command.
type Assessment struct {
	RunID           string       `json:"runId"`
	Status          Status       `json:"status"`
	Reasons         []string     `json:"reasons"`
	Mitigations     []string     `json:"mitigations"`
	Chain           []ChainEntry `json:"chain"`
	ReviewerInvoked bool         `json:"reviewerInvoked"`
}

// Map renders the assessment for command and job metadata.
func (a *Assessment) Map() map[string]interface{} {
	return map[string]interface{}{
		"runId":       a.RunID,
		"status":      string(a.Status),
		"reasons":     append([]string{}, a.Reasons...),
		"mitigations": append([]string{}, a.Mitigations...),
	}
}
