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

package safety

import (
	"context"
	"strings"

	"lawai/platform/orchestrator/agentclient"
)

// ReviewRequest is what the Safety agent receives.
type ReviewRequest struct {
	RunID       string                 `json:"runId"`
	OrgID       string                 `json:"orgId"`
	SessionID   string                 `json:"sessionId"`
	CommandID   string                 `json:"commandId"`
	CommandType string                 `json:"commandType"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	Objective   string                 `json:"objective,omitempty"`
	Policy      map[string]interface{} `json:"policy,omitempty"`
}

// Review is the Safety agent's structured output.
type Review struct {
	Decision      string   `json:"decision"`
	Refusal       string   `json:"refusal,omitempty"`
	RequiresHuman bool     `json:"requiresHuman,omitempty"`
	Reasons       []string `json:"reasons,omitempty"`
	Mitigations   []string `json:"mitigations,omitempty"`
}

// Reviewer is the external reviewing agent.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*Review, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, req ReviewRequest) (*Review, error)

// Review implements Reviewer.
func (f ReviewerFunc) Review(ctx context.Context, req ReviewRequest) (*Review, error) {
	return f(ctx, req)
}

// mapReview folds a review into the result taxonomy. ok is false when the
// review is not a recognizable decision.
func mapReview(r *Review) (status Status, ok bool) {
	if r == nil {
		return StatusNeedsHITL, false
	}
	if strings.TrimSpace(r.Refusal) != "" {
		return StatusRejected, true
	}
	switch strings.ToLower(strings.TrimSpace(r.Decision)) {
	case "rejected", "reject", "refused", "block", "blocked":
		return StatusRejected, true
	case "needs_hitl", "hitl", "escalate", "escalated":
		return StatusNeedsHITL, true
	case "approved", "approve", "allow", "allowed", "ok":
		if r.RequiresHuman {
			return StatusNeedsHITL, true
		}
		return StatusApproved, true
	case "":
		if r.RequiresHuman {
			return StatusNeedsHITL, true
		}
	}
	return StatusNeedsHITL, false
}

// HTTPReviewer calls the remote Safety agent.
type HTTPReviewer struct {
	Client *agentclient.Client
	Path   string
}

// NewHTTPReviewer posts review requests to the client's /review endpoint.
func NewHTTPReviewer(c *agentclient.Client) *HTTPReviewer {
	return &HTTPReviewer{Client: c, Path: "/review"}
}

// Review implements Reviewer.
func (h *HTTPReviewer) Review(ctx context.Context, req ReviewRequest) (*Review, error) {
	var out Review
	if err := h.Client.Invoke(ctx, h.Path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
