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

package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"lawai/platform/agent/access"
	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/audit"
	"lawai/platform/orchestrator/dispatch"
)

type submitCommandRequest struct {
	OrgID        string                 `json:"orgId"`
	SessionID    string                 `json:"sessionId"`
	CommandType  string                 `json:"commandType"`
	Payload      map[string]interface{} `json:"payload"`
	Priority     int                    `json:"priority"`
	ScheduledFor *time.Time             `json:"scheduledFor"`
	Worker       string                 `json:"worker"`
	DomainAgent  string                 `json:"domainAgent"`
}

// handleSubmitCommand handles POST /agent/commands.
func (s *Server) handleSubmitCommand(w http.ResponseWriter, r *http.Request) {
	var req submitCommandRequest
	if !decode(w, r, &req) {
		return
	}
	ac, ok := s.gate(w, r, RouteCommandSubmit, access.ActionCommandSubmit, req.OrgID, true)
	if !ok {
		return
	}

	res, err := s.opts.Service.Submit(r.Context(), dispatch.SubmitInput{
		OrgID:        req.OrgID,
		SessionID:    req.SessionID,
		CommandType:  req.CommandType,
		Payload:      req.Payload,
		Priority:     req.Priority,
		ScheduledFor: req.ScheduledFor,
		Worker:       req.Worker,
		DomainAgent:  req.DomainAgent,
		IssuedBy:     ac.UserID,
		Access:       ac,
	})
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// handleGetCommand handles GET /agent/commands/{id}?orgId=
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if _, ok := s.gate(w, r, RouteCommandGet, access.ActionCommandRead, orgID, false); !ok {
		return
	}
	view, err := s.opts.Service.GetCommand(r.Context(), orgID, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, orgID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type claimRequest struct {
	OrgID  string `json:"orgId"`
	Worker string `json:"worker"`
	Limit  int    `json:"limit"`
}

// handleClaimJobs handles POST /agent/jobs/claim. 204 means nothing was
// pending for the worker class.
func (s *Server) handleClaimJobs(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	ac, ok := s.gate(w, r, RouteJobClaim, access.ActionJobClaim, req.OrgID, true)
	if !ok {
		return
	}
	envs, err := s.opts.Service.Claim(r.Context(), req.OrgID, req.Worker, ac.UserID, req.Limit)
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	if len(envs) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"envelope":  envs[0],
		"envelopes": envs,
	})
}

type completeRequest struct {
	OrgID  string                 `json:"orgId"`
	Status string                 `json:"status"`
	Result map[string]interface{} `json:"result"`
	Error  string                 `json:"error"`
}

// handleCompleteJob handles POST /agent/jobs/{id}/complete.
func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	ac, ok := s.gate(w, r, RouteJobComplete, access.ActionJobComplete, req.OrgID, true)
	if !ok {
		return
	}
	env, err := s.opts.Service.Complete(r.Context(), req.OrgID, mux.Vars(r)["id"], dispatch.CompleteInput{
		Status:      req.Status,
		Result:      req.Result,
		Error:       req.Error,
		CompletedBy: ac.UserID,
	})
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

type reviewRequest struct {
	OrgID    string `json:"orgId"`
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

// handleReviewJob handles POST /agent/jobs/{id}/review.
func (s *Server) handleReviewJob(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decode(w, r, &req) {
		return
	}
	ac, ok := s.gate(w, r, RouteJobReview, access.ActionJobReview, req.OrgID, true)
	if !ok {
		return
	}
	view, err := s.opts.Service.Review(r.Context(), req.OrgID, mux.Vars(r)["id"], dispatch.ReviewInput{
		Decision: req.Decision,
		Note:     req.Note,
		Reviewer: ac.UserID,
	})
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type retryRequest struct {
	OrgID   string `json:"orgId"`
	Reason  string `json:"reason"`
	DelayMs int    `json:"delayMs"`
}

// handleRetryJob handles POST /agent/jobs/{id}/retry.
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decode(w, r, &req) {
		return
	}
	ac, ok := s.gate(w, r, RouteJobRetry, access.ActionJobRetry, req.OrgID, true)
	if !ok {
		return
	}
	if req.DelayMs < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "delayMs must not be negative")
		return
	}
	job, err := s.opts.Service.Retry(r.Context(), req.OrgID, mux.Vars(r)["id"], dispatch.RetryInput{
		Reason: req.Reason,
		Delay:  time.Duration(req.DelayMs) * time.Millisecond,
		Actor:  ac.UserID,
	})
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job})
}

// handleCapabilities handles GET /agent/capabilities?orgId=
func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if _, ok := s.gate(w, r, RouteCapabilities, access.ActionCapabilitiesRead, orgID, false); !ok {
		return
	}
	coverage, err := s.opts.Registry.Coverage(r.Context(), orgID)
	if err != nil {
		s.writeServiceError(w, orgID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"orgId":    orgID,
		"manifest": s.opts.Registry.Manifest(),
		"coverage": coverage,
	})
}

// handleListConnectors handles GET /agent/connectors?orgId=
func (s *Server) handleListConnectors(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("orgId")
	if _, ok := s.gate(w, r, RouteConnectorsList, access.ActionConnectorsRead, orgID, false); !ok {
		return
	}
	list, err := s.opts.Registry.List(r.Context(), orgID)
	if err != nil {
		s.writeServiceError(w, orgID, err)
		return
	}
	if list == nil {
		list = []registry.Connector{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connectors": list})
}

type saveConnectorRequest struct {
	OrgID         string                 `json:"orgId"`
	ConnectorType string                 `json:"connectorType"`
	Name          string                 `json:"name"`
	Status        string                 `json:"status"`
	Config        map[string]interface{} `json:"config"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// handleSaveConnector handles POST /agent/connectors.
func (s *Server) handleSaveConnector(w http.ResponseWriter, r *http.Request) {
	var req saveConnectorRequest
	if !decode(w, r, &req) {
		return
	}
	ac, ok := s.gate(w, r, RouteConnectorsSave, access.ActionConnectorsManage, req.OrgID, true)
	if !ok {
		return
	}
	saved, err := s.opts.Registry.Register(r.Context(), registry.Connector{
		OrgID:         req.OrgID,
		ConnectorType: req.ConnectorType,
		Name:          req.Name,
		Status:        registry.Status(req.Status),
		Config:        req.Config,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	if s.opts.Audit != nil {
		s.opts.Audit.Record(r.Context(), &audit.Event{
			OrgID:    req.OrgID,
			Actor:    ac.UserID,
			Kind:     audit.KindConnectorChanged,
			Object:   saved.ID,
			Decision: string(saved.Status),
			Metadata: map[string]interface{}{"type": saved.ConnectorType, "name": saved.Name},
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connector": saved})
}

type planRequest struct {
	OrgID     string                 `json:"orgId"`
	SessionID string                 `json:"sessionId"`
	Objective string                 `json:"objective"`
	Context   map[string]interface{} `json:"context"`
}

// handlePlan handles POST /agent/plan.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !decode(w, r, &req) {
		return
	}
	if _, ok := s.gate(w, r, RoutePlan, access.ActionPlan, req.OrgID, true); !ok {
		return
	}
	plan, err := s.opts.Service.Plan(r.Context(), req.OrgID, req.SessionID, req.Objective, req.Context)
	if err != nil {
		s.writeServiceError(w, req.OrgID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": plan})
}
