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

// Package dispatch is the command lifecycle service shared by the HTTP
// gateway and the worker loop. Submission runs every command through the
// safety kernel before any worker can see it; claim, completion, review and
// retry are thin audited wrappers over the orchestrator store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"lawai/platform/agent/access"
	"lawai/platform/orchestrator/audit"
	"lawai/platform/orchestrator/director"
	"lawai/platform/orchestrator/safety"
	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/logger"
)

// CommandTypeFinanceDomain dispatches to a finance domain agent. Its payload
// must name the domain or the intent.
const CommandTypeFinanceDomain = "finance.domain"

// Validation codes.
const (
	CodeInvalidCommand        = "invalid_command"
	CodeInvalidFinancePayload = "invalid_finance_command_payload"
	CodeInvalidWorker         = "invalid_worker"
	CodeInvalidJobStatus      = "invalid_job_status"
	CodeInvalidReview         = "invalid_review_decision"
	CodeCommandRejected       = "command_rejected"
)

// ErrNotAwaitingReview is returned when a review targets a job that is not
// pending human action.
var ErrNotAwaitingReview = errors.New("job is not awaiting review")

// ValidationError is a malformed request. It is never retried.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Code + ": " + e.Message
}

func invalid(code, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RejectedError reports a command the safety kernel rejected. The command
// and its job are already cancelled when it is returned.
type RejectedError struct {
	CommandID   string
	Reasons     []string
	Mitigations []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", CodeCommandRejected, strings.Join(e.Reasons, ", "))
}

// Assessor is the safety kernel as seen by the service.
type Assessor interface {
	Assess(ctx context.Context, in *safety.Input) *safety.Assessment
}

// Planner is the director kernel as seen by the service.
type Planner interface {
	Plan(ctx context.Context, sess *store.Session, objective string, planCtx map[string]interface{}) (*director.Plan, error)
}

// Options configures a Service.
type Options struct {
	Safety   Assessor
	Director Planner
	Audit    audit.Sink
	Logger   *logger.Logger
	Now      func() time.Time
}

// Service owns the command lifecycle.
type Service struct {
	store    store.Store
	safety   Assessor
	director Planner
	audit    audit.Sink
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a service over st.
func NewService(st store.Store, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.Discard("dispatch")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    st,
		safety:   opts.Safety,
		director: opts.Director,
		audit:    opts.Audit,
		log:      opts.Logger,
		now:      opts.Now,
	}
}

// Store exposes the underlying store to the worker loop.
func (s *Service) Store() store.Store {
	return s.store
}

// SubmitInput is a new command request.
type SubmitInput struct {
	OrgID        string
	SessionID    string
	CommandType  string
	Payload      map[string]interface{}
	Priority     int
	ScheduledFor *time.Time
	Worker       string
	DomainAgent  string
	IssuedBy     string
	Access       *access.AccessContext
	RequestID    string
}

// SubmitResult is returned for accepted and escalated commands. Rejected
// commands also carry one next to the *RejectedError.
type SubmitResult struct {
	store.EnqueueResult
	Safety *safety.Assessment `json:"safety,omitempty"`
}

// Submit validates, enqueues and assesses a command. A rejected command
// comes back as a *RejectedError after both records were cancelled; an
// escalated one is accepted with its job held for review.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	enq, err := s.normalize(in)
	if err != nil {
		return nil, err
	}
	assess := enq.Worker != store.WorkerSafety && s.safety != nil
	// the job stays unclaimable until the verdict below is stored
	enq.Hold = assess

	created, err := s.store.Enqueue(ctx, enq)
	if err != nil {
		return nil, err
	}
	res := &SubmitResult{EnqueueResult: *created}
	s.record(ctx, &audit.Event{
		OrgID:    in.OrgID,
		Actor:    in.IssuedBy,
		Kind:     audit.KindCommandSubmitted,
		Object:   created.CommandID,
		Decision: string(created.Status),
		Metadata: map[string]interface{}{
			"jobId":       created.JobID,
			"sessionId":   created.SessionID,
			"commandType": enq.CommandType,
			"worker":      string(enq.Worker),
		},
	})

	if !assess {
		return res, nil
	}

	env, err := s.envelope(ctx, in.OrgID, created)
	if err != nil {
		return nil, err
	}
	a := s.safety.Assess(ctx, &safety.Input{Envelope: *env, Access: in.Access})
	res.Safety = a

	if err := s.applyAssessment(ctx, env, a, in.IssuedBy); err != nil {
		return nil, err
	}
	if a.Status == safety.StatusRejected {
		res.Status = store.CommandCancelled
		s.log.Warn(in.OrgID, in.RequestID, "Command rejected by safety", map[string]interface{}{
			"command_id": created.CommandID,
			"reasons":    a.Reasons,
		})
		return res, &RejectedError{CommandID: created.CommandID, Reasons: a.Reasons, Mitigations: a.Mitigations}
	}
	return res, nil
}

func (s *Service) normalize(in SubmitInput) (store.EnqueueInput, error) {
	enq := store.EnqueueInput{
		OrgID:       strings.TrimSpace(in.OrgID),
		SessionID:   strings.TrimSpace(in.SessionID),
		CommandType: strings.TrimSpace(in.CommandType),
		Payload:     in.Payload,
		Priority:    in.Priority,
		Worker:      store.WorkerClass(strings.TrimSpace(in.Worker)),
		DomainAgent: strings.TrimSpace(in.DomainAgent),
		IssuedBy:    in.IssuedBy,
	}
	if enq.OrgID == "" {
		return enq, invalid(CodeInvalidCommand, "orgId is required")
	}
	if enq.CommandType == "" {
		return enq, invalid(CodeInvalidCommand, "commandType is required")
	}
	if enq.Worker != "" && !enq.Worker.Valid() {
		return enq, invalid(CodeInvalidWorker, "unknown worker %q", enq.Worker)
	}
	if in.ScheduledFor != nil {
		enq.ScheduledFor = *in.ScheduledFor
	}

	if enq.CommandType == CommandTypeFinanceDomain {
		domain := stringField(enq.Payload, "domain")
		if domain == "" && stringField(enq.Payload, "intent") == "" {
			return enq, invalid(CodeInvalidFinancePayload, "finance.domain commands need a domain or an intent")
		}
		if enq.DomainAgent == "" {
			enq.DomainAgent = domain
		}
	}
	return enq, nil
}

func (s *Service) envelope(ctx context.Context, orgID string, created *store.EnqueueResult) (*store.Envelope, error) {
	cmd, err := s.store.GetCommand(ctx, orgID, created.CommandID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(ctx, orgID, created.JobID)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, orgID, created.SessionID)
	if err != nil {
		return nil, err
	}
	return &store.Envelope{Job: *job, Command: *cmd, Session: *sess}, nil
}

// applyAssessment persists a safety verdict on the command, job and session.
func (s *Service) applyAssessment(ctx context.Context, env *store.Envelope, a *safety.Assessment, actor string) error {
	orgID := env.Command.OrgID
	verdict := map[string]interface{}{store.MetaSafety: a.Map()}

	switch a.Status {
	case safety.StatusRejected:
		reason := CodeCommandRejected + ": " + strings.Join(a.Reasons, ", ")
		if err := s.store.CancelCommand(ctx, orgID, env.Command.ID, reason, verdict); err != nil {
			return err
		}
		s.record(ctx, &audit.Event{
			OrgID:    orgID,
			Actor:    actor,
			Kind:     audit.KindCommandRejected,
			Object:   env.Command.ID,
			Decision: string(a.Status),
			Reasons:  a.Reasons,
			Metadata: map[string]interface{}{"jobId": env.Job.ID, "mitigations": a.Mitigations},
		})

	case safety.StatusNeedsHITL:
		if _, err := s.store.UpdateCommand(ctx, orgID, env.Command.ID, store.CommandPatch{Metadata: verdict}); err != nil {
			return err
		}
		_, err := s.store.UpdateJob(ctx, orgID, env.Job.ID, store.JobPatch{Metadata: map[string]interface{}{
			store.MetaHITLRequired:  true,
			store.MetaHITLReason:    strings.Join(a.Reasons, ", "),
			store.MetaReasons:       toInterfaces(a.Reasons),
			store.MetaMitigations:   toInterfaces(a.Mitigations),
			store.MetaSafetyPending: false,
		}})
		if err != nil {
			return err
		}
		s.record(ctx, &audit.Event{
			OrgID:    orgID,
			Actor:    "safety",
			Kind:     audit.KindJobEscalated,
			Object:   env.Job.ID,
			Decision: string(a.Status),
			Reasons:  a.Reasons,
		})

	default:
		if _, err := s.store.UpdateCommand(ctx, orgID, env.Command.ID, store.CommandPatch{Metadata: verdict}); err != nil {
			return err
		}
		release := store.JobPatch{Metadata: map[string]interface{}{store.MetaSafetyPending: false}}
		if _, err := s.store.UpdateJob(ctx, orgID, env.Job.ID, release); err != nil {
			return err
		}
	}

	runID := a.RunID
	_, err := s.store.UpdateSession(ctx, orgID, env.Session.ID, store.SessionPatch{
		SafetyState:     map[string]interface{}{"review": a.Map(), "commandId": env.Command.ID},
		LastSafetyRunID: &runID,
	})
	return err
}

// CommandView is a command with its job.
type CommandView struct {
	Command *store.Command `json:"command"`
	Job     *store.Job     `json:"job"`
}

// GetCommand returns a command and its job.
func (s *Service) GetCommand(ctx context.Context, orgID, commandID string) (*CommandView, error) {
	cmd, err := s.store.GetCommand(ctx, orgID, commandID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJobByCommand(ctx, orgID, commandID)
	if err != nil {
		return nil, err
	}
	return &CommandView{Command: cmd, Job: job}, nil
}

// Claim hands up to limit pending jobs of one worker class to claimant.
func (s *Service) Claim(ctx context.Context, orgID, worker, claimant string, limit int) ([]store.Envelope, error) {
	w := store.WorkerClass(strings.TrimSpace(worker))
	if !w.Valid() {
		return nil, invalid(CodeInvalidWorker, "unknown worker %q", worker)
	}
	if limit <= 0 {
		limit = 1
	}
	envs, err := s.store.ClaimPendingJobs(ctx, orgID, w, claimant, limit)
	if err != nil {
		return nil, err
	}
	for _, env := range envs {
		s.record(ctx, &audit.Event{
			OrgID:    orgID,
			Actor:    claimant,
			Kind:     audit.KindJobClaimed,
			Object:   env.Job.ID,
			Decision: string(env.Job.Status),
			Metadata: map[string]interface{}{"commandId": env.Command.ID, "attempts": env.Job.Attempts},
		})
	}
	return envs, nil
}

// CompleteInput is a worker's report for a claimed job.
type CompleteInput struct {
	Status      string
	Result      map[string]interface{}
	Error       string
	CompletedBy string
}

// Complete finalizes a job and its command together.
func (s *Service) Complete(ctx context.Context, orgID, jobID string, in CompleteInput) (*store.Envelope, error) {
	status := store.JobStatus(strings.TrimSpace(in.Status))
	if !status.Terminal() {
		return nil, invalid(CodeInvalidJobStatus, "status must be completed, failed or cancelled")
	}
	env, err := s.store.CompleteJob(ctx, orgID, jobID, store.Completion{
		Status:      status,
		Result:      in.Result,
		Error:       in.Error,
		CompletedBy: in.CompletedBy,
	})
	if err != nil {
		return nil, err
	}
	e := &audit.Event{
		OrgID:    orgID,
		Actor:    in.CompletedBy,
		Kind:     audit.KindJobCompleted,
		Object:   jobID,
		Decision: string(status),
		Metadata: map[string]interface{}{"commandId": env.Command.ID, "commandStatus": string(env.Command.Status)},
	}
	if in.Error != "" {
		e.Reasons = []string{in.Error}
	}
	s.record(ctx, e)
	return env, nil
}

// Review decisions.
const (
	ReviewApprove = "approve"
	ReviewReject  = "reject"
)

// ReviewInput is a human decision on an escalated job.
type ReviewInput struct {
	Decision string
	Note     string
	Reviewer string
}

// Review resolves a job held for human action, including one whose safety
// verdict was never stored. Approval releases it to workers; rejection
// cancels the command and job together.
func (s *Service) Review(ctx context.Context, orgID, jobID string, in ReviewInput) (*CommandView, error) {
	decision := strings.ToLower(strings.TrimSpace(in.Decision))
	if decision != ReviewApprove && decision != ReviewReject {
		return nil, invalid(CodeInvalidReview, "decision must be approve or reject")
	}
	job, err := s.store.GetJob(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != store.JobPending || !(job.HITLRequired() || job.SafetyPending()) {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotAwaitingReview)
	}

	review := map[string]interface{}{
		"decision":   decision,
		"reviewedBy": in.Reviewer,
		"reviewedAt": s.now().UTC().Format(time.RFC3339Nano),
	}
	if in.Note != "" {
		review["note"] = in.Note
	}

	if decision == ReviewApprove {
		_, err = s.store.UpdateJob(ctx, orgID, jobID, store.JobPatch{Metadata: map[string]interface{}{
			store.MetaHITLRequired:  false,
			store.MetaSafetyPending: false,
			"review":                review,
		}})
	} else {
		reason := "review_rejected"
		if in.Note != "" {
			reason += ": " + in.Note
		}
		err = s.store.CancelCommand(ctx, orgID, job.CommandID, reason, map[string]interface{}{"review": review})
	}
	if err != nil {
		return nil, err
	}

	s.record(ctx, &audit.Event{
		OrgID:    orgID,
		Actor:    in.Reviewer,
		Kind:     audit.KindJobReviewed,
		Object:   jobID,
		Decision: decision,
		Metadata: map[string]interface{}{"commandId": job.CommandID, "note": in.Note},
	})
	return s.GetCommand(ctx, orgID, job.CommandID)
}

// RetryInput puts a running job back in the queue.
type RetryInput struct {
	Reason string
	Delay  time.Duration
	Actor  string
}

// Retry returns a running job to pending. Terminal jobs are refused.
func (s *Service) Retry(ctx context.Context, orgID, jobID string, in RetryInput) (*store.Job, error) {
	reason := in.Reason
	if reason == "" {
		reason = "retry_requested"
	}
	job, err := s.store.RequeueJob(ctx, orgID, jobID, store.Requeue{Reason: reason, Delay: in.Delay})
	if err != nil {
		return nil, err
	}
	s.record(ctx, &audit.Event{
		OrgID:    orgID,
		Actor:    in.Actor,
		Kind:     audit.KindJobRetried,
		Object:   jobID,
		Decision: string(job.Status),
		Reasons:  []string{reason},
		Metadata: map[string]interface{}{"attempts": job.Attempts},
	})
	return job, nil
}

// Escalate returns a running job to pending and holds it for a human.
func (s *Service) Escalate(ctx context.Context, orgID, jobID, reason, actor string) (*store.Job, error) {
	job, err := s.store.RequeueJob(ctx, orgID, jobID, store.Requeue{Reason: reason, HITL: true})
	if err != nil {
		return nil, err
	}
	s.record(ctx, &audit.Event{
		OrgID:    orgID,
		Actor:    actor,
		Kind:     audit.KindJobEscalated,
		Object:   jobID,
		Decision: "needs_hitl",
		Reasons:  []string{reason},
	})
	return job, nil
}

// Plan runs the director kernel for an existing session.
func (s *Service) Plan(ctx context.Context, orgID, sessionID, objective string, planCtx map[string]interface{}) (*director.Plan, error) {
	if s.director == nil {
		return nil, &director.KernelError{Code: director.CodePlanFailed, Cause: errors.New("no director configured")}
	}
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return nil, invalid(CodeInvalidCommand, "objective is required")
	}
	sess, err := s.store.GetSession(ctx, orgID, sessionID)
	if err != nil {
		return nil, err
	}
	return s.director.Plan(ctx, sess, objective, planCtx)
}

func (s *Service) record(ctx context.Context, e *audit.Event) {
	if s.audit != nil {
		s.audit.Record(ctx, e)
	}
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
