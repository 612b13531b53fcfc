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

// Package store is the durable record of sessions, commands and jobs.
//
// Every command is created together with exactly one job. Job claim is the
// single compare-and-swap in the system: a pending job moves to running for
// exactly one claimant, and its command moves from queued to in_progress in
// the same step.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist in the org.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidInput is returned for malformed enqueue or patch input.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// CommandStatus is the lifecycle state of a command.
type CommandStatus string

const (
	CommandQueued     CommandStatus = "queued"
	CommandInProgress CommandStatus = "in_progress"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandCancelled  CommandStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s CommandStatus) Terminal() bool {
	return s == CommandCompleted || s == CommandFailed || s == CommandCancelled
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job reached a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// WorkerClass selects which worker pool executes a job.
type WorkerClass string

const (
	WorkerDirector WorkerClass = "director"
	WorkerSafety   WorkerClass = "safety"
	WorkerDomain   WorkerClass = "domain"
)

// Valid reports whether w is a known worker class.
func (w WorkerClass) Valid() bool {
	return w == WorkerDirector || w == WorkerSafety || w == WorkerDomain
}

// Metadata keys written by the store and its callers.
const (
	MetaClaimedBy     = "claimedBy"
	MetaClaimedAt     = "claimedAt"
	MetaHITLRequired  = "hitlRequired"
	MetaHITLReason    = "hitlReason"
	MetaSafety        = "safety"
	MetaReasons       = "reasons"
	MetaMitigations   = "mitigations"
	MetaCompletedBy   = "completedBy"
	MetaSafetyPending = "safetyPending"
)

// Session is one conversational or task context inside an org.
type Session struct {
	ID                string                 `json:"id"`
	OrgID             string                 `json:"orgId"`
	Status            SessionStatus          `json:"status"`
	Objective         string                 `json:"objective,omitempty"`
	DirectorState     map[string]interface{} `json:"directorState,omitempty"`
	SafetyState       map[string]interface{} `json:"safetyState,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	LastDirectorRunID string                 `json:"lastDirectorRunId,omitempty"`
	LastSafetyRunID   string                 `json:"lastSafetyRunId,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// Command is one unit of requested work.
type Command struct {
	ID           string                 `json:"id"`
	OrgID        string                 `json:"orgId"`
	SessionID    string                 `json:"sessionId"`
	CommandType  string                 `json:"commandType"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Status       CommandStatus          `json:"status"`
	Priority     int                    `json:"priority"`
	ScheduledFor time.Time              `json:"scheduledFor"`
	IssuedBy     string                 `json:"issuedBy,omitempty"`
	Result       map[string]interface{} `json:"result,omitempty"`
	LastError    string                 `json:"lastError,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
	FailedAt     *time.Time             `json:"failedAt,omitempty"`
}

// Job is the schedulable execution record of a command.
type Job struct {
	ID          string                 `json:"id"`
	OrgID       string                 `json:"orgId"`
	CommandID   string                 `json:"commandId"`
	Worker      WorkerClass            `json:"worker"`
	DomainAgent string                 `json:"domainAgent,omitempty"`
	Status      JobStatus              `json:"status"`
	Attempts    int                    `json:"attempts"`
	ScheduledAt time.Time              `json:"scheduledAt"`
	LastError   string                 `json:"lastError,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	FailedAt    *time.Time             `json:"failedAt,omitempty"`
}

// HITLRequired reports whether the job waits for a human decision.
func (j *Job) HITLRequired() bool {
	v, _ := j.Metadata[MetaHITLRequired].(bool)
	return v
}

// SafetyPending reports whether the job still waits for its safety verdict.
func (j *Job) SafetyPending() bool {
	v, _ := j.Metadata[MetaSafetyPending].(bool)
	return v
}

// Envelope is a claimed job hydrated with its command and session.
type Envelope struct {
	Job     Job     `json:"job"`
	Command Command `json:"command"`
	Session Session `json:"session"`
}

// EnqueueInput describes a new command.
type EnqueueInput struct {
	OrgID        string
	SessionID    string
	CommandType  string
	Payload      map[string]interface{}
	Priority     int
	ScheduledFor time.Time
	Worker       WorkerClass
	DomainAgent  string
	IssuedBy     string
	Metadata     map[string]interface{}

	// Hold creates the job unclaimable until MetaSafetyPending is cleared.
	Hold bool
}

// EnqueueResult identifies the records created by Enqueue.
type EnqueueResult struct {
	CommandID    string        `json:"commandId"`
	JobID        string        `json:"jobId"`
	SessionID    string        `json:"sessionId"`
	Status       CommandStatus `json:"status"`
	ScheduledFor time.Time     `json:"scheduledFor"`
}

// CommandPatch is a partial update. Metadata and Result are merged key by key.
type CommandPatch struct {
	Status    *CommandStatus
	Result    map[string]interface{}
	LastError *string
	Metadata  map[string]interface{}
}

// JobPatch is a partial update. Metadata is merged key by key.
type JobPatch struct {
	Status      *JobStatus
	LastError   *string
	ScheduledAt *time.Time
	Metadata    map[string]interface{}
}

// SessionPatch is a partial update. Maps are merged key by key.
type SessionPatch struct {
	Status            *SessionStatus
	Objective         *string
	DirectorState     map[string]interface{}
	SafetyState       map[string]interface{}
	Metadata          map[string]interface{}
	LastDirectorRunID *string
	LastSafetyRunID   *string
}

// Completion is the terminal report of a worker.
type Completion struct {
	Status      JobStatus
	Result      map[string]interface{}
	Error       string
	CompletedBy string
}

// Requeue sends a running job back to pending.
type Requeue struct {
	Reason string
	// Delay postpones the next claim.
	Delay time.Duration
	// HITL marks the job as waiting for human review.
	HITL     bool
	Metadata map[string]interface{}
}

// Store is the orchestrator's durable state. Storage errors are returned
// wrapped, never swallowed.
type Store interface {
	Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error)

	GetSession(ctx context.Context, orgID, id string) (*Session, error)
	GetCommand(ctx context.Context, orgID, id string) (*Command, error)
	GetJob(ctx context.Context, orgID, id string) (*Job, error)
	GetJobByCommand(ctx context.Context, orgID, commandID string) (*Job, error)
	ListCommands(ctx context.Context, orgID, sessionID string, limit int) ([]Command, error)

	UpdateSession(ctx context.Context, orgID, id string, patch SessionPatch) (*Session, error)
	UpdateCommand(ctx context.Context, orgID, id string, patch CommandPatch) (*Command, error)
	UpdateJob(ctx context.Context, orgID, id string, patch JobPatch) (*Job, error)

	// ClaimPendingJobs hands out up to limit of the oldest-scheduled
	// claimable jobs for a worker class. Each returned job was moved from
	// pending to running for this claimant only.
	ClaimPendingJobs(ctx context.Context, orgID string, worker WorkerClass, claimant string, limit int) ([]Envelope, error)

	// CompleteJob finalizes a job and propagates the outcome to its command.
	CompleteJob(ctx context.Context, orgID, jobID string, c Completion) (*Envelope, error)

	// CancelCommand cancels a command and its not-yet-claimed job together.
	CancelCommand(ctx context.Context, orgID, commandID, reason string, metadata map[string]interface{}) error

	// RequeueJob is the explicit retry path: a running job goes back to
	// pending and its command back to queued. Terminal records are never
	// reopened.
	RequeueJob(ctx context.Context, orgID, jobID string, r Requeue) (*Job, error)
}
