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

package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var commandTransitions = map[CommandStatus][]CommandStatus{
	CommandQueued:     {CommandInProgress, CommandCancelled, CommandFailed},
	CommandInProgress: {CommandCompleted, CommandFailed, CommandCancelled, CommandQueued},
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled, JobPending},
}

func canTransitionCommand(from, to CommandStatus) bool {
	if from == to {
		return true
	}
	for _, s := range commandTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func canTransitionJob(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func applyCommandPatch(c *Command, p CommandPatch, now time.Time) error {
	if p.Status != nil && *p.Status != c.Status {
		if !canTransitionCommand(c.Status, *p.Status) {
			return fmt.Errorf("command %s: %s -> %s: %w", c.ID, c.Status, *p.Status, ErrInvalidTransition)
		}
		c.Status = *p.Status
		stampCommand(c, now)
	}
	if p.LastError != nil {
		c.LastError = *p.LastError
	}
	c.Result = mergeMap(c.Result, p.Result)
	c.Metadata = mergeMap(c.Metadata, p.Metadata)
	c.UpdatedAt = now
	return nil
}

func stampCommand(c *Command, now time.Time) {
	t := now
	switch c.Status {
	case CommandInProgress:
		if c.StartedAt == nil {
			c.StartedAt = &t
		}
	case CommandCompleted, CommandCancelled:
		c.CompletedAt = &t
	case CommandFailed:
		c.FailedAt = &t
	case CommandQueued:
		c.CompletedAt = nil
		c.FailedAt = nil
	}
}

func applyJobPatch(j *Job, p JobPatch, now time.Time) error {
	if p.Status != nil && *p.Status != j.Status {
		if !canTransitionJob(j.Status, *p.Status) {
			return fmt.Errorf("job %s: %s -> %s: %w", j.ID, j.Status, *p.Status, ErrInvalidTransition)
		}
		j.Status = *p.Status
		stampJob(j, now)
	}
	if p.LastError != nil {
		j.LastError = *p.LastError
	}
	if p.ScheduledAt != nil {
		j.ScheduledAt = *p.ScheduledAt
	}
	j.Metadata = mergeMap(j.Metadata, p.Metadata)
	j.UpdatedAt = now
	return nil
}

func stampJob(j *Job, now time.Time) {
	t := now
	switch j.Status {
	case JobRunning:
		j.StartedAt = &t
	case JobCompleted, JobCancelled:
		j.CompletedAt = &t
	case JobFailed:
		j.FailedAt = &t
	case JobPending:
		j.CompletedAt = nil
		j.FailedAt = nil
	}
}

func applySessionPatch(s *Session, p SessionPatch, now time.Time) {
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.Objective != nil {
		s.Objective = *p.Objective
	}
	if p.LastDirectorRunID != nil {
		s.LastDirectorRunID = *p.LastDirectorRunID
	}
	if p.LastSafetyRunID != nil {
		s.LastSafetyRunID = *p.LastSafetyRunID
	}
	s.DirectorState = mergeMap(s.DirectorState, p.DirectorState)
	s.SafetyState = mergeMap(s.SafetyState, p.SafetyState)
	s.Metadata = mergeMap(s.Metadata, p.Metadata)
	s.UpdatedAt = now
}

// claimJob applies the pending -> running step of a claim.
func claimJob(j *Job, c *Command, claimant string, now time.Time) {
	j.Status = JobRunning
	j.Attempts++
	stampJob(j, now)
	j.Metadata = mergeMap(j.Metadata, map[string]interface{}{
		MetaClaimedBy: claimant,
		MetaClaimedAt: now.UTC().Format(time.RFC3339Nano),
	})
	j.UpdatedAt = now
	if c.Status == CommandQueued {
		c.Status = CommandInProgress
		stampCommand(c, now)
		c.UpdatedAt = now
	}
}

// applyCompletion moves a job and its command to the reported terminal state.
func applyCompletion(j *Job, c *Command, in Completion, now time.Time) error {
	if !in.Status.Terminal() {
		return fmt.Errorf("completion status %q: %w", in.Status, ErrInvalidInput)
	}
	status := in.Status
	jp := JobPatch{Status: &status}
	if in.CompletedBy != "" {
		jp.Metadata = map[string]interface{}{MetaCompletedBy: in.CompletedBy}
	}
	if in.Error != "" {
		msg := in.Error
		jp.LastError = &msg
	}
	if err := applyJobPatch(j, jp, now); err != nil {
		return err
	}

	cmdStatus := CommandCompleted
	switch status {
	case JobFailed:
		cmdStatus = CommandFailed
	case JobCancelled:
		cmdStatus = CommandCancelled
	}
	cp := CommandPatch{Status: &cmdStatus, Result: in.Result, LastError: jp.LastError}
	return applyCommandPatch(c, cp, now)
}

// applyCancel cancels a command and its job. A job that is already running
// cannot be cancelled from outside its worker.
func applyCancel(c *Command, j *Job, reason string, metadata map[string]interface{}, now time.Time) error {
	if c.Status.Terminal() {
		return fmt.Errorf("command %s is %s: %w", c.ID, c.Status, ErrInvalidTransition)
	}
	if j != nil && j.Status == JobRunning {
		return fmt.Errorf("job %s is running: %w", j.ID, ErrInvalidTransition)
	}
	cancelled := CommandCancelled
	if err := applyCommandPatch(c, CommandPatch{Status: &cancelled, LastError: &reason, Metadata: metadata}, now); err != nil {
		return err
	}
	if j != nil && !j.Status.Terminal() {
		js := JobCancelled
		return applyJobPatch(j, JobPatch{Status: &js, LastError: &reason, Metadata: metadata}, now)
	}
	return nil
}

func applyRequeue(j *Job, c *Command, r Requeue, now time.Time) error {
	if j.Status != JobRunning {
		return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, ErrInvalidTransition)
	}
	pending := JobPending
	at := now.Add(r.Delay)
	meta := mergeMap(nil, r.Metadata)
	if r.HITL {
		meta = mergeMap(meta, map[string]interface{}{MetaHITLRequired: true, MetaHITLReason: r.Reason})
	}
	jp := JobPatch{Status: &pending, ScheduledAt: &at, Metadata: meta}
	if r.Reason != "" {
		reason := r.Reason
		jp.LastError = &reason
	}
	if err := applyJobPatch(j, jp, now); err != nil {
		return err
	}
	if c.Status == CommandInProgress {
		queued := CommandQueued
		return applyCommandPatch(c, CommandPatch{Status: &queued}, now)
	}
	return nil
}

// normalizeEnqueue validates input and fills defaults.
func normalizeEnqueue(in *EnqueueInput, now time.Time) error {
	in.OrgID = strings.TrimSpace(in.OrgID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	in.CommandType = strings.TrimSpace(in.CommandType)
	if in.OrgID == "" {
		return fmt.Errorf("orgId is required: %w", ErrInvalidInput)
	}
	if in.SessionID != "" && !validID(in.SessionID) {
		return fmt.Errorf("sessionId %q is not a UUID: %w", in.SessionID, ErrInvalidInput)
	}
	if in.CommandType == "" {
		return fmt.Errorf("commandType is required: %w", ErrInvalidInput)
	}
	if in.Worker == "" {
		in.Worker = WorkerDirector
	}
	if !in.Worker.Valid() {
		return fmt.Errorf("worker %q: %w", in.Worker, ErrInvalidInput)
	}
	if in.ScheduledFor.IsZero() {
		in.ScheduledFor = now
	}
	if in.Payload == nil {
		in.Payload = map[string]interface{}{}
	}
	return nil
}

// validID reports whether id has the shape of a record id. All ids are UUIDs.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// jobMetadata is the initial job metadata of an enqueue.
func jobMetadata(in EnqueueInput) map[string]interface{} {
	md := cloneMap(in.Metadata)
	if in.Hold {
		md = mergeMap(md, map[string]interface{}{MetaSafetyPending: true})
	}
	return md
}

func objectiveOf(payload map[string]interface{}) string {
	for _, k := range []string{"objective", "intent"} {
		if v, ok := payload[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// claimable reports whether a pending job may be handed to a worker now.
func claimable(j *Job, orgID string, worker WorkerClass, now time.Time) bool {
	return j.OrgID == orgID &&
		j.Worker == worker &&
		j.Status == JobPending &&
		!j.ScheduledAt.After(now) &&
		!j.HITLRequired() &&
		!j.SafetyPending()
}

func mergeMap(dst, src map[string]interface{}) map[string]interface{} {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
