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
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps all records in process. A single lock serializes every
// mutation, which makes claim trivially exclusive. Err, when set, is
// returned by every call.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	commands map[string]*Command
	jobs     map[string]*Job
	byCmd    map[string]string

	now func() time.Time
	Err error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		commands: make(map[string]*Command),
		jobs:     make(map[string]*Job),
		byCmd:    make(map[string]string),
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *MemoryStore) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	now := m.now()
	if err := normalizeEnqueue(&in, now); err != nil {
		return nil, err
	}

	sess, ok := m.sessions[in.SessionID]
	if in.SessionID != "" && ok && sess.OrgID != in.OrgID {
		return nil, fmt.Errorf("session %s: %w", in.SessionID, ErrNotFound)
	}
	if !ok {
		id := in.SessionID
		if id == "" {
			id = uuid.New().String()
		}
		sess = &Session{
			ID:        id,
			OrgID:     in.OrgID,
			Status:    SessionActive,
			Objective: objectiveOf(in.Payload),
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.sessions[id] = sess
	}

	cmd := &Command{
		ID:           uuid.New().String(),
		OrgID:        in.OrgID,
		SessionID:    sess.ID,
		CommandType:  in.CommandType,
		Payload:      cloneMap(in.Payload),
		Status:       CommandQueued,
		Priority:     in.Priority,
		ScheduledFor: in.ScheduledFor,
		IssuedBy:     in.IssuedBy,
		Metadata:     cloneMap(in.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	job := &Job{
		ID:          uuid.New().String(),
		OrgID:       in.OrgID,
		CommandID:   cmd.ID,
		Worker:      in.Worker,
		DomainAgent: in.DomainAgent,
		Status:      JobPending,
		ScheduledAt: in.ScheduledFor,
		Metadata:    jobMetadata(in),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.commands[cmd.ID] = cmd
	m.jobs[job.ID] = job
	m.byCmd[cmd.ID] = job.ID

	return &EnqueueResult{
		CommandID:    cmd.ID,
		JobID:        job.ID,
		SessionID:    sess.ID,
		Status:       cmd.Status,
		ScheduledFor: cmd.ScheduledFor,
	}, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, orgID, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(orgID, id)
	if err != nil {
		return nil, err
	}
	return copySession(s), nil
}

func (m *MemoryStore) GetCommand(ctx context.Context, orgID, id string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.command(orgID, id)
	if err != nil {
		return nil, err
	}
	return copyCommand(c), nil
}

func (m *MemoryStore) GetJob(ctx context.Context, orgID, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.job(orgID, id)
	if err != nil {
		return nil, err
	}
	return copyJob(j), nil
}

func (m *MemoryStore) GetJobByCommand(ctx context.Context, orgID, commandID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	j, err := m.job(orgID, m.byCmd[commandID])
	if err != nil {
		return nil, err
	}
	return copyJob(j), nil
}

func (m *MemoryStore) ListCommands(ctx context.Context, orgID, sessionID string, limit int) ([]Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []Command
	for _, c := range m.commands {
		if c.OrgID != orgID || (sessionID != "" && c.SessionID != sessionID) {
			continue
		}
		out = append(out, *copyCommand(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, orgID, id string, patch SessionPatch) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.session(orgID, id)
	if err != nil {
		return nil, err
	}
	applySessionPatch(s, patch, m.now())
	return copySession(s), nil
}

func (m *MemoryStore) UpdateCommand(ctx context.Context, orgID, id string, patch CommandPatch) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.command(orgID, id)
	if err != nil {
		return nil, err
	}
	next := copyCommand(c)
	if err := applyCommandPatch(next, patch, m.now()); err != nil {
		return nil, err
	}
	m.commands[id] = next
	return copyCommand(next), nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, orgID, id string, patch JobPatch) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.job(orgID, id)
	if err != nil {
		return nil, err
	}
	next := copyJob(j)
	if err := applyJobPatch(next, patch, m.now()); err != nil {
		return nil, err
	}
	m.jobs[id] = next
	return copyJob(next), nil
}

func (m *MemoryStore) ClaimPendingJobs(ctx context.Context, orgID string, worker WorkerClass, claimant string, limit int) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		return nil, nil
	}
	now := m.now()

	var candidates []*Job
	for _, j := range m.jobs {
		if claimable(j, orgID, worker, now) {
			candidates = append(candidates, j)
		}
	}
	sort.Slice(candidates, func(a, b int) bool {
		ja, jb := candidates[a], candidates[b]
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		pa, pb := m.commands[ja.CommandID].Priority, m.commands[jb.CommandID].Priority
		if pa != pb {
			return pa > pb
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Envelope, 0, len(candidates))
	for _, j := range candidates {
		c := m.commands[j.CommandID]
		claimJob(j, c, claimant, now)
		env := Envelope{Job: *copyJob(j), Command: *copyCommand(c)}
		if s, ok := m.sessions[c.SessionID]; ok {
			env.Session = *copySession(s)
		}
		out = append(out, env)
	}
	return out, nil
}

func (m *MemoryStore) CompleteJob(ctx context.Context, orgID, jobID string, in Completion) (*Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, c, err := m.pair(orgID, jobID)
	if err != nil {
		return nil, err
	}
	nj, nc := copyJob(j), copyCommand(c)
	if err := applyCompletion(nj, nc, in, m.now()); err != nil {
		return nil, err
	}
	m.jobs[nj.ID], m.commands[nc.ID] = nj, nc
	env := &Envelope{Job: *copyJob(nj), Command: *copyCommand(nc)}
	if s, ok := m.sessions[nc.SessionID]; ok {
		env.Session = *copySession(s)
	}
	return env, nil
}

func (m *MemoryStore) CancelCommand(ctx context.Context, orgID, commandID, reason string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.command(orgID, commandID)
	if err != nil {
		return err
	}
	nc := copyCommand(c)
	var nj *Job
	if j, ok := m.jobs[m.byCmd[commandID]]; ok {
		nj = copyJob(j)
	}
	if err := applyCancel(nc, nj, reason, metadata, m.now()); err != nil {
		return err
	}
	m.commands[nc.ID] = nc
	if nj != nil {
		m.jobs[nj.ID] = nj
	}
	return nil
}

func (m *MemoryStore) RequeueJob(ctx context.Context, orgID, jobID string, r Requeue) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, c, err := m.pair(orgID, jobID)
	if err != nil {
		return nil, err
	}
	nj, nc := copyJob(j), copyCommand(c)
	if err := applyRequeue(nj, nc, r, m.now()); err != nil {
		return nil, err
	}
	m.jobs[nj.ID], m.commands[nc.ID] = nj, nc
	return copyJob(nj), nil
}

func (m *MemoryStore) session(orgID, id string) (*Session, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	s, ok := m.sessions[id]
	if !ok || s.OrgID != orgID {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) command(orgID, id string) (*Command, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	c, ok := m.commands[id]
	if !ok || c.OrgID != orgID {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	return c, nil
}

func (m *MemoryStore) job(orgID, id string) (*Job, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	j, ok := m.jobs[id]
	if !ok || j.OrgID != orgID {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j, nil
}

func (m *MemoryStore) pair(orgID, jobID string) (*Job, *Command, error) {
	j, err := m.job(orgID, jobID)
	if err != nil {
		return nil, nil, err
	}
	c, err := m.command(orgID, j.CommandID)
	if err != nil {
		return nil, nil, err
	}
	return j, c, nil
}

func copySession(s *Session) *Session {
	out := *s
	out.DirectorState = cloneMap(s.DirectorState)
	out.SafetyState = cloneMap(s.SafetyState)
	out.Metadata = cloneMap(s.Metadata)
	return &out
}

func copyCommand(c *Command) *Command {
	out := *c
	out.Payload = cloneMap(c.Payload)
	out.Result = cloneMap(c.Result)
	out.Metadata = cloneMap(c.Metadata)
	return &out
}

func copyJob(j *Job) *Job {
	out := *j
	out.Metadata = cloneMap(j.Metadata)
	return &out
}
