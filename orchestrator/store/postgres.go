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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"lawai/platform/shared/database"
)

// Schema creates the orchestrator tables.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS orchestrator_sessions (
		id UUID PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		objective TEXT NOT NULL DEFAULT '',
		director_state JSONB NOT NULL DEFAULT '{}'::jsonb,
		safety_state JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_director_run_id TEXT NOT NULL DEFAULT '',
		last_safety_run_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_commands (
		id UUID PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		session_id UUID NOT NULL REFERENCES orchestrator_sessions(id),
		command_type VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		status VARCHAR(20) NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 0,
		scheduled_for TIMESTAMPTZ NOT NULL,
		issued_by VARCHAR(255) NOT NULL DEFAULT '',
		result JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_error TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS orchestrator_jobs (
		id UUID PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		command_id UUID NOT NULL UNIQUE REFERENCES orchestrator_commands(id),
		worker VARCHAR(20) NOT NULL,
		domain_agent VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		scheduled_at TIMESTAMPTZ NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		failed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orchestrator_jobs_claim
		ON orchestrator_jobs(org_id, worker, status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orchestrator_commands_session
		ON orchestrator_commands(org_id, session_id, created_at DESC)`,
}

const (
	sessionColumns = `id, org_id, status, objective, director_state, safety_state, metadata, last_director_run_id, last_safety_run_id, created_at, updated_at`
	commandColumns = `id, org_id, session_id, command_type, payload, status, priority, scheduled_for, issued_by, result, last_error, metadata, created_at, updated_at, started_at, completed_at, failed_at`
	jobColumns     = `id, org_id, command_id, worker, domain_agent, status, attempts, scheduled_at, last_error, metadata, created_at, updated_at, started_at, completed_at, failed_at`
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore implements Store on three tables. Mutations that touch a
// command and its job run in one transaction.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore wraps an open pool. Call Migrate once at startup.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := database.Migrate(ctx, s.db, Schema...); err != nil {
		return fmt.Errorf("orchestrator schema: %w", err)
	}
	log.Printf("[OrchestratorStore] Schema ready")
	return nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, in EnqueueInput) (*EnqueueResult, error) {
	now := s.now().UTC()
	if err := normalizeEnqueue(&in, now); err != nil {
		return nil, err
	}

	payload, err := marshalObject(in.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	metadata, err := marshalObject(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	jobMeta, err := marshalObject(jobMetadata(in))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job metadata: %w", err)
	}

	res := &EnqueueResult{
		CommandID:    uuid.New().String(),
		JobID:        uuid.New().String(),
		SessionID:    in.SessionID,
		Status:       CommandQueued,
		ScheduledFor: in.ScheduledFor,
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureSession(ctx, tx, res, in, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orchestrator_commands
				(id, org_id, session_id, command_type, payload, status, priority, scheduled_for, issued_by, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
			res.CommandID, in.OrgID, res.SessionID, in.CommandType, payload, string(CommandQueued),
			in.Priority, in.ScheduledFor, in.IssuedBy, metadata, now)
		if err != nil {
			return fmt.Errorf("failed to insert command: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO orchestrator_jobs
				(id, org_id, command_id, worker, domain_agent, status, attempts, scheduled_at, metadata, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $9)`,
			res.JobID, in.OrgID, res.CommandID, string(in.Worker), in.DomainAgent, string(JobPending),
			in.ScheduledFor, jobMeta, now)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ensureSession creates the session on first use and rejects ids owned by
// another org. A concurrent insert of the same id is resolved by reading the
// winner's owner after the conflict.
func (s *PostgresStore) ensureSession(ctx context.Context, tx *sql.Tx, res *EnqueueResult, in EnqueueInput, now time.Time) error {
	var owner string
	err := sql.ErrNoRows
	if res.SessionID == "" {
		res.SessionID = uuid.New().String()
	} else {
		err = tx.QueryRowContext(ctx, `SELECT org_id FROM orchestrator_sessions WHERE id = $1`, res.SessionID).Scan(&owner)
	}
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `
			INSERT INTO orchestrator_sessions (id, org_id, status, objective, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (id) DO NOTHING
			RETURNING org_id`,
			res.SessionID, in.OrgID, string(SessionActive), objectiveOf(in.Payload), now).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.QueryRowContext(ctx, `SELECT org_id FROM orchestrator_sessions WHERE id = $1`, res.SessionID).Scan(&owner)
		}
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if owner != in.OrgID {
		return fmt.Errorf("session %s: %w", res.SessionID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, orgID, id string) (*Session, error) {
	return getSession(ctx, s.db, orgID, id, false)
}

func (s *PostgresStore) GetCommand(ctx context.Context, orgID, id string) (*Command, error) {
	return getCommand(ctx, s.db, orgID, id, false)
}

func (s *PostgresStore) GetJob(ctx context.Context, orgID, id string) (*Job, error) {
	return getJob(ctx, s.db, `id`, orgID, id, false)
}

func (s *PostgresStore) GetJobByCommand(ctx context.Context, orgID, commandID string) (*Job, error) {
	return getJob(ctx, s.db, `command_id`, orgID, commandID, false)
}

func (s *PostgresStore) ListCommands(ctx context.Context, orgID, sessionID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+commandColumns+`
		FROM orchestrator_commands
		WHERE org_id = $1 AND ($2 = '' OR session_id::text = $2)
		ORDER BY created_at DESC
		LIMIT $3`, orgID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, orgID, id string, patch SessionPatch) (*Session, error) {
	var out *Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		sess, err := getSession(ctx, tx, orgID, id, true)
		if err != nil {
			return err
		}
		applySessionPatch(sess, patch, s.now().UTC())
		if err := writeSession(ctx, tx, sess); err != nil {
			return err
		}
		out = sess
		return nil
	})
	return out, err
}

func (s *PostgresStore) UpdateCommand(ctx context.Context, orgID, id string, patch CommandPatch) (*Command, error) {
	var out *Command
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cmd, err := getCommand(ctx, tx, orgID, id, true)
		if err != nil {
			return err
		}
		if err := applyCommandPatch(cmd, patch, s.now().UTC()); err != nil {
			return err
		}
		if err := writeCommand(ctx, tx, cmd); err != nil {
			return err
		}
		out = cmd
		return nil
	})
	return out, err
}

func (s *PostgresStore) UpdateJob(ctx context.Context, orgID, id string, patch JobPatch) (*Job, error) {
	var out *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, err := getJob(ctx, tx, `id`, orgID, id, true)
		if err != nil {
			return err
		}
		if err := applyJobPatch(job, patch, s.now().UTC()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

// claimQuery is the compare-and-swap: rows locked by a concurrent claimant
// are skipped, and the outer status check guarantees each row moves from
// pending to running once.
var claimQuery = `
	UPDATE orchestrator_jobs j
	SET status = 'running',
		attempts = j.attempts + 1,
		started_at = $5,
		updated_at = $5,
		metadata = j.metadata || jsonb_build_object('claimedBy', $4::text, 'claimedAt', $6::text)
	FROM (
		SELECT jj.id
		FROM orchestrator_jobs jj
		JOIN orchestrator_commands c ON c.id = jj.command_id
		WHERE jj.org_id = $1
			AND jj.worker = $2
			AND jj.status = 'pending'
			AND jj.scheduled_at <= $5
			AND COALESCE((jj.metadata->>'hitlRequired')::boolean, false) = false
			AND COALESCE((jj.metadata->>'safetyPending')::boolean, false) = false
		ORDER BY jj.scheduled_at ASC, c.priority DESC, jj.created_at ASC
		LIMIT $3
		FOR UPDATE OF jj SKIP LOCKED
	) picked
	WHERE j.id = picked.id AND j.status = 'pending'
	RETURNING ` + prefixed("j.", jobColumns)

func (s *PostgresStore) ClaimPendingJobs(ctx context.Context, orgID string, worker WorkerClass, claimant string, limit int) ([]Envelope, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.now().UTC()

	var out []Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, claimQuery, orgID, string(worker), limit, claimant, now, now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to claim jobs: %w", err)
		}
		var jobs []*Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan job: %w", err)
			}
			jobs = append(jobs, j)
		}
		_ = rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		if len(jobs) == 0 {
			return nil
		}

		cmdIDs := make([]string, len(jobs))
		for i, j := range jobs {
			cmdIDs[i] = j.CommandID
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE orchestrator_commands
			SET status = 'in_progress', started_at = COALESCE(started_at, $2), updated_at = $2
			WHERE id = ANY($1) AND status = 'queued'`, pq.Array(cmdIDs), now)
		if err != nil {
			return fmt.Errorf("failed to start commands: %w", err)
		}

		commands, err := listCommandsByID(ctx, tx, cmdIDs)
		if err != nil {
			return err
		}
		sessIDs := make([]string, 0, len(commands))
		for _, c := range commands {
			sessIDs = append(sessIDs, c.SessionID)
		}
		sessions, err := listSessionsByID(ctx, tx, sessIDs)
		if err != nil {
			return err
		}

		for _, j := range jobs {
			env := Envelope{Job: *j}
			if c, ok := commands[j.CommandID]; ok {
				env.Command = *c
				if sess, ok := sessions[c.SessionID]; ok {
					env.Session = *sess
				}
			}
			out = append(out, env)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(out, func(a, b int) bool {
		ja, jb := out[a].Job, out[b].Job
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		return out[a].Command.Priority > out[b].Command.Priority
	})
	return out, nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, orgID, jobID string, in Completion) (*Envelope, error) {
	var out *Envelope
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, cmd, err := lockPair(ctx, tx, orgID, jobID)
		if err != nil {
			return err
		}
		if err := applyCompletion(job, cmd, in, s.now().UTC()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		if err := writeCommand(ctx, tx, cmd); err != nil {
			return err
		}
		out = &Envelope{Job: *job, Command: *cmd}
		sess, err := getSession(ctx, tx, orgID, cmd.SessionID, false)
		if err == nil {
			out.Session = *sess
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return nil
	})
	return out, err
}

func (s *PostgresStore) CancelCommand(ctx context.Context, orgID, commandID, reason string, metadata map[string]interface{}) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		cmd, err := getCommand(ctx, tx, orgID, commandID, true)
		if err != nil {
			return err
		}
		job, err := getJob(ctx, tx, `command_id`, orgID, commandID, true)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := applyCancel(cmd, job, reason, metadata, s.now().UTC()); err != nil {
			return err
		}
		if err := writeCommand(ctx, tx, cmd); err != nil {
			return err
		}
		if job != nil {
			return writeJob(ctx, tx, job)
		}
		return nil
	})
}

func (s *PostgresStore) RequeueJob(ctx context.Context, orgID, jobID string, r Requeue) (*Job, error) {
	return s.mutatePair(ctx, orgID, jobID, func(j *Job, c *Command, now time.Time) error {
		return applyRequeue(j, c, r, now)
	})
}

func (s *PostgresStore) mutatePair(ctx context.Context, orgID, jobID string, fn func(*Job, *Command, time.Time) error) (*Job, error) {
	var out *Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		job, cmd, err := lockPair(ctx, tx, orgID, jobID)
		if err != nil {
			return err
		}
		if err := fn(job, cmd, s.now().UTC()); err != nil {
			return err
		}
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		if err := writeCommand(ctx, tx, cmd); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

func lockPair(ctx context.Context, tx *sql.Tx, orgID, jobID string) (*Job, *Command, error) {
	job, err := getJob(ctx, tx, `id`, orgID, jobID, true)
	if err != nil {
		return nil, nil, err
	}
	cmd, err := getCommand(ctx, tx, orgID, job.CommandID, true)
	if err != nil {
		return nil, nil, err
	}
	return job, cmd, nil
}

func lockClause(forUpdate bool) string {
	if forUpdate {
		return " FOR UPDATE"
	}
	return ""
}

func getSession(ctx context.Context, q querier, orgID, id string, forUpdate bool) (*Session, error) {
	if !validID(id) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	row := q.QueryRowContext(ctx, `SELECT `+sessionColumns+`
		FROM orchestrator_sessions
		WHERE org_id = $1 AND id = $2`+lockClause(forUpdate), orgID, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

func getCommand(ctx context.Context, q querier, orgID, id string, forUpdate bool) (*Command, error) {
	if !validID(id) {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	row := q.QueryRowContext(ctx, `SELECT `+commandColumns+`
		FROM orchestrator_commands
		WHERE org_id = $1 AND id = $2`+lockClause(forUpdate), orgID, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("command %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return cmd, nil
}

func getJob(ctx context.Context, q querier, keyColumn, orgID, key string, forUpdate bool) (*Job, error) {
	if !validID(key) {
		return nil, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+`
		FROM orchestrator_jobs
		WHERE org_id = $1 AND `+keyColumn+` = $2`+lockClause(forUpdate), orgID, key)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func listCommandsByID(ctx context.Context, q querier, ids []string) (map[string]*Command, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+commandColumns+`
		FROM orchestrator_commands
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*Command, len(ids))
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func listSessionsByID(ctx context.Context, q querier, ids []string) (map[string]*Session, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+sessionColumns+`
		FROM orchestrator_sessions
		WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]*Session, len(ids))
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out[sess.ID] = sess
	}
	return out, rows.Err()
}

func writeSession(ctx context.Context, q querier, sess *Session) error {
	director, err := marshalObject(sess.DirectorState)
	if err != nil {
		return fmt.Errorf("failed to marshal director state: %w", err)
	}
	safety, err := marshalObject(sess.SafetyState)
	if err != nil {
		return fmt.Errorf("failed to marshal safety state: %w", err)
	}
	metadata, err := marshalObject(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE orchestrator_sessions
		SET status = $2, objective = $3, director_state = $4, safety_state = $5, metadata = $6,
			last_director_run_id = $7, last_safety_run_id = $8, updated_at = $9
		WHERE id = $1`,
		sess.ID, string(sess.Status), sess.Objective, director, safety, metadata,
		sess.LastDirectorRunID, sess.LastSafetyRunID, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

func writeCommand(ctx context.Context, q querier, c *Command) error {
	result, err := marshalObject(c.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	metadata, err := marshalObject(c.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE orchestrator_commands
		SET status = $2, result = $3, last_error = $4, metadata = $5, updated_at = $6,
			started_at = $7, completed_at = $8, failed_at = $9
		WHERE id = $1`,
		c.ID, string(c.Status), result, c.LastError, metadata, c.UpdatedAt,
		nullTime(c.StartedAt), nullTime(c.CompletedAt), nullTime(c.FailedAt))
	if err != nil {
		return fmt.Errorf("failed to update command: %w", err)
	}
	return nil
}

func writeJob(ctx context.Context, q querier, j *Job) error {
	metadata, err := marshalObject(j.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE orchestrator_jobs
		SET status = $2, attempts = $3, scheduled_at = $4, last_error = $5, metadata = $6, updated_at = $7,
			started_at = $8, completed_at = $9, failed_at = $10
		WHERE id = $1`,
		j.ID, string(j.Status), j.Attempts, j.ScheduledAt, j.LastError, metadata, j.UpdatedAt,
		nullTime(j.StartedAt), nullTime(j.CompletedAt), nullTime(j.FailedAt))
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                       Session
		status                     string
		director, safety, metadata []byte
	)
	err := row.Scan(&sess.ID, &sess.OrgID, &status, &sess.Objective, &director, &safety, &metadata,
		&sess.LastDirectorRunID, &sess.LastSafetyRunID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	if sess.DirectorState, err = unmarshalObject(director); err != nil {
		return nil, err
	}
	if sess.SafetyState, err = unmarshalObject(safety); err != nil {
		return nil, err
	}
	if sess.Metadata, err = unmarshalObject(metadata); err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanCommand(row rowScanner) (*Command, error) {
	var (
		c                          Command
		status                     string
		payload, result, metadata  []byte
		started, completed, failed sql.NullTime
	)
	err := row.Scan(&c.ID, &c.OrgID, &c.SessionID, &c.CommandType, &payload, &status, &c.Priority,
		&c.ScheduledFor, &c.IssuedBy, &result, &c.LastError, &metadata, &c.CreatedAt, &c.UpdatedAt,
		&started, &completed, &failed)
	if err != nil {
		return nil, err
	}
	c.Status = CommandStatus(status)
	if c.Payload, err = unmarshalObject(payload); err != nil {
		return nil, err
	}
	if c.Result, err = unmarshalObject(result); err != nil {
		return nil, err
	}
	if c.Metadata, err = unmarshalObject(metadata); err != nil {
		return nil, err
	}
	c.StartedAt, c.CompletedAt, c.FailedAt = timePtr(started), timePtr(completed), timePtr(failed)
	return &c, nil
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j                          Job
		worker, status             string
		metadata                   []byte
		started, completed, failed sql.NullTime
	)
	err := row.Scan(&j.ID, &j.OrgID, &j.CommandID, &worker, &j.DomainAgent, &status, &j.Attempts,
		&j.ScheduledAt, &j.LastError, &metadata, &j.CreatedAt, &j.UpdatedAt,
		&started, &completed, &failed)
	if err != nil {
		return nil, err
	}
	j.Worker, j.Status = WorkerClass(worker), JobStatus(status)
	if j.Metadata, err = unmarshalObject(metadata); err != nil {
		return nil, err
	}
	j.StartedAt, j.CompletedAt, j.FailedAt = timePtr(started), timePtr(completed), timePtr(failed)
	return &j, nil
}

func marshalObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func unmarshalObject(b []byte) (map[string]interface{}, error) {
	if len(b) == 0 || string(b) == "{}" || string(b) == "null" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("invalid json column: %w", err)
	}
	return m, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i := range parts {
		parts[i] = prefix + parts[i]
	}
	return strings.Join(parts, ", ")
}
