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

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"lawai/platform/shared/database"
)

// Schema creates the audit table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS orchestrator_audit_events (
		id UUID PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		actor VARCHAR(255) NOT NULL DEFAULT '',
		kind VARCHAR(100) NOT NULL,
		object VARCHAR(255) NOT NULL DEFAULT '',
		decision VARCHAR(50) NOT NULL DEFAULT '',
		reasons TEXT[] NOT NULL DEFAULT '{}',
		before_state JSONB,
		after_state JSONB,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_org_created
		ON orchestrator_audit_events(org_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_events_object
		ON orchestrator_audit_events(object)`,
}

// PostgresWriter writes batches inside one transaction.
type PostgresWriter struct {
	db *sql.DB
}

// NewPostgresWriter wraps an open pool.
func NewPostgresWriter(db *sql.DB) *PostgresWriter {
	return &PostgresWriter{db: db}
}

// Migrate creates the schema if it does not exist.
func (w *PostgresWriter) Migrate(ctx context.Context) error {
	if err := database.Migrate(ctx, w.db, Schema...); err != nil {
		return fmt.Errorf("audit schema: %w", err)
	}
	return nil
}

// Write implements Writer.
func (w *PostgresWriter) Write(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO orchestrator_audit_events
			(id, org_id, actor, kind, object, decision, reasons, before_state, after_state, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range events {
		before, _ := jsonOrNull(e.Before)
		after, _ := jsonOrNull(e.After)
		metadata, _ := jsonOrNull(e.Metadata)
		reasons := e.Reasons
		if reasons == nil {
			reasons = []string{}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.OrgID, e.Actor, e.Kind, e.Object, e.Decision, pq.Array(reasons),
			before, after, metadata, e.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert audit event %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}

func jsonOrNull(m map[string]interface{}) (interface{}, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return b, nil
}
