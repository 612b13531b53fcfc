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

package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// PostgreSQLStorage implements Storage on the org_connectors table.
type PostgreSQLStorage struct {
	db     *sql.DB
	logger *log.Logger
}

// NewPostgreSQLStorage wraps an open pool and ensures the schema exists.
func NewPostgreSQLStorage(ctx context.Context, db *sql.DB) (*PostgreSQLStorage, error) {
	storage := &PostgreSQLStorage{
		db:     db,
		logger: log.New(log.Writer(), "[ConnectorStorage] ", log.LstdFlags),
	}

	if err := storage.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	storage.logger.Println("PostgreSQL connector storage initialized")
	return storage, nil
}

// initSchema creates the connectors table if it doesn't exist
func (s *PostgreSQLStorage) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS org_connectors (
		id UUID PRIMARY KEY,
		org_id VARCHAR(255) NOT NULL,
		connector_type VARCHAR(50) NOT NULL,
		name VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		config JSONB NOT NULL DEFAULT '{}'::jsonb,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_synced_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(org_id, connector_type, name)
	);

	CREATE INDEX IF NOT EXISTS idx_org_connectors_org ON org_connectors(org_id);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const connectorColumns = `id, org_id, connector_type, name, status, config, metadata, last_synced_at, last_error, created_at, updated_at`

// Upsert inserts or updates a connector keyed by org, type and name.
func (s *PostgreSQLStorage) Upsert(ctx context.Context, c *Connector) (*Connector, error) {
	configJSON, err := marshalObject(c.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	metadataJSON, err := marshalObject(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}

	query := `
		INSERT INTO org_connectors (id, org_id, connector_type, name, status, config, metadata, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''))
		ON CONFLICT (org_id, connector_type, name) DO UPDATE SET
			status = EXCLUDED.status,
			config = EXCLUDED.config,
			metadata = EXCLUDED.metadata,
			last_error = COALESCE(EXCLUDED.last_error, org_connectors.last_error),
			updated_at = NOW()
		RETURNING ` + connectorColumns

	row := s.db.QueryRowContext(ctx, query,
		id,
		c.OrgID,
		c.ConnectorType,
		c.Name,
		string(c.Status),
		configJSON,
		metadataJSON,
		c.LastError,
	)
	saved, err := scanConnector(row)
	if err != nil {
		return nil, fmt.Errorf("failed to save connector: %w", err)
	}

	s.logger.Printf("Saved connector: %s/%s (org: %s)", saved.ConnectorType, saved.Name, saved.OrgID)
	return saved, nil
}

// Get retrieves one connector.
func (s *PostgreSQLStorage) Get(ctx context.Context, orgID, connectorType, name string) (*Connector, error) {
	query := `SELECT ` + connectorColumns + `
		FROM org_connectors
		WHERE org_id = $1 AND connector_type = $2 AND name = $3`

	c, err := scanConnector(s.db.QueryRowContext(ctx, query, orgID, connectorType, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connector: %w", err)
	}
	return c, nil
}

// ListByOrg returns all connectors for an org.
func (s *PostgreSQLStorage) ListByOrg(ctx context.Context, orgID string) ([]Connector, error) {
	query := `SELECT ` + connectorColumns + `
		FROM org_connectors
		WHERE org_id = $1
		ORDER BY connector_type, name`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connectors: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Connector
	for rows.Next() {
		c, err := scanConnector(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// RecordSync stamps the last outbound call on a connector.
func (s *PostgreSQLStorage) RecordSync(ctx context.Context, id string, at time.Time, lastError string) error {
	query := `
		UPDATE org_connectors
		SET last_synced_at = $2, last_error = NULLIF($3, ''), updated_at = NOW()
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, at, lastError)
	if err != nil {
		return fmt.Errorf("failed to record sync: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection
func (s *PostgreSQLStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanConnector(row rowScanner) (*Connector, error) {
	var (
		c            Connector
		status       string
		configJSON   []byte
		metadataJSON []byte
		lastSynced   sql.NullTime
		lastError    sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.OrgID,
		&c.ConnectorType,
		&c.Name,
		&status,
		&configJSON,
		&metadataJSON,
		&lastSynced,
		&lastError,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}

	c.Status = Status(status)
	if lastSynced.Valid {
		ts := lastSynced.Time
		c.LastSyncedAt = &ts
	}
	c.LastError = lastError.String

	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &c.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &c, nil
}

func marshalObject(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
