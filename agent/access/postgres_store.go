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

package access

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore reads membership, policy and entitlement rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetMembershipRole(ctx context.Context, orgID, userID string) (Role, error) {
	query := `
		SELECT role
		FROM org_memberships
		WHERE org_id = $1 AND user_id = $2
	`

	var role string
	err := s.db.QueryRowContext(ctx, query, orgID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to load membership: %w", err)
	}
	return Role(role), nil
}

// GetPolicySettings returns one entry per stored key with the JSONB value
// decoded into a generic value.
func (s *PostgresStore) GetPolicySettings(ctx context.Context, orgID string) (map[string]interface{}, error) {
	query := `
		SELECT key, value
		FROM org_policies
		WHERE org_id = $1
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]interface{})
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		var value interface{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, fmt.Errorf("invalid policy value for %s: %w", key, err)
			}
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *PostgresStore) ListEntitlements(ctx context.Context, orgID string) ([]Entitlement, error) {
	query := `
		SELECT jurisdiction, can_read, can_write
		FROM jurisdiction_entitlements
		WHERE org_id = $1
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlements: %w", err)
	}
	defer rows.Close()

	var out []Entitlement
	for rows.Next() {
		var e Entitlement
		if err := rows.Scan(&e.Jurisdiction, &e.CanRead, &e.CanWrite); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListIPAllowlist(ctx context.Context, orgID string) ([]string, error) {
	query := `
		SELECT cidr
		FROM org_ip_allowlist
		WHERE org_id = $1
		ORDER BY cidr
	`

	rows, err := s.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ip allowlist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var cidr string
		if err := rows.Scan(&cidr); err != nil {
			return nil, fmt.Errorf("failed to scan ip allowlist: %w", err)
		}
		out = append(out, cidr)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLatestConsent(ctx context.Context, orgID, userID string) (string, error) {
	query := `
		SELECT consent_version
		FROM consent_events
		WHERE org_id = $1 AND user_id = $2
		ORDER BY acknowledged_at DESC
		LIMIT 1
	`

	var version sql.NullString
	err := s.db.QueryRowContext(ctx, query, orgID, userID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load consent: %w", err)
	}
	return version.String, nil
}
