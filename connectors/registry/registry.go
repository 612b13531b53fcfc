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
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a connector's activation state.
type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusInactive Status = "inactive"
	StatusError    Status = "error"
)

// Connector types known to the platform.
const (
	TypeTax     = "tax"
	TypeERP     = "erp"
	TypeBanking = "banking"
	TypeGRC     = "grc"
	TypeDMS     = "dms"
	TypeCourt   = "court"
	TypeESign   = "esign"
	TypeHTTP    = "http"
)

var validTypes = map[string]bool{
	TypeTax:     true,
	TypeERP:     true,
	TypeBanking: true,
	TypeGRC:     true,
	TypeDMS:     true,
	TypeCourt:   true,
	TypeESign:   true,
	TypeHTTP:    true,
}

// IsValidConnectorType reports whether t is a known connector type.
func IsValidConnectorType(t string) bool {
	return validTypes[t]
}

var (
	// ErrNotFound is returned when a connector does not exist.
	ErrNotFound = errors.New("connector not found")
	// ErrInvalidConnector wraps validation failures on Register.
	ErrInvalidConnector = errors.New("invalid connector")
	// ErrUnknownDomain is returned for a domain absent from the manifest.
	ErrUnknownDomain = errors.New("unknown domain")
)

// Connector is one org's integration with an external system.
type Connector struct {
	ID            string                 `json:"id"`
	OrgID         string                 `json:"orgId"`
	ConnectorType string                 `json:"connectorType"`
	Name          string                 `json:"name"`
	Status        Status                 `json:"status"`
	Config        map[string]interface{} `json:"config,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	LastSyncedAt  *time.Time             `json:"lastSyncedAt,omitempty"`
	LastError     string                 `json:"lastError,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

// Storage persists connectors. Upsert is keyed by (OrgID, ConnectorType, Name).
type Storage interface {
	Upsert(ctx context.Context, c *Connector) (*Connector, error)
	Get(ctx context.Context, orgID, connectorType, name string) (*Connector, error)
	ListByOrg(ctx context.Context, orgID string) ([]Connector, error)
	RecordSync(ctx context.Context, id string, at time.Time, lastError string) error
}

// Registry validates and stores connectors and answers coverage queries.
type Registry struct {
	storage  Storage
	manifest *Manifest
	logger   *log.Logger
}

// NewRegistry creates a registry. A nil manifest uses the embedded one.
func NewRegistry(storage Storage, manifest *Manifest) *Registry {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	return &Registry{
		storage:  storage,
		manifest: manifest,
		logger:   log.New(os.Stdout, "[ConnectorRegistry] ", log.LstdFlags),
	}
}

// Manifest returns the domain manifest in use.
func (r *Registry) Manifest() *Manifest {
	return r.manifest
}

// Register creates or updates a connector.
func (r *Registry) Register(ctx context.Context, c Connector) (*Connector, error) {
	c.OrgID = strings.TrimSpace(c.OrgID)
	c.Name = strings.TrimSpace(c.Name)
	c.ConnectorType = strings.TrimSpace(c.ConnectorType)
	if c.Status == "" {
		c.Status = StatusPending
	}

	if err := validate(&c); err != nil {
		return nil, err
	}

	saved, err := r.storage.Upsert(ctx, &c)
	if err != nil {
		return nil, err
	}
	r.logger.Printf("Registered connector %s/%s for org %s (status=%s)", saved.ConnectorType, saved.Name, saved.OrgID, saved.Status)
	return saved, nil
}

func validate(c *Connector) error {
	if c.OrgID == "" {
		return fmt.Errorf("%w: orgId is required", ErrInvalidConnector)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConnector)
	}
	if !IsValidConnectorType(c.ConnectorType) {
		return fmt.Errorf("%w: unknown connector type %q", ErrInvalidConnector, c.ConnectorType)
	}
	switch c.Status {
	case StatusActive, StatusPending, StatusInactive, StatusError:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidConnector, c.Status)
	}
	return nil
}

// List returns an org's connectors ordered by type then name.
func (r *Registry) List(ctx context.Context, orgID string) ([]Connector, error) {
	return r.storage.ListByOrg(ctx, orgID)
}

// Get returns one connector by type and name.
func (r *Registry) Get(ctx context.Context, orgID, connectorType, name string) (*Connector, error) {
	return r.storage.Get(ctx, orgID, connectorType, name)
}

// RecordSync stamps a connector after an outbound call.
func (r *Registry) RecordSync(ctx context.Context, id string, syncErr error) error {
	msg := ""
	if syncErr != nil {
		msg = syncErr.Error()
	}
	return r.storage.RecordSync(ctx, id, time.Now().UTC(), msg)
}

// Coverage computes coverage for every manifest domain.
func (r *Registry) Coverage(ctx context.Context, orgID string) ([]DomainCoverage, error) {
	connectors, err := r.storage.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	out := make([]DomainCoverage, 0, len(r.manifest.Domains))
	for _, d := range r.manifest.Domains {
		out = append(out, ResolveCoverage(d, connectors))
	}
	return out, nil
}

// DomainCoverage computes coverage for one domain.
func (r *Registry) DomainCoverage(ctx context.Context, orgID, domain string) (*DomainCoverage, error) {
	d, ok := r.manifest.Domain(domain)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, domain)
	}
	connectors, err := r.storage.ListByOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	cov := ResolveCoverage(d, connectors)
	return &cov, nil
}

// MemoryStorage keeps connectors in process.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]*Connector
	now   func() time.Time
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]*Connector), now: time.Now}
}

func storageKey(orgID, connectorType, name string) string {
	return orgID + ":" + connectorType + ":" + name
}

func (m *MemoryStorage) Upsert(_ context.Context, c *Connector) (*Connector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	key := storageKey(c.OrgID, c.ConnectorType, c.Name)
	saved := cloneConnector(c)
	if existing, ok := m.items[key]; ok {
		saved.ID = existing.ID
		saved.CreatedAt = existing.CreatedAt
		saved.LastSyncedAt = existing.LastSyncedAt
		if saved.LastError == "" {
			saved.LastError = existing.LastError
		}
	} else {
		if saved.ID == "" {
			saved.ID = uuid.New().String()
		}
		saved.CreatedAt = now
	}
	saved.UpdatedAt = now
	m.items[key] = saved
	return cloneConnector(saved), nil
}

func (m *MemoryStorage) Get(_ context.Context, orgID, connectorType, name string) (*Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.items[storageKey(orgID, connectorType, name)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConnector(c), nil
}

func (m *MemoryStorage) ListByOrg(_ context.Context, orgID string) ([]Connector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Connector
	for _, c := range m.items {
		if c.OrgID == orgID {
			out = append(out, *cloneConnector(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectorType != out[j].ConnectorType {
			return out[i].ConnectorType < out[j].ConnectorType
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (m *MemoryStorage) RecordSync(_ context.Context, id string, at time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.items {
		if c.ID == id {
			ts := at
			c.LastSyncedAt = &ts
			c.LastError = lastError
			c.UpdatedAt = at
			return nil
		}
	}
	return ErrNotFound
}

func cloneConnector(c *Connector) *Connector {
	out := *c
	out.Config = cloneMap(c.Config)
	out.Metadata = cloneMap(c.Metadata)
	if c.LastSyncedAt != nil {
		ts := *c.LastSyncedAt
		out.LastSyncedAt = &ts
	}
	return &out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
