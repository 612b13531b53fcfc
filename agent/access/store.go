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
	"sort"
	"strings"
	"sync"
)

// Store loads the records the resolver needs. Implementations must return
// ErrNotFound from GetMembershipRole when the user has no role in the org.
type Store interface {
	GetMembershipRole(ctx context.Context, orgID, userID string) (Role, error)
	GetPolicySettings(ctx context.Context, orgID string) (map[string]interface{}, error)
	ListEntitlements(ctx context.Context, orgID string) ([]Entitlement, error)
	ListIPAllowlist(ctx context.Context, orgID string) ([]string, error)
	// GetLatestConsent returns the most recently acknowledged consent
	// version, or "" when the user never acknowledged one.
	GetLatestConsent(ctx context.Context, orgID, userID string) (string, error)
}

// MemoryStore is an in-process Store used by tests and single-node setups.
type MemoryStore struct {
	mu           sync.RWMutex
	roles        map[string]Role
	settings     map[string]map[string]interface{}
	entitlements map[string][]Entitlement
	allowlists   map[string][]string
	consents     map[string]string

	// Err, when set, is returned by every read.
	Err error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:        make(map[string]Role),
		settings:     make(map[string]map[string]interface{}),
		entitlements: make(map[string][]Entitlement),
		allowlists:   make(map[string][]string),
		consents:     make(map[string]string),
	}
}

func memberKey(orgID, userID string) string {
	return orgID + ":" + userID
}

// SetRole assigns userID a role in orgID.
func (s *MemoryStore) SetRole(orgID, userID string, role Role) {
	s.mu.Lock()
	s.roles[memberKey(orgID, userID)] = role
	s.mu.Unlock()
}

// SetPolicy stores one raw policy setting for an org.
func (s *MemoryStore) SetPolicy(orgID, key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings[orgID] == nil {
		s.settings[orgID] = make(map[string]interface{})
	}
	s.settings[orgID][key] = value
}

// AddEntitlement grants a jurisdiction.
func (s *MemoryStore) AddEntitlement(orgID string, e Entitlement) {
	s.mu.Lock()
	s.entitlements[orgID] = append(s.entitlements[orgID], e)
	s.mu.Unlock()
}

// SetIPAllowlist replaces the org's allowlist.
func (s *MemoryStore) SetIPAllowlist(orgID string, cidrs ...string) {
	s.mu.Lock()
	s.allowlists[orgID] = append([]string(nil), cidrs...)
	s.mu.Unlock()
}

// AcknowledgeConsent records a consent acknowledgement.
func (s *MemoryStore) AcknowledgeConsent(orgID, userID, version string) {
	s.mu.Lock()
	s.consents[memberKey(orgID, userID)] = version
	s.mu.Unlock()
}

func (s *MemoryStore) GetMembershipRole(_ context.Context, orgID, userID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return "", s.Err
	}
	role, ok := s.roles[memberKey(orgID, userID)]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (s *MemoryStore) GetPolicySettings(_ context.Context, orgID string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := make(map[string]interface{}, len(s.settings[orgID]))
	for k, v := range s.settings[orgID] {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) ListEntitlements(_ context.Context, orgID string) ([]Entitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	return append([]Entitlement(nil), s.entitlements[orgID]...), nil
}

func (s *MemoryStore) ListIPAllowlist(_ context.Context, orgID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return nil, s.Err
	}
	out := append([]string(nil), s.allowlists[orgID]...)
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetLatestConsent(_ context.Context, orgID, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.Err != nil {
		return "", s.Err
	}
	return strings.TrimSpace(s.consents[memberKey(orgID, userID)]), nil
}
