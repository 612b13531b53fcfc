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
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Action names a gated operation.
type Action string

// Role is an org membership role.
type Role string

const (
	ActionCommandSubmit    Action = "agent:command.submit"
	ActionCommandRead      Action = "agent:command.read"
	ActionPlan             Action = "agent:plan"
	ActionJobClaim         Action = "agent:job.claim"
	ActionJobComplete      Action = "agent:job.complete"
	ActionJobReview        Action = "agent:job.review"
	ActionJobRetry         Action = "agent:job.retry"
	ActionCapabilitiesRead Action = "agent:capabilities.read"
	ActionConnectorsRead   Action = "agent:connectors.read"
	ActionConnectorsManage Action = "agent:connectors.manage"
)

const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleReviewer Role = "reviewer"
	RoleViewer   Role = "viewer"
	RoleWorker   Role = "worker"

	anyRole Role = "*"
)

//go:embed permissions.yaml
var defaultManifest []byte

// PermissionTable maps an action to the roles allowed to perform it.
type PermissionTable map[Action][]Role

// DefaultPermissions returns the table seeded from the embedded manifest.
func DefaultPermissions() PermissionTable {
	table, err := ParsePermissions(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("access: embedded permission manifest is invalid: %v", err))
	}
	return table
}

// ParsePermissions decodes an action -> roles YAML document.
func ParsePermissions(data []byte) (PermissionTable, error) {
	raw := map[string][]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse permissions: %w", err)
	}
	return FromMap(raw), nil
}

// FromMap converts a plain action -> roles map.
func FromMap(raw map[string][]string) PermissionTable {
	table := make(PermissionTable, len(raw))
	for action, roles := range raw {
		list := make([]Role, 0, len(roles))
		for _, r := range roles {
			list = append(list, Role(r))
		}
		table[Action(action)] = list
	}
	return table
}

// LoadPermissionsFile reads an override file.
func LoadPermissionsFile(path string) (PermissionTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read permissions file %s: %w", path, err)
	}
	return ParsePermissions(data)
}

// Merge returns a copy of t where every action present in overrides
// replaces the seeded role set.
func (t PermissionTable) Merge(overrides PermissionTable) PermissionTable {
	out := make(PermissionTable, len(t)+len(overrides))
	for action, roles := range t {
		out[action] = roles
	}
	for action, roles := range overrides {
		out[action] = roles
	}
	return out
}

// Allows reports whether role may perform action.
func (t PermissionTable) Allows(role Role, action Action) bool {
	for _, r := range t[action] {
		if r == role || r == anyRole {
			return true
		}
	}
	return false
}

// ActionsFor lists every action role may perform, sorted.
func (t PermissionTable) ActionsFor(role Role) []Action {
	var actions []Action
	for action := range t {
		if t.Allows(role, action) {
			actions = append(actions, action)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}
