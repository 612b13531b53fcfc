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

import "strings"

// Entitlement grants an org access to one jurisdiction.
type Entitlement struct {
	Jurisdiction string `json:"jurisdiction"`
	CanRead      bool   `json:"canRead"`
	CanWrite     bool   `json:"canWrite"`
}

// jurisdictionAliases lists, for a code, the regional buckets that also
// satisfy it. The table is static; nothing is inferred from code prefixes.
var jurisdictionAliases = map[string][]string{
	"FR": {"EU", "FR"},
	"BE": {"EU", "FR"},
	"LU": {"EU", "FR"},
	"EU": {"EU", "FR"},
	"MA": {"MAGHREB"},
	"TN": {"MAGHREB"},
	"DZ": {"MAGHREB"},
}

// IsJurisdictionAllowed reports whether code is readable. With no
// entitlements configured every code is allowed; once any entitlement
// exists, codes without an explicit or aliased grant are denied.
func IsJurisdictionAllowed(entitlements map[string]Entitlement, code string) bool {
	if len(entitlements) == 0 {
		return true
	}

	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return false
	}

	if e, ok := entitlements[code]; ok && e.CanRead {
		return true
	}
	for _, alias := range jurisdictionAliases[code] {
		if e, ok := entitlements[alias]; ok && e.CanRead {
			return true
		}
	}
	return false
}

func indexEntitlements(list []Entitlement) map[string]Entitlement {
	out := make(map[string]Entitlement, len(list))
	for _, e := range list {
		out[strings.ToUpper(strings.TrimSpace(e.Jurisdiction))] = e
	}
	return out
}
