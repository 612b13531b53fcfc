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

// RequirementStatus is the coverage of one manifest requirement.
type RequirementStatus struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Status   Status `json:"status"`
	Purpose  string `json:"purpose,omitempty"`
}

// DomainCoverage is the coverage of one domain for one org.
type DomainCoverage struct {
	Key        string              `json:"key"`
	Connectors []RequirementStatus `json:"connectors"`
	Missing    []string            `json:"missing"`
}

// Ready reports whether every required connector is active.
func (c DomainCoverage) Ready() bool {
	return len(c.Missing) == 0
}

// ResolveCoverage matches a domain's requirements against an org's
// connectors by type and name. A requirement is active only when the
// matching connector is active; required ones that are not end up in Missing.
func ResolveCoverage(domain Domain, connectors []Connector) DomainCoverage {
	byKey := make(map[string]Connector, len(connectors))
	for _, c := range connectors {
		byKey[c.ConnectorType+":"+c.Name] = c
	}

	cov := DomainCoverage{
		Key:        domain.Key,
		Connectors: make([]RequirementStatus, 0, len(domain.Connectors)),
		Missing:    []string{},
	}
	for _, req := range domain.Connectors {
		status := StatusInactive
		if c, ok := byKey[req.Type+":"+req.Name]; ok && c.Status == StatusActive {
			status = StatusActive
		}
		cov.Connectors = append(cov.Connectors, RequirementStatus{
			Type:     req.Type,
			Name:     req.Name,
			Required: req.Required,
			Status:   status,
			Purpose:  req.Purpose,
		})
		if req.Required && status != StatusActive {
			cov.Missing = append(cov.Missing, req.Name)
		}
	}
	return cov
}
