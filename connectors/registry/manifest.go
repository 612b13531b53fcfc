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
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed manifest.yaml
var defaultManifest []byte

// Manifest lists the domains and the connectors each relies on.
type Manifest struct {
	Domains []Domain `yaml:"domains" json:"domains"`
}

// Domain is one business domain served by domain workers.
type Domain struct {
	Key        string        `yaml:"key" json:"key"`
	Title      string        `yaml:"title" json:"title,omitempty"`
	Connectors []Requirement `yaml:"connectors" json:"connectors"`
}

// Requirement declares one connector a domain uses.
type Requirement struct {
	Type     string `yaml:"type" json:"type"`
	Name     string `yaml:"name" json:"name"`
	Required bool   `yaml:"required" json:"required"`
	Purpose  string `yaml:"purpose" json:"purpose,omitempty"`
}

// DefaultManifest returns the embedded manifest.
func DefaultManifest() *Manifest {
	m, err := ParseManifest(defaultManifest)
	if err != nil {
		panic(fmt.Sprintf("registry: embedded manifest is invalid: %v", err))
	}
	return m
}

// LoadManifestFile reads a manifest from disk.
func LoadManifestFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	seen := make(map[string]bool, len(m.Domains))
	for _, d := range m.Domains {
		if d.Key == "" {
			return nil, fmt.Errorf("manifest domain without key")
		}
		if seen[d.Key] {
			return nil, fmt.Errorf("duplicate manifest domain %q", d.Key)
		}
		seen[d.Key] = true
		for _, req := range d.Connectors {
			if !IsValidConnectorType(req.Type) {
				return nil, fmt.Errorf("domain %s: unknown connector type %q", d.Key, req.Type)
			}
			if req.Name == "" {
				return nil, fmt.Errorf("domain %s: connector of type %s has no name", d.Key, req.Type)
			}
		}
	}
	return &m, nil
}

// Domain looks up a domain by key.
func (m *Manifest) Domain(key string) (Domain, bool) {
	for _, d := range m.Domains {
		if d.Key == key {
			return d, true
		}
	}
	return Domain{}, false
}
