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

/*
Package registry tracks the external-system connectors each org has
registered and computes, per domain, which required connectors are missing.

# Overview

A Connector is an org's integration with an ERP, tax portal, GRC platform
or similar system. Connectors are registered explicitly by an admin and are
never created implicitly. The Registry keeps them in a Storage (memory for
development, PostgreSQL in production).

# Domain manifest

The manifest declares, per domain, the connectors a domain worker relies on:

	domains:
	  - key: tax_compliance
	    connectors:
	      - type: tax
	        name: tax_authority_gateway
	        required: true

The built-in manifest is embedded in the binary; LoadManifestFile replaces it.

# Coverage

Coverage matches the manifest against the org's connectors by type and
name. A requirement is active only when a matching connector exists with
status active. Required connectors that are not active are listed in
Missing, and a domain job must not call them:

	cov, err := reg.DomainCoverage(ctx, "org-1", "tax_compliance")
	if len(cov.Missing) > 0 {
	    // escalate to a human instead of calling out
	}
*/
package registry
