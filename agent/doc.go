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
Package agent wires the LawAI gateway process.

# Overview

The gateway is the only network entry point for clients. Every /agent route
runs the same admission chain before any state changes:

  - caller identity from a verified bearer token or the x-user-id header
  - fixed-window admission limiting per route, org and user
  - role authorization from the permission table
  - the compliance gate (MFA, IP allowlist, consent and disclosure
    versions) for mutating calls

Accepted commands are persisted and assessed by the safety kernel before
the response is written. Execution happens in the orchestrator process.

# Rate limiting

RATE_LIMIT_BACKEND selects memory, redis or policy. Shared backends are
wrapped so that an outage falls back to the in-process limiter instead of
failing requests.

# Configuration

PORT, DATABASE_URL, REDIS_URL, JWT_SECRET, PERMISSIONS_FILE,
MANIFEST_FILE, CORS_ALLOWED_ORIGINS and the RATE_LIMIT_* keys, plus the
agent URLs shared with the orchestrator. See shared/config.
*/
package agent
