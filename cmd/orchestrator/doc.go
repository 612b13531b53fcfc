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
Command orchestrator runs the LawAI worker process.

The worker claims pending jobs for its configured orgs and worker classes
and executes them: plans through the director agent, assessments through
the safety kernel and domain work through the org's connectors.

# Usage

	orchestrator

# Environment Variables

Required:
  - DATABASE_URL: PostgreSQL connection string shared with the gateway
  - WORKER_ORG_IDS: comma separated orgs to serve

Optional:
  - PORT: HTTP port for /health and /prometheus (default: 8080)
  - WORKER_ID, WORKER_CLASSES, WORKER_CONCURRENCY, WORKER_BATCH_SIZE
  - WORKER_POLL_INTERVAL_MS
  - SAFETY_AGENT_URL, DIRECTOR_AGENT_URL, AGENT_API_KEY
*/
package main
