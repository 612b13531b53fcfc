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
Package orchestrator wires the LawAI worker process and the components it
shares with the gateway.

# Overview

Commands accepted by the gateway are persisted as a command row and one
job row. The orchestrator process polls for pending jobs, claims them with
a compare-and-set transition and hands each envelope (job, command,
session) to the handler of its worker class:

  - director: asks the external planning agent for a plan and stores it on
    the session after budget validation
  - safety: runs the safety kernel for commands addressed to it
  - domain: checks connector coverage for the command's domain and calls
    the org's connector over HTTP, or escalates when coverage is missing

# Shared core

NewCore builds the storage layer (PostgreSQL when DATABASE_URL is set,
memory otherwise), the async audit recorder, both kernels, the connector
registry and the dispatch service. The gateway process in package agent
builds the same core, so both processes agree on state transitions.

# Configuration

Configuration is loaded by shared/config from the environment and an
optional YAML file. The worker specific keys are WORKER_ID,
WORKER_ORG_IDS, WORKER_CLASSES, WORKER_POLL_INTERVAL_MS,
WORKER_CONCURRENCY and WORKER_BATCH_SIZE.

# Endpoints

  - GET /health
  - GET /prometheus
*/
package orchestrator
