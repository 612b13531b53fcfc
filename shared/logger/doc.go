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
Package logger provides structured JSON logging for the gateway and the
orchestrator worker.

Each entry carries the component, the deployment instance, the org the
work belongs to and the request id used to correlate a command across the
gateway, the kernels and the workers:

	log := logger.New("gateway")
	log.Info("org-123", "req-456", "Command accepted", map[string]interface{}{
	    "command_id": id,
	})

Entries are single-line JSON:

	{"timestamp":"2025-01-15T10:30:00.123456789Z","level":"INFO",
	 "component":"gateway","instance_id":"i-abc123","container":"gw-1",
	 "org_id":"org-123","request_id":"req-456","message":"Command accepted"}

INSTANCE_ID is read from the environment; the container name comes from
the hostname. Loggers are safe for concurrent use.
*/
package logger
