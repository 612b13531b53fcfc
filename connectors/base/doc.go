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
Package base defines the contract between domain workers and the
connectors that reach external systems.

# Executor

A domain job never talks to an ERP, tax portal or bank directly. It builds
an Action and hands it to an Executor together with the Target connector
the org registered:

	res, err := exec.Execute(ctx, base.Target{
	    ID:     conn.ID,
	    Name:   conn.Name,
	    Type:   conn.ConnectorType,
	    Config: conn.Config,
	}, base.Action{Method: "POST", Path: "/returns", Body: payload})

Executor errors are *ConnectorError values naming the connector and the
operation that failed.

# Endpoint validation

ValidateURL guards connector base URLs against requests to loopback,
private or otherwise internal address space unless explicitly allowed.
*/
package base
