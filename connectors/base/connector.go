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

package base

import (
	"context"
	"time"
)

// Target identifies the registered connector an action is sent to.
type Target struct {
	ID          string                 `json:"id"`
	OrgID       string                 `json:"orgId"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Config      map[string]interface{} `json:"config"`
	Credentials map[string]string      `json:"-"`
}

// Action is one outbound operation.
type Action struct {
	Method  string                 `json:"method"`
	Path    string                 `json:"path"`
	Query   map[string]string      `json:"query,omitempty"`
	Body    map[string]interface{} `json:"body,omitempty"`
	Timeout time.Duration          `json:"timeout,omitempty"`
}

// Result is the outcome of an Action.
type Result struct {
	Success    bool                   `json:"success"`
	StatusCode int                    `json:"statusCode"`
	Data       interface{}            `json:"data,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Duration   time.Duration          `json:"duration"`
	Connector  string                 `json:"connector"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Executor performs actions against registered connectors.
type Executor interface {
	Execute(ctx context.Context, target Target, action Action) (*Result, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, target Target, action Action) (*Result, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, target Target, action Action) (*Result, error) {
	return f(ctx, target, action)
}

// ConnectorError represents errors specific to connector operations
type ConnectorError struct {
	ConnectorName string
	Operation     string
	Message       string
	Cause         error
}

func (e *ConnectorError) Error() string {
	if e.Cause != nil {
		return e.ConnectorName + "." + e.Operation + ": " + e.Message + " (cause: " + e.Cause.Error() + ")"
	}
	return e.ConnectorName + "." + e.Operation + ": " + e.Message
}

func (e *ConnectorError) Unwrap() error {
	return e.Cause
}

// NewConnectorError creates a new ConnectorError
func NewConnectorError(connectorName, operation, message string, cause error) *ConnectorError {
	return &ConnectorError{
		ConnectorName: connectorName,
		Operation:     operation,
		Message:       message,
		Cause:         cause,
	}
}
