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

package director

import (
	"context"

	"lawai/platform/orchestrator/agentclient"
)

// HTTPAgent calls the remote Director agent.
type HTTPAgent struct {
	Client *agentclient.Client
	Path   string
}

// NewHTTPAgent posts plan requests to the client's /plan endpoint.
func NewHTTPAgent(c *agentclient.Client) *HTTPAgent {
	return &HTTPAgent{Client: c, Path: "/plan"}
}

// Plan implements Agent.
func (a *HTTPAgent) Plan(ctx context.Context, req Request) (*Plan, error) {
	var out struct {
		Plan *Plan `json:"plan"`
	}
	if err := a.Client.Invoke(ctx, a.Path, req, &out); err != nil {
		return nil, err
	}
	return out.Plan, nil
}
