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

// Package director turns an objective into a validated multi-step plan by
// delegating to the external Director agent.
package director

import (
	"errors"
	"fmt"
	"strings"
)

// Step is one unit of a plan.
type Step struct {
	ID          string                 `json:"id"`
	Title       string                 `json:"title"`
	Worker      string                 `json:"worker,omitempty"`
	DomainAgent string                 `json:"domainAgent,omitempty"`
	Tools       []string               `json:"tools,omitempty"`
	DependsOn   []string               `json:"dependsOn,omitempty"`
	Input       map[string]interface{} `json:"input,omitempty"`
}

// Plan is the Director's structured output.
type Plan struct {
	ID        string                 `json:"id,omitempty"`
	Objective string                 `json:"objective"`
	Summary   string                 `json:"summary,omitempty"`
	Steps     []Step                 `json:"steps"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToolCalls counts every tool invocation across steps.
func (p *Plan) ToolCalls() int {
	n := 0
	for _, s := range p.Steps {
		n += len(s.Tools)
	}
	return n
}

// Depth returns the longest dependency chain, counting steps.
func (p *Plan) Depth() (int, error) {
	index := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return 0, fmt.Errorf("step %d has no id", i)
		}
		if _, dup := index[s.ID]; dup {
			return 0, fmt.Errorf("duplicate step id %q", s.ID)
		}
		index[s.ID] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(p.Steps))
	depth := make([]int, len(p.Steps))

	var visit func(i int) error
	visit = func(i int) error {
		switch state[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle at step %q", p.Steps[i].ID)
		}
		state[i] = visiting
		d := 1
		for _, dep := range p.Steps[i].DependsOn {
			j, ok := index[dep]
			if !ok {
				return fmt.Errorf("step %q depends on unknown step %q", p.Steps[i].ID, dep)
			}
			if err := visit(j); err != nil {
				return err
			}
			if depth[j]+1 > d {
				d = depth[j] + 1
			}
		}
		depth[i] = d
		state[i] = done
		return nil
	}

	deepest := 0
	for i := range p.Steps {
		if err := visit(i); err != nil {
			return 0, err
		}
		if depth[i] > deepest {
			deepest = depth[i]
		}
	}
	return deepest, nil
}

// ErrBudgetExceeded is wrapped by every budget violation.
var ErrBudgetExceeded = errors.New("plan exceeds budget")

// Budget bounds an accepted plan. A zero field is unbounded.
type Budget struct {
	MaxSteps     int `json:"maxSteps"`
	MaxToolCalls int `json:"maxToolCalls"`
	MaxDepth     int `json:"maxDepth"`
}

// Validate rejects empty, malformed or over-budget plans. Plans are never
// truncated to fit.
func (b Budget) Validate(p *Plan) error {
	if p == nil || len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}
	depth, err := p.Depth()
	if err != nil {
		return err
	}
	if b.MaxSteps > 0 && len(p.Steps) > b.MaxSteps {
		return fmt.Errorf("%w: %d steps, max %d", ErrBudgetExceeded, len(p.Steps), b.MaxSteps)
	}
	if calls := p.ToolCalls(); b.MaxToolCalls > 0 && calls > b.MaxToolCalls {
		return fmt.Errorf("%w: %d tool calls, max %d", ErrBudgetExceeded, calls, b.MaxToolCalls)
	}
	if b.MaxDepth > 0 && depth > b.MaxDepth {
		return fmt.Errorf("%w: depth %d, max %d", ErrBudgetExceeded, depth, b.MaxDepth)
	}
	return nil
}
