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

package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/config"
)

// BlockedStageGate forbids command types per org. An org of "*" applies to
// every org and a stage of "*" to every command type.
type BlockedStageGate struct {
	Stages []config.BlockedStage
}

func (g BlockedStageGate) Name() string { return "blocked_stage" }

func (g BlockedStageGate) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	cmd := in.Envelope.Command
	for _, s := range g.Stages {
		if (s.OrgID == "*" || s.OrgID == cmd.OrgID) && (s.Stage == "*" || s.Stage == cmd.CommandType) {
			return Block("stage_blocked:" + cmd.CommandType), nil
		}
	}
	return Allow(), nil
}

// PayloadSizeFilter rejects oversized payloads before they reach the reviewer.
type PayloadSizeFilter struct {
	MaxBytes int
}

func (f PayloadSizeFilter) Name() string { return "payload_size" }

func (f PayloadSizeFilter) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	if f.MaxBytes <= 0 {
		return Allow(), nil
	}
	b, err := json.Marshal(in.Envelope.Command.Payload)
	if err != nil {
		return Decision{}, fmt.Errorf("payload is not serializable: %w", err)
	}
	if len(b) > f.MaxBytes {
		return Block("payload_too_large", "split_command"), nil
	}
	return Allow(), nil
}

// JurisdictionFilter enforces jurisdiction entitlements and the analytics
// ban for the jurisdiction named in the payload.
type JurisdictionFilter struct{}

func (JurisdictionFilter) Name() string { return "jurisdiction" }

func (JurisdictionFilter) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	code, _ := in.Envelope.Command.Payload["jurisdiction"].(string)
	code = strings.TrimSpace(code)
	if code == "" {
		return Allow(), nil
	}
	if in.Access != nil && !in.Access.IsJurisdictionAllowed(code) {
		return Block("jurisdiction_not_entitled:" + strings.ToUpper(code)), nil
	}
	if in.Policy().JurisdictionAnalyticsBan && isAnalytics(in.Envelope.Command) {
		return Block("jurisdiction_analytics_banned:"+strings.ToUpper(code), "remove_jurisdiction_profiling"), nil
	}
	return Allow(), nil
}

func isAnalytics(c store.Command) bool {
	if strings.Contains(strings.ToLower(c.CommandType), "analytics") {
		return true
	}
	intent, _ := c.Payload["intent"].(string)
	return strings.Contains(strings.ToLower(intent), "analytics")
}

// SensitiveTopicFilter escalates payloads mentioning a sensitive topic when
// the org keeps human review on for them.
type SensitiveTopicFilter struct {
	Topics []string
}

func (f SensitiveTopicFilter) Name() string { return "sensitive_topic" }

func (f SensitiveTopicFilter) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	if !in.Policy().SensitiveTopicHITL || len(f.Topics) == 0 {
		return Allow(), nil
	}
	b, err := json.Marshal(in.Envelope.Command.Payload)
	if err != nil {
		return Decision{}, fmt.Errorf("payload is not serializable: %w", err)
	}
	text := strings.ToLower(string(b))
	for _, topic := range f.Topics {
		t := strings.ToLower(strings.TrimSpace(topic))
		if t != "" && strings.Contains(text, t) {
			return Escalate("sensitive_topic:"+t, "route_to_reviewer"), nil
		}
	}
	return Allow(), nil
}

// ConfidentialModeFilter escalates commands that would leave the platform
// through a domain connector while the org is in confidential mode.
type ConfidentialModeFilter struct{}

func (ConfidentialModeFilter) Name() string { return "confidential_mode" }

func (ConfidentialModeFilter) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	if in.Result != StatusApproved || !in.Policy().ConfidentialMode {
		return Allow(), nil
	}
	if in.Envelope.Job.Worker == store.WorkerDomain {
		return Escalate("confidential_mode_review", "redact_before_dispatch"), nil
	}
	return Allow(), nil
}

// HighPriorityFilter escalates approved commands at or above Threshold.
type HighPriorityFilter struct {
	Threshold int
}

func (f HighPriorityFilter) Name() string { return "high_priority" }

func (f HighPriorityFilter) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	if f.Threshold <= 0 || in.Result != StatusApproved {
		return Allow(), nil
	}
	if in.Envelope.Command.Priority >= f.Threshold {
		return Escalate("high_priority_review"), nil
	}
	return Allow(), nil
}

// DefaultPipeline builds the built-in gates and filters from configuration.
func DefaultPipeline(cfg config.SafetyConfig) Options {
	return Options{
		Gates: []Filter{BlockedStageGate{Stages: cfg.BlockedStages}},
		PreFilters: []Filter{
			PayloadSizeFilter{MaxBytes: cfg.MaxPayloadBytes},
			InjectionFilter{},
			JurisdictionFilter{},
			SensitiveTopicFilter{Topics: cfg.SensitiveTopics},
		},
		PostFilters: []Filter{
			ConfidentialModeFilter{},
			HighPriorityFilter{Threshold: cfg.HighPriorityThreshold},
		},
	}
}
