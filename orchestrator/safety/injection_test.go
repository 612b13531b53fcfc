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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawai/platform/orchestrator/store"
)

func TestInjectionFilter(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		reason  string
	}{
		{"clean prose", map[string]interface{}{"intent": "Select the union filings and drop duplicates before the hearing"}, ""},
		{"union select", map[string]interface{}{"query": "x' UNION SELECT password FROM users"}, "payload_injection:union_select"},
		{"tautology", map[string]interface{}{"client": "acme' OR 1=1"}, "payload_injection:or_true_condition"},
		{"stacked drop", map[string]interface{}{"note": "done; DROP TABLE ledgers"}, "payload_injection:stacked_query"},
		{"sleep", map[string]interface{}{"id": "1 AND pg_sleep(5)"}, "payload_injection:time_delay"},
		{"nested", map[string]interface{}{"filters": []interface{}{map[string]interface{}{"v": "a'-- DELETE"}}}, "payload_injection:comment_injection"},
		{"string slice", map[string]interface{}{"tags": []string{"ok", "extractvalue(1, concat(0x7e))"}}, "payload_injection:error_based"},
		{"non string values", map[string]interface{}{"amount": 12.5, "urgent": true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Input{Envelope: store.Envelope{Command: store.Command{Payload: tt.payload}}}
			d, err := InjectionFilter{}.Evaluate(context.Background(), in)
			require.NoError(t, err)
			if tt.reason == "" {
				assert.Equal(t, VerdictAllow, d.Verdict)
				return
			}
			assert.Equal(t, VerdictBlock, d.Verdict)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, []string{"remove_query_fragments"}, d.Mitigations)
		})
	}
}
