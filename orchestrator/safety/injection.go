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
	"regexp"
	"sort"
)

type injectionPattern struct {
	name  string
	regex *regexp.Regexp
}

// Query fragments that connectors must never receive. Only patterns with a
// negligible false-positive rate on prose belong here; ordinary legal text
// mentions "select", "drop" and "union" all the time.
var injectionPatterns = []injectionPattern{
	{"union_select", regexp.MustCompile(`(?i)['"\)]\s*UNION\s+(ALL\s+)?SELECT\b`)},
	{"or_true_condition", regexp.MustCompile(`(?i)['"]\s*OR\s+['"]?\d+['"]?\s*=\s*['"]?\d+`)},
	{"time_delay", regexp.MustCompile(`(?i)\b(PG_SLEEP|SLEEP)\s*\(\s*\d+\s*\)|\bWAITFOR\s+DELAY\s+['"]`)},
	{"stacked_query", regexp.MustCompile(`(?i);\s*(DROP\s+(TABLE|DATABASE)|DELETE\s+FROM|INSERT\s+INTO|UPDATE\s+\w+\s+SET|EXEC(UTE)?\s*\()`)},
	{"comment_injection", regexp.MustCompile(`(?i)(/\*.*\*/|--|#)\s*(UNION|SELECT|INSERT|UPDATE|DELETE|DROP)\b`)},
	{"error_based", regexp.MustCompile(`(?i)\b(EXTRACTVALUE|UPDATEXML)\s*\(`)},
}

// InjectionFilter blocks payloads carrying query injection fragments in any
// string value, at any depth.
type InjectionFilter struct{}

func (InjectionFilter) Name() string { return "payload_injection" }

func (InjectionFilter) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	if hit := scanValue(in.Envelope.Command.Payload); hit != "" {
		return Block("payload_injection:"+hit, "remove_query_fragments"), nil
	}
	return Allow(), nil
}

// scanValue returns the first matching pattern name. Map keys are visited
// in sorted order so the reported pattern is stable.
func scanValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		for _, p := range injectionPatterns {
			if p.regex.MatchString(t) {
				return p.name
			}
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if hit := scanValue(t[k]); hit != "" {
				return hit
			}
		}
	case []interface{}:
		for _, item := range t {
			if hit := scanValue(item); hit != "" {
				return hit
			}
		}
	case []string:
		for _, item := range t {
			if hit := scanValue(item); hit != "" {
				return hit
			}
		}
	}
	return ""
}
