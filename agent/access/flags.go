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

package access

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Policy setting keys as stored per org.
const (
	FlagConfidentialMode         = "confidential_mode"
	FlagJurisdictionAnalyticsBan = "jurisdiction_analytics_ban"
	FlagMFARequired              = "mfa_required"
	FlagIPAllowlistEnforced      = "ip_allowlist_enforced"
	FlagSensitiveTopicHITL       = "sensitive_topic_hitl"
	FlagResidencyZone            = "residency_zone"
	FlagConsentVersion           = "consent_version"
	FlagDisclosureVersion        = "coe_disclosure_version"
)

// PolicyFlags is the normalized view of an org's policy settings. Stored
// values may be a bare boolean or an {"enabled": bool} object; the union
// never leaves this package.
type PolicyFlags struct {
	ConfidentialMode         bool   `json:"confidentialMode"`
	JurisdictionAnalyticsBan bool   `json:"jurisdictionAnalyticsBan"`
	MFARequired              bool   `json:"mfaRequired"`
	IPAllowlistEnforced      bool   `json:"ipAllowlistEnforced"`
	SensitiveTopicHITL       bool   `json:"sensitiveTopicHitl"`
	ResidencyZone            string `json:"residencyZone,omitempty"`
	ConsentVersion           string `json:"consentVersion,omitempty"`
	DisclosureVersion        string `json:"disclosureVersion,omitempty"`
}

// DefaultPolicyFlags applies when an org has no settings at all.
func DefaultPolicyFlags() PolicyFlags {
	return PolicyFlags{
		JurisdictionAnalyticsBan: true,
		SensitiveTopicHITL:       true,
	}
}

// NormalizePolicyFlags resolves raw settings into PolicyFlags.
func NormalizePolicyFlags(settings map[string]interface{}) PolicyFlags {
	flags := DefaultPolicyFlags()
	if settings == nil {
		return flags
	}

	flags.ConfidentialMode = boolSetting(settings[FlagConfidentialMode], flags.ConfidentialMode)
	flags.JurisdictionAnalyticsBan = boolSetting(settings[FlagJurisdictionAnalyticsBan], flags.JurisdictionAnalyticsBan)
	flags.MFARequired = boolSetting(settings[FlagMFARequired], flags.MFARequired)
	flags.IPAllowlistEnforced = boolSetting(settings[FlagIPAllowlistEnforced], flags.IPAllowlistEnforced)
	flags.SensitiveTopicHITL = boolSetting(settings[FlagSensitiveTopicHITL], flags.SensitiveTopicHITL)
	flags.ResidencyZone = stringSetting(settings[FlagResidencyZone], "zone")
	flags.ConsentVersion = stringSetting(settings[FlagConsentVersion], "version")
	flags.DisclosureVersion = stringSetting(settings[FlagDisclosureVersion], "version")
	return flags
}

func boolSetting(v interface{}, def bool) bool {
	switch t := v.(type) {
	case nil:
		return def
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			return def
		}
		return b
	case map[string]interface{}:
		return boolSetting(t["enabled"], def)
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return def
		}
		return boolSetting(decoded, def)
	default:
		return def
	}
}

func stringSetting(v interface{}, field string) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]interface{}:
		if enabled, ok := t["enabled"].(bool); ok && !enabled {
			return ""
		}
		return stringSetting(t[field], field)
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(t, &decoded); err != nil {
			return ""
		}
		return stringSetting(decoded, field)
	default:
		return ""
	}
}
