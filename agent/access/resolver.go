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

// Package access resolves who may do what inside an org. Authorize combines
// the role permission table with per-org policy flags, jurisdiction
// entitlements, the IP allowlist and consent state. EnsureNetworkAccess
// applies the allowlist to every call and EnsureCompliance checks the
// runtime conditions of a mutating request.
package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"strings"

	"golang.org/x/sync/errgroup"
)

// AccessContext is computed fresh for every authorized call.
type AccessContext struct {
	OrgID        string                 `json:"orgId"`
	UserID       string                 `json:"userId"`
	Role         Role                   `json:"role"`
	Actions      []Action               `json:"actions"`
	Policy       PolicyFlags            `json:"policy"`
	Entitlements map[string]Entitlement `json:"entitlements"`
	IPAllowlist  []netip.Prefix         `json:"-"`
	Consent      ConsentState           `json:"consent"`
}

// ConsentState pairs the org's required version with the user's latest
// acknowledgement.
type ConsentState struct {
	RequiredVersion     string `json:"requiredVersion,omitempty"`
	AcknowledgedVersion string `json:"acknowledgedVersion,omitempty"`
}

// Can reports whether the resolved role may perform action.
func (a *AccessContext) Can(action Action) bool {
	for _, granted := range a.Actions {
		if granted == action {
			return true
		}
	}
	return false
}

// IsJurisdictionAllowed applies the org's entitlements to code.
func (a *AccessContext) IsJurisdictionAllowed(code string) bool {
	return IsJurisdictionAllowed(a.Entitlements, code)
}

// RequestAttributes are the per-request facts EnsureCompliance checks.
type RequestAttributes struct {
	ClientIP          string
	AuthStrength      string
	ConsentVersion    string
	DisclosureVersion string
}

var acceptedAuthStrengths = map[string]bool{
	"mfa":     true,
	"passkey": true,
}

// Resolver authorizes actions against a Store.
type Resolver struct {
	store       Store
	permissions PermissionTable
}

// NewResolver creates a resolver. A nil table uses DefaultPermissions.
func NewResolver(store Store, permissions PermissionTable) *Resolver {
	if permissions == nil {
		permissions = DefaultPermissions()
	}
	return &Resolver{store: store, permissions: permissions}
}

// Permissions returns the table in use.
func (r *Resolver) Permissions() PermissionTable {
	return r.permissions
}

// Authorize resolves the caller's AccessContext for action, or fails with
// membership_not_found / permission_denied. Store failures are returned
// wrapped and are not *Error.
func (r *Resolver) Authorize(ctx context.Context, action Action, orgID, userID string) (*AccessContext, error) {
	if orgID == "" || userID == "" {
		return nil, denied(CodeMembershipNotFound, "org and user are required")
	}

	role, err := r.store.GetMembershipRole(ctx, orgID, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, denied(CodeMembershipNotFound, "user %s has no role in org %s", userID, orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", action, err)
	}

	if !r.permissions.Allows(role, action) {
		return nil, denied(CodePermissionDenied, "role %s cannot perform %s", role, action)
	}

	access := &AccessContext{
		OrgID:   orgID,
		UserID:  userID,
		Role:    role,
		Actions: r.permissions.ActionsFor(role),
	}

	var (
		settings     map[string]interface{}
		entitlements []Entitlement
		allowlist    []string
		consent      string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		settings, err = r.store.GetPolicySettings(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		entitlements, err = r.store.ListEntitlements(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		allowlist, err = r.store.ListIPAllowlist(gctx, orgID)
		return err
	})
	g.Go(func() error {
		var err error
		consent, err = r.store.GetLatestConsent(gctx, orgID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("authorize %s: %w", action, err)
	}

	access.Policy = NormalizePolicyFlags(settings)
	access.Entitlements = indexEntitlements(entitlements)
	access.IPAllowlist = parseAllowlist(orgID, allowlist)
	access.Consent = ConsentState{
		RequiredVersion:     access.Policy.ConsentVersion,
		AcknowledgedVersion: consent,
	}
	return access, nil
}

// EnsureCompliance checks MFA, IP allowlist, consent and disclosure in that
// order. It must run on every mutating call after Authorize.
func EnsureCompliance(access *AccessContext, req RequestAttributes) error {
	if access == nil {
		return denied(CodePermissionDenied, "missing access context")
	}
	policy := access.Policy

	if policy.MFARequired {
		strength := strings.ToLower(strings.TrimSpace(req.AuthStrength))
		if !acceptedAuthStrengths[strength] {
			return precondition(CodeMFARequired, "multi-factor authentication required")
		}
	}

	if err := EnsureNetworkAccess(access, req.ClientIP); err != nil {
		return err
	}

	if required := access.Consent.RequiredVersion; required != "" && access.Consent.AcknowledgedVersion != required {
		if strings.TrimSpace(req.ConsentVersion) != required {
			return precondition(CodeConsentRequired, "consent version %s must be acknowledged", required)
		}
	}

	if required := policy.DisclosureVersion; required != "" {
		if strings.TrimSpace(req.DisclosureVersion) != required {
			return precondition(CodeDisclosureRequired, "disclosure version %s must be acknowledged", required)
		}
	}

	return nil
}

// EnsureNetworkAccess applies the org's IP allowlist. It runs on every
// gated call, reads included; an enforced allowlist with no entries admits
// nobody.
func EnsureNetworkAccess(access *AccessContext, clientIP string) error {
	if access == nil {
		return denied(CodePermissionDenied, "missing access context")
	}
	if !access.Policy.IPAllowlistEnforced {
		return nil
	}
	if len(access.IPAllowlist) == 0 {
		return precondition(CodeIPAllowlistEmpty, "ip allowlist is enforced but empty")
	}
	if !ipAllowed(access.IPAllowlist, clientIP) {
		return denied(CodeIPNotAllowed, "ip %s is not in the allowlist", clientIP)
	}
	return nil
}

func parseAllowlist(orgID string, entries []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				log.Printf("[Access] Warning: skipping invalid allowlist entry %q for org %s: %v", entry, orgID, err)
				continue
			}
			addr = addr.Unmap()
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			log.Printf("[Access] Warning: skipping invalid allowlist entry %q for org %s: %v", entry, orgID, err)
			continue
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes
}

func ipAllowed(prefixes []netip.Prefix, raw string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range prefixes {
		if prefix.Addr().Is4() != addr.Is4() {
			continue
		}
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
