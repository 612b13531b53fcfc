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
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned by a Store when a record does not exist.
var ErrNotFound = errors.New("not found")

// Error codes surfaced to API callers.
const (
	CodeMembershipNotFound    = "membership_not_found"
	CodePermissionDenied      = "permission_denied"
	CodeMFARequired           = "mfa_required"
	CodeIPAllowlistEmpty      = "ip_allowlist_empty"
	CodeIPNotAllowed          = "ip_not_allowed"
	CodeConsentRequired       = "consent_required"
	CodeDisclosureRequired    = "coe_disclosure_required"
	CodeJurisdictionForbidden = "jurisdiction_not_entitled"
)

// Error is a client-facing authorization failure. Status is 403 for denials
// and 428 when the caller can resolve it by re-authenticating or
// re-acknowledging.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func denied(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

func precondition(code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Status: http.StatusPreconditionRequired, Message: fmt.Sprintf(format, args...)}
}
