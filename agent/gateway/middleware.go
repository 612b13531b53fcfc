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

package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"lawai/platform/agent/access"
	"lawai/platform/agent/ratelimit"
)

// Request headers.
const (
	headerUserID            = "X-User-Id"
	headerAuthStrength      = "X-Auth-Strength"
	headerConsentVersion    = "X-Consent-Version"
	headerDisclosureVersion = "X-Coe-Disclosure-Version"
	headerForwardedFor      = "X-Forwarded-For"
	headerRealIP            = "X-Real-Ip"
)

// Response headers.
const (
	headerLimit      = "X-Ratelimit-Limit"
	headerRemaining  = "X-Ratelimit-Remaining"
	headerReset      = "X-Ratelimit-Reset"
	headerRetryAfter = "Retry-After"
)

var errNoIdentity = errors.New("caller identity is required")

var errNoToken = errors.New("bearer token is required")

// identify returns the caller's user id. With a JWT secret configured only a
// verified bearer token counts; otherwise the x-user-id header is trusted.
func (s *Server) identify(r *http.Request) (string, error) {
	if len(s.opts.JWTSecret) > 0 {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			return "", errNoToken
		}
		return s.userFromToken(strings.TrimPrefix(auth, "Bearer "))
	}
	if id := strings.TrimSpace(r.Header.Get(headerUserID)); id != "" {
		return id, nil
	}
	return "", errNoIdentity
}

func (s *Server) userFromToken(raw string) (string, error) {
	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return s.opts.JWTSecret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub, nil
	}
	if id, ok := claims["user_id"].(string); ok && id != "" {
		return id, nil
	}
	return "", errors.New("token has no subject")
}

// gate runs identity, admission, authorization and the network check for
// one request; mutating calls get the full compliance gate. It
// writes the error response itself and reports false when the request
// must stop.
func (s *Server) gate(w http.ResponseWriter, r *http.Request, route string, action access.Action, orgID string, mutating bool) (*access.AccessContext, bool) {
	userID, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return nil, false
	}
	if strings.TrimSpace(orgID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "orgId is required")
		return nil, false
	}
	if !s.admit(w, r, route, orgID, userID) {
		return nil, false
	}

	ac, err := s.opts.Resolver.Authorize(r.Context(), action, orgID, userID)
	if err == nil && mutating {
		err = access.EnsureCompliance(ac, access.RequestAttributes{
			ClientIP:          clientIP(r),
			AuthStrength:      r.Header.Get(headerAuthStrength),
			ConsentVersion:    r.Header.Get(headerConsentVersion),
			DisclosureVersion: r.Header.Get(headerDisclosureVersion),
		})
	} else if err == nil {
		err = access.EnsureNetworkAccess(ac, clientIP(r))
	}
	if err != nil {
		var aerr *access.Error
		if errors.As(err, &aerr) {
			if s.opts.Metrics != nil {
				s.opts.Metrics.denied.WithLabelValues(aerr.Code).Inc()
			}
			s.log.Warn(orgID, "", "Authorization denied", map[string]interface{}{
				"user_id": userID,
				"action":  string(action),
				"code":    aerr.Code,
			})
		}
		s.writeServiceError(w, orgID, err)
		return nil, false
	}
	return ac, true
}

// admit counts the request against its route rule. Limiter failures admit
// the request with a warning; only a definite deny is a 429.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, route, orgID, userID string) bool {
	rule, ok := s.opts.Rules[route]
	if !ok {
		rule = s.opts.DefaultRule
	}
	if s.opts.Limiter == nil || rule.Limit <= 0 {
		return true
	}

	res, err := s.opts.Limiter.Hit(r.Context(), ratelimit.Key(route, orgID, userID), rule)
	if err != nil {
		s.log.Warn(orgID, "", "Rate limiter unavailable, admitting request", map[string]interface{}{
			"route": route,
			"error": err.Error(),
		})
		return true
	}

	now := s.now()
	h := w.Header()
	h.Set(headerLimit, strconv.Itoa(res.Limit))
	h.Set(headerRemaining, strconv.Itoa(res.Remaining))
	h.Set(headerReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
	if res.Allowed {
		return true
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.rateLimited.WithLabelValues(route).Inc()
	}
	h.Set(headerRetryAfter, strconv.Itoa(res.RetryAfter(now)))
	writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":   "rate_limit_exceeded",
		"limit":   res.Limit,
		"resetAt": res.ResetAt.UTC(),
	})
	return false
}

// clientIP prefers the first forwarded address over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get(headerForwardedFor); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get(headerRealIP)); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
