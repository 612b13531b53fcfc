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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawai/platform/agent/access"
	"lawai/platform/agent/ratelimit"
	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/audit"
	"lawai/platform/orchestrator/director"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/safety"
	"lawai/platform/orchestrator/store"
)

const testOrg = "org-1"

type testEnv struct {
	server   *Server
	handler  http.Handler
	access   *access.MemoryStore
	store    *store.MemoryStore
	registry *registry.Registry
	events   *audit.MemoryWriter
	metrics  *Metrics
	review   *safety.Review
	planErr  error
}

type envOption func(*Options)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	env := &testEnv{
		access:   access.NewMemoryStore(),
		store:    store.NewMemoryStore(),
		registry: registry.NewRegistry(registry.NewMemoryStorage(), nil),
		events:   &audit.MemoryWriter{},
		review:   &safety.Review{Decision: "approved"},
	}
	env.access.SetRole(testOrg, "alice", access.RoleMember)
	env.access.SetRole(testOrg, "ops", access.RoleAdmin)
	env.access.SetRole(testOrg, "bot", access.RoleWorker)
	env.access.SetRole(testOrg, "rita", access.RoleReviewer)
	env.access.SetRole(testOrg, "vic", access.RoleViewer)

	sink := audit.Direct{Writer: env.events}
	reviewer := safety.ReviewerFunc(func(ctx context.Context, req safety.ReviewRequest) (*safety.Review, error) {
		return env.review, nil
	})
	planner := director.NewKernel(director.AgentFunc(func(ctx context.Context, req director.Request) (*director.Plan, error) {
		if env.planErr != nil {
			return nil, env.planErr
		}
		return &director.Plan{Steps: []director.Step{{ID: "s1", Title: "reconcile ledgers", Worker: "domain"}}}, nil
	}), director.Options{Budget: director.Budget{MaxSteps: 5}, Timeout: time.Second, Sessions: env.store, Audit: sink})

	reg := prometheus.NewRegistry()
	env.metrics = NewMetrics(reg)
	o := Options{
		Resolver: access.NewResolver(env.access, nil),
		Limiter:  ratelimit.NewMemoryLimiter(),
		Service: dispatch.NewService(env.store, dispatch.Options{
			Safety:   safety.NewKernel(reviewer, safety.Options{Timeout: time.Second, Audit: sink}),
			Director: planner,
			Audit:    sink,
		}),
		Registry: env.registry,
		Audit:    sink,
		Metrics:  env.metrics,
		Gatherer: reg,
	}
	for _, fn := range opts {
		fn(&o)
	}
	env.server = NewServer(o)
	env.handler = env.server.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(headerUserID, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func financeCommand() map[string]interface{} {
	return map[string]interface{}{
		"orgId":       testOrg,
		"commandType": dispatch.CommandTypeFinanceDomain,
		"payload":     map[string]interface{}{"domain": "tax_compliance", "intent": "file VAT return"},
		"worker":      "domain",
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeBody(t, rec)["status"])
}

func TestSubmitCommandAccepted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "queued", body["status"])
	assert.NotEmpty(t, body["commandId"])
	assert.NotEmpty(t, body["jobId"])
	assessment, ok := body["safety"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "approved", assessment["status"])

	get := env.do(t, http.MethodGet, "/agent/commands/"+body["commandId"].(string)+"?orgId="+testOrg, "vic", nil)
	require.Equal(t, http.StatusOK, get.Code)
	view := decodeBody(t, get)
	job := view["job"].(map[string]interface{})
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, "tax_compliance", job["domainAgent"])

	cmds, err := env.store.ListCommands(context.Background(), testOrg, "", 0)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "alice", cmds[0].IssuedBy)
}

func TestIPAllowlistEnforcedButEmpty(t *testing.T) {
	env := newTestEnv(t)
	env.access.SetPolicy(testOrg, access.FlagIPAllowlistEnforced, true)

	rec := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)
	assert.Equal(t, access.CodeIPAllowlistEmpty, decodeBody(t, rec)["error"])

	cmds, err := env.store.ListCommands(context.Background(), testOrg, "", 0)
	require.NoError(t, err)
	assert.Empty(t, cmds)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.denied.WithLabelValues(access.CodeIPAllowlistEmpty)))

	for _, path := range []string{
		"/agent/capabilities?orgId=" + testOrg,
		"/agent/connectors?orgId=" + testOrg,
		"/agent/commands/" + uuid.New().String() + "?orgId=" + testOrg,
	} {
		read := env.do(t, http.MethodGet, path, "alice", nil)
		assert.Equal(t, http.StatusPreconditionRequired, read.Code, path)
		assert.Equal(t, access.CodeIPAllowlistEmpty, decodeBody(t, read)["error"], path)
	}
}

func TestIPAllowlistAppliesToReads(t *testing.T) {
	env := newTestEnv(t)
	env.access.SetPolicy(testOrg, access.FlagIPAllowlistEnforced, true)
	env.access.SetIPAllowlist(testOrg, "10.1.0.0/16")
	// MFA only gates mutating calls
	env.access.SetPolicy(testOrg, access.FlagMFARequired, true)

	allowed := env.do(t, http.MethodGet, "/agent/capabilities?orgId="+testOrg, "alice", nil, headerForwardedFor, "10.1.4.2")
	assert.Equal(t, http.StatusOK, allowed.Code, allowed.Body.String())

	denied := env.do(t, http.MethodGet, "/agent/capabilities?orgId="+testOrg, "alice", nil, headerForwardedFor, "192.168.9.9")
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, access.CodeIPNotAllowed, decodeBody(t, denied)["error"])
}

func TestIPAllowlistMatch(t *testing.T) {
	env := newTestEnv(t)
	env.access.SetPolicy(testOrg, access.FlagIPAllowlistEnforced, map[string]interface{}{"enabled": true})
	env.access.SetIPAllowlist(testOrg, "10.1.0.0/16")

	allowed := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand(), headerForwardedFor, "10.1.4.2, 172.16.0.1")
	assert.Equal(t, http.StatusAccepted, allowed.Code, allowed.Body.String())

	denied := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand(), headerForwardedFor, "192.168.9.9")
	assert.Equal(t, http.StatusForbidden, denied.Code)
	assert.Equal(t, access.CodeIPNotAllowed, decodeBody(t, denied)["error"])
}

func TestComplianceGate(t *testing.T) {
	tests := []struct {
		name    string
		setting string
		value   interface{}
		headers []string
		status  int
		code    string
	}{
		{"mfa missing", access.FlagMFARequired, true, nil, http.StatusPreconditionRequired, access.CodeMFARequired},
		{"mfa password only", access.FlagMFARequired, true, []string{headerAuthStrength, "password"}, http.StatusPreconditionRequired, access.CodeMFARequired},
		{"mfa satisfied", access.FlagMFARequired, true, []string{headerAuthStrength, "MFA"}, http.StatusAccepted, ""},
		{"consent missing", access.FlagConsentVersion, "2024-06", nil, http.StatusPreconditionRequired, access.CodeConsentRequired},
		{"consent header", access.FlagConsentVersion, "2024-06", []string{headerConsentVersion, "2024-06"}, http.StatusAccepted, ""},
		{"disclosure missing", access.FlagDisclosureVersion, map[string]interface{}{"version": "v3"}, nil, http.StatusPreconditionRequired, access.CodeDisclosureRequired},
		{"disclosure header", access.FlagDisclosureVersion, map[string]interface{}{"version": "v3"}, []string{headerDisclosureVersion, "v3"}, http.StatusAccepted, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.access.SetPolicy(testOrg, tt.setting, tt.value)

			rec := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand(), tt.headers...)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.code != "" {
				assert.Equal(t, tt.code, decodeBody(t, rec)["error"])
			}
		})
	}
}

func TestAuthorizationFailures(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/agent/commands", "", financeCommand())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/agent/commands", "mallory", financeCommand())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, access.CodeMembershipNotFound, decodeBody(t, rec)["error"])

	rec = env.do(t, http.MethodPost, "/agent/commands", "vic", financeCommand())
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, access.CodePermissionDenied, decodeBody(t, rec)["error"])

	noOrg := financeCommand()
	delete(noOrg, "orgId")
	rec = env.do(t, http.MethodPost, "/agent/commands", "alice", noOrg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccessStoreFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.access.Err = errors.New("connection reset")

	rec := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestInvalidFinancePayload(t *testing.T) {
	env := newTestEnv(t)
	cmd := financeCommand()
	cmd["payload"] = map[string]interface{}{"amount": 1200}

	rec := env.do(t, http.MethodPost, "/agent/commands", "alice", cmd)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, dispatch.CodeInvalidFinancePayload, decodeBody(t, rec)["error"])

	cmds, err := env.store.ListCommands(context.Background(), testOrg, "", 0)
	require.NoError(t, err)
	assert.Empty(t, cmds)
}

func TestMalformedJSON(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/agent/commands", bytes.NewBufferString("{"))
	req.Header.Set(headerUserID, "alice")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_json", decodeBody(t, rec)["error"])
}

func TestRejectedCommand(t *testing.T) {
	env := newTestEnv(t)
	env.review = &safety.Review{Decision: "rejected", Reasons: []string{"policy_x"}, Mitigations: []string{"remove_client_names"}}

	rec := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, dispatch.CodeCommandRejected, body["error"])
	assert.Equal(t, []interface{}{"policy_x"}, body["reasons"])
	assert.Equal(t, []interface{}{"remove_client_names"}, body["mitigations"])

	id := body["commandId"].(string)
	get := env.do(t, http.MethodGet, "/agent/commands/"+id+"?orgId="+testOrg, "alice", nil)
	require.Equal(t, http.StatusOK, get.Code)
	view := decodeBody(t, get)
	cmd := view["command"].(map[string]interface{})
	job := view["job"].(map[string]interface{})
	assert.Equal(t, "cancelled", cmd["status"])
	assert.Contains(t, cmd["lastError"], "policy_x")
	assert.Equal(t, "cancelled", job["status"])

	assert.Len(t, env.events.Kind(audit.KindCommandRejected), 1)
}

func TestRateLimited(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Rules = map[string]ratelimit.Rule{RouteCommandSubmit: {Limit: 1, Window: time.Minute}}
	})

	first := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Equal(t, "1", first.Header().Get(headerLimit))
	assert.Equal(t, "0", first.Header().Get(headerRemaining))

	second := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	body := decodeBody(t, second)
	assert.Equal(t, "rate_limit_exceeded", body["error"])
	assert.EqualValues(t, 1, body["limit"])
	retry, err := strconv.Atoi(second.Header().Get(headerRetryAfter))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retry, 1)
	assert.NotEmpty(t, second.Header().Get(headerReset))

	// limits are per user
	other := env.do(t, http.MethodPost, "/agent/commands", "ops", financeCommand())
	assert.Equal(t, http.StatusAccepted, other.Code)

	// other routes keep their own counters
	caps := env.do(t, http.MethodGet, "/agent/capabilities?orgId="+testOrg, "alice", nil)
	assert.Equal(t, http.StatusOK, caps.Code)

	cmds, err := env.store.ListCommands(context.Background(), testOrg, "", 0)
	require.NoError(t, err)
	assert.Len(t, cmds, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.rateLimited.WithLabelValues(RouteCommandSubmit)))
}

type brokenLimiter struct{}

func (brokenLimiter) Hit(context.Context, string, ratelimit.Rule) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis down")
}

func (brokenLimiter) Reset(context.Context, string) error { return nil }

func (brokenLimiter) Block(context.Context, string, ratelimit.Rule, time.Duration) error { return nil }

func TestLimiterFailureAdmits(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.Limiter = brokenLimiter{}
		o.DefaultRule = ratelimit.Rule{Limit: 1, Window: time.Minute}
	})
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
}

func TestCapabilitiesReportMissingConnectors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.registry.Register(ctx, registry.Connector{
		OrgID:         testOrg,
		ConnectorType: registry.TypeBanking,
		Name:          "bank_feeds",
		Status:        registry.StatusActive,
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/agent/capabilities?orgId="+testOrg, "vic", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.NotNil(t, body["manifest"])

	coverage := map[string][]interface{}{}
	for _, raw := range body["coverage"].([]interface{}) {
		c := raw.(map[string]interface{})
		missing, _ := c["missing"].([]interface{})
		coverage[c["key"].(string)] = missing
	}
	assert.Contains(t, coverage["tax_compliance"], "tax_authority_gateway")
	assert.Empty(t, coverage["treasury"])
}

func TestConnectorsRequireAdminToSave(t *testing.T) {
	env := newTestEnv(t)
	conn := map[string]interface{}{
		"orgId":         testOrg,
		"connectorType": registry.TypeTax,
		"name":          "tax_authority_gateway",
		"status":        "active",
		"config":        map[string]interface{}{"base_url": "https://tax.example.gov"},
	}

	rec := env.do(t, http.MethodPost, "/agent/connectors", "alice", conn)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodPost, "/agent/connectors", "ops", conn)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decodeBody(t, rec)["connector"].(map[string]interface{})
	assert.Equal(t, "active", saved["status"])
	assert.Len(t, env.events.Kind(audit.KindConnectorChanged), 1)

	list := env.do(t, http.MethodGet, "/agent/connectors?orgId="+testOrg, "alice", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decodeBody(t, list)["connectors"], 1)

	bad := env.do(t, http.MethodPost, "/agent/connectors", "ops", map[string]interface{}{"orgId": testOrg, "name": "x"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	claimBody := map[string]interface{}{"orgId": testOrg, "worker": "domain"}

	empty := env.do(t, http.MethodPost, "/agent/jobs/claim", "bot", claimBody)
	assert.Equal(t, http.StatusNoContent, empty.Code)

	submitted := decodeBody(t, env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand()))
	jobID := submitted["jobId"].(string)

	denied := env.do(t, http.MethodPost, "/agent/jobs/claim", "alice", claimBody)
	assert.Equal(t, http.StatusForbidden, denied.Code)

	claimed := env.do(t, http.MethodPost, "/agent/jobs/claim", "bot", claimBody)
	require.Equal(t, http.StatusOK, claimed.Code, claimed.Body.String())
	envelope := decodeBody(t, claimed)["envelope"].(map[string]interface{})
	job := envelope["job"].(map[string]interface{})
	assert.Equal(t, jobID, job["id"])
	assert.Equal(t, "running", job["status"])

	done := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/complete", "bot", map[string]interface{}{
		"orgId":  testOrg,
		"status": "completed",
		"result": map[string]interface{}{"filed": true},
	})
	require.Equal(t, http.StatusOK, done.Code, done.Body.String())
	cmd := decodeBody(t, done)["command"].(map[string]interface{})
	assert.Equal(t, "completed", cmd["status"])

	again := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/complete", "bot", map[string]interface{}{
		"orgId":  testOrg,
		"status": "failed",
	})
	assert.Equal(t, http.StatusConflict, again.Code)

	missing := env.do(t, http.MethodPost, "/agent/jobs/nope/complete", "bot", map[string]interface{}{
		"orgId":  testOrg,
		"status": "completed",
	})
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestReviewEscalatedJob(t *testing.T) {
	env := newTestEnv(t)
	env.review = &safety.Review{Decision: "needs_hitl", Reasons: []string{"large_transfer"}}

	submitted := decodeBody(t, env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand()))
	jobID := submitted["jobId"].(string)
	assert.Equal(t, "needs_hitl", submitted["safety"].(map[string]interface{})["status"])

	claim := env.do(t, http.MethodPost, "/agent/jobs/claim", "bot", map[string]interface{}{"orgId": testOrg, "worker": "domain"})
	assert.Equal(t, http.StatusNoContent, claim.Code, "jobs awaiting review are not claimable")

	forbidden := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/review", "alice", map[string]interface{}{"orgId": testOrg, "decision": "approve"})
	assert.Equal(t, http.StatusForbidden, forbidden.Code)

	rec := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/review", "rita", map[string]interface{}{
		"orgId":    testOrg,
		"decision": "approve",
		"note":     "verified beneficiary",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	again := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/review", "rita", map[string]interface{}{"orgId": testOrg, "decision": "approve"})
	assert.Equal(t, http.StatusConflict, again.Code)
	assert.Equal(t, "job_not_awaiting_review", decodeBody(t, again)["error"])

	claim = env.do(t, http.MethodPost, "/agent/jobs/claim", "bot", map[string]interface{}{"orgId": testOrg, "worker": "domain"})
	assert.Equal(t, http.StatusOK, claim.Code)
}

func TestRetryJob(t *testing.T) {
	env := newTestEnv(t)
	submitted := decodeBody(t, env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand()))
	jobID := submitted["jobId"].(string)

	pending := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/retry", "ops", map[string]interface{}{"orgId": testOrg})
	assert.Equal(t, http.StatusConflict, pending.Code)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/agent/jobs/claim", "bot", map[string]interface{}{"orgId": testOrg, "worker": "domain"}).Code)

	rec := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/retry", "ops", map[string]interface{}{"orgId": testOrg, "reason": "upstream timeout"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	job := decodeBody(t, rec)["job"].(map[string]interface{})
	assert.Equal(t, "pending", job["status"])
	assert.Equal(t, "upstream timeout", job["lastError"])

	negative := env.do(t, http.MethodPost, "/agent/jobs/"+jobID+"/retry", "ops", map[string]interface{}{"orgId": testOrg, "delayMs": -5})
	assert.Equal(t, http.StatusBadRequest, negative.Code)
}

func TestPlan(t *testing.T) {
	env := newTestEnv(t)
	submitted := decodeBody(t, env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand()))
	sessionID := submitted["sessionId"].(string)

	rec := env.do(t, http.MethodPost, "/agent/plan", "alice", map[string]interface{}{
		"orgId":     testOrg,
		"sessionId": sessionID,
		"objective": "close the quarter",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	plan := decodeBody(t, rec)["plan"].(map[string]interface{})
	assert.Len(t, plan["steps"], 1)

	env.planErr = errors.New("model unavailable")
	failed := env.do(t, http.MethodPost, "/agent/plan", "alice", map[string]interface{}{
		"orgId":     testOrg,
		"sessionId": sessionID,
		"objective": "close the quarter",
	})
	require.Equal(t, http.StatusBadGateway, failed.Code)
	body := decodeBody(t, failed)
	assert.Equal(t, director.CodePlanFailed, body["error"])
	assert.NotEmpty(t, body["runId"])

	unknown := env.do(t, http.MethodPost, "/agent/plan", "alice", map[string]interface{}{
		"orgId":     testOrg,
		"sessionId": "missing",
		"objective": "close the quarter",
	})
	assert.Equal(t, http.StatusNotFound, unknown.Code)
}

func TestJWTIdentity(t *testing.T) {
	secret := []byte("test-secret")
	env := newTestEnv(t, func(o *Options) { o.JWTSecret = secret })

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/agent/commands", "", financeCommand(), "Authorization", "Bearer "+token)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ops"}).SignedString([]byte("other"))
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/agent/commands", "", financeCommand(), "Authorization", "Bearer "+forged)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// with a secret configured the plain header no longer identifies anyone
	rec = env.do(t, http.MethodPost, "/agent/commands", "alice", financeCommand())
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decodeBody(t, rec)["error"])

	rec = env.do(t, http.MethodGet, "/agent/capabilities?orgId="+testOrg, "alice", nil, "Authorization", "Basic YWxpY2U6")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cmds, err := env.store.ListCommands(context.Background(), testOrg, "", 0)
	require.NoError(t, err)
	assert.Len(t, cmds, 1, "only the token-authenticated submit was accepted")
}

func TestPrometheusEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/agent/capabilities?orgId="+testOrg, "alice", nil)

	rec := env.do(t, http.MethodGet, "/prometheus", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lawai_gateway_requests_total")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.requests.WithLabelValues(RouteCapabilities, "200")))
}
