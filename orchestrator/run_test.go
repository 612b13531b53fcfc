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

package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/safety"
	"lawai/platform/orchestrator/store"
	"lawai/platform/shared/config"
)

func buildProcess(t *testing.T) *Process {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.OrgIDs = []string{"org-1"}
	proc, err := Build(context.Background(), cfg, prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Core.Close() })
	return proc
}

func TestBuildWithoutDatabase(t *testing.T) {
	proc := buildProcess(t)
	assert.Nil(t, proc.Core.DB)
	assert.IsType(t, &store.MemoryStore{}, proc.Core.Store)

	rec := httptest.NewRecorder()
	proc.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")

	rec = httptest.NewRecorder()
	proc.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/prometheus", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlersRejectUnknownClass(t *testing.T) {
	proc := buildProcess(t)

	handlers, err := Handlers(proc.Core, []string{"director", "domain"})
	require.NoError(t, err)
	assert.Len(t, handlers, 2)

	_, err = Handlers(proc.Core, []string{"janitor"})
	assert.Error(t, err)
}

func TestDomainCommandEndToEnd(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"filingId":"VAT-2026-Q3"}`))
	}))
	defer server.Close()

	proc := buildProcess(t)
	ctx := context.Background()
	_, err := proc.Core.Registry.Register(ctx, registry.Connector{
		OrgID:         "org-1",
		ConnectorType: registry.TypeTax,
		Name:          "tax_authority_gateway",
		Status:        registry.StatusActive,
		Config:        map[string]interface{}{"base_url": server.URL, "allow_private_ips": true},
	})
	require.NoError(t, err)

	res, err := proc.Core.Service.Submit(ctx, dispatch.SubmitInput{
		OrgID:       "org-1",
		CommandType: dispatch.CommandTypeFinanceDomain,
		Payload:     map[string]interface{}{"domain": "tax_compliance", "intent": "file VAT return"},
		Worker:      "domain",
		IssuedBy:    "alice",
	})
	require.NoError(t, err)
	// no reviewer is configured, so the command waits for a human
	require.Equal(t, safety.StatusNeedsHITL, res.Safety.Status)

	handled, err := proc.Loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, handled)

	_, err = proc.Core.Service.Review(ctx, "org-1", res.JobID, dispatch.ReviewInput{Decision: dispatch.ReviewApprove, Reviewer: "rita"})
	require.NoError(t, err)

	handled, err = proc.Loop.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, 1, calls)

	view, err := proc.Core.Service.GetCommand(ctx, "org-1", res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, view.Command.Status)
	assert.Equal(t, store.JobCompleted, view.Job.Status)
	assert.Equal(t, "tax_authority_gateway", view.Command.Result["connector"])
}
