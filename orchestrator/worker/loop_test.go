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

package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lawai/platform/connectors/base"
	httpconn "lawai/platform/connectors/http"
	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/director"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/safety"
	"lawai/platform/orchestrator/store"
)

const org = "org-1"

type fixture struct {
	svc      *dispatch.Service
	store    *store.MemoryStore
	registry *registry.Registry
	calls    int32
	metrics  *Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: store.NewMemoryStore()}
	f.svc = dispatch.NewService(f.store, dispatch.Options{})
	f.registry = registry.NewRegistry(registry.NewMemoryStorage(), nil)
	f.metrics = NewMetrics(prometheus.NewRegistry())
	return f
}

func (f *fixture) countingExecutor(status int) base.Executor {
	return base.ExecutorFunc(func(ctx context.Context, target base.Target, action base.Action) (*base.Result, error) {
		atomic.AddInt32(&f.calls, 1)
		return &base.Result{Success: status < 300, StatusCode: status, Connector: target.Name, Message: "HTTP"}, nil
	})
}

func (f *fixture) loop(handlers map[store.WorkerClass]Handler) *Loop {
	return NewLoop(f.svc, Options{
		ID:          "worker-test",
		OrgIDs:      []string{org},
		Handlers:    handlers,
		Concurrency: 2,
		BatchSize:   10,
		Metrics:     f.metrics,
	})
}

func (f *fixture) submit(t *testing.T, in dispatch.SubmitInput) *dispatch.SubmitResult {
	t.Helper()
	in.OrgID = org
	res, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	return res
}

func (f *fixture) register(t *testing.T, c registry.Connector) {
	t.Helper()
	c.OrgID = org
	_, err := f.registry.Register(context.Background(), c)
	require.NoError(t, err)
}

func TestDomainJobEscalatesOnMissingConnector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, registry.Connector{ConnectorType: registry.TypeTax, Name: "tax_authority_gateway", Status: registry.StatusPending})

	res := f.submit(t, dispatch.SubmitInput{
		CommandType: dispatch.CommandTypeFinanceDomain,
		Payload:     map[string]interface{}{"domain": "tax_compliance", "intent": "file VAT return"},
		Worker:      "domain",
	})

	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDomain: DomainHandler{Connectors: f.registry, Executor: f.countingExecutor(200)},
	})
	n, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, view.Job.Status)
	assert.True(t, view.Job.HITLRequired())
	reason, _ := view.Job.Metadata[store.MetaHITLReason].(string)
	assert.Contains(t, reason, "activate_connectors")
	assert.Contains(t, reason, "tax_authority_gateway")
	assert.Equal(t, store.CommandQueued, view.Command.Status)
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.calls), "no outbound call may be made")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.jobsTotal.WithLabelValues("domain", "escalated")))

	n, err = l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "held jobs are not claimed again")
}

func TestDomainJobEscalatesOnInactiveNamedConnector(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, registry.Connector{ConnectorType: registry.TypeTax, Name: "tax_authority_gateway", Status: registry.StatusActive})

	res := f.submit(t, dispatch.SubmitInput{
		CommandType: dispatch.CommandTypeFinanceDomain,
		Payload:     map[string]interface{}{"domain": "tax_compliance", "connector": "vat_portal"},
		Worker:      "domain",
	})

	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDomain: DomainHandler{Connectors: f.registry, Executor: f.countingExecutor(200)},
	})
	_, err := l.RunOnce(ctx)
	require.NoError(t, err)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, view.Job.Status)
	assert.True(t, view.Job.HITLRequired())
	assert.Equal(t, "activate_connectors:vat_portal", view.Job.Metadata[store.MetaHITLReason])
	assert.Equal(t, store.CommandQueued, view.Command.Status)
	assert.Nil(t, view.Command.Result["dispatched"])
	assert.Equal(t, int32(0), atomic.LoadInt32(&f.calls))
}

func TestDomainJobCallsActiveConnector(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		assert.Equal(t, "/returns", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"receipt":"R-1"}`))
	}))
	defer server.Close()

	f := newFixture(t)
	ctx := context.Background()
	f.register(t, registry.Connector{
		ConnectorType: registry.TypeTax,
		Name:          "tax_authority_gateway",
		Status:        registry.StatusActive,
		Config:        map[string]interface{}{"base_url": server.URL, "allow_private_ips": true},
	})
	res := f.submit(t, dispatch.SubmitInput{
		CommandType: dispatch.CommandTypeFinanceDomain,
		Payload: map[string]interface{}{
			"domain": "tax_compliance",
			"action": map[string]interface{}{"method": "POST", "path": "/returns", "body": map[string]interface{}{"period": "2025-Q1"}},
		},
		Worker: "domain",
	})

	exec := httpconn.NewExecutor(httpconn.WithRetryDelay(time.Millisecond))
	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDomain: DomainHandler{Connectors: f.registry, Executor: exec},
	})
	_, err := l.RunOnce(ctx)
	require.NoError(t, err)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, view.Command.Status)
	assert.Equal(t, store.JobCompleted, view.Job.Status)
	assert.Equal(t, "tax_authority_gateway", view.Command.Result["connector"])
	assert.Equal(t, map[string]interface{}{"receipt": "R-1"}, view.Command.Result["data"])
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	conn, err := f.registry.Get(ctx, org, registry.TypeTax, "tax_authority_gateway")
	require.NoError(t, err)
	assert.NotNil(t, conn.LastSyncedAt)
	assert.Empty(t, conn.LastError)
}

func TestDomainJobFailsOnConnectorError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, registry.Connector{ConnectorType: registry.TypeBanking, Name: "bank_feeds", Status: registry.StatusActive})
	res := f.submit(t, dispatch.SubmitInput{
		CommandType: dispatch.CommandTypeFinanceDomain,
		Payload:     map[string]interface{}{"domain": "treasury"},
		Worker:      "domain",
	})

	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDomain: DomainHandler{Connectors: f.registry, Executor: f.countingExecutor(502)},
	})
	_, err := l.RunOnce(ctx)
	require.NoError(t, err)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandFailed, view.Command.Status)
	assert.Equal(t, store.JobFailed, view.Job.Status)
	assert.Contains(t, view.Command.LastError, "bank_feeds")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.jobsTotal.WithLabelValues("domain", "failed")))
}

func TestDomainJobUnknownDomainFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, dispatch.SubmitInput{
		CommandType: dispatch.CommandTypeFinanceDomain,
		Payload:     map[string]interface{}{"domain": "astrology"},
		Worker:      "domain",
	})
	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDomain: DomainHandler{Connectors: f.registry, Executor: f.countingExecutor(200)},
	})
	_, err := l.RunOnce(ctx)
	require.NoError(t, err)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, view.Job.Status)
	assert.Contains(t, view.Job.LastError, "unknown domain")
}

func TestDirectorJobStoresPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, dispatch.SubmitInput{
		CommandType: "director.plan",
		Payload:     map[string]interface{}{"objective": "Prepare audit pack"},
	})

	kernel := director.NewKernel(director.AgentFunc(func(ctx context.Context, req director.Request) (*director.Plan, error) {
		assert.Equal(t, "Prepare audit pack", req.Objective)
		return &director.Plan{Steps: []director.Step{{ID: "a", Title: "sample journals"}, {ID: "b", Title: "test controls", DependsOn: []string{"a"}}}}, nil
	}), director.Options{Sessions: f.store, Timeout: time.Second})

	l := f.loop(map[store.WorkerClass]Handler{store.WorkerDirector: DirectorHandler{Planner: kernel}})
	_, err := l.RunOnce(ctx)
	require.NoError(t, err)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.CommandCompleted, view.Command.Status)
	plan, ok := view.Command.Result["plan"].(map[string]interface{})
	require.True(t, ok)
	assert.Len(t, plan["steps"], 2)
}

func TestSafetyJobOutcomes(t *testing.T) {
	tests := []struct {
		name     string
		decision string
		wantJob  store.JobStatus
		wantCmd  store.CommandStatus
		wantHITL bool
	}{
		{"approved", "approved", store.JobCompleted, store.CommandCompleted, false},
		{"rejected", "rejected", store.JobCancelled, store.CommandCancelled, false},
		{"escalated", "needs_hitl", store.JobPending, store.CommandQueued, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			res := f.submit(t, dispatch.SubmitInput{CommandType: "safety.review", Worker: "safety"})

			kernel := safety.NewKernel(safety.ReviewerFunc(func(ctx context.Context, req safety.ReviewRequest) (*safety.Review, error) {
				return &safety.Review{Decision: tt.decision, Reasons: []string{"r1"}}, nil
			}), safety.Options{Timeout: time.Second})

			l := f.loop(map[store.WorkerClass]Handler{store.WorkerSafety: SafetyHandler{Kernel: kernel}})
			_, err := l.RunOnce(ctx)
			require.NoError(t, err)

			view, err := f.svc.GetCommand(ctx, org, res.CommandID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantJob, view.Job.Status)
			assert.Equal(t, tt.wantCmd, view.Command.Status)
			assert.Equal(t, tt.wantHITL, view.Job.HITLRequired())
		})
	}
}

func TestHandlerPanicFailsJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res := f.submit(t, dispatch.SubmitInput{CommandType: "director.plan"})

	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDirector: HandlerFunc(func(ctx context.Context, env store.Envelope) (*Outcome, error) {
			panic("nil pointer")
		}),
	})
	_, err := l.RunOnce(ctx)
	require.NoError(t, err)

	view, err := f.svc.GetCommand(ctx, org, res.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, view.Job.Status)
	assert.True(t, strings.HasPrefix(view.Job.LastError, "handler panic"))
}

func TestRunOnceProcessesBatchConcurrently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		f.submit(t, dispatch.SubmitInput{CommandType: "director.plan"})
	}

	var inFlight, peak int32
	l := f.loop(map[store.WorkerClass]Handler{
		store.WorkerDirector: HandlerFunc(func(ctx context.Context, env store.Envelope) (*Outcome, error) {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return &Outcome{}, nil
		}),
	})
	n, err := l.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Equal(t, 6.0, testutil.ToFloat64(f.metrics.jobsTotal.WithLabelValues("director", "completed")))
}

func TestRunOnceReportsClaimErrors(t *testing.T) {
	f := newFixture(t)
	f.store.Err = errors.New("db down")
	l := f.loop(map[store.WorkerClass]Handler{store.WorkerDirector: HandlerFunc(func(ctx context.Context, env store.Envelope) (*Outcome, error) {
		return &Outcome{}, nil
	})})
	_, err := l.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.claimErrors.WithLabelValues("director")))
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	l := NewLoop(f.svc, Options{ID: "w", OrgIDs: []string{org}, PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
}
