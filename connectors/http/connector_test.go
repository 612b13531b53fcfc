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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"lawai/platform/connectors/base"
)

func testTarget(url string) base.Target {
	return base.Target{
		ID:   "c-1",
		Name: "tax_authority_gateway",
		Type: "tax",
		Config: map[string]interface{}{
			"base_url":          url,
			"allow_private_ips": true,
			"auth_type":         "bearer",
			"headers":           map[string]interface{}{"X-Tenant": "org-1"},
		},
		Credentials: map[string]string{"token": "secret"},
	}
}

func TestExecutePostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/returns" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Tenant"); got != "org-1" {
			t.Errorf("X-Tenant = %q", got)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["period"] != "2025-Q1" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"receipt":"R-42"}`))
	}))
	defer server.Close()

	exec := NewExecutor()
	res, err := exec.Execute(context.Background(), testTarget(server.URL), base.Action{
		Method: "post",
		Path:   "returns",
		Body:   map[string]interface{}{"period": "2025-Q1"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected result %+v", res)
	}
	data, ok := res.Data.(map[string]interface{})
	if !ok || data["receipt"] != "R-42" {
		t.Errorf("unexpected data %#v", res.Data)
	}
}

func TestExecuteRetriesIdempotentRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"id":1},{"id":2}]`))
	}))
	defer server.Close()

	exec := NewExecutor(WithRetryDelay(time.Millisecond))
	res, err := exec.Execute(context.Background(), testTarget(server.URL), base.Action{
		Method: http.MethodGet,
		Path:   "/assessments",
		Query:  map[string]string{"year": "2024"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success after retries, got %+v", res)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if rows, ok := res.Data.([]interface{}); !ok || len(rows) != 2 {
		t.Errorf("unexpected data %#v", res.Data)
	}
}

func TestExecuteDoesNotRetryPostOnHTTPError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	exec := NewExecutor(WithRetryDelay(time.Millisecond))
	res, err := exec.Execute(context.Background(), testTarget(server.URL), base.Action{Method: "POST", Path: "/payments"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected result %+v", res)
	}
	if calls != 1 {
		t.Errorf("POST must not be retried on HTTP errors, got %d calls", calls)
	}
}

func TestExecuteDoesNotRetryPostOnTransportError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot be hijacked")
			return
		}
		conn, _, err := hj.Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		// drop the connection after the request was read
		_ = conn.Close()
	}))
	defer server.Close()

	exec := NewExecutor(WithRetryDelay(time.Millisecond))
	_, err := exec.Execute(context.Background(), testTarget(server.URL), base.Action{
		Method: "POST",
		Path:   "/filings",
		Body:   map[string]interface{}{"period": "2025-Q1"},
	})
	if err == nil {
		t.Fatal("expected a transport error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("POST must reach the upstream once, got %d calls", got)
	}
}

func TestExecuteRejectsPrivateAddressByDefault(t *testing.T) {
	target := testTarget("http://127.0.0.1:9")
	delete(target.Config, "allow_private_ips")

	_, err := NewExecutor().Execute(context.Background(), target, base.Action{Method: "GET", Path: "/"})
	var connErr *base.ConnectorError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectorError, got %v", err)
	}
	if connErr.Message != "SSRF protection" {
		t.Errorf("unexpected message %q", connErr.Message)
	}
}

func TestExecuteValidation(t *testing.T) {
	exec := NewExecutor()

	_, err := exec.Execute(context.Background(), base.Target{Name: "x", Config: map[string]interface{}{}}, base.Action{})
	if err == nil {
		t.Fatal("expected error for missing base_url")
	}

	_, err = exec.Execute(context.Background(), testTarget("http://127.0.0.1:9"), base.Action{Method: "TRACE"})
	if err == nil {
		t.Fatal("expected error for unsupported method")
	}
}

func TestExecuteTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	exec := NewExecutor(WithRetryDelay(time.Millisecond))
	_, err := exec.Execute(context.Background(), testTarget(url), base.Action{Method: "GET", Path: "/"})
	if err == nil {
		t.Fatal("expected error when the upstream is down")
	}
}

func TestCalculateBackoff(t *testing.T) {
	exec := NewExecutor(WithRetryDelay(time.Second))
	if got := exec.calculateBackoff(1); got != time.Second {
		t.Errorf("attempt 1: %v", got)
	}
	if got := exec.calculateBackoff(2); got != 2*time.Second {
		t.Errorf("attempt 2: %v", got)
	}
	if got := exec.calculateBackoff(10); got != MaxRetryDelay {
		t.Errorf("attempt 10 should be capped: %v", got)
	}
}
