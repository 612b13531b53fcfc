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
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"lawai/platform/agent/access"
	"lawai/platform/connectors/registry"
	"lawai/platform/orchestrator/director"
	"lawai/platform/orchestrator/dispatch"
	"lawai/platform/orchestrator/store"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[Gateway] Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	body := map[string]interface{}{"error": code}
	if message != "" {
		body["message"] = message
	}
	writeJSON(w, status, body)
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
	return false
}

// writeServiceError maps typed and sentinel errors to HTTP responses.
// Anything unrecognized is a 500 and is logged.
func (s *Server) writeServiceError(w http.ResponseWriter, orgID string, err error) {
	var (
		aerr *access.Error
		verr *dispatch.ValidationError
		rerr *dispatch.RejectedError
		kerr *director.KernelError
	)
	switch {
	case errors.As(err, &aerr):
		writeError(w, aerr.Status, aerr.Code, aerr.Message)
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Code, verr.Message)
	case errors.As(err, &rerr):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":       dispatch.CodeCommandRejected,
			"commandId":   rerr.CommandID,
			"reasons":     nonNil(rerr.Reasons),
			"mitigations": nonNil(rerr.Mitigations),
		})
	case errors.As(err, &kerr):
		writeJSON(w, http.StatusBadGateway, map[string]interface{}{
			"error":   kerr.Code,
			"runId":   kerr.RunID,
			"message": kerr.Error(),
		})
	case errors.Is(err, store.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, dispatch.ErrNotAwaitingReview):
		writeError(w, http.StatusConflict, "job_not_awaiting_review", err.Error())
	case errors.Is(err, store.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, store.ErrInvalidInput), errors.Is(err, registry.ErrInvalidConnector), errors.Is(err, registry.ErrUnknownDomain):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		s.log.ErrorWithCode(orgID, "", "Request failed", http.StatusInternalServerError, err, nil)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
