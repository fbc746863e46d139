// Copyright 2026 The llamadyn Authors
//
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

package llamadyn

import (
	"net/http"

	"github.com/bytedance/sonic/encoder"
)

// Version information - set at build time via ldflags
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthResponse is the response for /healthz endpoint
type HealthResponse struct {
	Status string `json:"status"`
}

// SessionsResponse is the response for /sessionz endpoint
type SessionsResponse struct {
	Count    int        `json:"count"`
	Sessions []Snapshot `json:"sessions"`
}

// HandleHealthz returns 200 if the engine is running (liveness check)
func (r *SessionRegistry) HandleHealthz(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(HealthResponse{Status: "ok"})
}

// HandleSessionz lists the registered sessions and their progress.
func (r *SessionRegistry) HandleSessionz(w http.ResponseWriter, req *http.Request) {
	includeText := req.URL.Query().Get("text") == "true"

	resp := SessionsResponse{Sessions: []Snapshot{}}
	for _, id := range r.List() {
		sess, err := r.Get(id)
		if err != nil {
			continue
		}
		resp.Sessions = append(resp.Sessions, sess.Snapshot(includeText))
	}
	resp.Count = len(resp.Sessions)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = encoder.NewStreamEncoder(w).Encode(resp)
}
