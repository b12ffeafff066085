// Copyright (c) 2026 John Earle
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

package api

import (
	"net/http"
	"time"

	"github.com/leadline/messaging/internal/models"
)

// buckets lists metric buckets starting at or after ?since (RFC 3339),
// oldest first.
func (s *Server) buckets(w http.ResponseWriter, r *http.Request) {
	since := s.now().Add(-s.bucketWindow)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		since = t
	}
	limit, ok := parseLimit(r, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	list, err := s.metrics.List(r.Context(), since, limit)
	if err != nil {
		storageError(w, err, "metric buckets")
		return
	}
	if list == nil {
		list = []models.MetricBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"buckets": list})
}

// currentBucket returns the still-open bucket as computed so far.
func (s *Server) currentBucket(w http.ResponseWriter, r *http.Request) {
	b, err := s.metrics.Current(r.Context())
	if err != nil {
		storageError(w, err, "current bucket")
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	openOnly := r.URL.Query().Get("open") == "true"
	limit, ok := parseLimit(r, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	list, err := s.alerts.List(r.Context(), openOnly, limit)
	if err != nil {
		storageError(w, err, "alerts")
		return
	}
	if list == nil {
		list = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}
