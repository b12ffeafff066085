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

// Package api exposes the pipeline to the CRM: enqueue and status queries,
// the audit trail, metric buckets and alerts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/queue"
)

// Queue is the subset of the message queue served over HTTP.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*models.MessageEntry, bool, error)
	GetStatus(ctx context.Context, id string) (models.StatusView, error)
	Requeue(ctx context.Context, id string) (*models.MessageEntry, error)
}

// AuditTrail reads the audit records of one entry.
type AuditTrail interface {
	ListByEntry(ctx context.Context, entryID string) ([]models.AuditRecord, error)
}

// Metrics reads metric buckets.
type Metrics interface {
	List(ctx context.Context, since time.Time, limit int) ([]models.MetricBucket, error)
	Current(ctx context.Context) (*models.MetricBucket, error)
}

// Alerts reads raised alerts.
type Alerts interface {
	List(ctx context.Context, openOnly bool, limit int) ([]models.Alert, error)
}

// Check is a named dependency probe for /health.
type Check func(ctx context.Context) error

// Config holds the API dependencies.
type Config struct {
	Queue   Queue
	Audit   AuditTrail
	Metrics Metrics
	Alerts  Alerts
	Checks  map[string]Check

	// DefaultBucketWindow is how far back /v1/metrics/buckets reads when
	// no since parameter is given.
	DefaultBucketWindow time.Duration
	Now                 func() time.Time
}

// Server holds the handlers.
type Server struct {
	queue        Queue
	audit        AuditTrail
	metrics      Metrics
	alerts       Alerts
	checks       map[string]Check
	bucketWindow time.Duration
	now          func() time.Time
	validate     *validator.Validate
}

const maxListLimit = 1000

// NewRouter builds the chi router for the API.
func NewRouter(cfg Config) http.Handler {
	s := newServer(cfg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.enqueue)
		r.Get("/messages/{id}", s.status)
		r.Get("/messages/{id}/audit", s.auditTrail)
		r.Post("/messages/{id}/requeue", s.requeue)
		r.Get("/metrics/buckets", s.buckets)
		r.Get("/metrics/current", s.currentBucket)
		r.Get("/alerts", s.listAlerts)
	})
	return r
}

func newServer(cfg Config) *Server {
	if cfg.DefaultBucketWindow <= 0 {
		cfg.DefaultBucketWindow = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Server{
		queue:        cfg.Queue,
		audit:        cfg.Audit,
		metrics:      cfg.Metrics,
		alerts:       cfg.Alerts,
		checks:       cfg.Checks,
		bucketWindow: cfg.DefaultBucketWindow,
		now:          cfg.Now,
		validate:     v,
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// storageError maps a store error to a response. Unknown errors are logged
// and hidden behind a 500.
func storageError(w http.ResponseWriter, err error, what string) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, queue.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("api storage error", "resource", what, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// health reports 200 when every dependency probe succeeds.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	body := map[string]any{"status": "ok", "checks": results}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	writeJSON(w, status, body)
}

func parseLimit(r *http.Request, fallback int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}
