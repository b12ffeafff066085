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
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/queue"
)

type templateRequest struct {
	Name       string   `json:"name" validate:"required,max=512"`
	Language   string   `json:"language" validate:"omitempty,max=16"`
	Parameters []string `json:"parameters" validate:"max=32,dive,max=1024"`
}

type payloadRequest struct {
	Type     string           `json:"type" validate:"required,oneof=text template"`
	Text     string           `json:"text" validate:"required_if=Type text,max=4096"`
	Template *templateRequest `json:"template" validate:"required_if=Type template"`
}

type enqueueRequest struct {
	ConversationID string         `json:"conversation_id" validate:"required,max=128"`
	Recipient      string         `json:"recipient" validate:"required,e164|numeric,max=20"`
	SenderID       string         `json:"sender_id" validate:"omitempty,max=64"`
	IdempotencyKey string         `json:"idempotency_key" validate:"omitempty,max=255"`
	Payload        payloadRequest `json:"payload"`
}

func (req *enqueueRequest) toQueue() queue.EnqueueRequest {
	p := models.Payload{
		Type: models.PayloadType(req.Payload.Type),
		Text: req.Payload.Text,
	}
	if t := req.Payload.Template; t != nil {
		p.Template = &models.Template{
			Name:       t.Name,
			Language:   t.Language,
			Parameters: t.Parameters,
		}
	}
	return queue.EnqueueRequest{
		ConversationID:   req.ConversationID,
		SenderID:         req.SenderID,
		RecipientAddress: req.Recipient,
		Payload:          p,
		IdempotencyKey:   req.IdempotencyKey,
	}
}

type enqueueResponse struct {
	ID      string        `json:"id"`
	Status  models.Status `json:"status"`
	Created bool          `json:"created"`
}

// enqueue accepts a message for delivery. A repeated idempotency key
// returns the existing entry with 200 instead of 202.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if err := s.validate.Struct(&req); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make(map[string]string, len(ve))
			for _, fe := range ve {
				key := fe.Namespace()
				if i := strings.IndexByte(key, '.'); i >= 0 {
					key = key[i+1:]
				}
				fields[key] = fe.Tag()
			}
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "validation failed", Fields: fields})
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry, created, err := s.queue.Enqueue(r.Context(), req.toQueue())
	if err != nil {
		storageError(w, err, "message")
		return
	}

	status := http.StatusAccepted
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, enqueueResponse{ID: entry.ID, Status: entry.Status, Created: created})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	view, err := s.queue.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storageError(w, err, "message")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.queue.GetStatus(r.Context(), id); err != nil {
		storageError(w, err, "message")
		return
	}

	records, err := s.audit.ListByEntry(r.Context(), id)
	if err != nil {
		storageError(w, err, "audit trail")
		return
	}
	if records == nil {
		records = []models.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": id, "records": records})
}

// requeue replaces a dead-lettered entry with a fresh queued copy.
func (s *Server) requeue(w http.ResponseWriter, r *http.Request) {
	entry, err := s.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storageError(w, err, "message")
		return
	}
	writeJSON(w, http.StatusCreated, entry.View())
}
