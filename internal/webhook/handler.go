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

// Package webhook ingests provider callbacks. Delivery receipts are
// reconciled against the message queue, inbound customer messages are
// relayed to the conversation service, and every call is audited. Calls
// must carry a valid X-Hub-Signature-256 or they are rejected without
// touching any state.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/leadline/messaging/internal/audit"
	"github.com/leadline/messaging/internal/models"
	"github.com/leadline/messaging/internal/provider"
	"github.com/leadline/messaging/internal/queue"
	"github.com/leadline/messaging/internal/relay"
)

// ErrOrphan marks a receipt whose provider message id matches no entry.
var ErrOrphan = errors.New("receipt references unknown provider message id")

// maxBodyBytes bounds a single webhook body.
const maxBodyBytes = 1 << 20

// Config holds the handler dependencies.
type Config struct {
	Queue     *queue.Queue
	Audit     audit.Recorder
	Publisher relay.Publisher

	AppSecret   string
	VerifyToken string

	// MaxConcurrent bounds calls processed at once; AcquireTimeout is how
	// long a call may wait for a slot before it is answered with 503.
	MaxConcurrent  int
	AcquireTimeout time.Duration

	Now func() time.Time
}

// Handler processes provider webhook calls.
type Handler struct {
	queue     *queue.Queue
	audit     audit.Recorder
	publisher relay.Publisher

	appSecret      string
	verifyToken    string
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	now            func() time.Time
}

// NewHandler creates a webhook handler.
func NewHandler(cfg Config) *Handler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}
	if cfg.Publisher == nil {
		cfg.Publisher = relay.LogPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		queue:          cfg.Queue,
		audit:          cfg.Audit,
		publisher:      cfg.Publisher,
		appSecret:      cfg.AppSecret,
		verifyToken:    cfg.VerifyToken,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		acquireTimeout: cfg.AcquireTimeout,
		now:            cfg.Now,
	}
}

// ServeHTTP routes the verification handshake (GET) and event delivery
// (POST).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveVerification(w, r)
	case http.MethodPost:
		h.serveEvents(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// serveVerification answers the subscription handshake: the provider sends
// hub.mode=subscribe with our verify token and expects hub.challenge back.
func (h *Handler) serveVerification(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || h.verifyToken == "" || q.Get("hub.verify_token") != h.verifyToken {
		slog.Warn("webhook verification rejected", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	slog.Info("webhook verification handshake accepted")
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(q.Get("hub.challenge")))
}

func (h *Handler) serveEvents(w http.ResponseWriter, r *http.Request) {
	acquireCtx, cancel := context.WithTimeout(r.Context(), h.acquireTimeout)
	defer cancel()
	if err := h.sem.Acquire(acquireCtx, 1); err != nil {
		slog.Warn("webhook concurrency limit reached", "remote_addr", r.RemoteAddr)
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer h.sem.Release(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		slog.Warn("failed to read webhook body", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if err := verifySignature(h.appSecret, r.Header.Get(signatureHeader), body); err != nil {
		h.audit.Record(ctx, "", models.ActionWebhookRejected, map[string]any{
			models.DetailReason:     err.Error(),
			models.DetailRemoteAddr: r.RemoteAddr,
		})
		slog.Warn("webhook rejected", "remote_addr", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	events, err := parseEvents(body)
	if err != nil {
		h.audit.Record(ctx, "", models.ActionWebhookRejected, map[string]any{
			models.DetailReason:     err.Error(),
			models.DetailRemoteAddr: r.RemoteAddr,
		})
		slog.Warn("malformed webhook payload", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		if err := h.handleEvent(ctx, ev); err != nil {
			if errors.Is(err, ErrOrphan) {
				slog.Info("orphan delivery receipt", "error", err)
				continue
			}
			// The provider retries non-2xx responses; reconciliation is
			// idempotent so replaying the whole call is safe.
			slog.Error("failed to process webhook event", "kind", ev.Kind(), "error", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEvent(ctx context.Context, ev Event) error {
	switch e := ev.(type) {
	case DeliveryReceipt:
		return h.handleReceipt(ctx, e)
	case InboundMessage:
		return h.handleInbound(ctx, e)
	case UnknownEvent:
		h.audit.Record(ctx, "", models.ActionWebhookReceived, map[string]any{
			models.DetailEventKind: e.Kind(),
			"field":                e.Field,
		})
		return nil
	}
	return fmt.Errorf("unhandled event type %T", ev)
}

func (h *Handler) handleReceipt(ctx context.Context, rc DeliveryReceipt) error {
	detail := map[string]any{
		models.DetailEventKind:   rc.Kind(),
		models.DetailProviderID:  rc.ProviderMessageID,
		models.DetailReceiptType: rc.Status,
	}

	entry, err := h.queue.FindByProviderMessageID(ctx, rc.ProviderMessageID)
	if errors.Is(err, queue.ErrNotFound) {
		h.audit.Record(ctx, "", models.ActionWebhookReceived, detail)
		h.audit.Record(ctx, "", models.ActionStatusReconciled, map[string]any{
			models.DetailOrphan:      true,
			models.DetailProviderID:  rc.ProviderMessageID,
			models.DetailReceiptType: rc.Status,
		})
		return fmt.Errorf("%w: %s", ErrOrphan, rc.ProviderMessageID)
	}
	if err != nil {
		return fmt.Errorf("look up %s: %w", rc.ProviderMessageID, err)
	}

	switch rc.Status {
	case ReceiptDelivered, ReceiptRead:
		updated, changed, err := h.queue.MarkDelivered(ctx, entry.ID)
		if errors.Is(err, queue.ErrInvalidTransition) {
			return h.ignoreReceipt(ctx, entry, detail)
		}
		if err != nil {
			return fmt.Errorf("mark %s delivered: %w", entry.ID, err)
		}
		if !changed {
			detail[models.DetailDuplicate] = true
			h.audit.Record(ctx, entry.ID, models.ActionWebhookReceived, detail)
			slog.Debug("duplicate delivery receipt", "message_id", entry.ID)
			return nil
		}
		h.audit.Record(ctx, entry.ID, models.ActionWebhookReceived, detail)
		h.audit.Record(ctx, entry.ID, models.ActionStatusReconciled, map[string]any{
			models.DetailFrom: string(entry.Status),
			models.DetailTo:   string(updated.Status),
		})
		return nil

	case ReceiptFailed:
		code, reason := 0, "delivery failed"
		if len(rc.Errors) > 0 {
			code = rc.Errors[0].Code
			reason = fmt.Sprintf("%d: %s", code, firstNonEmpty(rc.Errors[0].Message, rc.Errors[0].Title))
		}
		permanent := code != 0 && provider.ClassifyCode(code) == provider.KindPermanent

		updated, err := h.queue.MarkDeliveryFailed(ctx, entry.ID, permanent, reason)
		if errors.Is(err, queue.ErrInvalidTransition) {
			return h.ignoreReceipt(ctx, entry, detail)
		}
		if err != nil {
			return fmt.Errorf("mark %s failed: %w", entry.ID, err)
		}
		detail[models.DetailError] = reason
		h.audit.Record(ctx, entry.ID, models.ActionWebhookReceived, detail)
		h.audit.Record(ctx, entry.ID, models.ActionStatusReconciled, map[string]any{
			models.DetailFrom:  string(entry.Status),
			models.DetailTo:    string(updated.Status),
			models.DetailError: reason,
		})
		return nil

	default:
		// "sent" and future statuses carry no state change.
		h.audit.Record(ctx, entry.ID, models.ActionWebhookReceived, detail)
		return nil
	}
}

// ignoreReceipt audits a receipt that the entry's current status cannot
// accept, such as a late "delivered" for an entry already rejected.
func (h *Handler) ignoreReceipt(ctx context.Context, entry *models.MessageEntry, detail map[string]any) error {
	detail[models.DetailStatus] = string(entry.Status)
	detail["ignored"] = true
	h.audit.Record(ctx, entry.ID, models.ActionWebhookReceived, detail)
	slog.Info("receipt does not apply to entry status",
		"message_id", entry.ID,
		"status", entry.Status,
		"receipt_status", detail[models.DetailReceiptType],
	)
	return nil
}

func (h *Handler) handleInbound(ctx context.Context, m InboundMessage) error {
	h.audit.Record(ctx, "", models.ActionWebhookReceived, map[string]any{
		models.DetailEventKind: m.Kind(),
		"from":                 m.From,
		"inbound_id":           m.ID,
		"type":                 m.Type,
	})

	if err := h.publisher.Publish(ctx, relay.NewEvent(relay.EventInboundMessage, h.now(), m)); err != nil {
		return fmt.Errorf("forward inbound message %s: %w", m.ID, err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.Handle("/webhook/whatsapp", handler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
