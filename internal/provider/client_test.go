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

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leadline/messaging/internal/models"
)

func textReq() SendRequest {
	return SendRequest{
		SenderID: "1055",
		To:       "+15550001111",
		Payload:  models.Payload{Type: models.PayloadText, Text: "hello"},
	}
}

// TestSend_Text verifies the request shape and provider id extraction.
func TestSend_Text(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/1055/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok" {
			t.Errorf("Authorization = %q, want bearer token", auth)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"messaging_product":"whatsapp","contacts":[{"wa_id":"15550001111"}],"messages":[{"id":"wamid.ABC"}]}`))
	}))
	defer server.Close()

	httpClient := NewHTTPClient(context.Background(), AuthConfig{AccessToken: "tok"})
	c := NewClient(httpClient, server.URL)

	res, err := c.Send(context.Background(), textReq())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ProviderMessageID != "wamid.ABC" {
		t.Errorf("provider id = %q, want wamid.ABC", res.ProviderMessageID)
	}
	if got["messaging_product"] != "whatsapp" || got["type"] != "text" || got["to"] != "+15550001111" {
		t.Errorf("unexpected body: %v", got)
	}
	if text, _ := got["text"].(map[string]any); text["body"] != "hello" {
		t.Errorf("text body = %v", got["text"])
	}
}

// TestSend_Template verifies template parameters become a body component.
func TestSend_Template(t *testing.T) {
	var got messageRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"messages":[{"id":"wamid.T"}]}`))
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL)
	req := textReq()
	req.Payload = models.Payload{
		Type:     models.PayloadTemplate,
		Template: &models.Template{Name: "order_update", Language: "pt_BR", Parameters: []string{"42"}},
	}

	if _, err := c.Send(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Template == nil || got.Template.Name != "order_update" || got.Template.Language["code"] != "pt_BR" {
		t.Fatalf("unexpected template: %+v", got.Template)
	}
	if len(got.Template.Components) != 1 || got.Template.Components[0].Parameters[0].Text != "42" {
		t.Errorf("unexpected components: %+v", got.Template.Components)
	}
}

// TestSend_Classification verifies HTTP status and provider codes map to
// the right error kind.
func TestSend_Classification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   Kind
		code   int
	}{
		{"server error", 500, `{}`, KindTransient, 0},
		{"bad gateway", 502, `upstream`, KindTransient, 0},
		{"too many requests", 429, `{"error":{"code":130429,"message":"Rate limit hit"}}`, KindTransient, 130429},
		{"throttled as 400", 400, `{"error":{"code":131056,"message":"pair rate limit"}}`, KindTransient, 131056},
		{"invalid recipient", 400, `{"error":{"code":131026,"message":"Message undeliverable"}}`, KindPermanent, 131026},
		{"bad auth", 401, `{"error":{"code":190,"message":"Invalid OAuth access token"}}`, KindPermanent, 190},
		{"request timeout", 408, ``, KindTransient, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.Client(), server.URL).Send(context.Background(), textReq())
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("expected *Error, got %T (%v)", err, err)
			}
			if perr.Kind != tt.want {
				t.Errorf("kind = %s, want %s", perr.Kind, tt.want)
			}
			if perr.Code != tt.code {
				t.Errorf("code = %d, want %d", perr.Code, tt.code)
			}
			if perr.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", perr.StatusCode, tt.status)
			}
			if IsPermanent(err) != (tt.want == KindPermanent) {
				t.Errorf("IsPermanent mismatch for %s", tt.name)
			}
		})
	}
}

// TestSend_NetworkErrorIsTransient verifies a dead endpoint is retryable.
func TestSend_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewClient(http.DefaultClient, url).Send(context.Background(), textReq())
	if err == nil {
		t.Fatal("expected error")
	}
	if IsPermanent(err) {
		t.Errorf("network error classified permanent: %v", err)
	}
}

// TestSend_MissingMessageID verifies a 200 without an id is not success.
func TestSend_MissingMessageID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"messages":[]}`))
	}))
	defer server.Close()

	_, err := NewClient(server.Client(), server.URL).Send(context.Background(), textReq())
	if err == nil || IsPermanent(err) {
		t.Errorf("expected transient error, got %v", err)
	}
}

// TestSend_UnsupportedPayloadIsPermanent verifies bad payloads never reach
// the network.
func TestSend_UnsupportedPayloadIsPermanent(t *testing.T) {
	c := NewClient(http.DefaultClient, "http://unused")
	req := textReq()
	req.Payload = models.Payload{Type: "sticker"}

	_, err := c.Send(context.Background(), req)
	if !IsPermanent(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestClassifyCode(t *testing.T) {
	if ClassifyCode(130429) != KindTransient {
		t.Error("130429 should be transient")
	}
	if ClassifyCode(131026) != KindPermanent {
		t.Error("131026 should be permanent")
	}
}
