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

// Package provider is the client for the WhatsApp Cloud API: message sends,
// error classification and discovery of the business phone numbers that act
// as senders.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/leadline/messaging/internal/models"
)

// DefaultBaseURL is the Graph API root for the Cloud API.
const DefaultBaseURL = "https://graph.facebook.com/v20.0"

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 << 10

// SendRequest is one outbound message.
type SendRequest struct {
	SenderID string // business phone number id
	To       string
	Payload  models.Payload
}

// SendResult carries the provider-issued message id.
type SendResult struct {
	ProviderMessageID string
}

// Sender delivers messages to the provider. Failures are *Error values.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}

// Client is the Cloud API implementation of Sender.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a Cloud API client. httpClient is expected to attach
// credentials (see NewHTTPClient).
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type textBody struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templateParam struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type templateComponent struct {
	Type       string          `json:"type"`
	Parameters []templateParam `json:"parameters"`
}

type templateBody struct {
	Name       string              `json:"name"`
	Language   map[string]string   `json:"language"`
	Components []templateComponent `json:"components,omitempty"`
}

type messageRequest struct {
	MessagingProduct string        `json:"messaging_product"`
	RecipientType    string        `json:"recipient_type"`
	To               string        `json:"to"`
	Type             string        `json:"type"`
	Text             *textBody     `json:"text,omitempty"`
	Template         *templateBody `json:"template,omitempty"`
}

func buildMessage(req SendRequest) (*messageRequest, error) {
	msg := &messageRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               req.To,
		Type:             string(req.Payload.Type),
	}

	switch req.Payload.Type {
	case models.PayloadText:
		msg.Text = &textBody{Body: req.Payload.Text}
	case models.PayloadTemplate:
		tpl := req.Payload.Template
		if tpl == nil {
			return nil, fmt.Errorf("template payload without template")
		}
		lang := tpl.Language
		if lang == "" {
			lang = "en_US"
		}
		body := &templateBody{Name: tpl.Name, Language: map[string]string{"code": lang}}
		if len(tpl.Parameters) > 0 {
			comp := templateComponent{Type: "body"}
			for _, p := range tpl.Parameters {
				comp.Parameters = append(comp.Parameters, templateParam{Type: "text", Text: p})
			}
			body.Components = []templateComponent{comp}
		}
		msg.Template = body
	default:
		return nil, fmt.Errorf("unsupported payload type %q", req.Payload.Type)
	}
	return msg, nil
}

// Send posts one message to /{sender}/messages.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	msg, err := buildMessage(req)
	if err != nil {
		return SendResult{}, &Error{Kind: KindPermanent, Message: err.Error()}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return SendResult{}, &Error{Kind: KindPermanent, Message: err.Error()}
	}

	url := fmt.Sprintf("%s/%s/messages", c.baseURL, req.SenderID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, &Error{Kind: KindPermanent, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Network errors, timeouts and token refresh failures alike: the
		// message may be resent.
		return SendResult{}, &Error{Kind: KindTransient, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return SendResult{}, &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		perr := classifyResponse(resp.StatusCode, raw)
		slog.Warn("provider rejected send",
			"sender_id", req.SenderID,
			"status", resp.StatusCode,
			"code", perr.Code,
			"kind", perr.Kind.String(),
		)
		return SendResult{}, perr
	}

	id := gjson.GetBytes(raw, "messages.0.id").String()
	if id == "" {
		return SendResult{}, &Error{
			Kind:       KindTransient,
			StatusCode: resp.StatusCode,
			Message:    "response carries no message id",
		}
	}
	return SendResult{ProviderMessageID: id}, nil
}

// classifyResponse builds an *Error from a non-2xx response body of the
// form {"error": {"code": ..., "message": ...}}.
func classifyResponse(status int, body []byte) *Error {
	e := gjson.GetBytes(body, "error")
	code := int(e.Get("code").Int())
	msg := e.Get("message").String()
	if details := e.Get("error_data.details").String(); details != "" {
		msg = msg + ": " + details
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
	}
	return &Error{
		Kind:       classifyStatus(status, code),
		StatusCode: status,
		Code:       code,
		Message:    msg,
	}
}
