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
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AuthConfig selects how requests are authenticated. A system-user access
// token is the usual choice; client credentials are used when a token
// endpoint is configured.
type AuthConfig struct {
	AccessToken  string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// Timeout is the overall HTTP client timeout. Defaults to 30s.
	Timeout time.Duration
}

// NewHTTPClient returns an http.Client that attaches a bearer token to every
// request and refreshes it when the token source supports it.
func NewHTTPClient(ctx context.Context, cfg AuthConfig) *http.Client {
	var ts oauth2.TokenSource
	if cfg.ClientID != "" && cfg.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ts = creds.TokenSource(ctx)
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.AccessToken, TokenType: "Bearer"})
	}

	client := oauth2.NewClient(ctx, ts)
	client.Timeout = cfg.Timeout
	if client.Timeout <= 0 {
		client.Timeout = 30 * time.Second
	}
	return client
}
