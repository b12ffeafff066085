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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated is returned when a webhook call fails signature
// verification.
var ErrUnauthenticated = errors.New("webhook signature verification failed")

const signatureHeader = "X-Hub-Signature-256"

// verifySignature checks header ("sha256=<hex>") against the HMAC-SHA256
// of body keyed with secret.
func verifySignature(secret, header string, body []byte) error {
	header = strings.TrimSpace(header)
	if header == "" {
		return fmt.Errorf("%w: missing %s", ErrUnauthenticated, signatureHeader)
	}
	if !strings.HasPrefix(header, "sha256=") {
		return fmt.Errorf("%w: invalid %s format", ErrUnauthenticated, signatureHeader)
	}

	provided, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: invalid signature hex", ErrUnauthenticated)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthenticated)
	}
	return nil
}

// Sign returns the header value the provider would send for body. Used by
// tests and local tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
