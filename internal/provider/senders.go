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
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// PhoneNumber is a business phone number that can send messages.
type PhoneNumber struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
	QualityRating      string `json:"quality_rating"`
}

type phoneNumbersResponse struct {
	Data   []PhoneNumber `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

// DiscoverSenders returns the phone numbers messages may be sent from.
//
//   - If include is non-empty, those ids are used as-is (no API call).
//   - Otherwise every number registered on the business account is listed.
//   - In both cases ids in exclude are removed.
func (c *Client) DiscoverSenders(ctx context.Context, businessAccountID string, include, exclude []string) ([]PhoneNumber, error) {
	excludeSet := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excludeSet[strings.TrimSpace(id)] = true
	}

	var numbers []PhoneNumber

	if len(include) > 0 {
		slog.Info("using explicit sender list", "count", len(include))
		for _, id := range include {
			id = strings.TrimSpace(id)
			if id == "" || excludeSet[id] {
				continue
			}
			numbers = append(numbers, PhoneNumber{ID: id})
		}
		return numbers, nil
	}

	if businessAccountID == "" {
		return nil, fmt.Errorf("sender discovery needs a business account id or an explicit sender list")
	}

	slog.Info("discovering sender phone numbers", "business_account_id", businessAccountID)

	params := url.Values{}
	params.Set("fields", "id,display_phone_number,verified_name,quality_rating")
	params.Set("limit", "100")

	for next := fmt.Sprintf("%s/%s/phone_numbers?%s", c.baseURL, businessAccountID, params.Encode()); next != ""; {
		page, err := c.fetchPhoneNumbers(ctx, next)
		if err != nil {
			return nil, err
		}
		for _, n := range page.Data {
			if excludeSet[n.ID] {
				slog.Debug("excluding sender", "sender_id", n.ID)
				continue
			}
			numbers = append(numbers, n)
		}
		next = page.Paging.Next
	}

	slog.Info("sender discovery complete", "discovered", len(numbers))
	return numbers, nil
}

func (c *Client) fetchPhoneNumbers(ctx context.Context, pageURL string) (*phoneNumbersResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build phone numbers request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch phone numbers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("phone_numbers returned HTTP %d", resp.StatusCode)
	}

	var page phoneNumbersResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode phone numbers response: %w", err)
	}
	return &page, nil
}
