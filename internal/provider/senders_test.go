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
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestDiscoverSenders_ExplicitMode verifies that an include list skips the
// API entirely.
func TestDiscoverSenders_ExplicitMode(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL)
	numbers, err := c.DiscoverSenders(context.Background(), "waba-1", []string{"111", " 222 ", "333"}, []string{"333"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Error("API should not be called in explicit mode")
	}
	if len(numbers) != 2 || numbers[0].ID != "111" || numbers[1].ID != "222" {
		t.Errorf("unexpected senders: %+v", numbers)
	}
}

// TestDiscoverSenders_Paged verifies discovery follows paging.next and
// applies exclusions.
func TestDiscoverSenders_Paged(t *testing.T) {
	page := 0
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp phoneNumbersResponse
		switch page {
		case 0:
			if r.URL.Path != "/waba-1/phone_numbers" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			resp.Data = []PhoneNumber{{ID: "111", DisplayPhoneNumber: "+1 555 0100"}, {ID: "222"}}
			resp.Paging.Next = server.URL + "/page2"
		case 1:
			resp.Data = []PhoneNumber{{ID: "333", VerifiedName: "Support"}}
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		page++
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	c := NewClient(server.Client(), server.URL)
	numbers, err := c.DiscoverSenders(context.Background(), "waba-1", nil, []string{"222"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(numbers) != 2 {
		t.Fatalf("expected 2 senders, got %d", len(numbers))
	}
	if numbers[0].ID != "111" || numbers[1].VerifiedName != "Support" {
		t.Errorf("unexpected senders: %+v", numbers)
	}
}

// TestDiscoverSenders_HTTPError verifies API failures surface.
func TestDiscoverSenders_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	if _, err := NewClient(server.Client(), server.URL).DiscoverSenders(context.Background(), "waba-1", nil, nil); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}

// TestDiscoverSenders_NeedsAccount verifies auto mode requires an account id.
func TestDiscoverSenders_NeedsAccount(t *testing.T) {
	if _, err := NewClient(http.DefaultClient, "http://unused").DiscoverSenders(context.Background(), "", nil, nil); err == nil {
		t.Fatal("expected error without business account id")
	}
}
