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
	"errors"
	"fmt"
	"net/http"
)

// Kind separates failures worth retrying from those that never will succeed.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

func (k Kind) String() string {
	if k == KindPermanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	StatusCode int    // HTTP status, 0 for transport errors
	Code       int    // provider error code, 0 if absent
	Message    string // provider error message
	Err        error  // underlying transport error, if any
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("provider %s error: HTTP %d code %d: %s", e.Kind, e.StatusCode, e.Code, e.Message)
	default:
		return fmt.Sprintf("provider %s error: HTTP %d: %s", e.Kind, e.StatusCode, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a provider error that must not be
// retried. Errors of any other type count as transient.
func IsPermanent(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == KindPermanent
}

// transientCodes are Cloud API error codes for throttling and temporary
// platform trouble.
var transientCodes = map[int]bool{
	1:      true, // API unknown
	2:      true, // API service
	4:      true, // application request limit
	80007:  true, // WABA rate limit
	130429: true, // throughput limit
	131000: true, // something went wrong
	131016: true, // service unavailable
	131048: true, // spam rate limit
	131056: true, // pair rate limit
	133004: true, // server temporarily unavailable
}

// ClassifyCode maps a provider error code to a Kind. Codes outside the known
// transient set are permanent: they describe the recipient, template or
// account, and resending the same message cannot fix them.
func ClassifyCode(code int) Kind {
	if transientCodes[code] {
		return KindTransient
	}
	return KindPermanent
}

// classifyStatus classifies a non-2xx response by HTTP status and provider
// error code.
func classifyStatus(status, code int) Kind {
	if code != 0 && transientCodes[code] {
		return KindTransient
	}
	switch {
	case status >= 500,
		status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}
