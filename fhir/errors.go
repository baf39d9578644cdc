// Copyright 2019 - 2025 The Samply Community
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

package fhir

import (
	"fmt"
	"strings"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/fhirharvest/fhirharvest/util"
)

// ErrGone is returned when the server responds 410 Gone, signaling that a
// bulk export manifest or file has expired server-side before the client
// finished polling or downloading.
type ErrGone struct {
	URL string
}

func (e *ErrGone) Error() string { return fmt.Sprintf("%s: resource gone (410)", e.URL) }

// ErrNotFound is returned when the server responds 404.
type ErrNotFound struct {
	URL string
}

func (e *ErrNotFound) Error() string { return fmt.Sprintf("%s: not found (404)", e.URL) }

// ErrFatalStatus is returned for any other non-2xx, non-retryable response.
// Outcome carries the server's OperationOutcome when the body parsed as
// one, nil otherwise.
type ErrFatalStatus struct {
	URL        string
	StatusCode int
	Outcome    *fm.OperationOutcome
}

// Error surfaces the server's diagnostics alongside the status code,
// formatting the OperationOutcome via util.FmtOperationOutcomes.
func (e *ErrFatalStatus) Error() string {
	if e.Outcome != nil && len(e.Outcome.Issue) > 0 {
		diagnostics := strings.TrimSuffix(util.FmtOperationOutcomes([]*fm.OperationOutcome{e.Outcome}), "\n")
		return fmt.Sprintf("%s: status %d:\n%s", e.URL, e.StatusCode, diagnostics)
	}
	return fmt.Sprintf("%s: unexpected status %d", e.URL, e.StatusCode)
}
