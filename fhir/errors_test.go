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
	"testing"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
	"github.com/stretchr/testify/assert"
)

func TestErrGone_Error(t *testing.T) {
	err := &ErrGone{URL: "http://example.org/fhir/Patient"}
	assert.Contains(t, err.Error(), "410")
	assert.Contains(t, err.Error(), "http://example.org/fhir/Patient")
}

func TestErrNotFound_Error(t *testing.T) {
	err := &ErrNotFound{URL: "http://example.org/fhir/Patient/1"}
	assert.Contains(t, err.Error(), "404")
}

func TestErrFatalStatus_Error(t *testing.T) {
	diagnostics := "invalid search parameter"
	outcome := &fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{Diagnostics: &diagnostics}},
	}
	err := &ErrFatalStatus{URL: "http://example.org/fhir/Patient", StatusCode: 400, Outcome: outcome}
	assert.Contains(t, err.Error(), "invalid search parameter")

	bare := &ErrFatalStatus{URL: "http://example.org/fhir/Patient", StatusCode: 422}
	assert.Contains(t, bare.Error(), "422")
}
