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

package util

import (
	"testing"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
	"github.com/stretchr/testify/assert"
)

func TestFmtOperationOutcomes_empty(t *testing.T) {
	assert.Equal(t, "", FmtOperationOutcomes([]*fm.OperationOutcome{{}}))
}

func TestFmtOperationOutcomes_withOneIssue(t *testing.T) {
	outcome := &fm.OperationOutcome{Issue: []fm.OperationOutcomeIssue{{}}}
	assert.Equal(t, `Severity    : Fatal
Code        : Content invalid against the specification or a profile.
`, FmtOperationOutcomes([]*fm.OperationOutcome{outcome}))
}

var text = "text-133546"

func TestFmtOperationOutcomes_detailsWithText(t *testing.T) {
	outcome := &fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{
			{Details: &fm.CodeableConcept{Text: &text}},
		},
	}
	assert.Equal(t, `Severity    : Fatal
Code        : Content invalid against the specification or a profile.
Details     : text-133546
`, FmtOperationOutcomes([]*fm.OperationOutcome{outcome}))
}

var code = "code-130834"

func TestFmtOperationOutcomes_detailsWithCode(t *testing.T) {
	outcome := &fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{
			{Details: &fm.CodeableConcept{Coding: []fm.Coding{{Code: &code}}}},
		},
	}
	assert.Equal(t, `Severity    : Fatal
Code        : Content invalid against the specification or a profile.
Details     : code-130834
`, FmtOperationOutcomes([]*fm.OperationOutcome{outcome}))
}

var diagnostics = "diagnostics-131023"

func TestFmtOperationOutcomes_diagnostics(t *testing.T) {
	outcome := &fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{Diagnostics: &diagnostics}},
	}
	assert.Equal(t, `Severity    : Fatal
Code        : Content invalid against the specification or a profile.
Diagnostics : diagnostics-131023
`, FmtOperationOutcomes([]*fm.OperationOutcome{outcome}))
}

func TestFmtOperationOutcomes_expressions(t *testing.T) {
	outcome := &fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{
			{Expression: []string{"expression-131256", "expression-131345"}},
		},
	}
	assert.Equal(t, `Severity    : Fatal
Code        : Content invalid against the specification or a profile.
Expression  : expression-131256, expression-131345
`, FmtOperationOutcomes([]*fm.OperationOutcome{outcome}))
}

func TestFmtOperationOutcomes_twoIssues(t *testing.T) {
	outcome := &fm.OperationOutcome{
		Issue: []fm.OperationOutcomeIssue{{}, {}},
	}
	assert.Equal(t, `Severity    : Fatal
Code        : Content invalid against the specification or a profile.
---
Severity    : Fatal
Code        : Content invalid against the specification or a profile.
`, FmtOperationOutcomes([]*fm.OperationOutcome{outcome}))
}
