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

	"github.com/stretchr/testify/assert"
)

func testCapabilityStatement() CapabilityStatement {
	return CapabilityStatement{
		FhirVersion: "4.0.1",
		Rest: []CapabilityStatementRest{{
			Mode: "server",
			Resource: []CapabilityStatementRestResource{
				{
					Type: "Patient",
					SearchParam: []CapabilityStatementSearchParam{
						{Name: "_lastUpdated", Type: "date"},
					},
				},
				{Type: "Observation"},
			},
			Operation: []CapabilityStatementOperation{{Name: "export"}},
		}},
	}
}

func TestCapabilityStatement_ServerResourceTypes(t *testing.T) {
	cs := testCapabilityStatement()
	assert.ElementsMatch(t, []ResourceType{"Patient", "Observation"}, cs.ServerResourceTypes())
}

func TestCapabilityStatement_SupportsLastUpdatedSearch(t *testing.T) {
	cs := testCapabilityStatement()
	assert.True(t, cs.SupportsLastUpdatedSearch("Patient"))
	assert.False(t, cs.SupportsLastUpdatedSearch("Observation"))
	assert.False(t, cs.SupportsLastUpdatedSearch("Unknown"))
}

func TestCapabilityStatement_SupportsBulkExport(t *testing.T) {
	cs := testCapabilityStatement()
	assert.True(t, cs.SupportsBulkExport())

	cs.Rest[0].Operation = nil
	assert.False(t, cs.SupportsBulkExport())
}

func TestIsKnownResourceType(t *testing.T) {
	assert.True(t, IsKnownResourceType("Patient"))
	assert.False(t, IsKnownResourceType("NotAResource"))
}
