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

package crawl

import (
	"strings"
	"testing"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/stretchr/testify/assert"
)

func TestPlan_createdDateParams(t *testing.T) {
	expected := map[fhir.ResourceType]string{
		"Condition":         "recorded-date",
		"Observation":       "date",
		"MedicationRequest": "authoredon",
		"DocumentReference": "date",
		"DiagnosticReport":  "issued",
		"Procedure":         "date",
		"Immunization":      "date",
		"Encounter":         "date",
		"Claim":             "created",
	}
	for rt, param := range expected {
		assert.Equal(t, param, SearchFor(rt).CreatedDateParam, string(rt))
	}
}

func TestPlan_patientAndDeviceHaveNoDateParam(t *testing.T) {
	assert.Empty(t, SearchFor("Patient").CreatedDateParam)
	assert.Empty(t, SearchFor("Device").CreatedDateParam)
}

func TestPlan_observationDefaultFilterJoinsNineCategories(t *testing.T) {
	filters := SearchFor("Observation").DefaultFilters
	assert.Len(t, filters, 1)
	clause, ok := strings.CutPrefix(filters[0], "category=")
	assert.True(t, ok)
	assert.Len(t, strings.Split(clause, ","), 9)
}

func TestSearchFor_unknownTypeIsUnfiltered(t *testing.T) {
	ts := SearchFor("Specimen")
	assert.Empty(t, ts.CreatedDateParam)
	assert.Empty(t, ts.DefaultFilters)
}
