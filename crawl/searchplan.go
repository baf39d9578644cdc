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

import "github.com/fhirharvest/fhirharvest/fhir"

// DefaultObservationCategories are the nine standard Observation category
// codes applied as the default type filter unless --no-default-filters is
// set, from the FHIR R4 "observation-category" value set.
var DefaultObservationCategories = []string{
	"social-history", "vital-signs", "imaging", "laboratory", "procedure",
	"survey", "exam", "therapy", "activity",
}

// TypeSearch is one resource type's entry in the per-type search lookup
// table: the date search parameter used under `created` since mode, and
// the default type-filter clauses applied unless disabled.
type TypeSearch struct {
	// CreatedDateParam is the search parameter used under --since-mode
	// created to express "resource date >= since". Empty means the type
	// has no usable creation date and is always fetched unfiltered (spec:
	// "Patient and Device lack a usable creation date under created mode").
	CreatedDateParam string
	// DefaultFilters are type-filter clauses applied when the caller has
	// not set --no-default-filters. Multiple filters execute as
	// independent queries whose results are unioned.
	DefaultFilters []string
}

// Plan is the closed per-type search lookup table this crawler compiles
// against, filled in from the FHIR R4 search-parameter registry.
var Plan = map[fhir.ResourceType]TypeSearch{
	"Condition":          {CreatedDateParam: "recorded-date"},
	"Observation":        {CreatedDateParam: "date", DefaultFilters: []string{"category=" + joinCategories()}},
	"MedicationRequest":  {CreatedDateParam: "authoredon"},
	"DocumentReference":  {CreatedDateParam: "date"},
	"DiagnosticReport":   {CreatedDateParam: "issued"},
	"Procedure":          {CreatedDateParam: "date"},
	"Immunization":       {CreatedDateParam: "date"},
	"Encounter":          {CreatedDateParam: "date"},
	"AllergyIntolerance": {CreatedDateParam: "date"},
	"CarePlan":           {CreatedDateParam: "date"},
	"Claim":              {CreatedDateParam: "created"},
	"Patient":            {},
	"Device":             {},
}

func joinCategories() string {
	s := ""
	for i, c := range DefaultObservationCategories {
		if i > 0 {
			s += ","
		}
		s += c
	}
	return s
}

// SearchFor returns the TypeSearch entry for rt, or a zero-value TypeSearch
// (no date filter, no default filters) if rt is not in Plan — so unplanned
// types still crawl, just without a since filter under `created` mode.
func SearchFor(rt fhir.ResourceType) TypeSearch {
	if ts, ok := Plan[rt]; ok {
		return ts
	}
	return TypeSearch{}
}
