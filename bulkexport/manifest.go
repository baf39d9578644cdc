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

package bulkexport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// ManifestFile is one entry of a bulk export completion manifest's
// output[], deleted[] or error[] array.
type ManifestFile struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Count *int   `json:"count,omitempty"`
}

// Manifest is the body returned by a 200 response to the bulk export
// status endpoint once the server has finished processing, per the HL7
// FHIR Bulk Data Access IG.
type Manifest struct {
	TransactionTime string         `json:"transactionTime"`
	Request         string         `json:"request,omitempty"`
	Output          []ManifestFile `json:"output,omitempty"`
	Deleted         []ManifestFile `json:"deleted,omitempty"`
	Error           []ManifestFile `json:"error,omitempty"`
}

// ParseManifest parses a bulk export completion manifest body.
func ParseManifest(body []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing bulk export manifest: %w", err)
	}
	return m, nil
}

// KickoffParams are the query parameters sent on the $export kickoff
// request.
type KickoffParams struct {
	Types       []string
	TypeFilters []string
	Since       string
}

// KickoffQuery returns the kickoff request's query string: _type,
// _typeFilter, _since and _outputFormat=application/fhir+ndjson.
func (p KickoffParams) KickoffQuery() string {
	q := url.Values{}
	if len(p.Types) > 0 {
		q.Set("_type", strings.Join(p.Types, ","))
	}
	for _, f := range p.TypeFilters {
		q.Add("_typeFilter", f)
	}
	if p.Since != "" {
		q.Set("_since", p.Since)
	}
	q.Set("_outputFormat", "application/fhir+ndjson")
	return q.Encode()
}
