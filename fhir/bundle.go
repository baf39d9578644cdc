// Copyright © 2019 Alexander Kiel <alexander.kiel@life.uni-leipzig.de>
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
	"encoding/json"
	"fmt"
)

// Bundle is the subset of https://www.hl7.org/fhir/bundle.html this client
// reads from search-set and history bundles: enough to extract entries and
// follow pagination without committing to the full golang-fhir-models Bundle
// shape for every response.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink represents the Bundle.link BackboneElement.
type BundleLink struct {
	Relation string `json:"relation"`
	Url      string `json:"url"`
}

// BundleEntry represents the Bundle.entry BackboneElement.
type BundleEntry struct {
	FullUrl  string               `json:"fullUrl,omitempty"`
	Resource json.RawMessage      `json:"resource,omitempty"`
	Search   *BundleEntrySearch   `json:"search,omitempty"`
	Request  *BundleEntryRequest  `json:"request,omitempty"`
	Response *BundleEntryResponse `json:"response,omitempty"`
}

// BundleEntrySearch represents the Bundle.entry.search BackboneElement.
type BundleEntrySearch struct {
	Mode string `json:"mode,omitempty"`
}

// BundleEntryRequest represents the Bundle.entry.request BackboneElement.
type BundleEntryRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleEntryResponse represents the Bundle.entry.response BackboneElement.
type BundleEntryResponse struct {
	Status string `json:"status"`
}

// IsDeletionHistoryEntry reports whether e is a history-bundle entry
// recording a DELETE, as carried in a bulk export manifest's deleted[]
// output.
func (e BundleEntry) IsDeletionHistoryEntry() bool {
	return e.Request != nil && e.Request.Method == "DELETE"
}

// NextPageURL extracts the URL to the next page from a bundle's links, per
// https://www.iana.org/assignments/link-relations/link-relations.xhtml#link-relations-1.
// Returns "" if there is no next link.
func (b Bundle) NextPageURL() string {
	for _, link := range b.Link {
		if link.Relation == "next" {
			return link.Url
		}
	}
	return ""
}

// ParseBundle parses a raw bundle response body.
func ParseBundle(body []byte) (Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return Bundle{}, fmt.Errorf("parsing bundle: %w", err)
	}
	return b, nil
}
