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
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceType is a FHIR R4 resource type name such as "Patient" or
// "Observation". Identity is plain string equality.
type ResourceType string

// Resource is the minimal shape every FHIR resource shares. Json carries
// the full, untouched resource body so callers never lose fields this
// package doesn't know about.
type Resource struct {
	ResourceType ResourceType    `json:"resourceType"`
	ID           string          `json:"id"`
	Meta         *ResourceMeta   `json:"meta,omitempty"`
	Json         json.RawMessage `json:"-"`
}

// ResourceMeta is the subset of Resource.meta this tool reads and writes.
type ResourceMeta struct {
	LastUpdated string   `json:"lastUpdated,omitempty"`
	Tag         []Coding `json:"tag,omitempty"`
}

// Coding is a minimal FHIR Coding, used for meta.tag entries.
type Coding struct {
	System string `json:"system,omitempty"`
	Code   string `json:"code,omitempty"`
}

// ParseResource parses the resourceType/id/meta fields from a raw resource
// body without losing the original bytes.
func ParseResource(raw json.RawMessage) (Resource, error) {
	var r Resource
	if err := json.Unmarshal(raw, &r); err != nil {
		return Resource{}, fmt.Errorf("parsing resource: %w", err)
	}
	r.Json = raw
	return r, nil
}

// Identity returns the (resourceType, id) pair that identifies r.
func (r Resource) Identity() (ResourceType, string) {
	return r.ResourceType, r.ID
}

// Reference is a FHIR reference value, either a relative
// "<ResourceType>/<id>" form or an absolute URL ending in that form.
type Reference string

// Resolve splits a Reference into its resource type and id. ok is false
// when the reference isn't of the "<ResourceType>/<id>" shape (e.g. a
// contained reference "#foo", or a bare UUID urn).
func (ref Reference) Resolve() (rt ResourceType, id string, ok bool) {
	s := string(ref)
	if s == "" || strings.HasPrefix(s, "#") {
		return "", "", false
	}
	if idx := strings.Index(s, "://"); idx >= 0 {
		s = s[idx+3:]
		if slash := strings.Index(s, "/"); slash >= 0 {
			s = s[slash+1:]
		}
	}
	parts := strings.Split(s, "/")
	if len(parts) < 2 {
		return "", "", false
	}
	return ResourceType(parts[len(parts)-2]), parts[len(parts)-1], true
}
