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
	"github.com/stretchr/testify/require"
)

func TestParseResource(t *testing.T) {
	r, err := ParseResource([]byte(`{"resourceType":"Patient","id":"42","meta":{"lastUpdated":"2024-01-01T00:00:00Z"}}`))
	require.NoError(t, err)

	rt, id := r.Identity()
	assert.Equal(t, ResourceType("Patient"), rt)
	assert.Equal(t, "42", id)
	require.NotNil(t, r.Meta)
	assert.Equal(t, "2024-01-01T00:00:00Z", r.Meta.LastUpdated)
}

func TestReference_Resolve(t *testing.T) {
	cases := []struct {
		name string
		ref  Reference
		rt   ResourceType
		id   string
		ok   bool
	}{
		{"relative", "Patient/42", "Patient", "42", true},
		{"absolute", "https://example.org/fhir/Patient/42", "Patient", "42", true},
		{"contained", "#1", "", "", false},
		{"empty", "", "", "", false},
		{"no-slash", "urn:uuid:abc", "", "", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rt, id, ok := c.ref.Resolve()
			assert.Equal(t, c.ok, ok)
			if ok {
				assert.Equal(t, c.rt, rt)
				assert.Equal(t, c.id, id)
			}
		})
	}
}
