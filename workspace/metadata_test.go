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

package workspace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Normalize_sortsAndDedupsTypes(t *testing.T) {
	p := Params{Types: []string{"Observation", "Patient", "Observation"}}
	n := p.Normalize()
	assert.Equal(t, []string{"Observation", "Patient"}, n.Types)
}

func TestParams_Normalize_canonicalizesSince(t *testing.T) {
	p := Params{Since: "2024-05-01T10:00:00+02:00"}
	n := p.Normalize()
	assert.Equal(t, "2024-05-01T08:00:00Z", n.Since)
}

func TestWriteAndReadMetadata_roundtrip(t *testing.T) {
	dir := t.TempDir()
	m := &Metadata{
		Params:  Params{FHIRURL: "http://x", Mode: "crawl"},
		Started: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, WriteMetadata(dir, m))

	got, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, m.Params.FHIRURL, got.Params.FHIRURL)
	assert.False(t, got.Complete)
}

func TestIsInProgress(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteMetadata(dir, &Metadata{}))
	assert.True(t, IsInProgress(dir))

	require.NoError(t, WriteMetadata(dir, &Metadata{Complete: true}))
	assert.False(t, IsInProgress(dir))
}

func TestParseLabel(t *testing.T) {
	idx, label, ok := ParseLabel("003.2024-05-01")
	require.True(t, ok)
	assert.Equal(t, 3, idx)
	assert.Equal(t, "2024-05-01", label)

	_, _, ok = ParseLabel("noindex")
	assert.False(t, ok)
}
