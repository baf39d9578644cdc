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
	"os"
	"path/filepath"
	"testing"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_takesLock(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = Open(dir)
	assert.Error(t, err)
}

func TestOpenSubExport_createsNew(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	se, err := w.OpenSubExport(Params{FHIRURL: "http://x", Types: []string{"Patient"}, Mode: "crawl", Nickname: "first"})
	require.NoError(t, err)
	assert.Equal(t, 1, se.Index)
	assert.DirExists(t, se.Dir)
	assert.FileExists(t, filepath.Join(se.Dir, "metadata.json"))
}

func TestOpenSubExport_reusesInProgressWithSameParams(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	params := Params{FHIRURL: "http://x", Types: []string{"Patient", "Observation"}, Mode: "crawl"}
	first, err := w.OpenSubExport(params)
	require.NoError(t, err)

	second, err := w.OpenSubExport(Params{FHIRURL: "http://x", Types: []string{"Observation", "Patient"}, Mode: "crawl"})
	require.NoError(t, err)
	assert.Equal(t, first.Dir, second.Dir)
}

func TestOpenSubExport_rejectsDifferentParamsWhileInProgress(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.OpenSubExport(Params{FHIRURL: "http://x", Types: []string{"Patient"}, Mode: "crawl"})
	require.NoError(t, err)

	_, err = w.OpenSubExport(Params{FHIRURL: "http://x", Types: []string{"Observation"}, Mode: "crawl"})
	assert.Error(t, err)
}

func TestFinalizeAndPool(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	se, err := w.OpenSubExport(Params{FHIRURL: "http://x", Types: []string{"Patient"}, Mode: "crawl", Nickname: "first"})
	require.NoError(t, err)

	writer, err := NewWriter(se.Dir, fhir.ResourceType("Patient"), false, DefaultRollBytes)
	require.NoError(t, err)
	require.NoError(t, writer.Append([]byte(`{"resourceType":"Patient","id":"1"}`)))
	require.NoError(t, writer.Close())

	require.NoError(t, w.Finalize(se))

	link := filepath.Join(dir, "Patient.001.ndjson")
	fi, err := os.Lstat(link)
	require.NoError(t, err)
	assert.True(t, fi.Mode()&os.ModeSymlink != 0)

	content, err := os.ReadFile(link)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"id":"1"`)

	m, err := ReadMetadata(se.Dir)
	require.NoError(t, err)
	assert.True(t, m.Complete)
}

func TestLatestComplete(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)
	defer w.Close()

	se, err := w.OpenSubExport(Params{FHIRURL: "http://x", Mode: "bulk", Nickname: "only"})
	require.NoError(t, err)
	require.NoError(t, w.Finalize(se))

	latest, err := w.LatestComplete()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, se.Dir, latest.Dir)
}

func TestAppendDeleted_accumulates(t *testing.T) {
	se := &SubExport{Dir: t.TempDir()}

	require.NoError(t, AppendDeleted(se, "Patient", []string{"p1"}))
	require.NoError(t, AppendDeleted(se, "Patient", []string{"p2"}))

	content, err := os.ReadFile(filepath.Join(se.DeletedDir(), "Patient.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p1","resourceType":"Patient"}
{"id":"p2","resourceType":"Patient"}
`, string(content))
}

func TestWriteDeleted_overwrites(t *testing.T) {
	se := &SubExport{Dir: t.TempDir()}

	require.NoError(t, WriteDeleted(se, "Patient", []string{"p1", "p2"}))
	require.NoError(t, WriteDeleted(se, "Patient", []string{"p2"}))

	content, err := os.ReadFile(filepath.Join(se.DeletedDir(), "Patient.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p2","resourceType":"Patient"}
`, string(content))
}

func TestWriteDeleted_emptyWritesNothing(t *testing.T) {
	se := &SubExport{Dir: t.TempDir()}
	require.NoError(t, WriteDeleted(se, "Patient", nil))
	assert.NoFileExists(t, filepath.Join(se.DeletedDir(), "Patient.ndjson"))
}

func TestParams_Hash_orderIndependent(t *testing.T) {
	a := Params{Types: []string{"Patient", "Observation"}, TypeFilters: []string{"b", "a"}}
	b := Params{Types: []string{"Observation", "Patient"}, TypeFilters: []string{"a", "b"}}
	assert.Equal(t, a.Hash(), b.Hash())
}
