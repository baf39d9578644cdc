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
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestReader_Scan_plain(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.001.ndjson")
	writeFile(t, path, "{\"id\":\"1\"}\n{\"id\":\"2\"}\n")

	var ids []string
	err := (Reader{}).Scan([]string{path}, func(_ string, _ int, raw json.RawMessage) error {
		var r struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		ids = append(ids, r.ID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestReader_Scan_gzip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.001.ndjson.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte("{\"id\":\"1\"}\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	writeFile(t, path, buf.String())

	var count int
	err = (Reader{}).Scan([]string{path}, func(_ string, _ int, _ json.RawMessage) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestReader_Scan_malformedLineDoesNotAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.001.ndjson")
	writeFile(t, path, "{\"id\":\"1\"}\nnot json\n{\"id\":\"3\"}\n")

	var seen []string
	err := (Reader{}).Scan([]string{path}, func(_ string, _ int, raw json.RawMessage) error {
		var r struct {
			ID string `json:"id"`
		}
		json.Unmarshal(raw, &r)
		seen = append(seen, r.ID)
		return nil
	})
	require.Error(t, err)
	var lineErr *LineError
	assert.True(t, errors.As(err, &lineErr))
	assert.Equal(t, []string{"1", "3"}, seen)
}

func TestReader_Scan_fnErrorDoesNotAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Patient.001.ndjson")
	writeFile(t, path, "{\"id\":\"1\"}\n{\"id\":\"2\"}\n{\"id\":\"3\"}\n")

	var processed int
	err := (Reader{}).Scan([]string{path}, func(_ string, _ int, raw json.RawMessage) error {
		var r struct {
			ID string `json:"id"`
		}
		json.Unmarshal(raw, &r)
		if r.ID == "2" {
			return errors.New("boom")
		}
		processed++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 2, processed)
}

func TestReader_Scan_missingFileAbortsImmediately(t *testing.T) {
	err := (Reader{}).Scan([]string{"/nonexistent/path.ndjson"}, func(_ string, _ int, _ json.RawMessage) error {
		return nil
	})
	assert.Error(t, err)
}
