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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubExport(t *testing.T) *workspace.SubExport {
	t.Helper()
	dir := t.TempDir()
	return &workspace.SubExport{Dir: dir, Metadata: &workspace.Metadata{Params: workspace.Params{Compression: "none"}}}
}

// TestExporterRunHappyPath drives a kickoff -> one 202 poll -> 200 manifest
// -> file download sequence against a fake server, mirroring the HL7 Bulk
// Data Access IG's example exchange.
func TestExporterRunHappyPath(t *testing.T) {
	var polls int
	mux := http.NewServeMux()
	mux.HandleFunc("/Patient/$export", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Location", "http://"+r.Host+"/status/1")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/status/1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		manifest := Manifest{
			TransactionTime: "2024-01-01T00:00:00Z",
			Output: []ManifestFile{
				{Type: "Patient", URL: "http://" + r.Host + "/files/patient.ndjson"},
			},
		}
		_ = json.NewEncoder(w).Encode(manifest)
	})
	mux.HandleFunc("/files/patient.ndjson", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+ndjson")
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"pat-1"}` + "\n"))
	})
	mux.HandleFunc("/status/1/delete", func(w http.ResponseWriter, r *http.Request) {})

	server := httptest.NewServer(mux)
	defer server.Close()

	baseURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL, fhir.WithRetryPolicy(fhir.RetryPolicy{MaxAttempts: 3}))

	se := newTestSubExport(t)
	exporter := NewExporter(client, sched.NewBudget("bulk", 2), zerolog.Nop())
	clientBaseURL := client.BaseURL()
	kickoffURL := clientBaseURL.JoinPath("Patient", "$export")

	err = exporter.Run(context.Background(), se, kickoffURL, KickoffParams{Types: []string{"Patient"}})
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, loadPhase(t, se))
	assert.Equal(t, "2024-01-01T00:00:00Z", se.Metadata.TransactionTimes[workspace.BulkTransactionTimeKey])
}

func loadPhase(t *testing.T, se *workspace.SubExport) Phase {
	t.Helper()
	var s State
	require.NoError(t, json.Unmarshal(se.Metadata.BulkState, &s))
	return s.Phase
}

func TestExporterRunResumesSkippingDownloadedFiles(t *testing.T) {
	var downloads int
	mux := http.NewServeMux()
	mux.HandleFunc("/files/patient.ndjson", func(w http.ResponseWriter, r *http.Request) {
		downloads++
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"pat-1"}` + "\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	baseURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	client := fhir.NewClient(*baseURL)

	se := newTestSubExport(t)
	state := State{
		Phase: PhaseDownloading,
		Manifest: &Manifest{
			Output: []ManifestFile{{Type: "Patient", URL: server.URL + "/files/patient.ndjson"}},
		},
		Downloaded: []CompletedFile{{URL: server.URL + "/files/patient.ndjson", Count: 1}},
	}
	raw, err := json.Marshal(state)
	require.NoError(t, err)
	se.Metadata.BulkState = raw

	exporter := NewExporter(client, sched.NewBudget("bulk", 2), zerolog.Nop())
	err = exporter.downloadAll(context.Background(), se, &state)
	require.NoError(t, err)
	assert.Equal(t, 0, downloads)
}

func TestParseManifest(t *testing.T) {
	body := []byte(`{"transactionTime":"2024-01-01T00:00:00Z","output":[{"type":"Patient","url":"http://x/1.ndjson"}]}`)
	m, err := ParseManifest(body)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00Z", m.TransactionTime)
	require.Len(t, m.Output, 1)
	assert.Equal(t, "Patient", m.Output[0].Type)
}

func TestKickoffParamsQuery(t *testing.T) {
	p := KickoffParams{Types: []string{"Patient", "Observation"}, Since: "2024-01-01T00:00:00Z"}
	q := p.KickoffQuery()
	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	assert.Equal(t, "Patient,Observation", values.Get("_type"))
	assert.Equal(t, "2024-01-01T00:00:00Z", values.Get("_since"))
	assert.Equal(t, "application/fhir+ndjson", values.Get("_outputFormat"))
}

func TestKickoffParamsQueryEscapesTypeFilters(t *testing.T) {
	p := KickoffParams{Types: []string{"Observation"}, TypeFilters: []string{"Observation?category=laboratory|system"}}
	q := p.KickoffQuery()
	values, err := url.ParseQuery(q)
	require.NoError(t, err)
	assert.Equal(t, []string{"Observation?category=laboratory|system"}, values["_typeFilter"])
}
