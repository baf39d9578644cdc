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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const metadataFileName = "metadata.json"

// Params is the normalized set of parameters a single acquisition run was
// invoked with. It is both the persisted params block of metadata.json and
// the input to SubExport reuse/resume matching.
type Params struct {
	FHIRURL     string   `json:"fhir_url"`
	Types       []string `json:"types"`
	TypeFilters []string `json:"type_filters"`
	Since       string   `json:"since"`
	SinceMode   string   `json:"since_mode"`
	Mode        string   `json:"mode"`
	Nickname    string   `json:"nickname,omitempty"`
	Compression string   `json:"compression"`
}

// Normalize returns a copy of p with the type list and type-filter list
// sorted and deduplicated, and the since-date canonicalized to UTC Z
// form, so equivalent invocations hash identically.
func (p Params) Normalize() Params {
	n := p
	n.Types = sortedUnique(p.Types)
	n.TypeFilters = sortedUnique(p.TypeFilters)
	if p.Since != "" {
		if t, err := time.Parse(time.RFC3339, p.Since); err == nil {
			n.Since = t.UTC().Format(time.RFC3339)
		}
	}
	return n
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Hash returns a stable content hash of the normalized params, used to
// decide whether an in-progress SubExport can be reused for a new
// invocation.
func (p Params) Hash() string {
	n := p.Normalize()
	raw, _ := json.Marshal(n)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Cohort records the provenance of a SubExport's patient population.
type Cohort struct {
	Source string `json:"source"`
	Hash   string `json:"hash"`
	Count  int    `json:"count"`
}

// HydrationStatus is one entry of metadata.json's hydration map, recording
// whether a given Hydrator task has already completed for this SubExport.
type HydrationStatus struct {
	Complete bool      `json:"complete"`
	Count    int       `json:"count"`
	Started  time.Time `json:"started,omitempty"`
	Finished time.Time `json:"finished,omitempty"`
}

// Metadata is the full content of a SubExport's metadata.json.
type Metadata struct {
	Params           Params                     `json:"params"`
	TransactionTimes map[string]string          `json:"transactionTimes,omitempty"`
	Cohort           *Cohort                    `json:"cohort,omitempty"`
	BulkState        json.RawMessage            `json:"bulk_state,omitempty"`
	Hydration        map[string]HydrationStatus `json:"hydration,omitempty"`
	Complete         bool                       `json:"complete"`
	FailedCount      int                        `json:"failed_count,omitempty"`
	Started          time.Time                  `json:"started"`
	Finished         time.Time                  `json:"finished,omitempty"`
}

// BulkTransactionTimeKey is the TransactionTimes map key bulk-mode runs
// use to record their single, whole-export transaction time; crawls
// record one per resource type instead.
const BulkTransactionTimeKey = "_bulk"

func metadataPath(subExportDir string) string {
	return filepath.Join(subExportDir, metadataFileName)
}

// ReadMetadata reads and parses a SubExport's metadata.json.
func ReadMetadata(subExportDir string) (*Metadata, error) {
	raw, err := os.ReadFile(metadataPath(subExportDir))
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metadataPath(subExportDir), err)
	}
	return &m, nil
}

// WriteMetadata serializes m and writes it to the SubExport's metadata.json
// atomically: a temp file in the same directory, fsynced, then renamed
// over the final name.
func WriteMetadata(subExportDir string, m *Metadata) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	final := metadataPath(subExportDir)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temp metadata file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing temp metadata file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing temp metadata file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing temp metadata file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("renaming temp metadata file: %w", err)
	}
	return nil
}

// IsInProgress reports whether the SubExport at dir has a metadata.json
// without complete=true, the marker of an interrupted run.
func IsInProgress(dir string) bool {
	m, err := ReadMetadata(dir)
	if err != nil {
		return false
	}
	return !m.Complete
}

// ParseLabel splits a SubExport directory name "NNN.label" into its
// sequence number and label.
func ParseLabel(name string) (index int, label string, ok bool) {
	dot := strings.Index(name, ".")
	if dot < 0 {
		return 0, "", false
	}
	var n int
	if _, err := fmt.Sscanf(name[:dot], "%d", &n); err != nil {
		return 0, "", false
	}
	return n, name[dot+1:], true
}
