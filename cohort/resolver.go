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

// Package cohort resolves a Group membership, identifier list/file, or
// reused source-dir into the set of local Patient IDs that scopes a
// crawl.
package cohort

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fhirharvest/fhirharvest/bulkexport"
	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/rs/zerolog"
)

// patientPages returns every Patient NDJSON page found directly inside
// dir, whether a pooled Workspace (global GGG numbering) or a single
// SubExport directory (PPP numbering) — both use the same
// "Patient.NNN.ndjson[.gz]" naming.
func patientPages(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "Patient.*.ndjson*"))
	if err != nil {
		return nil, fmt.Errorf("listing Patient pages in %s: %w", dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Spec describes the mutually-exclusive cohort inputs, evaluated in
// priority order: IDList, then IDFile, then SourceDir, then Group.
type Spec struct {
	IDList    []string
	IDFile    string
	SourceDir string
	Group     string
	IDSystem  string
}

// Snapshot is the persisted cohort provenance recorded in a SubExport's
// metadata.json cohort block.
type Snapshot struct {
	Source string
	IDs    []string
}

// Cohort is the resolved set of local Patient IDs scoping a run, plus the
// delta against a prior SubExport's cohort, consumed by the Crawler's
// new-patient rule and the deleted/Patient.ndjson bookkeeping.
type Cohort struct {
	IDs        map[string]bool
	NewIDs     []string
	RemovedIDs []string
	Snapshot   Snapshot
}

// Resolver resolves a cohort Spec against a FHIR server, reusing the Bulk
// Exporter for Group resolution.
type Resolver struct {
	Client *fhir.Client
	Budget *sched.Budget
}

// NewResolver builds a Resolver.
func NewResolver(client *fhir.Client, budget *sched.Budget) *Resolver {
	return &Resolver{Client: client, Budget: budget}
}

// Resolve computes the Cohort for spec, reconciling against prior's
// snapshot (nil if this is the Workspace's first SubExport).
func (r *Resolver) Resolve(ctx context.Context, spec Spec, prior *Snapshot) (Cohort, error) {
	ids, source, err := r.resolveIDs(ctx, spec)
	if err != nil {
		return Cohort{}, err
	}

	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}

	sorted := make([]string, 0, len(set))
	for id := range set {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	c := Cohort{IDs: set, Snapshot: Snapshot{Source: source, IDs: sorted}}
	if prior != nil {
		priorSet := make(map[string]bool, len(prior.IDs))
		for _, id := range prior.IDs {
			priorSet[id] = true
		}
		for id := range set {
			if !priorSet[id] {
				c.NewIDs = append(c.NewIDs, id)
			}
		}
		for _, id := range prior.IDs {
			if !set[id] {
				c.RemovedIDs = append(c.RemovedIDs, id)
			}
		}
		sort.Strings(c.NewIDs)
		sort.Strings(c.RemovedIDs)
	} else {
		// A first run has no prior cohort to diff against: every member is
		// "new" for the since=null traversal rule.
		c.NewIDs = append([]string(nil), sorted...)
	}
	return c, nil
}

// Hash returns a stable content hash of the resolved cohort, recorded in
// metadata.json.cohort.hash.
func (c Cohort) Hash() string {
	ids := append([]string(nil), c.Snapshot.IDs...)
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

func (r *Resolver) resolveIDs(ctx context.Context, spec Spec) ([]string, string, error) {
	switch {
	case len(spec.IDList) > 0:
		ids, err := r.resolveIdentifiers(ctx, spec.IDList, spec.IDSystem)
		return ids, "id-list", err
	case spec.IDFile != "":
		values, err := readIDFile(spec.IDFile)
		if err != nil {
			return nil, "", err
		}
		ids, err := r.resolveIdentifiers(ctx, values, spec.IDSystem)
		return ids, "id-file", err
	case spec.SourceDir != "":
		ids, err := readPatientIDsFromDir(spec.SourceDir)
		return ids, "source-dir", err
	case spec.Group != "":
		ids, err := r.resolveGroup(ctx, spec.Group)
		return ids, "group", err
	default:
		return nil, "", fmt.Errorf("cohort spec has no id-list, id-file, source-dir or group")
	}
}

// identifierBatchSize caps how many system|value tokens one
// Patient?identifier search carries, keeping the query URL well under
// common server length limits.
const identifierBatchSize = 50

// resolveIdentifiers resolves values to local Patient.id strings. With
// IDSystem set, values are business identifiers resolved via batched
// Patient?identifier=system|v1,system|v2,... searches (FHIR OR semantics),
// deduplicated; without it, values are taken as direct Patient.id
// values.
func (r *Resolver) resolveIdentifiers(ctx context.Context, values []string, system string) ([]string, error) {
	if system == "" {
		return dedupe(values), nil
	}

	var ids []string
	deduped := dedupe(values)
	for start := 0; start < len(deduped); start += identifierBatchSize {
		end := start + identifierBatchSize
		if end > len(deduped) {
			end = len(deduped)
		}
		tokens := make([]string, 0, end-start)
		for _, v := range deduped[start:end] {
			tokens = append(tokens, system+"|"+v)
		}

		query := url.Values{"identifier": {strings.Join(tokens, ",")}}
		req, err := r.Client.NewSearchTypeRequest(ctx, "Patient", query)
		if err != nil {
			return nil, err
		}
		out := make(chan fhir.DownloadBundle)
		go r.Client.ExpandPages(ctx, req, out)
		for page := range out {
			if page.Err != nil {
				return nil, fmt.Errorf("resolving identifiers in system %s: %w", system, page.Err)
			}
			for _, entry := range page.Entries {
				res, err := fhir.ParseResource(entry.Resource)
				if err != nil {
					continue
				}
				if res.ResourceType == "Patient" {
					ids = append(ids, res.ID)
				}
			}
		}
	}
	return dedupe(ids), nil
}

// resolveGroup executes a Patient-only bulk export against the Group, the
// standard membership-discovery mechanism, and collects the resulting
// IDs.
func (r *Resolver) resolveGroup(ctx context.Context, groupID string) ([]string, error) {
	dir, err := os.MkdirTemp("", "fhirharvest-group-export-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch directory for group resolution: %w", err)
	}
	defer os.RemoveAll(dir)

	ws, err := workspace.Open(dir)
	if err != nil {
		return nil, err
	}
	defer ws.Close()

	baseURL := r.Client.BaseURL()
	se, err := ws.OpenSubExport(workspace.Params{
		FHIRURL: baseURL.String(),
		Types:   []string{"Patient"},
		Mode:    "bulk",
	})
	if err != nil {
		return nil, err
	}

	exporter := bulkexport.NewExporter(r.Client, r.Budget, zerolog.Nop())
	kickoffURL := baseURL.JoinPath("Group", groupID, "$export")
	if err := exporter.Run(ctx, se, kickoffURL, bulkexport.KickoffParams{Types: []string{"Patient"}}); err != nil {
		return nil, fmt.Errorf("resolving group %s via bulk export: %w", groupID, err)
	}

	return readPatientIDsFromDir(se.Dir)
}

func readIDFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening id-file %s: %w", path, err)
	}
	defer f.Close()

	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return readIDCSV(f)
	}

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}

// readIDCSV reads an ID/MRN column from a CSV id-file, matching the
// header case-insensitively.
func readIDCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading id-file CSV header: %w", err)
	}
	col := -1
	for i, h := range header {
		switch strings.ToUpper(strings.TrimSpace(h)) {
		case "ID", "MRN":
			col = i
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("id-file CSV has no ID or MRN column")
	}

	var ids []string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading id-file CSV row: %w", err)
		}
		if col < len(record) {
			v := strings.TrimSpace(record[col])
			if v != "" {
				ids = append(ids, v)
			}
		}
	}
	return ids, nil
}

// readPatientIDsFromDir reads every Patient.*.ndjson[.gz] page in dir and
// returns the distinct Patient.id values found, backing --source-dir
// cohort reuse.
func readPatientIDsFromDir(dir string) ([]string, error) {
	matches, err := patientPages(dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	reader := workspace.Reader{}
	err = reader.Scan(matches, func(path string, line int, raw json.RawMessage) error {
		res, err := fhir.ParseResource(raw)
		if err != nil {
			return err
		}
		if res.ID != "" {
			ids = append(ids, res.ID)
		}
		return nil
	})
	return dedupe(ids), err
}

// PriorSnapshot reconstructs the Snapshot of the last SubExport that
// recorded cohort provenance, for the Resolver's delta reconciliation
// against the current run. Returns nil if se has no recorded
// cohort (e.g. the Workspace's first run, or a bulk export that never
// resolved a cohort).
func PriorSnapshot(se *workspace.SubExport) (*Snapshot, error) {
	if se == nil || se.Metadata == nil || se.Metadata.Cohort == nil {
		return nil, nil
	}
	ids, err := readPatientIDsFromDir(se.Dir)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Source: se.Metadata.Cohort.Source, IDs: ids}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
