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

// Package bulkexport implements the server-driven HL7 FHIR Bulk Data
// Access kickoff/poll/download state machine.
package bulkexport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/rs/zerolog"
)

// Phase is one state of the bulk export state machine.
type Phase string

const (
	PhaseInit        Phase = "init"
	PhasePolling     Phase = "polling"
	PhaseDownloading Phase = "downloading"
	PhaseDone        Phase = "done"
	PhaseFailed      Phase = "failed"
)

// CompletedFile records one manifest output URL that has already been
// fully downloaded, so a restarted run can skip it.
type CompletedFile struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

// State is the resumable token persisted into metadata.json.bulk_state.
type State struct {
	Phase       Phase           `json:"phase"`
	StatusURL   string          `json:"status_url,omitempty"`
	Manifest    *Manifest       `json:"manifest,omitempty"`
	Downloaded  []CompletedFile `json:"downloaded,omitempty"`
	Diagnostics string          `json:"diagnostics,omitempty"`
}

func (s State) isDownloaded(url string) bool {
	for _, d := range s.Downloaded {
		if d.URL == url {
			return true
		}
	}
	return false
}

// ErrExpired is returned when the server responds 410 Gone to a status
// poll or file download, meaning the export expired before the client
// finished. Fatal: the SubExport is marked failed.
type ErrExpired struct {
	URL string
}

func (e *ErrExpired) Error() string { return fmt.Sprintf("%s: bulk export expired (410)", e.URL) }

// Exporter drives the bulk export state machine for a single SubExport,
// collaborating with the FHIR Client for requests, a concurrency Budget
// for parallel file downloads, and the Writer (via workspace) for output.
type Exporter struct {
	Client    *fhir.Client
	Budget    *sched.Budget
	Logger    zerolog.Logger
	RollBytes int64

	writersMu sync.Mutex
	writers   map[string]*workspace.Writer
}

// NewExporter builds an Exporter.
func NewExporter(client *fhir.Client, budget *sched.Budget, logger zerolog.Logger) *Exporter {
	return &Exporter{Client: client, Budget: budget, Logger: logger, writers: make(map[string]*workspace.Writer)}
}

// Run drives se's bulk export to completion, resuming from se's persisted
// bulk_state if present. kickoffURL is the server's `$export` (or
// Group/$export) endpoint.
func (e *Exporter) Run(ctx context.Context, se *workspace.SubExport, kickoffURL *url.URL, params KickoffParams) error {
	state := e.loadState(se)

	for {
		switch state.Phase {
		case "", PhaseInit:
			statusURL, err := e.kickoff(ctx, kickoffURL, params)
			if err != nil {
				return e.fail(se, &state, err)
			}
			state.StatusURL = statusURL
			state.Phase = PhasePolling
			if err := e.saveState(se, state); err != nil {
				return err
			}

		case PhasePolling:
			manifest, done, err := e.pollOnce(ctx, state.StatusURL)
			if err != nil {
				return e.fail(se, &state, err)
			}
			if !done {
				continue
			}
			state.Manifest = &manifest
			state.Phase = PhaseDownloading
			if se.Metadata.TransactionTimes == nil {
				se.Metadata.TransactionTimes = make(map[string]string)
			}
			se.Metadata.TransactionTimes[workspace.BulkTransactionTimeKey] = manifest.TransactionTime
			if err := e.saveState(se, state); err != nil {
				return err
			}

		case PhaseDownloading:
			if err := e.downloadAll(ctx, se, &state); err != nil {
				return e.fail(se, &state, err)
			}
			state.Phase = PhaseDone
			if err := e.saveState(se, state); err != nil {
				return err
			}
			e.cleanup(ctx, state.StatusURL)
			return e.closeWriters()

		case PhaseDone:
			return nil

		case PhaseFailed:
			return fmt.Errorf("sub-export %s: bulk export previously failed (%s); start a new run", se.Dir, state.Diagnostics)

		default:
			return fmt.Errorf("sub-export %s: unknown bulk_state phase %q", se.Dir, state.Phase)
		}
	}
}

// fail records diagnostics in the persisted state and discards in-flight
// page temporaries.
func (e *Exporter) fail(se *workspace.SubExport, state *State, err error) error {
	state.Phase = PhaseFailed
	state.Diagnostics = err.Error()
	_ = e.saveState(se, *state)
	e.writersMu.Lock()
	for _, w := range e.writers {
		_ = w.Abort()
	}
	e.writersMu.Unlock()
	return err
}

func (e *Exporter) loadState(se *workspace.SubExport) State {
	if len(se.Metadata.BulkState) == 0 {
		return State{Phase: PhaseInit}
	}
	var s State
	if err := json.Unmarshal(se.Metadata.BulkState, &s); err != nil {
		return State{Phase: PhaseInit}
	}
	return s
}

func (e *Exporter) saveState(se *workspace.SubExport, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling bulk_state: %w", err)
	}
	se.Metadata.BulkState = raw
	return se.Save()
}

// kickoff issues the async $export request and returns the status polling
// URL from the Content-Location response header.
func (e *Exporter) kickoff(ctx context.Context, kickoffURL *url.URL, params KickoffParams) (string, error) {
	u := *kickoffURL
	u.RawQuery = params.KickoffQuery()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/fhir+json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := e.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kickoff request to %s: %w", u.String(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("kickoff to %s: expected 202, got %d: %s", u.String(), resp.StatusCode, body)
	}
	status := resp.Header.Get("Content-Location")
	if status == "" {
		return "", fmt.Errorf("kickoff to %s: server did not return a Content-Location header", u.String())
	}
	return status, nil
}

// pollOnce issues a single status-endpoint GET, honoring Retry-After with
// a 1s floor and a 60s cap, and returns the manifest once the server
// reports completion.
func (e *Exporter) pollOnce(ctx context.Context, statusURL string) (manifest Manifest, done bool, err error) {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, statusURL, nil)
	if err != nil {
		return Manifest{}, false, err
	}
	req.Header.Set("Accept", "application/fhir+json")

	resp, err := e.Client.Do(req)
	if err != nil {
		return Manifest{}, false, fmt.Errorf("polling %s: %w", statusURL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Manifest{}, false, fmt.Errorf("reading poll response from %s: %w", statusURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		wait := retryAfterOr(resp.Header.Get("Retry-After"), time.Second, 60*time.Second)
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Manifest{}, false, ctx.Err()
		case <-timer.C:
			return Manifest{}, false, nil
		}
	case resp.StatusCode == http.StatusOK:
		m, err := ParseManifest(body)
		if err != nil {
			return Manifest{}, false, err
		}
		return m, true, nil
	case resp.StatusCode == http.StatusGone:
		return Manifest{}, false, &ErrExpired{URL: statusURL}
	default:
		outcome, _ := fm.UnmarshalOperationOutcome(body)
		return Manifest{}, false, &fhir.ErrFatalStatus{URL: statusURL, StatusCode: resp.StatusCode, Outcome: &outcome}
	}
}

func retryAfterOr(header string, floor, cap time.Duration) time.Duration {
	d := floor
	if header != "" {
		if secs, err := strconv.Atoi(header); err == nil {
			d = time.Duration(secs) * time.Second
		} else if t, err := http.ParseTime(header); err == nil {
			if until := time.Until(t); until > 0 {
				d = until
			}
		}
	}
	if d < floor {
		d = floor
	}
	if d > cap {
		d = cap
	}
	return d
}

// downloadAll schedules every not-yet-downloaded manifest output file for
// download, bounded by e.Budget, writes deleted[] identifiers, and
// surfaces error[] OperationOutcomes as non-fatal warnings.
func (e *Exporter) downloadAll(ctx context.Context, se *workspace.SubExport, state *State) error {
	for _, errFile := range state.Manifest.Error {
		e.logWarning(ctx, errFile)
	}
	for _, del := range state.Manifest.Deleted {
		if err := e.processDeletions(ctx, se, del); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(state.Manifest.Output))
	var mu sync.Mutex

	for _, out := range state.Manifest.Output {
		if state.isDownloaded(out.URL) {
			continue
		}
		out := out
		release, err := e.Budget.Acquire(ctx)
		if err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			count, err := e.downloadOne(ctx, se, out)
			if err != nil {
				errs <- fmt.Errorf("downloading %s: %w", out.URL, err)
				return
			}
			mu.Lock()
			state.Downloaded = append(state.Downloaded, CompletedFile{URL: out.URL, Count: count})
			saveErr := e.saveState(se, *state)
			mu.Unlock()
			if saveErr != nil {
				errs <- saveErr
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) logWarning(ctx context.Context, errFile ManifestFile) {
	u, err := url.Parse(errFile.URL)
	if err != nil {
		e.Logger.Warn().Str("url", errFile.URL).Err(err).Msg("could not parse bulk export error[] url")
		return
	}
	body, err := e.Client.Get(ctx, u, "application/fhir+ndjson")
	if err != nil {
		e.Logger.Warn().Str("url", errFile.URL).Err(err).Msg("could not fetch bulk export error[] outcome")
		return
	}
	outcome, _ := fm.UnmarshalOperationOutcome(body)
	e.Logger.Warn().Str("url", errFile.URL).Interface("outcome", outcome).Msg("bulk export reported a non-fatal error")
}

// processDeletions fetches a deleted[] history bundle and writes the
// removed (resourceType, id) identifiers into the SubExport's
// deleted/<ResourceType>.ndjson.
func (e *Exporter) processDeletions(ctx context.Context, se *workspace.SubExport, del ManifestFile) error {
	u, err := url.Parse(del.URL)
	if err != nil {
		return fmt.Errorf("parsing deleted[] url %s: %w", del.URL, err)
	}
	body, err := e.Client.Get(ctx, u, "application/fhir+ndjson")
	if err != nil {
		return fmt.Errorf("fetching deleted[] history bundle %s: %w", del.URL, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	byType := make(map[string][]string)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		bundle, err := fhir.ParseBundle(line)
		if err != nil {
			continue
		}
		for _, entry := range bundle.Entry {
			if !entry.IsDeletionHistoryEntry() {
				continue
			}
			rt, id, ok := extractDeletedIdentity(entry)
			if !ok {
				continue
			}
			byType[rt] = append(byType[rt], id)
		}
	}

	for rt, ids := range byType {
		if err := workspace.AppendDeleted(se, rt, ids); err != nil {
			return err
		}
	}
	return nil
}

func extractDeletedIdentity(entry fhir.BundleEntry) (resourceType, id string, ok bool) {
	if entry.Request == nil || entry.Request.URL == "" {
		return "", "", false
	}
	ref := fhir.Reference(entry.Request.URL)
	rt, rid, ok := ref.Resolve()
	return string(rt), rid, ok
}

// downloadOne streams a single manifest output file into the SubExport's
// resource-type writer, rolling pages as needed, and returns the number of
// records written.
func (e *Exporter) downloadOne(ctx context.Context, se *workspace.SubExport, out ManifestFile) (int, error) {
	u, err := url.Parse(out.URL)
	if err != nil {
		return 0, fmt.Errorf("parsing output url %s: %w", out.URL, err)
	}
	body, err := e.Client.Stream(ctx, u, "application/fhir+ndjson")
	if err != nil {
		return 0, err
	}
	defer body.Close()

	w, err := e.writerFor(se, out.Type)
	if err != nil {
		return 0, err
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append(json.RawMessage(nil), line...)
		if err := w.Append(raw); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("streaming %s: %w", out.URL, err)
	}
	return count, nil
}

func (e *Exporter) writerFor(se *workspace.SubExport, resourceType string) (*workspace.Writer, error) {
	e.writersMu.Lock()
	defer e.writersMu.Unlock()
	if w, ok := e.writers[resourceType]; ok {
		return w, nil
	}
	compress := se.Metadata.Params.Compression != "none"
	w, err := workspace.NewWriter(se.Dir, fhir.ResourceType(resourceType), compress, e.RollBytes)
	if err != nil {
		return nil, err
	}
	e.writers[resourceType] = w
	return w, nil
}

func (e *Exporter) closeWriters() error {
	e.writersMu.Lock()
	defer e.writersMu.Unlock()
	for _, w := range e.writers {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

// cleanup DELETEs the status URL so the server can free the export,
// recording but not failing the run on error.
func (e *Exporter) cleanup(ctx context.Context, statusURL string) {
	u, err := url.Parse(statusURL)
	if err != nil {
		return
	}
	if err := e.Client.Delete(ctx, u); err != nil {
		e.Logger.Warn().Str("url", statusURL).Err(err).Msg("failed to delete bulk export status resource")
	}
}
