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

// Package hydrate implements the post-acquisition enrichment pipeline:
// inlining note attachments, filling in missing referenced Observations,
// and fetching referenced Medications. Every task is idempotent when
// re-run against the same SubExport.
package hydrate

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/rs/zerolog"
)

// Result summarizes one hydration task's outcome, feeding
// metadata.json.hydration[task].
type Result struct {
	Count    int
	Started  time.Time
	Finished time.Time
}

// Hydrator runs the three idempotent enrichment tasks over a completed
// SubExport. Attachment and reference fetches go through their own,
// smaller Budget so note servers are not overwhelmed.
type Hydrator struct {
	Client    *fhir.Client
	Budget    *sched.Budget
	Logger    zerolog.Logger
	RollBytes int64
}

// NewHydrator builds a Hydrator.
func NewHydrator(client *fhir.Client, budget *sched.Budget, logger zerolog.Logger) *Hydrator {
	return &Hydrator{Client: client, Budget: budget, Logger: logger}
}

// Run executes InlineNotes, FillMissingObservations and
// FetchReferencedMedications in order, skipping any task whose
// metadata.json.hydration entry already reports complete=true unless
// force is set.
func (h *Hydrator) Run(ctx context.Context, se *workspace.SubExport, force bool) error {
	tasks := []struct {
		name string
		fn   func(context.Context, *workspace.SubExport) (Result, error)
	}{
		{"notes", h.InlineNotes},
		{"observations", h.FillMissingObservations},
		{"medications", h.FetchReferencedMedications},
	}

	for _, task := range tasks {
		if !force && se.Metadata.Hydration != nil {
			if st, ok := se.Metadata.Hydration[task.name]; ok && st.Complete {
				continue
			}
		}
		result, err := task.fn(ctx, se)
		if se.Metadata.Hydration == nil {
			se.Metadata.Hydration = make(map[string]workspace.HydrationStatus)
		}
		se.Metadata.Hydration[task.name] = workspace.HydrationStatus{
			Complete: err == nil,
			Count:    result.Count,
			Started:  result.Started,
			Finished: result.Finished,
		}
		if saveErr := se.Save(); saveErr != nil {
			return saveErr
		}
		if err != nil {
			return fmt.Errorf("hydration task %s: %w", task.name, err)
		}
	}
	return nil
}

type rawDoc map[string]json.RawMessage

type attachment struct {
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url,omitempty"`
	Data        string `json:"data,omitempty"`
	Size        *int   `json:"size,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

type reference struct {
	Reference string `json:"reference,omitempty"`
}

// InlineNotes scans DiagnosticReport and DocumentReference pages for
// presentedForm/content.attachment entries with a url and no data, fetches
// text/plain or text/html bodies, and base64-inlines them with a FHIR-spec
// SHA-1 hash. Modified resources are written to a new
// NDJSON page tagged "hydrated"; resources needing no change are not
// rewritten, keeping repeated runs idempotent.
func (h *Hydrator) InlineNotes(ctx context.Context, se *workspace.SubExport) (Result, error) {
	result := Result{Started: time.Now().UTC()}
	defer func() { result.Finished = time.Now().UTC() }()

	for _, rt := range []fhir.ResourceType{"DiagnosticReport", "DocumentReference"} {
		pages, err := sourcePages(se.Dir, rt)
		if err != nil {
			return result, err
		}
		var writer *workspace.Writer
		reader := workspace.Reader{}
		err = reader.Scan(pages, func(path string, line int, raw json.RawMessage) error {
			changed, updated, err := h.hydrateAttachmentsOf(ctx, rt, raw)
			if err != nil {
				return err
			}
			if !changed {
				return nil
			}
			if writer == nil {
				w, err := h.writerFor(se, rt)
				if err != nil {
					return err
				}
				writer = w
			}
			result.Count++
			return writer.Append(updated)
		})
		if err != nil {
			return result, err
		}
		if writer != nil {
			if err := writer.Close(); err != nil {
				return result, err
			}
		}
	}
	return result, nil
}

func (h *Hydrator) hydrateAttachmentsOf(ctx context.Context, rt fhir.ResourceType, raw json.RawMessage) (changed bool, updated json.RawMessage, err error) {
	var doc rawDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, nil, nil // malformed lines are skipped
	}
	if doc["resourceType"] == nil {
		return false, nil, nil
	}

	switch rt {
	case "DiagnosticReport":
		changed, err = h.hydrateAttachmentArray(ctx, doc, "presentedForm")
	case "DocumentReference":
		changed, err = h.hydrateDocumentReferenceContent(ctx, doc)
	}
	if err != nil || !changed {
		return false, nil, err
	}

	tagHydrated(doc)
	out, err := json.Marshal(doc)
	return true, out, err
}

func (h *Hydrator) hydrateAttachmentArray(ctx context.Context, doc rawDoc, field string) (bool, error) {
	raw, ok := doc[field]
	if !ok {
		return false, nil
	}
	var atts []attachment
	if err := json.Unmarshal(raw, &atts); err != nil {
		return false, nil
	}
	changed := false
	for i := range atts {
		ok, err := h.inlineAttachment(ctx, &atts[i])
		if err != nil {
			return changed, err
		}
		if ok {
			changed = true
		}
	}
	if !changed {
		return false, nil
	}
	marshaled, err := json.Marshal(atts)
	if err != nil {
		return false, err
	}
	doc[field] = marshaled
	return true, nil
}

func (h *Hydrator) hydrateDocumentReferenceContent(ctx context.Context, doc rawDoc) (bool, error) {
	raw, ok := doc["content"]
	if !ok {
		return false, nil
	}
	var contents []rawDoc
	if err := json.Unmarshal(raw, &contents); err != nil {
		return false, nil
	}
	changed := false
	for _, c := range contents {
		attRaw, ok := c["attachment"]
		if !ok {
			continue
		}
		var att attachment
		if err := json.Unmarshal(attRaw, &att); err != nil {
			continue
		}
		ok2, err := h.inlineAttachment(ctx, &att)
		if err != nil {
			return changed, err
		}
		if !ok2 {
			continue
		}
		changed = true
		marshaled, err := json.Marshal(att)
		if err != nil {
			return changed, err
		}
		c["attachment"] = marshaled
	}
	if !changed {
		return false, nil
	}
	marshaled, err := json.Marshal(contents)
	if err != nil {
		return false, err
	}
	doc["content"] = marshaled
	return true, nil
}

// inlineAttachment fetches att.URL and fills in Data/Size/Hash if the
// attachment needs hydrating and its content type is one this tool
// accepts: text/plain and text/html only, anything else is skipped with a
// log entry.
func (h *Hydrator) inlineAttachment(ctx context.Context, att *attachment) (bool, error) {
	if att.URL == "" || att.Data != "" {
		return false, nil
	}
	accept := acceptFor(att.ContentType)
	if accept == "" {
		h.Logger.Warn().Str("url", att.URL).Str("content_type", att.ContentType).Msg("skipping attachment with unsupported content type")
		return false, nil
	}

	release, err := h.Budget.Acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	u, err := url.Parse(att.URL)
	if err != nil {
		return false, fmt.Errorf("parsing attachment url %s: %w", att.URL, err)
	}
	body, err := h.Client.Get(ctx, u, accept)
	if err != nil {
		var notFound *fhir.ErrNotFound
		if errors.As(err, &notFound) {
			h.Logger.Warn().Str("url", att.URL).Msg("attachment not found, skipping")
			return false, nil
		}
		return false, err
	}

	sum := sha1.Sum(body)
	size := len(body)
	att.Data = base64.StdEncoding.EncodeToString(body)
	att.Size = &size
	att.Hash = base64.StdEncoding.EncodeToString(sum[:])
	return true, nil
}

func acceptFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "html"):
		return "text/html"
	case strings.Contains(ct, "text/plain") || ct == "":
		return "text/plain"
	default:
		return ""
	}
}

func tagHydrated(doc rawDoc) {
	var meta rawDoc
	if raw, ok := doc["meta"]; ok {
		_ = json.Unmarshal(raw, &meta)
	}
	if meta == nil {
		meta = rawDoc{}
	}
	var tags []fhir.Coding
	if raw, ok := meta["tag"]; ok {
		_ = json.Unmarshal(raw, &tags)
	}
	tags = append(tags, fhir.Coding{System: "https://fhirharvest/hydration", Code: "hydrated"})
	marshaled, _ := json.Marshal(tags)
	meta["tag"] = marshaled
	metaMarshaled, _ := json.Marshal(meta)
	doc["meta"] = metaMarshaled
}

// FillMissingObservations unions Observation IDs referenced from
// DiagnosticReport.result and Observation.hasMember with the IDs already
// present, fetches the missing ones, and appends them to the Observation
// NDJSON.
func (h *Hydrator) FillMissingObservations(ctx context.Context, se *workspace.SubExport) (Result, error) {
	result := Result{Started: time.Now().UTC()}
	defer func() { result.Finished = time.Now().UTC() }()

	present := make(map[string]bool)
	referenced := make(map[string]bool)

	reader := workspace.Reader{}
	obsPages, err := sourcePages(se.Dir, "Observation")
	if err != nil {
		return result, err
	}
	if err := reader.Scan(obsPages, func(path string, line int, raw json.RawMessage) error {
		var doc rawDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil
		}
		var id struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(raw, &id)
		if id.ID != "" {
			present[id.ID] = true
		}
		if hm, ok := doc["hasMember"]; ok {
			collectReferenceIDs(hm, "Observation", referenced)
		}
		return nil
	}); err != nil {
		return result, err
	}

	drPages, err := sourcePages(se.Dir, "DiagnosticReport")
	if err != nil {
		return result, err
	}
	if err := reader.Scan(drPages, func(path string, line int, raw json.RawMessage) error {
		var doc rawDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil
		}
		if res, ok := doc["result"]; ok {
			collectReferenceIDs(res, "Observation", referenced)
		}
		return nil
	}); err != nil {
		return result, err
	}

	var missing []string
	for id := range referenced {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)

	if len(missing) == 0 {
		return result, nil
	}

	var writer *workspace.Writer
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make(chan error, len(missing))
	for _, id := range missing {
		release, err := h.Budget.Acquire(ctx)
		if err != nil {
			return result, err
		}
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			base := h.Client.BaseURL()
			u := base.JoinPath("Observation", id)
			body, err := h.Client.Get(ctx, u, "")
			if err != nil {
				var notFound *fhir.ErrNotFound
				if errors.As(err, &notFound) {
					h.Logger.Warn().Str("id", id).Msg("referenced Observation not found, omitting")
					return
				}
				errs <- err
				return
			}
			var buf bytes.Buffer
			if err := json.Compact(&buf, body); err != nil {
				errs <- fmt.Errorf("compacting Observation %s: %w", id, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if writer == nil {
				w, err := h.writerFor(se, "Observation")
				if err != nil {
					errs <- err
					return
				}
				writer = w
			}
			if err := writer.Append(buf.Bytes()); err != nil {
				errs <- err
				return
			}
			result.Count++
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return result, err
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			return result, err
		}
	}
	return result, nil
}

// FetchReferencedMedications collects distinct Medication/<id> references
// from MedicationRequest.medicationReference, fetches each, and writes
// them to a Medication NDJSON page.
func (h *Hydrator) FetchReferencedMedications(ctx context.Context, se *workspace.SubExport) (Result, error) {
	result := Result{Started: time.Now().UTC()}
	defer func() { result.Finished = time.Now().UTC() }()

	referenced := make(map[string]bool)
	reader := workspace.Reader{}
	pages, err := sourcePages(se.Dir, "MedicationRequest")
	if err != nil {
		return result, err
	}
	if err := reader.Scan(pages, func(path string, line int, raw json.RawMessage) error {
		var doc rawDoc
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil
		}
		if mr, ok := doc["medicationReference"]; ok {
			var ref reference
			if err := json.Unmarshal(mr, &ref); err == nil {
				if rt, id, ok := fhir.Reference(ref.Reference).Resolve(); ok && rt == "Medication" {
					referenced[id] = true
				}
			}
		}
		return nil
	}); err != nil {
		return result, err
	}

	if len(referenced) == 0 {
		return result, nil
	}

	ids := make([]string, 0, len(referenced))
	for id := range referenced {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var writer *workspace.Writer
	for _, id := range ids {
		release, err := h.Budget.Acquire(ctx)
		if err != nil {
			return result, err
		}
		base := h.Client.BaseURL()
		u := base.JoinPath("Medication", id)
		body, err := h.Client.Get(ctx, u, "")
		release()
		if err != nil {
			var notFound *fhir.ErrNotFound
			if errors.As(err, &notFound) {
				h.Logger.Warn().Str("id", id).Msg("referenced Medication not found, omitting")
				continue
			}
			return result, err
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err != nil {
			return result, fmt.Errorf("compacting Medication %s: %w", id, err)
		}
		if writer == nil {
			w, err := h.writerFor(se, "Medication")
			if err != nil {
				return result, err
			}
			writer = w
		}
		if err := writer.Append(buf.Bytes()); err != nil {
			return result, err
		}
		result.Count++
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (h *Hydrator) writerFor(se *workspace.SubExport, rt fhir.ResourceType) (*workspace.Writer, error) {
	compress := se.Metadata.Params.Compression != "none"
	return workspace.NewWriter(se.Dir, rt, compress, h.RollBytes)
}

// collectReferenceIDs extracts resource IDs of type wantType from raw, an
// array of {reference} elements such as DiagnosticReport.result or
// Observation.hasMember.
func collectReferenceIDs(raw json.RawMessage, wantType string, out map[string]bool) {
	var refs []reference
	if err := json.Unmarshal(raw, &refs); err != nil {
		return
	}
	for _, r := range refs {
		if rt, id, ok := fhir.Reference(r.Reference).Resolve(); ok && string(rt) == wantType {
			out[id] = true
		}
	}
}

func sourcePages(dir string, rt fhir.ResourceType) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, string(rt)+".*.ndjson*"))
	if err != nil {
		return nil, fmt.Errorf("listing %s pages in %s: %w", rt, dir, err)
	}
	sort.Strings(matches)
	return matches, nil
}
