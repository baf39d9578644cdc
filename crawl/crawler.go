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

// Package crawl implements the client-driven, per-patient search fan-out
// acquisition mode.
package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/rs/zerolog"
)

// Report summarizes a completed (or partially-failed) crawl run, feeding
// metadata.json's transactionTimes and failed_count.
type Report struct {
	TransactionTimes map[fhir.ResourceType]string
	FailedCount      int
	FailedQueries    []FailedQuery
}

// FailedQuery records one (patient, resource type) query that exhausted
// its retry budget. The crawl continues past it.
type FailedQuery struct {
	PatientID    string
	ResourceType fhir.ResourceType
	Err          string
}

// Crawler drives the per-patient, per-resource-type search fan-out,
// subject to the Supervisor's patient and type concurrency budgets.
type Crawler struct {
	Client           *fhir.Client
	PatientBudget    *sched.Budget
	TypeBudget       *sched.Budget
	Logger           zerolog.Logger
	SinceMode        string // "updated" or "created"
	NoDefaultFilters bool
	TypeFilters      []string
	RollBytes        int64

	// OnPatientDone, if set, is called once per patient whose traversal
	// has finished (successfully or not). Drives the progress bar.
	OnPatientDone func()

	mu       sync.Mutex
	writers  map[fhir.ResourceType]*workspace.Writer
	seen     map[fhir.ResourceType]map[string]bool
	maxDate  map[fhir.ResourceType]time.Time
	failures []FailedQuery
}

// NewCrawler builds a Crawler.
func NewCrawler(client *fhir.Client, patientBudget, typeBudget *sched.Budget, logger zerolog.Logger) *Crawler {
	return &Crawler{
		Client:        client,
		PatientBudget: patientBudget,
		TypeBudget:    typeBudget,
		Logger:        logger,
		writers:       make(map[fhir.ResourceType]*workspace.Writer),
		seen:          make(map[fhir.ResourceType]map[string]bool),
		maxDate:       make(map[fhir.ResourceType]time.Time),
	}
}

// Run crawls patientIDs across types, writing results into se. since gives
// the per-type lower-bound instant (empty means no filter); newPatients
// marks patients the Cohort Resolver flagged as newly added, which are
// always crawled with since=null so nothing predating their membership
// is missed.
func (c *Crawler) Run(ctx context.Context, se *workspace.SubExport, patientIDs []string, newPatients map[string]bool, types []fhir.ResourceType, since map[fhir.ResourceType]string) (Report, error) {
	start := time.Now().UTC()
	for _, rt := range types {
		c.maxDate[rt] = start
	}

	var wg sync.WaitGroup
	for _, patientID := range patientIDs {
		release, err := c.PatientBudget.Acquire(ctx)
		if err != nil {
			wg.Wait()
			return c.report(start, types), err
		}
		patientID := patientID
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			c.crawlPatient(ctx, se, patientID, newPatients[patientID], types, since)
			if c.OnPatientDone != nil {
				c.OnPatientDone()
			}
		}()
	}
	wg.Wait()

	if err := c.closeWriters(); err != nil {
		return c.report(start, types), err
	}
	return c.report(start, types), ctx.Err()
}

func (c *Crawler) report(start time.Time, types []fhir.ResourceType) Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	tt := make(map[fhir.ResourceType]string, len(types))
	for _, rt := range types {
		d := c.maxDate[rt]
		if d.IsZero() {
			d = start
		}
		tt[rt] = d.UTC().Format(time.RFC3339)
	}
	return Report{TransactionTimes: tt, FailedCount: len(c.failures), FailedQueries: append([]FailedQuery(nil), c.failures...)}
}

func (c *Crawler) crawlPatient(ctx context.Context, se *workspace.SubExport, patientID string, isNew bool, types []fhir.ResourceType, since map[fhir.ResourceType]string) {
	var wg sync.WaitGroup
	for _, rt := range types {
		release, err := c.TypeBudget.Acquire(ctx)
		if err != nil {
			wg.Wait()
			return
		}
		rt := rt
		patientSince := since[rt]
		if isNew {
			patientSince = ""
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer release()
			c.crawlPatientType(ctx, se, patientID, rt, patientSince)
		}()
	}
	wg.Wait()
}

func (c *Crawler) crawlPatientType(ctx context.Context, se *workspace.SubExport, patientID string, rt fhir.ResourceType, since string) {
	queries := c.buildQueries(rt, patientID, since)
	for _, q := range queries {
		if err := c.runQuery(ctx, se, patientID, rt, q); err != nil {
			c.recordFailure(se, patientID, rt, err)
		}
	}
}

// buildQueries returns the independent search queries for (rt,
// patientID), one per default/user type filter, unioned by the caller.
func (c *Crawler) buildQueries(rt fhir.ResourceType, patientID, since string) []url.Values {
	base := url.Values{"patient": {patientID}}
	dateParam := SearchFor(rt).CreatedDateParam
	if c.SinceMode == "updated" {
		dateParam = "_lastUpdated"
	}
	if since != "" && dateParam != "" {
		base.Set(dateParam, "ge"+since)
	}

	var clauses []string
	if !c.NoDefaultFilters {
		clauses = append(clauses, SearchFor(rt).DefaultFilters...)
	}
	clauses = append(clauses, c.TypeFilters...)
	if len(clauses) == 0 {
		return []url.Values{base}
	}

	queries := make([]url.Values, 0, len(clauses))
	for _, clause := range clauses {
		q := cloneValues(base)
		if k, v, ok := strings.Cut(clause, "="); ok {
			q.Add(k, v)
		}
		queries = append(queries, q)
	}
	return queries
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func (c *Crawler) runQuery(ctx context.Context, se *workspace.SubExport, patientID string, rt fhir.ResourceType, query url.Values) error {
	req, err := c.Client.NewSearchTypeRequest(ctx, rt, query)
	if err != nil {
		return err
	}

	out := make(chan fhir.DownloadBundle)
	go c.Client.ExpandPages(ctx, req, out)

	for page := range out {
		if page.Err != nil {
			return page.Err
		}
		for _, entry := range page.Entries {
			if entry.Resource == nil {
				continue
			}
			if err := c.writeEntry(se, rt, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Crawler) writeEntry(se *workspace.SubExport, rt fhir.ResourceType, entry fhir.BundleEntry) error {
	res, err := fhir.ParseResource(entry.Resource)
	if err != nil {
		return nil // malformed entries are skipped, not fatal
	}
	if res.ResourceType != rt || res.ID == "" {
		return nil
	}

	if c.markSeen(rt, res.ID) {
		return nil // already written; (resourceType, id) de-duplication
	}

	c.trackTransactionTime(rt, res)

	w, err := c.writerFor(se, rt)
	if err != nil {
		return err
	}

	// Servers may pretty-print resources; compact to a single line so the
	// NDJSON page stays one object per line.
	var buf bytes.Buffer
	if err := json.Compact(&buf, res.Json); err != nil {
		return fmt.Errorf("compacting resource JSON: %w", err)
	}
	return w.Append(buf.Bytes())
}

func (c *Crawler) markSeen(rt fhir.ResourceType, id string) (alreadySeen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.seen[rt]
	if !ok {
		set = make(map[string]bool)
		c.seen[rt] = set
	}
	if set[id] {
		return true
	}
	set[id] = true
	return false
}

func (c *Crawler) trackTransactionTime(rt fhir.ResourceType, res fhir.Resource) {
	if res.Meta == nil || res.Meta.LastUpdated == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, res.Meta.LastUpdated)
	if err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.maxDate[rt]) {
		c.maxDate[rt] = t
	}
}

func (c *Crawler) writerFor(se *workspace.SubExport, rt fhir.ResourceType) (*workspace.Writer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.writers[rt]; ok {
		return w, nil
	}
	compress := se.Metadata.Params.Compression != "none"
	w, err := workspace.NewWriter(se.Dir, rt, compress, c.RollBytes)
	if err != nil {
		return nil, err
	}
	c.writers[rt] = w
	return w, nil
}

func (c *Crawler) closeWriters() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writers {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) recordFailure(se *workspace.SubExport, patientID string, rt fhir.ResourceType, err error) {
	c.mu.Lock()
	c.failures = append(c.failures, FailedQuery{PatientID: patientID, ResourceType: rt, Err: err.Error()})
	c.mu.Unlock()
	c.Logger.Warn().
		Str("phase", "crawl").
		Str("resource_type", string(rt)).
		Str("patient_id", patientID).
		Err(err).
		Msg("crawl query failed after exhausting retries")
}
