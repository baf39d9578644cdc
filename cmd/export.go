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

package cmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fhirharvest/fhirharvest/bulkexport"
	"github.com/fhirharvest/fhirharvest/cohort"
	"github.com/fhirharvest/fhirharvest/crawl"
	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/spf13/cobra"
)

// acquisitionFlags is the flag set shared by export, bulk and crawl: the
// server to pull from, the cohort the crawl (or Group-scoped bulk export)
// is limited to, and the type/since/nickname/compression parameters that
// become a normalized workspace.Params.
type acquisitionFlags struct {
	fhirURL            string
	auth               authFlags
	insecureSkipVerify bool

	group      string
	idList     []string
	idFile     string
	sourceDir  string
	idSystem   string

	types            []string
	typeFilters      []string
	noDefaultFilters bool
	since            string
	sinceMode        string
	nickname         string
	compression      string
	exportMode       string

	concurrency sched.Config
}

func registerAcquisitionFlags(cmd *cobra.Command, f *acquisitionFlags, allowExportMode bool) {
	registerFHIRFlags(cmd, &f.fhirURL, &f.auth, &f.insecureSkipVerify)
	registerConcurrencyFlags(cmd, &f.concurrency)

	cmd.Flags().StringVar(&f.group, "group", "", "server-side FHIR Group to scope the export/crawl to")
	cmd.Flags().StringSliceVar(&f.idList, "id-list", nil, "comma-separated Patient ids (or, with --id-system, business identifiers) to scope the crawl to")
	cmd.Flags().StringVar(&f.idFile, "id-file", "", "file of newline- or CSV-delimited Patient ids/identifiers, one per line")
	cmd.Flags().StringVar(&f.sourceDir, "source-dir", "", "reuse the Patient ids already present in a prior export/workspace directory")
	cmd.Flags().StringVar(&f.idSystem, "id-system", "", "identifier system that --id-list/--id-file values belong to; omit to treat them as raw Patient.id values")

	cmd.Flags().StringSliceVar(&f.types, "type", nil, "resource types to acquire (default: the tool's built-in crawl-plan set)")
	cmd.Flags().StringSliceVar(&f.typeFilters, "type-filter", nil, "additional FHIR _typeFilter clauses, one per --type-filter")
	cmd.Flags().BoolVar(&f.noDefaultFilters, "no-default-filters", false, "disable the built-in per-type default search filters (e.g. Observation's category filter)")
	cmd.Flags().StringVar(&f.since, "since", "", `lower bound on resource date: "auto" to resume from the last complete sub-export, an RFC3339 instant, or empty for no bound`)
	cmd.Flags().StringVar(&f.sinceMode, "since-mode", "", `"updated" or "created"; default is chosen from the server's capability statement`)
	cmd.Flags().StringVar(&f.nickname, "nickname", "", "label for the new sub-export directory; default is today's date")
	cmd.Flags().StringVar(&f.compression, "compression", "gzip", `NDJSON page compression: "gzip" or "none"`)
	if allowExportMode {
		cmd.Flags().StringVar(&f.exportMode, "export-mode", "", `force "bulk" or "crawl" instead of probing the server's capability statement`)
	}
}

func newExportCmd() *cobra.Command {
	f := &acquisitionFlags{}
	cmd := &cobra.Command{
		Use:   "export <workspace-dir>",
		Short: "Acquire resources into a workspace, choosing bulk export or crawl automatically",
		Long: `export pulls FHIR resources into an incremental, resumable Workspace
directory.

It probes the server's capability statement and uses the HL7 Bulk Data
Access $export workflow when the server advertises it, falling back to a
per-patient search crawl otherwise. --export-mode overrides the probe.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAcquisition(cmd, args[0], f, f.exportMode)
		},
	}
	registerAcquisitionFlags(cmd, f, true)
	return cmd
}

func newBulkCmd() *cobra.Command {
	f := &acquisitionFlags{}
	cmd := &cobra.Command{
		Use:   "bulk <workspace-dir>",
		Short: "Acquire resources via the HL7 Bulk Data Access $export workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAcquisition(cmd, args[0], f, "bulk")
		},
	}
	registerAcquisitionFlags(cmd, f, false)
	return cmd
}

func newCrawlCmd() *cobra.Command {
	f := &acquisitionFlags{}
	cmd := &cobra.Command{
		Use:   "crawl <workspace-dir>",
		Short: "Acquire resources via a per-patient search fan-out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAcquisition(cmd, args[0], f, "crawl")
		},
	}
	registerAcquisitionFlags(cmd, f, false)
	return cmd
}

func init() {
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newBulkCmd())
	rootCmd.AddCommand(newCrawlCmd())
}

// defaultCrawlTypes is the acquisition scope used when --type is omitted:
// every resource type the built-in search plan knows, Patient and Device
// included.
func defaultCrawlTypes() []string {
	types := make([]string, 0, len(crawl.Plan))
	for rt := range crawl.Plan {
		types = append(types, string(rt))
	}
	sort.Strings(types)
	return types
}

func hasCohortSpec(f *acquisitionFlags) bool {
	return f.group != "" || len(f.idList) > 0 || f.idFile != "" || f.sourceDir != ""
}

// runAcquisition is the shared core of export/bulk/crawl: it resolves the
// acquisition mode, opens the workspace's next SubExport, and drives
// either the Bulk Exporter or the Cohort Resolver + Crawler against it.
func runAcquisition(cmd *cobra.Command, workspaceDir string, f *acquisitionFlags, forcedMode string) error {
	cfg, err := loadConfigFile(configFile)
	if err != nil {
		return err
	}
	applyConfigDefaults(cmd, &f.fhirURL, &f.auth, &f.insecureSkipVerify, &f.compression, cfg)
	applyConcurrencyDefaults(cmd, &f.concurrency, cfg)
	f.sinceMode = stringDefault(cmd, "since-mode", f.sinceMode, cfg.SinceMode)
	if f.compression == "" {
		f.compression = "gzip"
	}
	if len(f.types) == 0 {
		f.types = defaultCrawlTypes()
	}

	client, err := buildClient(f.fhirURL, f.auth, f.insecureSkipVerify)
	if err != nil {
		return err
	}

	ws, err := workspace.Open(workspaceDir)
	if err != nil {
		return err
	}
	defer ws.Close()

	mode := forcedMode
	var cs fhir.CapabilityStatement
	if mode == "" || mode == "auto" || f.sinceMode == "" {
		cs, err = client.FetchCapabilityStatement(cmd.Context())
		if err != nil {
			return fmt.Errorf("probing server capability statement: %w", err)
		}
	}
	if mode == "" || mode == "auto" {
		if cs.SupportsBulkExport() {
			mode = "bulk"
		} else {
			mode = "crawl"
		}
	}
	if f.sinceMode == "" {
		f.sinceMode = resolveSinceMode("", cs)
	}

	params := workspace.Params{
		FHIRURL:     f.fhirURL,
		Types:       f.types,
		TypeFilters: f.typeFilters,
		Since:       f.since,
		SinceMode:   f.sinceMode,
		Mode:        mode,
		Nickname:    f.nickname,
		Compression: f.compression,
	}
	// Re-running with parameters identical to an already-completed
	// sub-export is a no-op: no new sub-export, no network requests.
	if latest, err := ws.LatestComplete(); err == nil && latest != nil &&
		latest.Metadata.Params.Hash() == params.Hash() {
		fmt.Printf("sub-export %s already completed with identical parameters; nothing to do\n", latest.Dir)
		return nil
	}

	se, err := ws.OpenSubExport(params)
	if err != nil {
		return err
	}
	runStart := time.Now()

	logFile, err := openLogSink(se.Dir)
	if err != nil {
		return err
	}
	defer logFile.Close()

	sup := buildSupervisor(f.concurrency, logFile)
	defer sup.Shutdown()

	switch mode {
	case "bulk":
		err = runBulk(sup, client, ws, se, f)
	case "crawl":
		err = runCrawl(sup, client, ws, se, f)
	default:
		return fmt.Errorf("unknown acquisition mode %q", mode)
	}
	if err != nil {
		sup.Logger.Error().Err(err).Msg("acquisition failed")
		return err
	}

	if err := ws.Finalize(se); err != nil {
		return err
	}
	sup.Logger.Info().Str("sub_export", se.Dir).Int("failed_count", se.Metadata.FailedCount).Msg("acquisition complete")
	logRunSummary(sup.Logger, client, se.Dir, runStart)
	return nil
}

func runBulk(sup *sched.Supervisor, client *fhir.Client, ws *workspace.Workspace, se *workspace.SubExport, f *acquisitionFlags) error {
	base := client.BaseURL()
	kickoffURL := base.JoinPath("$export")
	if f.group != "" {
		kickoffURL = base.JoinPath("Group", f.group, "$export")
	}

	since := f.since
	if since == "auto" {
		since = ""
		if latest, err := ws.LatestComplete(); err == nil && latest != nil {
			since = latest.Metadata.TransactionTimes[workspace.BulkTransactionTimeKey]
		}
	}

	exporter := bulkexport.NewExporter(client, sup.Bulk, sup.Logger)
	return exporter.Run(sup.Context(), se, kickoffURL, bulkexport.KickoffParams{
		Types:       f.types,
		TypeFilters: f.typeFilters,
		Since:       since,
	})
}

func runCrawl(sup *sched.Supervisor, client *fhir.Client, ws *workspace.Workspace, se *workspace.SubExport, f *acquisitionFlags) error {
	if !hasCohortSpec(f) {
		return newConfigError(errors.New("crawl mode requires one of --group, --id-list, --id-file or --source-dir"))
	}

	subs, err := ws.ListPrior()
	if err != nil {
		return err
	}
	var prior *workspace.SubExport
	for _, s := range subs {
		if s.Dir == se.Dir {
			continue
		}
		if s.Metadata != nil && s.Metadata.Cohort != nil {
			if prior == nil || s.Index > prior.Index {
				prior = s
			}
		}
	}
	priorSnapshot, err := cohort.PriorSnapshot(prior)
	if err != nil {
		return err
	}

	resolver := cohort.NewResolver(client, sup.Bulk)
	c, err := resolver.Resolve(sup.Context(), cohort.Spec{
		IDList:    f.idList,
		IDFile:    f.idFile,
		SourceDir: f.sourceDir,
		Group:     f.group,
		IDSystem:  f.idSystem,
	}, priorSnapshot)
	if err != nil {
		return err
	}

	se.Metadata.Cohort = &workspace.Cohort{Source: c.Snapshot.Source, Hash: c.Hash(), Count: len(c.IDs)}
	if err := se.Save(); err != nil {
		return err
	}
	if err := workspace.WriteDeleted(se, "Patient", c.RemovedIDs); err != nil {
		return err
	}

	var priorTimes map[string]string
	if f.since == "auto" {
		if latest, err := ws.LatestComplete(); err == nil && latest != nil {
			priorTimes = latest.Metadata.TransactionTimes
		}
	}

	patientIDs := make([]string, 0, len(c.IDs))
	for id := range c.IDs {
		patientIDs = append(patientIDs, id)
	}
	sort.Strings(patientIDs)

	newPatients := make(map[string]bool, len(c.NewIDs))
	for _, id := range c.NewIDs {
		newPatients[id] = true
	}

	types := make([]fhir.ResourceType, 0, len(f.types))
	for _, t := range f.types {
		types = append(types, fhir.ResourceType(strings.TrimSpace(t)))
	}

	since := make(map[fhir.ResourceType]string, len(types))
	for _, rt := range types {
		since[rt] = resolveSince(f.since, priorTimes, "", string(rt))
	}

	crawler := crawl.NewCrawler(client, sup.CrawlPatient, sup.CrawlType, sup.Logger)
	crawler.SinceMode = f.sinceMode
	crawler.NoDefaultFilters = f.noDefaultFilters
	crawler.TypeFilters = f.typeFilters
	if len(patientIDs) > 0 {
		bar := sup.Progress("crawl patients", len(patientIDs))
		crawler.OnPatientDone = func() { bar.Increment() }
	}
	report, err := crawler.Run(sup.Context(), se, patientIDs, newPatients, types, since)
	if err != nil {
		return err
	}
	sup.Wait()

	transactionTimes := make(map[string]string, len(report.TransactionTimes))
	for rt, t := range report.TransactionTimes {
		transactionTimes[string(rt)] = t
	}
	se.Metadata.TransactionTimes = transactionTimes
	se.Metadata.FailedCount = report.FailedCount
	return se.Save()
}
