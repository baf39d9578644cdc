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
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/util"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// authHTTPClient is the plain HTTP client used for the backend-services
// token exchange itself, independent of the fhir.Client's own transport.
var authHTTPClient = &http.Client{}

// authFlags holds one command's SMART backend-services auth flags. A zero
// value means "proceed unauthenticated".
type authFlags struct {
	tokenURL       string
	clientID       string
	keyID          string
	privateKeyFile string
	scope          string
}

// registerFHIRFlags adds the flags every data-touching command shares:
// --fhir-url, the backend-services auth quintet, and --insecure-skip-verify.
func registerFHIRFlags(cmd *cobra.Command, fhirURL *string, auth *authFlags, insecure *bool) {
	cmd.Flags().StringVar(fhirURL, "fhir-url", "", "the base URL of the FHIR server to use")
	cmd.Flags().StringVar(&auth.tokenURL, "auth-token-url", "", "OAuth2 token endpoint for the SMART backend-services flow")
	cmd.Flags().StringVar(&auth.clientID, "auth-client-id", "", "registered client id presented in the signed JWT assertion")
	cmd.Flags().StringVar(&auth.keyID, "auth-key-id", "", "key id (kid) of the signing key, as published in the client's JWKS")
	cmd.Flags().StringVar(&auth.privateKeyFile, "auth-private-key", "", "path to a JWK file holding the signing private key")
	cmd.Flags().StringVar(&auth.scope, "auth-scope", "system/*.read", "OAuth2 scope requested in the token exchange")
	cmd.Flags().BoolVar(insecure, "insecure-skip-verify", false, "disable TLS certificate verification (testing only)")
}

// registerConcurrencyFlags adds the four named concurrency budgets.
func registerConcurrencyFlags(cmd *cobra.Command, cc *sched.Config) {
	cmd.Flags().IntVar(&cc.BulkDownloadConcurrency, "bulk-concurrency", 5, "concurrent bulk export file downloads")
	cmd.Flags().IntVar(&cc.CrawlPatientConcurrency, "crawl-patient-concurrency", 8, "concurrent patients crawled")
	cmd.Flags().IntVar(&cc.CrawlTypeConcurrency, "crawl-type-concurrency", 4, "concurrent resource-type searches per patient")
	cmd.Flags().IntVar(&cc.HydrateAttachmentConcurrency, "hydrate-concurrency", 4, "concurrent attachment/reference fetches during hydration")
}

// applyConfigDefaults fills in any flag not set on the command line from cfg;
// explicit flags always win over config-file values.
func applyConfigDefaults(cmd *cobra.Command, fhirURL *string, auth *authFlags, insecure *bool, compression *string, cfg FileConfig) {
	*fhirURL = stringDefault(cmd, "fhir-url", *fhirURL, cfg.FHIRURL)
	auth.tokenURL = stringDefault(cmd, "auth-token-url", auth.tokenURL, cfg.Auth.TokenURL)
	auth.clientID = stringDefault(cmd, "auth-client-id", auth.clientID, cfg.Auth.ClientID)
	auth.keyID = stringDefault(cmd, "auth-key-id", auth.keyID, cfg.Auth.KeyID)
	auth.privateKeyFile = stringDefault(cmd, "auth-private-key", auth.privateKeyFile, cfg.Auth.PrivateKeyFile)
	auth.scope = stringDefault(cmd, "auth-scope", auth.scope, cfg.Auth.Scope)
	*insecure = boolDefault(cmd, "insecure-skip-verify", *insecure, cfg.InsecureSkipVerify)
	if compression != nil {
		*compression = stringDefault(cmd, "compression", *compression, cfg.Compression)
	}
}

func applyConcurrencyDefaults(cmd *cobra.Command, cc *sched.Config, cfg FileConfig) {
	cc.BulkDownloadConcurrency = intDefault(cmd, "bulk-concurrency", cc.BulkDownloadConcurrency, cfg.Concurrency.Bulk)
	cc.CrawlPatientConcurrency = intDefault(cmd, "crawl-patient-concurrency", cc.CrawlPatientConcurrency, cfg.Concurrency.CrawlPatient)
	cc.CrawlTypeConcurrency = intDefault(cmd, "crawl-type-concurrency", cc.CrawlTypeConcurrency, cfg.Concurrency.CrawlType)
	cc.HydrateAttachmentConcurrency = intDefault(cmd, "hydrate-concurrency", cc.HydrateAttachmentConcurrency, cfg.Concurrency.HydrateAttachment)
}

// buildClient constructs the fhir.Client a command talks through, wiring
// up SMART backend-services auth when a private key file is configured
// and proceeding unauthenticated otherwise.
func buildClient(rawURL string, auth authFlags, insecureSkipVerify bool) (*fhir.Client, error) {
	if rawURL == "" {
		return nil, newConfigError(fmt.Errorf("--fhir-url is required"))
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, newConfigError(fmt.Errorf("parsing --fhir-url %s: %w", rawURL, err))
	}

	var opts []fhir.Option
	if insecureSkipVerify {
		opts = append(opts, fhir.WithInsecureSkipVerify())
	}

	if auth.privateKeyFile != "" {
		jwkJSON, err := os.ReadFile(auth.privateKeyFile)
		if err != nil {
			return nil, newConfigError(fmt.Errorf("reading --auth-private-key %s: %w", auth.privateKeyFile, err))
		}
		if auth.tokenURL == "" || auth.clientID == "" || auth.keyID == "" {
			return nil, newConfigError(fmt.Errorf("--auth-private-key requires --auth-token-url, --auth-client-id and --auth-key-id"))
		}
		source, err := fhir.NewBackendServicesAuth(authHTTPClient, auth.tokenURL, auth.clientID, auth.keyID, jwkJSON, auth.scope)
		if err != nil {
			return nil, newConfigError(fmt.Errorf("configuring backend-services auth: %w", err))
		}
		opts = append(opts, fhir.WithAuth(source))
	}

	return fhir.NewClient(*u, opts...), nil
}

// openLogSink opens (creating if needed) the per-SubExport log.ndjson
// file a Supervisor mirrors its structured log records into, alongside
// the console.
func openLogSink(seDir string) (*os.File, error) {
	path := filepath.Join(seDir, "log.ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return f, nil
}

// buildSupervisor wires a sched.Supervisor with cc's budgets and logFile (if
// non-nil) as the extra structured-log sink.
func buildSupervisor(cc sched.Config, logFile *os.File) *sched.Supervisor {
	if logFile != nil {
		cc.LogWriter = logFile
	}
	return sched.NewSupervisor(cc)
}

// resolveSinceMode picks "updated" or "created" when the caller hasn't
// forced one with --since-mode: "updated" unless the server's capability
// statement lacks _lastUpdated search support for Patient, in which case
// "created".
func resolveSinceMode(explicit string, cs fhir.CapabilityStatement) string {
	if explicit != "" {
		return explicit
	}
	if cs.SupportsLastUpdatedSearch("Patient") {
		return "updated"
	}
	return "created"
}

// logRunSummary reports the sub-export's page count and on-disk size
// alongside the client's request-latency percentiles, in human-readable
// units. The terminal gets counts; per-event detail stays in log.ndjson.
func logRunSummary(logger zerolog.Logger, client *fhir.Client, seDir string, started time.Time) {
	pages, totalBytes := summarizeSubExportFiles(seDir)
	latency, bytesIn := client.Stats()
	logger.Info().
		Int("pages", pages).
		Str("size", util.FmtBytesHumanReadable(float32(totalBytes))).
		Str("duration", util.FmtDurationHumanReadable(time.Since(started))).
		Str("bytes_in", util.FmtBytesHumanReadable(float32(bytesIn))).
		Str("latency_mean", util.FmtDurationHumanReadable(latency.Mean)).
		Str("latency_p95", util.FmtDurationHumanReadable(latency.Q95)).
		Str("latency_max", util.FmtDurationHumanReadable(latency.Max)).
		Msg("sub-export summary")
}

// summarizeSubExportFiles walks a SubExport directory (excluding the nested
// deleted/ subdirectory) and totals its NDJSON page count and byte size.
func summarizeSubExportFiles(seDir string) (pages int, totalBytes int64) {
	_ = filepath.WalkDir(seDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != seDir && d.Name() == "deleted" {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".gz" && filepath.Ext(path) != ".ndjson" || d.Name() == "log.ndjson" {
			return nil
		}
		if info, err := d.Info(); err == nil {
			pages++
			totalBytes += info.Size()
		}
		return nil
	})
	return pages, totalBytes
}

// resolveSince resolves the --since flag: "auto" consults the Workspace's
// latest complete SubExport's transaction time for rt (or the whole-run
// bulk transaction time), an explicit RFC3339 instant passes through
// unchanged, and an empty value means "no lower bound".
func resolveSince(explicit string, transactionTimes map[string]string, bulkKey, rt string) string {
	if explicit != "auto" {
		return explicit
	}
	if t, ok := transactionTimes[rt]; ok {
		return t
	}
	if t, ok := transactionTimes[bulkKey]; ok {
		return t
	}
	return ""
}
