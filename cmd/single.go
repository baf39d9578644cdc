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
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"

	"github.com/fhirharvest/fhirharvest/fhir"
	"github.com/spf13/cobra"
)

// newSingleCmd is a single-shot download command: one resource type, one
// NDJSON file, no workspace, for ad-hoc use outside the incremental
// workspace model. Built on fhir.Client so it shares retry, pagination and
// SMART backend-services auth with every other command.
func newSingleCmd() *cobra.Command {
	var fhirURL string
	var auth authFlags
	var insecureSkipVerify bool
	var resourceType string
	var query string
	var outputFile string

	cmd := &cobra.Command{
		Use:   "single",
		Short: "Download FHIR resources of a single type into an NDJSON file",
		Long: `Downloads FHIR resources of a single type and writes them into an NDJSON file.

Resources can be limited by the mandatory --type flag and an optional
-q/--query FHIR search query. No workspace is created; this is for ad-hoc
pulls outside the incremental export/crawl model.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resourceType == "" {
				return newConfigError(fmt.Errorf("--type is required"))
			}
			if outputFile == "" {
				return newConfigError(fmt.Errorf("--output-file is required"))
			}

			cfg, err := loadConfigFile(configFile)
			if err != nil {
				return err
			}
			applyConfigDefaults(cmd, &fhirURL, &auth, &insecureSkipVerify, nil, cfg)

			client, err := buildClient(fhirURL, auth, insecureSkipVerify)
			if err != nil {
				return err
			}

			q, err := url.ParseQuery(query)
			if err != nil {
				return newConfigError(fmt.Errorf("parsing --query %s: %w", query, err))
			}

			f, err := os.OpenFile(outputFile, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
			if err != nil {
				if os.IsExist(err) {
					return newConfigError(fmt.Errorf("output file %s already exists", outputFile))
				}
				return fmt.Errorf("creating output file %s: %w", outputFile, err)
			}
			defer f.Close()
			sink := bufio.NewWriter(f)
			defer sink.Flush()

			ctx := cmd.Context()
			req, err := client.NewSearchTypeRequest(ctx, fhir.ResourceType(resourceType), q)
			if err != nil {
				return fmt.Errorf("building search request: %w", err)
			}

			pages := make(chan fhir.DownloadBundle, 2)
			go client.ExpandPages(ctx, req, pages)

			var resources int
			for page := range pages {
				if page.Err != nil {
					return fmt.Errorf("downloading %s: %w", resourceType, page.Err)
				}
				n, err := writeEntries(page.Entries, sink)
				resources += n
				if err != nil {
					return fmt.Errorf("writing resources from %s: %w", page.RequestURL, err)
				}
			}

			fmt.Printf("wrote %d %s resources to %s\n", resources, resourceType, outputFile)
			return nil
		},
	}

	registerFHIRFlags(cmd, &fhirURL, &auth, &insecureSkipVerify)
	cmd.Flags().StringVar(&resourceType, "type", "", "FHIR resource type to download, e.g. Patient")
	cmd.Flags().StringVarP(&query, "query", "q", "", "FHIR search query")
	cmd.Flags().StringVarP(&outputFile, "output-file", "o", "", "path to the NDJSON file downloaded resources get written to")
	_ = cmd.MarkFlagFilename("output-file", "ndjson")

	return cmd
}

// writeEntries appends the resource body of every search-mode entry in
// entries to sink as one compacted JSON object per line, skipping inline
// OperationOutcome entries (search mode "outcome").
func writeEntries(entries []fhir.BundleEntry, sink *bufio.Writer) (int, error) {
	var n int
	var buf bytes.Buffer
	for _, e := range entries {
		if e.Search != nil && e.Search.Mode == "outcome" {
			continue
		}
		buf.Reset()
		if err := json.Compact(&buf, e.Resource); err != nil {
			return n, fmt.Errorf("compacting resource JSON: %w", err)
		}
		if _, err := sink.Write(buf.Bytes()); err != nil {
			return n, err
		}
		if _, err := sink.Write([]byte{'\n'}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func init() {
	rootCmd.AddCommand(newSingleCmd())
}
