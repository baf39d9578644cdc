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
	"time"

	"github.com/fhirharvest/fhirharvest/hydrate"
	"github.com/fhirharvest/fhirharvest/sched"
	"github.com/fhirharvest/fhirharvest/workspace"
	"github.com/spf13/cobra"
)

func newHydrateCmd() *cobra.Command {
	var (
		fhirURL            string
		auth               authFlags
		insecureSkipVerify bool
		concurrency        sched.Config
		subExport          string
		force              bool
	)

	cmd := &cobra.Command{
		Use:   "hydrate <workspace-dir>",
		Short: "Inline note attachments, fetch referenced Medications, and fill in missing Observations for a sub-export",
		Long: `hydrate runs the three idempotent enrichment tasks over one sub-export
of a workspace: inlining DiagnosticReport/DocumentReference attachments,
fetching Medications referenced from MedicationRequest, and closing the gap
between Observations referenced by hasMember/result and the ones already on
disk. Re-running it is a no-op unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFile(configFile)
			if err != nil {
				return err
			}
			applyConfigDefaults(cmd, &fhirURL, &auth, &insecureSkipVerify, nil, cfg)
			applyConcurrencyDefaults(cmd, &concurrency, cfg)

			client, err := buildClient(fhirURL, auth, insecureSkipVerify)
			if err != nil {
				return err
			}

			ws, err := workspace.Open(args[0])
			if err != nil {
				return err
			}
			defer ws.Close()

			se, err := selectSubExport(ws, subExport)
			if err != nil {
				return err
			}

			logFile, err := openLogSink(se.Dir)
			if err != nil {
				return err
			}
			defer logFile.Close()

			sup := buildSupervisor(concurrency, logFile)
			defer sup.Shutdown()

			runStart := time.Now()
			h := hydrate.NewHydrator(client, sup.HydrateAttachment, sup.Logger)
			if err := h.Run(sup.Context(), se, force); err != nil {
				return err
			}
			// Hydration may have added pages (new Medication files, extra
			// Observation/DiagnosticReport pages); refresh the workspace's
			// top-level symlinks to cover them.
			if err := ws.Pool(se); err != nil {
				return err
			}
			sup.Logger.Info().Str("sub_export", se.Dir).Msg("hydration complete")
			logRunSummary(sup.Logger, client, se.Dir, runStart)
			return nil
		},
	}

	registerFHIRFlags(cmd, &fhirURL, &auth, &insecureSkipVerify)
	registerConcurrencyFlags(cmd, &concurrency)
	cmd.Flags().StringVar(&subExport, "sub-export", "", "sub-export directory name to hydrate (default: the latest one in the workspace)")
	cmd.Flags().BoolVar(&force, "force", false, "re-run tasks even if metadata.json already reports them complete")
	return cmd
}

// selectSubExport resolves --sub-export to a workspace.SubExport: an
// explicit directory name, or the highest-numbered one when omitted.
func selectSubExport(ws *workspace.Workspace, name string) (*workspace.SubExport, error) {
	subs, err := ws.ListPrior()
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("workspace %s has no sub-exports to hydrate", ws.Dir)
	}
	if name == "" {
		return subs[len(subs)-1], nil
	}
	for _, s := range subs {
		if s.Label == name || s.Dir == name {
			return s, nil
		}
	}
	return nil, fmt.Errorf("no sub-export named %q in workspace %s", name, ws.Dir)
}

func init() {
	rootCmd.AddCommand(newHydrateCmd())
}
