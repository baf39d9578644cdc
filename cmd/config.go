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

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
)

// FileConfig is the shape of the --config TOML file: defaults for any
// flag an export/bulk/crawl/single/hydrate invocation accepts. Explicit
// flags always win over a loaded config value.
type FileConfig struct {
	FHIRURL     string `toml:"fhir_url"`
	Compression string `toml:"compression"`
	SinceMode   string `toml:"since_mode"`

	Auth struct {
		TokenURL       string `toml:"token_url"`
		ClientID       string `toml:"client_id"`
		KeyID          string `toml:"key_id"`
		PrivateKeyFile string `toml:"private_key_file"`
		Scope          string `toml:"scope"`
	} `toml:"auth"`

	InsecureSkipVerify bool `toml:"insecure_skip_verify"`

	Concurrency struct {
		Bulk              int `toml:"bulk"`
		CrawlPatient      int `toml:"crawl_patient"`
		CrawlType         int `toml:"crawl_type"`
		HydrateAttachment int `toml:"hydrate_attachment"`
	} `toml:"concurrency"`
}

// loadConfigFile parses path as a FileConfig. An empty path is not an
// error: it yields a zero-value FileConfig, so commands can unconditionally
// call this with the --config flag's value.
func loadConfigFile(path string) (FileConfig, error) {
	var cfg FileConfig
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("loading config file %s: %w", path, err)
	}
	return cfg, nil
}

// stringDefault returns flagValue unless the flag was not set on the
// command line and configValue is non-empty, in which case it returns
// configValue.
func stringDefault(cmd *cobra.Command, name, flagValue, configValue string) string {
	if cmd.Flags().Changed(name) || configValue == "" {
		return flagValue
	}
	return configValue
}

func boolDefault(cmd *cobra.Command, name string, flagValue, configValue bool) bool {
	if cmd.Flags().Changed(name) {
		return flagValue
	}
	return configValue || flagValue
}

func intDefault(cmd *cobra.Command, name string, flagValue, configValue int) int {
	if cmd.Flags().Changed(name) || configValue <= 0 {
		return flagValue
	}
	return configValue
}
