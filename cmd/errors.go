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
	"context"
	"errors"

	"github.com/fhirharvest/fhirharvest/bulkexport"
	"github.com/fhirharvest/fhirharvest/fhir"
)

// ConfigError marks a fatal configuration problem detected before any
// network request is made (missing/contradictory flags): exit code 1.
type ConfigError struct{ err error }

func newConfigError(err error) *ConfigError { return &ConfigError{err: err} }
func (e *ConfigError) Error() string        { return e.err.Error() }
func (e *ConfigError) Unwrap() error        { return e.err }

// exitCode classifies a command's returned error into an exit code: 0
// completion/clean resume, 1 fatal config error, 2 cancellation, 3
// unrecoverable server or authentication error. Anything unclassified
// falls back to 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return 1
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 2
	}

	var gone *fhir.ErrGone
	var fatal *fhir.ErrFatalStatus
	var expired *bulkexport.ErrExpired
	var auth *fhir.ErrAuthentication
	if errors.As(err, &gone) || errors.As(err, &fatal) || errors.As(err, &expired) || errors.As(err, &auth) {
		return 3
	}

	return 1
}
