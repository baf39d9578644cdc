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

package util

import (
	"fmt"
	"strings"

	fm "github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// FmtOperationOutcomes renders server-returned OperationOutcomes as the
// multi-line block an error message surfaces to the terminal. Outcomes and
// issues are separated by "---" lines.
func FmtOperationOutcomes(outcomes []*fm.OperationOutcome) string {
	builder := strings.Builder{}

	for i, o := range outcomes {
		if i != 0 {
			builder.WriteString("---\n")
		}
		for j, issue := range o.Issue {
			if j != 0 {
				builder.WriteString("---\n")
			}
			fmtIssue(&builder, issue)
		}
	}

	return builder.String()
}

func fmtIssue(builder *strings.Builder, issue fm.OperationOutcomeIssue) {
	fmt.Fprintf(builder, "Severity    : %s\n", issue.Severity.Display())
	fmt.Fprintf(builder, "Code        : %s\n", issue.Code.Definition())
	if details := issue.Details; details != nil {
		if text := details.Text; text != nil {
			fmt.Fprintf(builder, "Details     : %s\n", *text)
		} else if codings := details.Coding; len(codings) > 0 {
			if code := codings[0].Code; code != nil {
				fmt.Fprintf(builder, "Details     : %s\n", *code)
			}
		}
	}
	if diagnostics := issue.Diagnostics; diagnostics != nil {
		fmt.Fprintf(builder, "Diagnostics : %s\n", *diagnostics)
	}
	if expressions := issue.Expression; len(expressions) > 0 {
		fmt.Fprintf(builder, "Expression  : %s\n", strings.Join(expressions, ", "))
	}
}
