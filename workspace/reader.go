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

package workspace

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// LineError carries file/line context for a malformed NDJSON record.
// Malformed lines are recoverable; they do not abort the stream.
type LineError struct {
	Path string
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Reader streams resources out of one or many NDJSON files, transparently
// decompressing gzip-suffixed files. It scans line-by-line via bufio,
// reading buffered bytes without loading a whole file into memory, since
// each chunk must be parsed as JSON rather than reported as byte offsets.
type Reader struct{}

// Scan calls fn once per NDJSON line found in paths, in order, passing the
// path, 1-based line number, and raw JSON bytes. A line that fails to
// parse, or for which fn itself returns an error, does not abort the
// scan: it is recorded as a *LineError and scanning continues with the
// next line. Scan returns a non-nil error only once every path has been
// fully scanned, joining every recorded *LineError (or a file-level error
// such as "file not found", which does abort immediately).
func (Reader) Scan(paths []string, fn func(path string, line int, raw json.RawMessage) error) error {
	var lineErrs []error
	for _, path := range paths {
		errs, err := scanFile(path, fn)
		if err != nil {
			return err
		}
		lineErrs = append(lineErrs, errs...)
	}
	return errors.Join(lineErrs...)
}

func scanFile(path string, fn func(path string, line int, raw json.RawMessage) error) ([]error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)

	var lineErrs []error
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var raw json.RawMessage
		if err := json.Unmarshal(line, &raw); err != nil {
			lineErrs = append(lineErrs, &LineError{Path: path, Line: lineNo, Err: err})
			continue
		}
		if err := fn(path, lineNo, raw); err != nil {
			lineErrs = append(lineErrs, &LineError{Path: path, Line: lineNo, Err: err})
		}
	}
	if err := scanner.Err(); err != nil {
		return lineErrs, fmt.Errorf("scanning %s: %w", path, err)
	}
	return lineErrs, nil
}
