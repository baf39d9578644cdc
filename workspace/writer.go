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
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fhirharvest/fhirharvest/fhir"
)

// DefaultRollBytes is the default uncompressed-size threshold at which a
// Writer rolls to a new page, matching common bulk export file sizes.
const DefaultRollBytes int64 = 1 << 30

// Writer is a per-resource-type rolling NDJSON writer. Append is safe for
// concurrent producers: a mutex serializes all writes to the current page,
// so one Writer owns each file and records from different producers land
// whole, one per line.
type Writer struct {
	dir          string
	resourceType fhir.ResourceType
	compress     bool
	rollBytes    int64

	mu       sync.Mutex
	page     int
	written  int64
	file     *os.File
	tmpPath  string
	gz       *gzip.Writer
	out      io.Writer
	finished bool
}

// NewWriter creates a Writer that rolls pages of resourceType's NDJSON
// output inside dir (a SubExport directory). Page numbering starts at the
// next contiguous index found on disk, so a Writer can resume a
// previously interrupted SubExport without renumbering existing pages.
func NewWriter(dir string, resourceType fhir.ResourceType, compress bool, rollBytes int64) (*Writer, error) {
	if rollBytes <= 0 {
		rollBytes = DefaultRollBytes
	}
	next, err := nextPageIndex(dir, resourceType, compress)
	if err != nil {
		return nil, err
	}
	w := &Writer{dir: dir, resourceType: resourceType, compress: compress, rollBytes: rollBytes, page: next - 1}
	return w, nil
}

// nextPageIndex finds the next contiguous page number for rt in dir. Stale
// .tmp pages left by an interrupted run are partial downloads; they are
// removed here rather than counted, so the index they were writing gets
// reused and numbering stays dense.
func nextPageIndex(dir string, rt fhir.ResourceType, compress bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, err
	}
	max := 0
	prefix := string(rt) + "."
	for _, e := range entries {
		name := e.Name()
		if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return 0, fmt.Errorf("removing stale page %s: %w", name, err)
			}
			continue
		}
		var n int
		if _, err := fmt.Sscanf(name[len(prefix):], "%03d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

func (w *Writer) pageFileName(page int) string {
	if w.compress {
		return fmt.Sprintf("%s.%03d.ndjson.gz", w.resourceType, page)
	}
	return fmt.Sprintf("%s.%03d.ndjson", w.resourceType, page)
}

// Append writes resource as one NDJSON line, rolling to a new page first
// if the current page would exceed the roll threshold.
func (w *Writer) Append(resource json.RawMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.openNewPage(); err != nil {
			return err
		}
	}

	line := append(append([]byte(nil), resource...), '\n')
	if w.written > 0 && w.written+int64(len(line)) > w.rollBytes {
		if err := w.closeCurrentPage(); err != nil {
			return err
		}
		if err := w.openNewPage(); err != nil {
			return err
		}
	}

	n, err := w.out.Write(line)
	w.written += int64(n)
	if err != nil {
		return fmt.Errorf("writing to %s: %w", w.tmpPath, err)
	}
	return nil
}

func (w *Writer) openNewPage() error {
	w.page++
	w.written = 0
	final := filepath.Join(w.dir, w.pageFileName(w.page))
	w.tmpPath = final + ".tmp"

	f, err := os.OpenFile(w.tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", w.tmpPath, err)
	}
	w.file = f
	if w.compress {
		w.gz = gzip.NewWriter(f)
		w.out = w.gz
	} else {
		w.gz = nil
		w.out = f
	}
	return nil
}

// closeCurrentPage flushes, fsyncs, and atomically renames the current
// page's temp file to its final name, so readers only ever see whole
// pages.
func (w *Writer) closeCurrentPage() error {
	if w.file == nil {
		return nil
	}
	if w.gz != nil {
		if err := w.gz.Close(); err != nil {
			return fmt.Errorf("closing gzip writer: %w", err)
		}
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("fsyncing %s: %w", w.tmpPath, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.tmpPath, err)
	}
	final := filepath.Join(w.dir, w.pageFileName(w.page))
	if err := os.Rename(w.tmpPath, final); err != nil {
		return fmt.Errorf("renaming %s: %w", w.tmpPath, err)
	}
	w.file = nil
	w.gz = nil
	w.out = nil
	return nil
}

// Close finalizes the Writer's current page, if any. If nothing was ever
// appended, no file is created, so an empty result leaves no empty pages
// behind.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return nil
	}
	w.finished = true
	if w.file == nil {
		return nil
	}
	return w.closeCurrentPage()
}

// Abort discards the Writer's in-progress page, removing its temp file
// instead of finalizing it. Already-closed pages are untouched.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return nil
	}
	w.finished = true
	if w.file == nil {
		return nil
	}
	if w.gz != nil {
		_ = w.gz.Close()
	}
	err := w.file.Close()
	if rmErr := os.Remove(w.tmpPath); rmErr != nil && err == nil {
		err = rmErr
	}
	w.file = nil
	w.gz = nil
	w.out = nil
	return err
}

// PageCount returns how many pages this Writer has started (including an
// in-progress one not yet closed).
func (w *Writer) PageCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.page
}
