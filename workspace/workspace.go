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

// Package workspace implements the export-directory layout, sub-export
// numbering, symlink pooling, and atomic metadata files that bind bulk
// export, crawl and hydration runs together across invocations.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// SubExport is a single acquisition run's output directory within a
// Workspace: "NNN.label", e.g. "003.2024-05-01" or "003.second".
type SubExport struct {
	Dir      string
	Index    int
	Label    string
	Metadata *Metadata
}

// DeletedDir returns the path to this SubExport's deleted/ directory.
func (se *SubExport) DeletedDir() string { return filepath.Join(se.Dir, "deleted") }

// Save persists se.Metadata atomically.
func (se *SubExport) Save() error { return WriteMetadata(se.Dir, se.Metadata) }

// Workspace is the user-facing output directory: a set of SubExport
// subdirectories plus top-level symlinks pointing into the sub-export that
// produced each resource-type page.
type Workspace struct {
	Dir  string
	lock *lockFile
}

// Open takes the Workspace's advisory lock, keeping concurrent runs off
// the same Workspace, and returns a handle. Open creates dir if it does
// not exist.
func Open(dir string) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace directory %s: %w", dir, err)
	}
	lock, err := acquireLock(filepath.Join(dir, ".lock"))
	if err != nil {
		return nil, err
	}
	return &Workspace{Dir: dir, lock: lock}, nil
}

// Close releases the Workspace's lock.
func (w *Workspace) Close() error { return w.lock.release() }

// ListPrior returns every SubExport directory found in the Workspace,
// ordered by ascending sequence number, with metadata.json parsed where
// present.
func (w *Workspace) ListPrior() ([]*SubExport, error) {
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing workspace %s: %w", w.Dir, err)
	}

	var subs []*SubExport
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		idx, label, ok := ParseLabel(e.Name())
		if !ok {
			continue
		}
		dir := filepath.Join(w.Dir, e.Name())
		se := &SubExport{Dir: dir, Index: idx, Label: label}
		if m, err := ReadMetadata(dir); err == nil {
			se.Metadata = m
		}
		subs = append(subs, se)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Index < subs[j].Index })
	return subs, nil
}

// LatestComplete returns the highest-numbered SubExport whose
// metadata.json has complete=true, or nil if none exists. Used to resolve
// `--since=auto`.
func (w *Workspace) LatestComplete() (*SubExport, error) {
	subs, err := w.ListPrior()
	if err != nil {
		return nil, err
	}
	var latest *SubExport
	for _, se := range subs {
		if se.Metadata != nil && se.Metadata.Complete {
			if latest == nil || se.Index > latest.Index {
				latest = se
			}
		}
	}
	return latest, nil
}

// OpenSubExport returns the SubExport a run with the given params should
// write into. If an in-progress SubExport exists (metadata.json without
// complete=true) with structurally-equal normalized params, it is reused
// so the interrupted run resumes. If an in-progress SubExport exists with
// different params, that is an error: only one in-progress SubExport per
// Workspace is allowed at a time. Otherwise a new SubExport is created at
// the next sequence number.
func (w *Workspace) OpenSubExport(params Params) (*SubExport, error) {
	subs, err := w.ListPrior()
	if err != nil {
		return nil, err
	}

	maxIndex := 0
	normalized := params.Normalize()
	for _, se := range subs {
		if se.Index > maxIndex {
			maxIndex = se.Index
		}
		if se.Metadata != nil && !se.Metadata.Complete {
			if se.Metadata.Params.Hash() == normalized.Hash() {
				return se, nil
			}
			return nil, fmt.Errorf("workspace %s has an in-progress sub-export %s with different parameters; finish or remove it before starting a new run", w.Dir, se.Dir)
		}
	}

	label := normalized.Nickname
	if label == "" {
		label = time.Now().UTC().Format("2006-01-02")
	}
	index := maxIndex + 1
	dirName := fmt.Sprintf("%03d.%s", index, label)
	dir := filepath.Join(w.Dir, dirName)
	if err := os.MkdirAll(filepath.Join(dir, "deleted"), 0755); err != nil {
		return nil, fmt.Errorf("creating sub-export directory %s: %w", dir, err)
	}

	m := &Metadata{Params: normalized, Started: time.Now().UTC()}
	if err := WriteMetadata(dir, m); err != nil {
		return nil, err
	}
	return &SubExport{Dir: dir, Index: index, Label: label, Metadata: m}, nil
}

// Finalize persists se's metadata and pools its output into the
// Workspace's top-level symlinks. It marks se complete unless its
// FailedCount is non-zero: a SubExport with any crawl query that finally
// failed after exhausting retries stays incomplete so a later
// `--since=auto` run falls back to the prior complete SubExport instead
// of trusting a partial one.
func (w *Workspace) Finalize(se *SubExport) error {
	se.Metadata.Complete = se.Metadata.FailedCount == 0
	se.Metadata.Finished = time.Now().UTC()
	if err := se.Save(); err != nil {
		return err
	}
	return w.Pool(se)
}

// Pool recreates the Workspace's top-level symlinks for every resource
// type se produced, keeping the global page numbering dense and monotonic
// across all SubExports.
func (w *Workspace) Pool(se *SubExport) error {
	for rt := range resourceTypesInDir(se.Dir) {
		if err := w.relinkResourceType(rt); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) relinkResourceType(resourceType string) error {
	subs, err := w.ListPrior()
	if err != nil {
		return err
	}

	existing, err := filepath.Glob(filepath.Join(w.Dir, resourceType+".*.ndjson*"))
	if err != nil {
		return err
	}
	for _, p := range existing {
		if fi, err := os.Lstat(p); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if err := os.Remove(p); err != nil {
				return fmt.Errorf("removing stale symlink %s: %w", p, err)
			}
		}
	}

	global := 0
	for _, s := range subs {
		pages, err := filepath.Glob(filepath.Join(s.Dir, resourceType+".*.ndjson*"))
		if err != nil {
			return err
		}
		sort.Strings(pages)
		for _, pagePath := range pages {
			global++
			linkName := filepath.Join(w.Dir, fmt.Sprintf("%s.%03d.ndjson%s", resourceType, global, extensionOf(pagePath)))
			rel, err := filepath.Rel(w.Dir, pagePath)
			if err != nil {
				return err
			}
			if err := os.Symlink(rel, linkName); err != nil {
				return fmt.Errorf("linking %s -> %s: %w", linkName, rel, err)
			}
		}
	}
	return nil
}

// AppendDeleted records ids as removed-resource stubs in the SubExport's
// deleted/<ResourceType>.ndjson, one {"resourceType","id"} object per line.
// The bulk exporter's manifest deleted[] processing writes through here;
// the cohort delta reconciliation uses WriteDeleted instead.
func AppendDeleted(se *SubExport, resourceType string, ids []string) error {
	return writeDeleted(se, resourceType, ids, os.O_APPEND)
}

// WriteDeleted is AppendDeleted with overwrite semantics, for callers that
// recompute the full removed set on every (possibly resumed) run, such as
// the cohort delta reconciliation.
func WriteDeleted(se *SubExport, resourceType string, ids []string) error {
	return writeDeleted(se, resourceType, ids, os.O_TRUNC)
}

func writeDeleted(se *SubExport, resourceType string, ids []string, mode int) error {
	if len(ids) == 0 {
		return nil
	}
	if err := os.MkdirAll(se.DeletedDir(), 0755); err != nil {
		return err
	}
	path := filepath.Join(se.DeletedDir(), resourceType+".ndjson")
	f, err := os.OpenFile(path, mode|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	for _, id := range ids {
		stub, err := json.Marshal(map[string]string{"resourceType": resourceType, "id": id})
		if err != nil {
			return err
		}
		if _, err := f.Write(append(stub, '\n')); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

func extensionOf(path string) string {
	if strings.HasSuffix(path, ".ndjson.gz") {
		return ".gz"
	}
	return ""
}

func resourceTypesInDir(dir string) map[string]bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	set := make(map[string]bool)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if rt, ok := resourceTypeFromPageName(e.Name()); ok {
			set[rt] = true
		}
	}
	return set
}

func resourceTypeFromPageName(name string) (string, bool) {
	base := strings.TrimSuffix(name, ".gz")
	base = strings.TrimSuffix(base, ".ndjson")
	idx := strings.LastIndex(base, ".")
	if idx < 0 {
		return "", false
	}
	numPart := base[idx+1:]
	if len(numPart) != 3 {
		return "", false
	}
	for _, c := range numPart {
		if c < '0' || c > '9' {
			return "", false
		}
	}
	return base[:idx], true
}
