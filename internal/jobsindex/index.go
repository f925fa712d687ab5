// Package jobsindex maintains the jobs directory's process-wide index
// (spec.md §3.5) and the per-job directory lifecycle (spec.md §4.4).
// Index mutation is the caller's responsibility to serialize through the
// index lock (internal/lockmgr); this package only defines the data shape
// and atomic persistence, matching spec.md §4.4's invariant that mutation
// "occurs only under the index lock" — a property enforced by callers, not
// by this type.
package jobsindex

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const IndexFilename = "jobs_index.json"

// Index is the jobs directory's process-wide registry.
type Index struct {
	CurrentJobID string            `json:"current_job_id,omitempty"`
	Jobs         map[string]string `json:"jobs"`
	Queue        []string          `json:"queue"`
	ArchivedJobs []string          `json:"archived_jobs"`
}

// New returns an empty index.
func New() *Index {
	return &Index{Jobs: map[string]string{}}
}

// Store loads and atomically rewrites the jobs index.
type Store struct{}

// NewStore returns an index Store.
func NewStore() *Store { return &Store{} }

// Load reads jobs_index.json from jobsDir, returning a fresh empty index
// if the file does not yet exist.
func (s *Store) Load(jobsDir string) (*Index, error) {
	path := filepath.Join(jobsDir, IndexFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, fmt.Errorf("read jobs index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse jobs index: %w", err)
	}
	if idx.Jobs == nil {
		idx.Jobs = map[string]string{}
	}
	return &idx, nil
}

// Save writes idx atomically (write-temp-then-rename), matching the
// manifest store's pattern.
func (s *Store) Save(jobsDir string, idx *Index) error {
	path := filepath.Join(jobsDir, IndexFilename)
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return atomicWriteFile(path, data)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-jobsindex-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	success = true
	return nil
}

// AddJob registers jobID at absPath.
func (idx *Index) AddJob(jobID, absPath string) {
	if idx.Jobs == nil {
		idx.Jobs = map[string]string{}
	}
	idx.Jobs[jobID] = absPath
}

// RemoveJob unregisters jobID, dequeues it, and clears CurrentJobID if it
// was jobID.
func (idx *Index) RemoveJob(jobID string) {
	delete(idx.Jobs, jobID)
	idx.Dequeue(jobID)
	if idx.CurrentJobID == jobID {
		idx.CurrentJobID = ""
	}
}

// Archive moves jobID from Jobs into ArchivedJobs.
func (idx *Index) Archive(jobID string) {
	idx.RemoveJob(jobID)
	for _, a := range idx.ArchivedJobs {
		if a == jobID {
			return
		}
	}
	idx.ArchivedJobs = append(idx.ArchivedJobs, jobID)
}

// Enqueue appends jobID to the run queue, deduplicating (spec.md §8
// boundary behavior: "queue tolerates duplicates during reconstruction but
// activate deduplicates").
func (idx *Index) Enqueue(jobID string) {
	for _, q := range idx.Queue {
		if q == jobID {
			return
		}
	}
	idx.Queue = append(idx.Queue, jobID)
}

// Dequeue removes the first occurrence of jobID from the queue.
func (idx *Index) Dequeue(jobID string) {
	out := idx.Queue[:0]
	removed := false
	for _, q := range idx.Queue {
		if q == jobID && !removed {
			removed = true
			continue
		}
		out = append(out, q)
	}
	idx.Queue = out
}

// DequeueHead removes and returns the queue's head, or "" if empty.
func (idx *Index) DequeueHead() string {
	if len(idx.Queue) == 0 {
		return ""
	}
	head := idx.Queue[0]
	idx.Queue = idx.Queue[1:]
	return head
}

// SelectCurrent sets jobID as the implicit target, if it is a known job.
func (idx *Index) SelectCurrent(jobID string) error {
	if _, ok := idx.Jobs[jobID]; !ok {
		return fmt.Errorf("select current: unknown job %q", jobID)
	}
	idx.CurrentJobID = jobID
	return nil
}

// Validate checks the invariant that every queue entry names a known job.
func (idx *Index) Validate() error {
	for _, q := range idx.Queue {
		if _, ok := idx.Jobs[q]; !ok {
			return fmt.Errorf("queue entry %q is not a registered job", q)
		}
	}
	return nil
}
