package jobsindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/jobctl/jobctl/internal/manifest"
)

// listConcurrencyThreshold is the job count at or above which List parallelizes
// manifest loads through an errgroup rather than loading sequentially.
const listConcurrencyThreshold = 8

// listConcurrency bounds how many manifest loads List runs in parallel.
const listConcurrency = 8

// CreateJobDir makes a fresh job directory under jobsDir/jobID. If any step
// fails, the partially-created directory is removed so creation is atomic
// from the caller's perspective (spec.md §4.4).
func CreateJobDir(jobsDir, jobID string) (path string, err error) {
	path = filepath.Join(jobsDir, jobID)
	if _, statErr := os.Stat(path); statErr == nil {
		return "", fmt.Errorf("job directory already exists: %s", path)
	}

	created := false
	defer func() {
		if err != nil && created {
			os.RemoveAll(path)
		}
	}()

	if err = os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	created = true

	for _, sub := range []string{"attachments", ".backups"} {
		if err = os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", sub, err)
		}
	}
	return path, nil
}

// findJobsDirMaxLevels bounds find_jobs_directory's upward walk, per
// spec.md §4.4.
const findJobsDirMaxLevels = 5

// FindJobsDirectory walks upward from start, at most findJobsDirMaxLevels
// levels, looking for a directory named "jobs".
func FindJobsDirectory(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}
	for level := 0; level <= findJobsDirMaxLevels; level++ {
		candidate := filepath.Join(dir, "jobs")
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no jobs directory found within %d levels of %s", findJobsDirMaxLevels, start)
}

// Summary is one row of `job list`: the index's static view merged with
// the manifest's live status, since listing reloads each manifest rather
// than trusting the cached index (spec.md §4.4).
type Summary struct {
	JobID         string
	Status        string
	CurrentPhase  string
	Objective     string
	QueuePosition int // -1 when not queued
}

// List reloads every job named in idx.Jobs and returns summaries sorted by
// job id, optionally filtered to statuses in statusFilter (all statuses
// when statusFilter is empty).
func List(idx *Index, store *manifest.Store, statusFilter map[string]bool) ([]Summary, error) {
	queuePos := map[string]int{}
	for i, id := range idx.Queue {
		queuePos[id] = i
	}

	ids := make([]string, 0, len(idx.Jobs))
	for id := range idx.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	loadOne := func(id string) (Summary, error) {
		jobDir := idx.Jobs[id]
		m, err := store.Load(jobDir)
		if err != nil {
			return Summary{JobID: id, Status: "UNKNOWN", QueuePosition: queuePosOrDefault(queuePos, id)}, nil
		}
		phase := ""
		if m.CurrentPhase != nil {
			phase = *m.CurrentPhase
		}
		return Summary{
			JobID:         id,
			Status:        string(m.Status),
			CurrentPhase:  phase,
			Objective:     m.Config.Objective,
			QueuePosition: queuePosOrDefault(queuePos, id),
		}, nil
	}

	rows := make([]Summary, len(ids))
	if len(ids) >= listConcurrencyThreshold {
		// Bounded fan-out via errgroup.SetLimit, the same idiom the
		// sentinel's scan cycle and the recovery manager's audit use —
		// a large jobs directory would otherwise serialize one manifest
		// load per job on List's critical path.
		g := &errgroup.Group{}
		g.SetLimit(listConcurrency)
		for i, id := range ids {
			i, id := i, id
			g.Go(func() error {
				rows[i], _ = loadOne(id)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, id := range ids {
			rows[i], _ = loadOne(id)
		}
	}

	var out []Summary
	for _, s := range rows {
		if len(statusFilter) > 0 && !statusFilter[s.Status] {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func queuePosOrDefault(m map[string]int, id string) int {
	if pos, ok := m[id]; ok {
		return pos
	}
	return -1
}
