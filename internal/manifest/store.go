package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jobctl/jobctl/internal/statemachine"
)

const (
	ManifestFilename = "job_manifest.json"
	HistoryFilename  = "jobHistory.json"
	backupsDirName   = ".backups"

	// DefaultMaxBackups is the number of rolling manifest backups kept per
	// job (spec.md §3.2: "at most N backups retained").
	DefaultMaxBackups = 5
)

// Store loads and atomically rewrites job manifests under one jobs
// directory layout. MaxBackups defaults to DefaultMaxBackups when zero.
type Store struct {
	MaxBackups int
}

// NewStore returns a Store with default settings.
func NewStore() *Store { return &Store{MaxBackups: DefaultMaxBackups} }

func (s *Store) maxBackups() int {
	if s.MaxBackups <= 0 {
		return DefaultMaxBackups
	}
	return s.MaxBackups
}

// Load reads job_manifest.json from jobDir. If the file is missing or
// corrupt, it attempts to restore the most recent backup before giving up
// with ErrManifestMissing / ErrManifestCorrupt.
func (s *Store) Load(jobDir string) (*Manifest, error) {
	path := filepath.Join(jobDir, ManifestFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if m, restoreErr := s.restoreLatestBackup(jobDir); restoreErr == nil {
				return m, nil
			}
			return nil, ErrManifestMissing
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		if restored, restoreErr := s.restoreLatestBackup(jobDir); restoreErr == nil {
			return restored, nil
		}
		return nil, ErrManifestCorrupt
	}
	if !m.Status.IsValid() {
		if restored, restoreErr := s.restoreLatestBackup(jobDir); restoreErr == nil {
			return restored, nil
		}
		return nil, ErrManifestCorrupt
	}
	return &m, nil
}

// UpdateParams names the mutation Update applies, mirroring spec.md
// §4.1's `update(job_dir, {status?, phase?, Δcost, Δtime, history_entry?})`.
type UpdateParams struct {
	Status       *statemachine.State
	Phase        *string
	DeltaCost    float64
	DeltaTime    float64
	HistoryEntry *HistoryEntry
	// SkipBackup is set by recovery flows that already hold a fresh backup
	// from the same operation, per spec.md §4.1.
	SkipBackup bool
}

// Update loads the manifest, writes a timestamped backup (unless skipped),
// applies params, and writes the result back atomically. The backup is
// written before any mutation so a write failure afterward leaves the
// prior manifest intact and restorable.
func (s *Store) Update(jobDir string, params UpdateParams) (*Manifest, error) {
	m, err := s.Load(jobDir)
	if err != nil {
		return nil, err
	}

	if !params.SkipBackup {
		if err := s.writeBackup(jobDir, m); err != nil {
			return nil, fmt.Errorf("write manifest backup: %w", err)
		}
	}

	if params.Status != nil {
		m.Status = *params.Status
	}
	if params.Phase != nil {
		m.CurrentPhase = params.Phase
	}
	m.Metrics.CumulativeCost += params.DeltaCost
	m.Metrics.CumulativeTimeSeconds += params.DeltaTime

	if params.HistoryEntry != nil {
		entry := *params.HistoryEntry
		if entry.Timestamp.IsZero() {
			entry.Timestamp = time.Now().UTC()
		}
		m.History = append(m.History, entry)
		if entry.Event == "" {
			m.Metrics.StepCount++
		}
		if err := appendHistoryLog(jobDir, entry); err != nil {
			return nil, fmt.Errorf("append history log: %w", err)
		}
	}

	m.UpdatedAt = time.Now().UTC()
	if err := s.writeManifest(jobDir, m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// Reset zeroes run-scoped metrics and clears history, for Rerun (spec.md
// §4.2.3). It always writes a backup first, since this is a destructive
// mutation of the live record.
func (s *Store) Reset(jobDir string, fromPhaseIndex int, priorRuns int) (*Manifest, error) {
	m, err := s.Load(jobDir)
	if err != nil {
		return nil, err
	}
	if err := s.writeBackup(jobDir, m); err != nil {
		return nil, fmt.Errorf("write manifest backup: %w", err)
	}

	pending := statemachine.Pending
	m.Status = pending
	phaseName := ""
	if fromPhaseIndex >= 0 && fromPhaseIndex < len(m.Phases) {
		phaseName = m.Phases[fromPhaseIndex].Name
	}
	m.CurrentPhase = &phaseName
	m.Metrics = Metrics{}
	m.History = nil
	m.RerunInfo = &RerunInfo{From: fromPhaseIndex, RerunAt: time.Now().UTC(), PriorRuns: priorRuns}
	m.UpdatedAt = time.Now().UTC()

	if err := s.writeManifest(jobDir, m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	return m, nil
}

// writeManifest performs the write-temp-then-rename atomic write.
func (s *Store) writeManifest(jobDir string, m *Manifest) error {
	path := filepath.Join(jobDir, ManifestFilename)
	data, err := json.MarshalIndent(m, "", "  ")
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
	tmp, err := os.CreateTemp(dir, ".tmp-manifest-*")
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

func (s *Store) writeBackup(jobDir string, m *Manifest) error {
	backupDir := filepath.Join(jobDir, backupsDirName)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	stamp := time.Now().UTC().Format("20060102_150405")
	name := fmt.Sprintf("job_manifest_%s.json.backup", stamp)
	if err := atomicWriteFile(filepath.Join(backupDir, name), data); err != nil {
		return err
	}
	return s.pruneBackups(backupDir)
}

func (s *Store) pruneBackups(backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json.backup") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	max := s.maxBackups()
	if len(names) <= max {
		return nil
	}
	for _, n := range names[:len(names)-max] {
		if err := os.Remove(filepath.Join(backupDir, n)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// restoreLatestBackup loads the most recent backup and re-validates it,
// per spec.md §4.6 backup/restore.
func (s *Store) restoreLatestBackup(jobDir string) (*Manifest, error) {
	backupDir := filepath.Join(jobDir, backupsDirName)
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, ErrNoBackup
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json.backup") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, ErrNoBackup
	}
	sort.Strings(names)
	latest := names[len(names)-1]

	data, err := os.ReadFile(filepath.Join(backupDir, latest))
	if err != nil {
		return nil, ErrNoBackup
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil || !m.Status.IsValid() {
		return nil, ErrNoBackup
	}
	return &m, nil
}

// appendHistoryLog appends entry as one JSON line to jobHistory.json, the
// secondary audit log distinct from the manifest's own embedded history
// (spec.md §3.1).
func appendHistoryLog(jobDir string, entry HistoryEntry) error {
	path := filepath.Join(jobDir, HistoryFilename)
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
