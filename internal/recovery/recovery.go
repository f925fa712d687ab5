// Package recovery implements spec.md §4.6: crash and hung-process
// detection, automatic state repair, reattachment, bulk recovery sweeps,
// and the system-wide consistency audit. Grounded on the teacher's
// internal/supervisor crash-recovery pass (ScanForOrphans/Reattach) but
// retargeted from the teacher's process-registry model to job manifests,
// per-job lock files, and the canonical state machine.
package recovery

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/lockmgr"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/safety"
	"github.com/jobctl/jobctl/internal/statemachine"
	"github.com/jobctl/jobctl/internal/workspace"
)

// DefaultHungTimeout is the default staleness threshold for hung-process
// detection, per spec.md §4.6.
const DefaultHungTimeout = 30 * time.Minute

// executingStates are the system-driven states under which a live process
// is expected to hold the job's lock.
var executingStates = map[statemachine.State]bool{
	statemachine.Provisioning: true,
	statemachine.Executing:    true,
	statemachine.Harvesting:   true,
	statemachine.Recovering:   true,
}

// Kind distinguishes which role's process was found hung or crashed, per
// spec.md §4.6's worker_recovery / supervisor_recovery split.
type Kind string

const (
	WorkerRecovery     Kind = "worker_recovery"
	SupervisorRecovery Kind = "supervisor_recovery"
)

// IsCrashed reports whether m's status names a system-driven executing
// state while no process holds the job's lock — the crash-detection
// heuristic of spec.md §4.6.
func IsCrashed(jobDir string, m *manifest.Manifest) bool {
	return executingStates[m.Status] && lockmgr.IsAvailable(lockmgr.JobLockPath(jobDir))
}

// IsHung reports whether m has sat in RUNNING (EXECUTING) or REVIEWING
// (REVIEW_REQUIRED) for longer than threshold without an update.
func IsHung(m *manifest.Manifest, now time.Time, threshold time.Duration) bool {
	if m.Status != statemachine.Executing && m.Status != statemachine.ReviewRequired {
		return false
	}
	return now.Sub(m.UpdatedAt) > threshold
}

// kindFor identifies which recovery kind a hung/crashed job's status maps
// to: EXECUTING is the worker's phase, REVIEW_REQUIRED the supervisor's.
func kindFor(status statemachine.State) Kind {
	if status == statemachine.ReviewRequired {
		return SupervisorRecovery
	}
	return WorkerRecovery
}

// Reattachment reports whether a still-live process appears to hold
// jobDir's lock, combining the lock file's recorded PID with an OS-level
// liveness check (spec.md §4.6: "PID + log mtime + non-blocking lock
// attempt"). When the lock is absent or its recorded process is dead,
// reattachment is not possible and recovery should proceed.
func Reattachment(jobDir string) (pid int, alive bool) {
	holder, ok := lockmgr.Inspect(lockmgr.JobLockPath(jobDir))
	if !ok {
		return 0, false
	}
	if !safety.ValidHostname(holder.Hostname) {
		// Lock was written by a different host; this process has no way
		// to probe that PID's liveness, so treat it as not reattachable.
		return holder.PID, false
	}
	return holder.PID, workspace.PidAlive(holder.PID)
}

// Recover transitions a crashed or hung job back to an actionable state,
// preserving its cumulative metrics, and appends a CRASH_RECOVERY history
// entry recording which kind of recovery fired. Any RUNNING-alias sub-state
// (PROVISIONING/EXECUTING/HARVESTING/RECOVERING) recovers to PENDING so the
// next run re-enters at the current phase; REVIEW_REQUIRED has no canonical
// "REVIEWING" state to fall back to (it IS the canonical name), so it stays
// REVIEW_REQUIRED and only the history entry marks that a supervisor
// recovery occurred.
func Recover(store *manifest.Store, jobDir string, m *manifest.Manifest, now time.Time) (*manifest.Manifest, error) {
	kind := kindFor(m.Status)
	target := recoveredStatus(m.Status)

	params := manifest.UpdateParams{
		HistoryEntry: &manifest.HistoryEntry{
			Timestamp: now,
			Event:     "CRASH_RECOVERY",
			Role:      string(statemachine.RoleSystem),
			Action:    string(kind),
			Summary:   fmt.Sprintf("automatic recovery (%s) from stale status %s", kind, m.Status),
			NewStatus: string(target),
		},
	}
	if target != m.Status {
		params.Status = &target
	}
	return store.Update(jobDir, params)
}

// ValidateStatePersistence implements spec.md §4.2.1 step 1: the
// orchestrator's "recover first" guard. It loads the job's manifest and,
// if it finds crash or hang evidence, recovers it in place before
// returning. The caller always continues with the returned manifest,
// whether or not recovery fired.
func ValidateStatePersistence(store *manifest.Store, jobDir string, hungTimeout time.Duration, now time.Time) (m *manifest.Manifest, recovered bool, err error) {
	m, err = store.Load(jobDir)
	if err != nil {
		return nil, false, err
	}
	if IsCrashed(jobDir, m) || IsHung(m, now, hungTimeout) {
		recoveredManifest, err := Recover(store, jobDir, m, now)
		if err != nil {
			return nil, false, err
		}
		return recoveredManifest, true, nil
	}
	return m, false, nil
}

// recoveredStatus maps a crashed/hung status to its recovery target: every
// RUNNING-alias sub-state collapses to PENDING; REVIEW_REQUIRED and any
// other status are left as-is.
func recoveredStatus(from statemachine.State) statemachine.State {
	if executingStates[from] {
		return statemachine.Pending
	}
	return from
}

// AuditVerdict is the system-wide health classification of spec.md §4.6.
type AuditVerdict string

const (
	Healthy        AuditVerdict = "healthy"
	NeedsAttention AuditVerdict = "needs_attention"
	Critical       AuditVerdict = "critical"
)

// JobFinding records what the audit observed for one job.
type JobFinding struct {
	JobID    string
	Crashed  bool
	Hung     bool
	Invalid  bool
	Problems []string
}

// AuditReport is the outcome of a full consistency audit.
type AuditReport struct {
	Findings []JobFinding
	Verdict  AuditVerdict
}

// Audit walks every job named in idx, concurrently (bounded via
// errgroup.SetLimit), checking manifest validity, crash, and hang
// conditions, and rolls the per-job findings up into a system verdict:
// critical if any job's manifest is outright invalid, needs_attention if
// any job is crashed or hung, healthy otherwise.
func Audit(ctx context.Context, idx *jobsindex.Index, store *manifest.Store, hungTimeout time.Duration, concurrency int) (AuditReport, error) {
	if hungTimeout <= 0 {
		hungTimeout = DefaultHungTimeout
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	type indexed struct {
		idx     int
		finding JobFinding
	}
	jobIDs := make([]string, 0, len(idx.Jobs))
	for id := range idx.Jobs {
		jobIDs = append(jobIDs, id)
	}
	results := make([]JobFinding, len(jobIDs))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	now := time.Now().UTC()
	for i, id := range jobIDs {
		i, id := i, id
		jobDir := idx.Jobs[id]
		g.Go(func() error {
			results[i] = auditOne(store, id, jobDir, now, hungTimeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{Findings: results, Verdict: Healthy}
	for _, f := range results {
		if f.Invalid {
			report.Verdict = Critical
		} else if (f.Crashed || f.Hung) && report.Verdict != Critical {
			report.Verdict = NeedsAttention
		}
	}
	return report, nil
}

func auditOne(store *manifest.Store, jobID, jobDir string, now time.Time, hungTimeout time.Duration) JobFinding {
	finding := JobFinding{JobID: jobID}
	m, err := store.Load(jobDir)
	if err != nil {
		finding.Invalid = true
		finding.Problems = append(finding.Problems, err.Error())
		return finding
	}
	if m.CreatedAt.IsZero() || m.UpdatedAt.Before(m.CreatedAt) {
		finding.Invalid = true
		finding.Problems = append(finding.Problems, "non-monotonic or missing timestamps")
	}
	if finding.Crashed = IsCrashed(jobDir, m); finding.Crashed {
		finding.Problems = append(finding.Problems, "executing status with no held lock (crashed)")
	}
	if finding.Hung = IsHung(m, now, hungTimeout); finding.Hung {
		finding.Problems = append(finding.Problems, fmt.Sprintf("no update in over %s (hung)", hungTimeout))
	}
	return finding
}

// BulkResult summarizes one sweep's recoveries and reaped locks.
type BulkResult struct {
	Recovered   []string
	ReapedLocks []string
	Skipped     []string
}

// BulkRecover sweeps every job in idx: reaps stale locks first, then for
// each job still crashed or hung (and not reattachable to a live process)
// acquires its lock, re-validates under the lock, and recovers it. Each
// job's lock acquisition is bounded by lockTimeout so one stuck job cannot
// stall the whole sweep.
func BulkRecover(jobsDir string, idx *jobsindex.Index, store *manifest.Store, hungTimeout, lockTimeout time.Duration) (*BulkResult, error) {
	if hungTimeout <= 0 {
		hungTimeout = DefaultHungTimeout
	}
	result := &BulkResult{}

	reaped, err := lockmgr.CleanupStaleLocks(jobsDir, lockmgr.DefaultStaleAge)
	if err != nil {
		return nil, fmt.Errorf("cleanup stale locks: %w", err)
	}
	result.ReapedLocks = reaped

	now := time.Now().UTC()
	for jobID, jobDir := range idx.Jobs {
		m, err := store.Load(jobDir)
		if err != nil {
			result.Skipped = append(result.Skipped, jobID)
			continue
		}
		if !IsCrashed(jobDir, m) && !IsHung(m, now, hungTimeout) {
			continue
		}
		if pid, alive := Reattachment(jobDir); alive {
			_ = pid // a live process still holds the job; leave it alone
			result.Skipped = append(result.Skipped, jobID)
			continue
		}

		err = lockmgr.WithJobLock(jobDir, lockTimeout, func() error {
			fresh, loadErr := store.Load(jobDir)
			if loadErr != nil {
				return loadErr
			}
			if !IsCrashed(jobDir, fresh) && !IsHung(fresh, now, hungTimeout) {
				return nil
			}
			_, recErr := Recover(store, jobDir, fresh, now)
			return recErr
		})
		if err != nil {
			result.Skipped = append(result.Skipped, jobID)
			continue
		}
		result.Recovered = append(result.Recovered, jobID)
	}
	return result, nil
}
