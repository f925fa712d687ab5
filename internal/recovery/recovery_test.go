package recovery

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/statemachine"
)

func jsonMarshalIndent(m *manifest.Manifest) ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func newJobDir(t *testing.T, status statemachine.State, updatedAt time.Time) (string, *manifest.Store) {
	t.Helper()
	jobDir := t.TempDir()
	store := manifest.NewStore()
	phase := "build"
	m := &manifest.Manifest{
		JobID:        "job-1",
		Status:       status,
		CurrentPhase: &phase,
		Phases:       []manifest.Phase{{Name: "build"}},
		CreatedAt:    updatedAt.Add(-time.Hour),
		UpdatedAt:    updatedAt,
	}
	data, err := jsonMarshalIndent(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, manifest.ManifestFilename), data, 0o644); err != nil {
		t.Fatal(err)
	}
	return jobDir, store
}

func TestIsCrashedWhenExecutingAndLockAbsent(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC())
	m, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	if !IsCrashed(jobDir, m) {
		t.Fatalf("expected crashed=true when executing with no lock held")
	}
}

func TestIsCrashedFalseWhenLockHeld(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC())
	if err := os.WriteFile(filepath.Join(jobDir, ".lock"), []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	if IsCrashed(jobDir, m) {
		t.Fatalf("expected crashed=false when lock is held")
	}
}

func TestIsHungDetectsStaleExecuting(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC().Add(-time.Hour))
	m, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	if !IsHung(m, time.Now().UTC(), DefaultHungTimeout) {
		t.Fatalf("expected hung=true after 1h with 30m threshold")
	}
}

func TestIsHungFalseForNonExecutingStates(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Pending, time.Now().UTC().Add(-time.Hour))
	m, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	if IsHung(m, time.Now().UTC(), DefaultHungTimeout) {
		t.Fatalf("expected hung=false for PENDING")
	}
}

func TestRecoverExecutingTransitionsToPending(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC().Add(-time.Hour))
	m, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := Recover(store, jobDir, m, time.Now().UTC())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if updated.Status != statemachine.Pending {
		t.Fatalf("Status = %s, want PENDING", updated.Status)
	}
	if len(updated.History) != 1 || updated.History[0].Event != "CRASH_RECOVERY" {
		t.Fatalf("expected one CRASH_RECOVERY history entry, got %+v", updated.History)
	}
}

func TestRecoverRunningAliasStatesTransitionToPending(t *testing.T) {
	for _, status := range []statemachine.State{statemachine.Provisioning, statemachine.Harvesting, statemachine.Recovering} {
		jobDir, store := newJobDir(t, status, time.Now().UTC().Add(-time.Hour))
		m, err := store.Load(jobDir)
		if err != nil {
			t.Fatal(err)
		}
		updated, err := Recover(store, jobDir, m, time.Now().UTC())
		if err != nil {
			t.Fatalf("Recover(%s): %v", status, err)
		}
		if updated.Status != statemachine.Pending {
			t.Fatalf("Recover(%s): Status = %s, want PENDING", status, updated.Status)
		}
		if len(updated.History) != 1 || updated.History[0].Event != "CRASH_RECOVERY" {
			t.Fatalf("Recover(%s): expected one CRASH_RECOVERY history entry, got %+v", status, updated.History)
		}
	}
}

func TestRecoverReviewRequiredStaysInPlace(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.ReviewRequired, time.Now().UTC().Add(-time.Hour))
	m, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := Recover(store, jobDir, m, time.Now().UTC())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if updated.Status != statemachine.ReviewRequired {
		t.Fatalf("Status = %s, want REVIEW_REQUIRED unchanged", updated.Status)
	}
	if updated.History[0].Action != string(SupervisorRecovery) {
		t.Fatalf("Action = %s, want %s", updated.History[0].Action, SupervisorRecovery)
	}
}

func TestRecoverPreservesCumulativeMetrics(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC().Add(-time.Hour))
	if _, err := store.Update(jobDir, manifest.UpdateParams{DeltaCost: 12.5, SkipBackup: true}); err != nil {
		t.Fatal(err)
	}
	// reload to pick up persisted baseline then simulate a crash recovery
	fresh, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	updated, err := Recover(store, jobDir, fresh, time.Now().UTC())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if updated.Metrics.CumulativeCost != fresh.Metrics.CumulativeCost {
		t.Fatalf("CumulativeCost = %f, want preserved %f", updated.Metrics.CumulativeCost, fresh.Metrics.CumulativeCost)
	}
}

func TestReattachmentFalseWhenNoLockFile(t *testing.T) {
	jobDir := t.TempDir()
	if _, alive := Reattachment(jobDir); alive {
		t.Fatalf("expected alive=false with no lock file")
	}
}

func TestAuditFlagsCrashedJobAsNeedsAttention(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC())
	idx := jobsindex.New()
	idx.AddJob("job-1", jobDir)

	report, err := Audit(context.Background(), idx, store, DefaultHungTimeout, 2)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.Verdict != NeedsAttention {
		t.Fatalf("Verdict = %s, want needs_attention", report.Verdict)
	}
	if len(report.Findings) != 1 || !report.Findings[0].Crashed {
		t.Fatalf("Findings = %+v, want one crashed finding", report.Findings)
	}
}

func TestAuditHealthyWhenNothingWrong(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Pending, time.Now().UTC())
	idx := jobsindex.New()
	idx.AddJob("job-1", jobDir)

	report, err := Audit(context.Background(), idx, store, DefaultHungTimeout, 2)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if report.Verdict != Healthy {
		t.Fatalf("Verdict = %s, want healthy", report.Verdict)
	}
}

func TestBulkRecoverRecoversCrashedJobs(t *testing.T) {
	jobsDir := t.TempDir()
	jobDir := filepath.Join(jobsDir, "job-1")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		t.Fatal(err)
	}
	store := manifest.NewStore()
	phase := "build"
	m := &manifest.Manifest{
		JobID: "job-1", Status: statemachine.Executing, CurrentPhase: &phase,
		Phases: []manifest.Phase{{Name: "build"}}, CreatedAt: time.Now().UTC().Add(-time.Hour),
		UpdatedAt: time.Now().UTC(),
	}
	data, err := jsonMarshalIndent(m)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(jobDir, manifest.ManifestFilename), data, 0o644); err != nil {
		t.Fatal(err)
	}

	idx := jobsindex.New()
	idx.AddJob("job-1", jobDir)

	result, err := BulkRecover(jobsDir, idx, store, DefaultHungTimeout, time.Second)
	if err != nil {
		t.Fatalf("BulkRecover: %v", err)
	}
	if len(result.Recovered) != 1 || result.Recovered[0] != "job-1" {
		t.Fatalf("Recovered = %+v, want [job-1]", result.Recovered)
	}

	final, err := store.Load(jobDir)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != statemachine.Pending {
		t.Fatalf("final Status = %s, want PENDING", final.Status)
	}
}

func TestValidateStatePersistenceRecoversCrashedJob(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Executing, time.Now().UTC())
	m, recovered, err := ValidateStatePersistence(store, jobDir, DefaultHungTimeout, time.Now().UTC())
	if err != nil {
		t.Fatalf("ValidateStatePersistence: %v", err)
	}
	if !recovered {
		t.Fatal("expected recovered=true for an EXECUTING job with no held lock")
	}
	if m.Status != statemachine.Pending {
		t.Fatalf("Status = %s, want PENDING", m.Status)
	}
}

func TestValidateStatePersistenceLeavesHealthyJobUntouched(t *testing.T) {
	jobDir, store := newJobDir(t, statemachine.Pending, time.Now().UTC())
	m, recovered, err := ValidateStatePersistence(store, jobDir, DefaultHungTimeout, time.Now().UTC())
	if err != nil {
		t.Fatalf("ValidateStatePersistence: %v", err)
	}
	if recovered {
		t.Fatal("expected recovered=false for a healthy PENDING job")
	}
	if m.Status != statemachine.Pending {
		t.Fatalf("Status = %s, want PENDING", m.Status)
	}
}
