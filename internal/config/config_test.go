package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenNoConfigFilePresent(t *testing.T) {
	dir := t.TempDir()
	v := New(dir)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobsDir != "jobs" {
		t.Errorf("JobsDir = %q, want jobs", cfg.JobsDir)
	}
	if cfg.Executor.Binary != "claude" {
		t.Errorf("Executor.Binary = %q, want claude", cfg.Executor.Binary)
	}
	if cfg.Sentinel.WorkerTimeoutMinutes != 30 {
		t.Errorf("Sentinel.WorkerTimeoutMinutes = %d, want 30", cfg.Sentinel.WorkerTimeoutMinutes)
	}
	if cfg.Budget.WarningPercentage != 75.0 {
		t.Errorf("Budget.WarningPercentage = %v, want 75.0", cfg.Budget.WarningPercentage)
	}
}

func TestLoadDerivesDurationsFromSecondsFields(t *testing.T) {
	dir := t.TempDir()
	v := New(dir)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Executor.Timeout != 1800*time.Second {
		t.Errorf("Executor.Timeout = %v, want 1800s", cfg.Executor.Timeout)
	}
	if cfg.Locks.AcquireTimeout != 30*time.Second {
		t.Errorf("Locks.AcquireTimeout = %v, want 30s", cfg.Locks.AcquireTimeout)
	}
}

func TestLoadReadsProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	projectCfgDir := filepath.Join(dir, ".jobctl")
	if err := os.MkdirAll(projectCfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	contents := "jobs_dir: custom-jobs\nbase_branch: develop\nsentinel:\n  worker_timeout_minutes: 45\n"
	if err := os.WriteFile(filepath.Join(projectCfgDir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	v := New(dir)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobsDir != "custom-jobs" {
		t.Errorf("JobsDir = %q, want custom-jobs", cfg.JobsDir)
	}
	if cfg.BaseBranch != "develop" {
		t.Errorf("BaseBranch = %q, want develop", cfg.BaseBranch)
	}
	if cfg.Sentinel.WorkerTimeoutMinutes != 45 {
		t.Errorf("Sentinel.WorkerTimeoutMinutes = %d, want 45", cfg.Sentinel.WorkerTimeoutMinutes)
	}
	// Untouched fields still fall back to defaults.
	if cfg.Executor.Binary != "claude" {
		t.Errorf("Executor.Binary = %q, want claude", cfg.Executor.Binary)
	}
}

func TestEnvOverridesProjectConfigFile(t *testing.T) {
	dir := t.TempDir()
	projectCfgDir := filepath.Join(dir, ".jobctl")
	if err := os.MkdirAll(projectCfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	contents := "jobs_dir: from-file\n"
	if err := os.WriteFile(filepath.Join(projectCfgDir, "config.yaml"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("JOBCTL_JOBS_DIR", "from-env")

	v := New(dir)
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobsDir != "from-env" {
		t.Errorf("JobsDir = %q, want from-env (env should win over project file)", cfg.JobsDir)
	}
}

func TestFlagOverrideWinsOverEverything(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("JOBCTL_JOBS_DIR", "from-env")

	v := New(dir)
	v.Set("jobs_dir", "from-flag")
	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JobsDir != "from-flag" {
		t.Errorf("JobsDir = %q, want from-flag (explicit Set should win)", cfg.JobsDir)
	}
}

func TestCleanupToPolicyConvertsUnits(t *testing.T) {
	c := Cleanup{
		CleanupCompletedJobs:    true,
		FailedJobsAfterDays:     7,
		CancelledJobsAfterHours: 24,
		PreserveFailedJobs:      false,
		MaxBackupsPerJob:        5,
	}
	p := c.ToPolicy()
	if p.CleanupFailedJobsAfter != 7*24*time.Hour {
		t.Errorf("CleanupFailedJobsAfter = %v, want 168h", p.CleanupFailedJobsAfter)
	}
	if p.CleanupCancelledJobsAfter != 24*time.Hour {
		t.Errorf("CleanupCancelledJobsAfter = %v, want 24h", p.CleanupCancelledJobsAfter)
	}
	if p.MaxBackupsPerJob != 5 {
		t.Errorf("MaxBackupsPerJob = %d, want 5", p.MaxBackupsPerJob)
	}
}

func TestSentinelToConfigConvertsUnits(t *testing.T) {
	s := Sentinel{
		WorkerTimeoutMinutes:     30,
		SupervisorTimeoutMinutes: 15,
		CriticalTimeoutMinutes:   90,
		CheckIntervalSeconds:     60,
		AutoIntervene:            true,
		MaxInterventionsPerHour:  6,
	}
	c := s.ToConfig()
	if c.WorkerTimeout != 30*time.Minute {
		t.Errorf("WorkerTimeout = %v, want 30m", c.WorkerTimeout)
	}
	if c.SupervisorTimeout != 15*time.Minute {
		t.Errorf("SupervisorTimeout = %v, want 15m", c.SupervisorTimeout)
	}
	if c.CriticalTimeout != 90*time.Minute {
		t.Errorf("CriticalTimeout = %v, want 90m", c.CriticalTimeout)
	}
	if c.CheckInterval != 60*time.Second {
		t.Errorf("CheckInterval = %v, want 60s", c.CheckInterval)
	}
	if !c.AutoIntervene || c.MaxInterventionsPerHour != 6 {
		t.Errorf("AutoIntervene/MaxInterventionsPerHour not carried through: %+v", c)
	}
}

func TestWatchAndReloadInvokesCallbackOnFileChange(t *testing.T) {
	dir := t.TempDir()
	projectCfgDir := filepath.Join(dir, ".jobctl")
	if err := os.MkdirAll(projectCfgDir, 0o755); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(projectCfgDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("jobs_dir: initial\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	v := New(dir)
	if _, err := Load(v); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan *Config, 1)
	WatchAndReload(v, func(cfg *Config) {
		select {
		case changed <- cfg:
		default:
		}
	})

	if err := os.WriteFile(cfgPath, []byte("jobs_dir: updated\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.JobsDir != "updated" {
			t.Errorf("JobsDir = %q, want updated", cfg.JobsDir)
		}
	case <-time.After(5 * time.Second):
		t.Skip("fsnotify did not fire within timeout on this filesystem")
	}
}
