package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jobctl/jobctl/internal/budget"
	"github.com/jobctl/jobctl/internal/config"
	"github.com/jobctl/jobctl/internal/executor"
	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/orchestrator"
)

// userFacingErr marks an error that should exit 1 (per spec: missing job,
// threshold exceeded, validation failure) rather than 2 (internal error).
type userFacingErr struct{ err error }

func (u *userFacingErr) Error() string { return u.err.Error() }
func (u *userFacingErr) Unwrap() error { return u.err }

func userErr(format string, args ...any) error {
	return &userFacingErr{fmt.Errorf(format, args...)}
}

// exitCodeFor classifies an error into jobctl's two-tier exit code scheme.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var uf *userFacingErr
	if errors.As(err, &uf) {
		return 1
	}
	switch {
	case errors.Is(err, manifest.ErrManifestMissing),
		errors.Is(err, manifest.ErrManifestCorrupt),
		errors.Is(err, budget.ErrThresholdExceeded),
		errors.Is(err, executor.ErrNoTaskID),
		errors.Is(err, executor.ErrSchemaInvalid):
		return 1
	}
	return 2
}

// resolveJobsDir applies spec.md §6.2's precedence: --jobs-dir flag,
// APP_JOBS_DIR env var, then an upward search from the working directory.
func resolveJobsDir() (string, error) {
	if jobsDirFlag != "" {
		return jobsDirFlag, nil
	}
	if env := os.Getenv("APP_JOBS_DIR"); env != "" {
		return env, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	dir, err := jobsindex.FindJobsDirectory(cwd)
	if err != nil {
		return "", userErr("no jobs directory found; run `jobctl init` or pass --jobs-dir")
	}
	return dir, nil
}

// resolveJobID applies spec.md §6.2's precedence: --job-id flag,
// APP_JOB_ID env var, then the jobs index's selected job.
func resolveJobID(jobsDir string) (string, error) {
	if jobIDFlag != "" {
		return jobIDFlag, nil
	}
	if env := os.Getenv("APP_JOB_ID"); env != "" {
		return env, nil
	}
	idx, err := jobsindex.NewStore().Load(jobsDir)
	if err != nil {
		return "", err
	}
	if idx.CurrentJobID == "" {
		return "", userErr("no job selected; pass --job-id or run `jobctl job select <id>`")
	}
	return idx.CurrentJobID, nil
}

// jobDirFor resolves jobsDir/jobID's absolute directory path via the index,
// falling back to the conventional <jobsDir>/<jobID> layout if the index
// lookup fails (e.g. a freshly created job not yet saved to the index).
func jobDirFor(jobsDir, jobID string) string {
	idx, err := jobsindex.NewStore().Load(jobsDir)
	if err == nil {
		if dir, ok := idx.Jobs[jobID]; ok {
			return dir
		}
	}
	return jobsDir + string(os.PathSeparator) + jobID
}

// loadConfig resolves jobctl's layered configuration for the given jobs
// directory; the project directory searched is the jobs directory's parent,
// typically the repo root.
func loadConfig(jobsDir string) (*config.Config, error) {
	if vcfg == nil {
		vcfg = config.New(filepath.Dir(jobsDir))
	}
	return config.Load(vcfg)
}

// newOrchestrator builds an orchestrator.Orchestrator from resolved config,
// wired with the session's structured logger.
func newOrchestrator(jobsDir string, cfg *config.Config) *orchestrator.Orchestrator {
	return newOrchestratorWithModel(jobsDir, cfg, "")
}

// newOrchestratorWithModel is newOrchestrator plus a per-invocation --model
// override forwarded to the executor.
func newOrchestratorWithModel(jobsDir string, cfg *config.Config, model string) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Options{
		JobsDir:        jobsDir,
		Store:          manifest.NewStore(),
		ExecutorBinary: cfg.Executor.Binary,
		OneShotFlag:    boolFlagName(cfg.Executor.OneShot),
		TaskBaseDir:    defaultTaskBaseDir(),
		BaseBranch:     cfg.BaseBranch,
		ExecTimeout:    cfg.Executor.Timeout,
		LockTimeout:    cfg.Locks.AcquireTimeout,
		HungTimeout:    time.Duration(cfg.Sentinel.WorkerTimeoutMinutes) * time.Minute,
		Model:          model,
		Logger:         logger,
	})
}

func boolFlagName(oneShot bool) string {
	if oneShot {
		return "--one-shot"
	}
	return ""
}

func defaultTaskBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".jobctl/tasks"
	}
	return home + "/.jobctl/tasks"
}
