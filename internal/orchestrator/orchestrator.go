// Package orchestrator drives the job lifecycle described in spec.md
// §4.2: one Step assembles a prompt, invokes the executor, extracts and
// validates its reply, advances the state machine, and commits the
// workspace — the heart of the system. Grounded on the teacher's
// cmd/ao/rpi_phased_phase_runner.go sequential phase loop (runPhaseLoop /
// runSinglePhase), retargeted from the teacher's hand-rolled phased-run
// state to the canonical manifest/statemachine pair and generalized from
// a fixed five-phase pipeline to an arbitrary phase list driven entirely
// by the manifest on disk.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/jobctl/jobctl/internal/budget"
	"github.com/jobctl/jobctl/internal/classify"
	"github.com/jobctl/jobctl/internal/executor"
	"github.com/jobctl/jobctl/internal/lockmgr"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/observer"
	"github.com/jobctl/jobctl/internal/recovery"
	"github.com/jobctl/jobctl/internal/statemachine"
	"github.com/jobctl/jobctl/internal/workspace"
)

const (
	// maxHistorySummaryEntries bounds how many recent history entries are
	// rendered into the prompt's history summary.
	maxHistorySummaryEntries = 8
	gitStatusTimeout         = 10 * time.Second
	runLoopDelay             = 500 * time.Millisecond
	latestOutcomeFilename    = "latest-outcome.json"
)

// terminalOrBlocking are the statuses at which Run stops looping, per
// spec.md §4.2.2.
var terminalOrBlocking = map[statemachine.State]bool{
	statemachine.Success:               true,
	statemachine.Canceled:              true,
	statemachine.InterventionRequired:  true,
	statemachine.ApprovalRequired:      true,
}

// Options configures an Orchestrator.
type Options struct {
	JobsDir        string
	Store          *manifest.Store
	ExecutorBinary string
	OneShotFlag    string
	TaskBaseDir    string // base directory the executor writes task dirs under
	BaseBranch     string
	ExecTimeout    time.Duration
	LockTimeout    time.Duration
	HungTimeout    time.Duration
	Model          string // when set, forwarded to the executor as --model
	Author         *workspace.Author
	// Observer optionally infers state from raw log content when the
	// executor's reply can't be parsed; nil disables the fallback.
	Observer *observer.Observer
	Logger   *zap.SugaredLogger
}

// Orchestrator ties the manifest store, state machine, workspace manager,
// executor adapter, and recovery manager into spec.md §4.2's operations.
type Orchestrator struct {
	opts Options
	log  *zap.SugaredLogger
}

// New returns an Orchestrator. A nil Logger falls back to a no-op zap
// SugaredLogger so callers never need a nil check.
func New(opts Options) *Orchestrator {
	if opts.Store == nil {
		opts.Store = manifest.NewStore()
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 30 * time.Minute
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 30 * time.Second
	}
	if opts.HungTimeout <= 0 {
		opts.HungTimeout = recovery.DefaultHungTimeout
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Orchestrator{opts: opts, log: log}
}

func (o *Orchestrator) jobDir(jobID string) string {
	return filepath.Join(o.opts.JobsDir, jobID)
}

func (o *Orchestrator) logger(jobID string) *zap.SugaredLogger {
	return o.log.With("job_id", jobID)
}

// Step implements spec.md §4.2.1 end to end: recover-first, load & guard,
// resolve phase & role, provision, assemble prompt, invoke, extract,
// validate, persist, validate evidence, transition, commit, release.
func (o *Orchestrator) Step(ctx context.Context, jobID string) (*manifest.Manifest, error) {
	jobDir := o.jobDir(jobID)
	log := o.logger(jobID)
	store := o.opts.Store

	// 1. Recover first.
	m, recovered, err := recovery.ValidateStatePersistence(store, jobDir, o.opts.HungTimeout, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("validate state persistence: %w", err)
	}
	if recovered {
		log.Infow("recovered stale job before stepping", "status", m.Status)
	}

	// 2. Load & guard.
	if m.Status.IsTerminal() || m.Status == statemachine.Suspended {
		return nil, fmt.Errorf("job %s is not steppable in status %s", jobID, m.Status)
	}
	if err := budget.CheckGate(m); err != nil {
		return nil, err
	}

	// 3. Resolve phase & role.
	role := m.ActiveRole()
	phase := ""
	if m.CurrentPhase != nil {
		phase = *m.CurrentPhase
	}
	log = log.With("phase", phase)

	// 4. Provision workspace, under the job lock for the remainder of the step.
	lock, err := lockmgr.LockJob(jobDir, o.opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	defer lock.Release()

	layout := workspace.NewLayout(jobDir)
	if _, err := os.Stat(layout.WorkspaceDir); os.IsNotExist(err) {
		if err := workspace.Provision(o.opts.JobsDir, jobDir, jobID, o.opts.BaseBranch, o.opts.ExecTimeout, nil); err != nil {
			pending := statemachine.InterventionRequired
			_, _ = store.Update(jobDir, manifest.UpdateParams{
				Status: &pending,
				HistoryEntry: &manifest.HistoryEntry{
					Event:     "PROVISION_FAIL",
					Role:      string(statemachine.RoleSystem),
					Summary:   err.Error(),
					NewStatus: string(statemachine.InterventionRequired),
				},
			})
			return nil, fmt.Errorf("provision workspace: %w", err)
		}
	}

	previousOutcome, err := copyAttachmentsAndOutcome(layout)
	if err != nil {
		log.Warnw("attachment/outcome copy failed (non-fatal)", "error", err)
	}

	provisioning := statemachine.Provisioning
	m, err = store.Update(jobDir, manifest.UpdateParams{
		Status: &provisioning,
		HistoryEntry: &manifest.HistoryEntry{
			Event: "PROVISIONING", Role: string(statemachine.RoleSystem),
			NewStatus: string(statemachine.Provisioning),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record provisioning: %w", err)
	}
	executing := statemachine.Executing
	m, err = store.Update(jobDir, manifest.UpdateParams{
		Status: &executing,
		HistoryEntry: &manifest.HistoryEntry{
			Event: "EXECUTING", Role: string(statemachine.RoleSystem),
			NewStatus: string(statemachine.Executing),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("record executing: %w", err)
	}

	// 5. Assemble prompt.
	promptCtx := buildPromptContext(m, layout, o.opts.JobsDir, string(role), previousOutcome)
	promptPath, err := writePromptFile(layout.WorkspaceDir, promptCtx)
	if err != nil {
		return nil, fmt.Errorf("write prompt file: %w", err)
	}
	defer os.Remove(promptPath)

	attachFiles, err := workspace.DiscoverAttachFiles(renderPrompt(promptCtx), layout, roleFilePath(o.opts.JobsDir, string(role)), nil)
	if err != nil {
		log.Warnw("attachment discovery failed (non-fatal)", "error", err)
	}

	// 6. Invoke executor.
	var extraArgs []string
	if o.opts.Model != "" {
		extraArgs = []string{"--model", o.opts.Model}
	}
	result, invokeErr := executor.Invoke(ctx, executor.Options{
		Binary:      o.opts.ExecutorBinary,
		OneShotFlag: o.opts.OneShotFlag,
		PromptFile:  promptPath,
		AttachFiles: attachFiles,
		WorkDir:     layout.WorkspaceDir,
		Timeout:     o.opts.ExecTimeout,
		ExtraArgs:   extraArgs,
	})
	if invokeErr != nil {
		return o.handleExecutorFailure(jobDir, m, role, classify.Failure{
			ExitCode: result.ExitCode, Stdout: result.Stdout, Stderr: result.Stderr,
			TimedOut: result.TimedOut,
		}, log)
	}

	// 7. Extract reply.
	taskID, err := executor.ParseTaskID(result.Stdout)
	if err != nil {
		return o.handleExecutorFailure(jobDir, m, role, classify.Failure{NoTaskID: true}, log)
	}
	taskDir := executor.TaskDir(o.opts.TaskBaseDir, taskID)
	reply, taskMetrics, err := executor.ReadTaskOutput(taskDir)
	if err != nil {
		o.logObserverAdvisory(log, taskDir)
		return o.handleExecutorFailure(jobDir, m, role, classify.Failure{SchemaInvalid: true}, log)
	}

	// 8-12: shared with Poststep.
	return o.finishStep(jobDir, layout, m, role, taskID, reply, taskMetrics, log)
}

// logObserverAdvisory runs the configured Observer (if any) over the
// task's raw conversation history when the reply extraction fails, and
// logs whatever it infers purely as a diagnostic hint for the operator.
// The observer never influences the transition computed in finishStep,
// per spec.md §4.7/§9's "advisory only" constraint.
func (o *Orchestrator) logObserverAdvisory(log *zap.SugaredLogger, taskDir string) {
	if o.opts.Observer == nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(taskDir, "api_conversation_history.json"))
	if err != nil {
		return
	}
	result := o.opts.Observer.Scan(string(data))
	if result.InferredState != nil {
		log.Infow("observer inferred a likely state from raw log content (advisory only)",
			"inferred_state", *result.InferredState, "recommendation", result.Recommendation)
	}
}

// handleExecutorFailure implements spec.md §7's classification-driven
// status effect: TRANSIENT leaves status untouched (the next Step's
// recover-first guard will find the stale EXECUTING state with no held
// lock and recover it to PENDING, giving the caller a retry for free);
// RECOVERABLE forces INTERVENTION_REQUIRED; FATAL forces CANCELED.
func (o *Orchestrator) handleExecutorFailure(jobDir string, m *manifest.Manifest, role statemachine.Role, f classify.Failure, log *zap.SugaredLogger) (*manifest.Manifest, error) {
	c := classify.Classify(f)
	log = log.With("correlation_id", c.CorrelationID)
	log.Errorw("executor invocation failed", "severity", c.Severity, "category", c.Category, "message", c.UserMessage)

	entry := &manifest.HistoryEntry{
		Event: "EXECUTION_ERROR", Role: string(role),
		Summary: fmt.Sprintf("[%s/%s] %s", c.Severity, c.Category, c.UserMessage),
	}

	switch classify.StatusEffectFor(c) {
	case classify.RequireIntervention:
		target := statemachine.InterventionRequired
		entry.NewStatus = string(target)
		updated, err := o.opts.Store.Update(jobDir, manifest.UpdateParams{Status: &target, HistoryEntry: entry})
		if err != nil {
			return nil, err
		}
		return updated, fmt.Errorf("%s: recoverable executor failure, intervention required", c.UserMessage)
	case classify.Cancel:
		target := statemachine.Canceled
		entry.NewStatus = string(target)
		updated, err := o.opts.Store.Update(jobDir, manifest.UpdateParams{Status: &target, HistoryEntry: entry})
		if err != nil {
			return nil, err
		}
		return updated, fmt.Errorf("%s: fatal executor failure", c.UserMessage)
	default: // NoStatusChange
		entry.NewStatus = string(m.Status)
		updated, err := o.opts.Store.Update(jobDir, manifest.UpdateParams{HistoryEntry: entry})
		if err != nil {
			return nil, err
		}
		return updated, fmt.Errorf("%s: transient executor failure, retry", c.UserMessage)
	}
}

// finishStep implements spec.md §4.2.1 steps 8-12, shared by Step and
// Poststep. Before computing the transition it bookkeeps the manifest
// into the harvest state the table expects for role: HARVESTING for a
// Worker (table holds (Harvesting, Worker, *) rows) or REVIEW_REQUIRED for
// a Supervisor (table holds (ReviewRequired, Supervisor, *) rows instead,
// with no Harvesting step in between for a review pass).
func (o *Orchestrator) finishStep(jobDir string, layout workspace.Layout, m *manifest.Manifest, role statemachine.Role, taskID string, reply *executor.Reply, metrics executor.TaskMetrics, log *zap.SugaredLogger) (*manifest.Manifest, error) {
	harvestStatus := statemachine.Harvesting
	if role == statemachine.RoleSupervisor {
		harvestStatus = statemachine.ReviewRequired
	}
	if m.Status != harvestStatus {
		updated, err := o.opts.Store.Update(jobDir, manifest.UpdateParams{
			Status: &harvestStatus,
			HistoryEntry: &manifest.HistoryEntry{
				Event: "HARVESTING", Role: string(statemachine.RoleSystem),
				NewStatus: string(harvestStatus),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("record harvesting: %w", err)
		}
		m = updated
	}

	// 9. Persist outcome.
	if err := writeLatestOutcome(jobDir, reply, metrics, taskID); err != nil {
		log.Warnw("failed to persist latest-outcome.json (non-fatal)", "error", err)
	}

	// 10. Validate evidence.
	validEvidence, warnings := validateEvidence(layout, reply.EvidenceFiles)
	for _, w := range warnings {
		log.Warnw("evidence validation warning", "warning", w)
	}

	// 11. Compute next state.
	action := statemachine.Action(reply.Action)
	next, err := statemachine.Transition(m.Status, role, action)
	if err != nil {
		return nil, fmt.Errorf("compute next state: %w", err)
	}

	stepMetrics := manifest.StepMetrics{
		CostUSD: metrics.CostUSD, DurationSeconds: metrics.DurationSeconds,
		TokenInput: metrics.TokenInput, TokenOutput: metrics.TokenOutput,
		TokenCacheRead: metrics.TokenCacheRead, TokenCacheWrite: metrics.TokenCacheWrite,
		CacheHit: metrics.CacheHit, TTFTSeconds: metrics.TTFTSeconds,
		ThroughputTokensPerSecond: metrics.ThroughputTokensPerSecond,
	}
	entry := &manifest.HistoryEntry{
		Role: string(role), Action: string(reply.Action),
		Summary: reply.SummaryForSupervisor, EvidenceFiles: validEvidence,
		Metrics: stepMetrics, ExecutorTaskID: taskID, NewStatus: string(next),
		Warnings: warnings,
	}
	updated, err := o.opts.Store.Update(jobDir, manifest.UpdateParams{
		Status: &next, HistoryEntry: entry,
		DeltaCost: metrics.CostUSD, DeltaTime: metrics.DurationSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	// 12. Commit in workspace (non-fatal).
	summary := reply.SummaryForSupervisor
	if summary == "" {
		summary = fmt.Sprintf("step for job %s", m.JobID)
	}
	if _, err := workspace.Commit(layout, validEvidence, summary, o.opts.Author, o.opts.ExecTimeout); err != nil && err != workspace.ErrNoChanges {
		log.Warnw("workspace commit failed (non-fatal, retried next step)", "error", err)
	}

	return updated, nil
}

// writeLatestOutcome writes the slim last-reply summary of spec.md §6.3.
func writeLatestOutcome(jobDir string, reply *executor.Reply, metrics executor.TaskMetrics, taskID string) error {
	outcome := struct {
		Action         string              `json:"action"`
		Summary        string              `json:"summary"`
		EvidenceFiles  []string            `json:"evidence_files"`
		Metrics        executor.TaskMetrics `json:"metrics"`
		ExecutorTaskID string              `json:"executor_task_id"`
	}{
		Action: string(reply.Action), Summary: reply.SummaryForSupervisor,
		EvidenceFiles: reply.EvidenceFiles, Metrics: metrics, ExecutorTaskID: taskID,
	}
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(jobDir, latestOutcomeFilename), data, 0o644)
}

// validateEvidence resolves each claimed evidence path against the
// workspace (confined via safety.ConfineToRoot through workspace.Commit's
// own guard, but re-checked here since existence matters at this stage
// too) and requires it name an existing regular file; missing files
// produce a warning, not a failure, per spec.md §4.2.1 step 10.
func validateEvidence(layout workspace.Layout, claimed []string) (valid []string, warnings []string) {
	for _, rel := range claimed {
		abs := filepath.Join(layout.WorkspaceDir, rel)
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			warnings = append(warnings, fmt.Sprintf("evidence file missing or not a regular file: %s", rel))
			continue
		}
		valid = append(valid, rel)
	}
	return valid, warnings
}

// copyAttachmentsAndOutcome copies job-level attachments into
// workspace/attachments/ and, if a previous step left a latest-outcome
// file, copies it in and returns its contents for inclusion in the next
// prompt's context, per spec.md §4.2.1 step 4.
func copyAttachmentsAndOutcome(layout workspace.Layout) (previousOutcome string, err error) {
	dest := filepath.Join(layout.WorkspaceDir, "attachments")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	entries, err := os.ReadDir(layout.Attachments)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, readErr := os.ReadFile(filepath.Join(layout.Attachments, e.Name()))
			if readErr != nil {
				continue
			}
			_ = os.WriteFile(filepath.Join(dest, e.Name()), data, 0o644)
		}
	}

	outcomePath := filepath.Join(layout.JobDir, latestOutcomeFilename)
	data, readErr := os.ReadFile(outcomePath)
	if readErr != nil {
		return "", nil
	}
	_ = os.WriteFile(filepath.Join(dest, latestOutcomeFilename), data, 0o644)
	return string(data), nil
}

// Run executes Step in a loop until status reaches a terminal or blocking
// state or a step returns an error, per spec.md §4.2.2.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	for {
		m, err := o.Step(ctx, jobID)
		if err != nil {
			return err
		}
		if terminalOrBlocking[m.Status] || m.Status.IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(runLoopDelay):
		}
	}
}

// Restep rewinds the current run to phase index n: sets current_phase to
// that phase's name, appends a RESTEP marker capturing the prior phase,
// status, and a metrics snapshot, and leaves status untouched, per
// spec.md §4.2.3.
func (o *Orchestrator) Restep(jobID string, phaseIndex int) (*manifest.Manifest, error) {
	jobDir := o.jobDir(jobID)
	return lockAndUpdate(jobDir, o.opts.LockTimeout, func() (*manifest.Manifest, error) {
		m, err := o.opts.Store.Load(jobDir)
		if err != nil {
			return nil, err
		}
		if phaseIndex < 0 || phaseIndex >= len(m.Phases) {
			return nil, fmt.Errorf("phase index %d out of range (%d phases)", phaseIndex, len(m.Phases))
		}
		priorPhase := ""
		if m.CurrentPhase != nil {
			priorPhase = *m.CurrentPhase
		}
		name := m.Phases[phaseIndex].Name
		return o.opts.Store.Update(jobDir, manifest.UpdateParams{
			Phase: &name,
			HistoryEntry: &manifest.HistoryEntry{
				Event: "RESTEP",
				Summary: fmt.Sprintf("restep from phase %q (status %s, cost %.2f, time %.1fs) to phase %q",
					priorPhase, m.Status, m.Metrics.CumulativeCost, m.Metrics.CumulativeTimeSeconds, name),
				NewStatus: string(m.Status),
			},
		})
	})
}

// Rerun begins a fresh run: resets status to PENDING, sets current_phase
// to phase `from` (0 if negative), zeroes run-scoped metrics, clears
// history, and tags the manifest with a _rerun_info record, per spec.md
// §4.2.3. The workspace and job branch are retained untouched.
func (o *Orchestrator) Rerun(jobID string, from int) (*manifest.Manifest, error) {
	jobDir := o.jobDir(jobID)
	if from < 0 {
		from = 0
	}
	return lockAndUpdate(jobDir, o.opts.LockTimeout, func() (*manifest.Manifest, error) {
		m, err := o.opts.Store.Load(jobDir)
		if err != nil {
			return nil, err
		}
		priorRuns := 0
		if m.RerunInfo != nil {
			priorRuns = m.RerunInfo.PriorRuns + 1
		}
		return o.opts.Store.Reset(jobDir, from, priorRuns)
	})
}

// Poststep accepts an externally-authored reply (already parsed and
// validated as a schema-matching Reply) and runs spec.md §4.2.1 steps
// 8-12 without invoking the executor. When dryRun is set, no disk state
// is touched and the manifest that would result is computed and returned
// without being persisted.
func (o *Orchestrator) Poststep(jobID string, reply *executor.Reply, metrics executor.TaskMetrics, dryRun bool) (*manifest.Manifest, error) {
	jobDir := o.jobDir(jobID)
	log := o.logger(jobID)

	if dryRun {
		m, err := o.opts.Store.Load(jobDir)
		if err != nil {
			return nil, err
		}
		role := m.ActiveRole()
		// finishStep first moves the job into the role's harvest state, so
		// the preview transitions from that state too.
		from := statemachine.Harvesting
		if role == statemachine.RoleSupervisor {
			from = statemachine.ReviewRequired
		}
		next, err := statemachine.Transition(from, role, statemachine.Action(reply.Action))
		if err != nil {
			return nil, fmt.Errorf("compute next state: %w", err)
		}
		preview := *m
		preview.Status = next
		return &preview, nil
	}

	lock, err := lockmgr.LockJob(jobDir, o.opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	defer lock.Release()

	m, err := o.opts.Store.Load(jobDir)
	if err != nil {
		return nil, err
	}
	role := m.ActiveRole()
	layout := workspace.NewLayout(jobDir)
	return o.finishStep(jobDir, layout, m, role, "", reply, metrics, log)
}

// Preview dry-assembles the prompt Step would hand the executor next,
// without provisioning the workspace, invoking the executor, or mutating
// the manifest. Read-only: a missing workspace just yields an empty file
// tree and git status, same as buildPromptContext's other best-effort
// fields.
func (o *Orchestrator) Preview(jobID string) (string, error) {
	jobDir := o.jobDir(jobID)
	m, err := o.opts.Store.Load(jobDir)
	if err != nil {
		return "", err
	}
	role := m.ActiveRole()
	layout := workspace.NewLayout(jobDir)
	var previousOutcome string
	if data, err := os.ReadFile(filepath.Join(layout.JobDir, latestOutcomeFilename)); err == nil {
		previousOutcome = string(data)
	}
	promptCtx := buildPromptContext(m, layout, o.opts.JobsDir, string(role), previousOutcome)
	return renderPrompt(promptCtx), nil
}

// lockAndUpdate acquires jobDir's lock, runs fn, and releases the lock
// regardless of outcome.
func lockAndUpdate(jobDir string, timeout time.Duration, fn func() (*manifest.Manifest, error)) (*manifest.Manifest, error) {
	lock, err := lockmgr.LockJob(jobDir, timeout)
	if err != nil {
		return nil, fmt.Errorf("acquire job lock: %w", err)
	}
	defer lock.Release()
	return fn()
}
