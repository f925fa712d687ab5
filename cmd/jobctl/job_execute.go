package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/executor"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/statemachine"
)

// --- job step ---

var (
	stepDryRun bool
	stepModel  string
)

var jobStepCmd = &cobra.Command{
	Use:   "step <id>",
	Short: "Run one phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStep,
}

func init() {
	jobStepCmd.Flags().BoolVar(&stepDryRun, "dry-run", false, "print a notice and exit without invoking the executor or changing anything (no prompt or transition preview)")
	jobStepCmd.Flags().StringVar(&stepModel, "model", "", "model override forwarded to the executor")
	jobCmd.AddCommand(jobStepCmd)
}

func runJobStep(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	o := newOrchestratorWithModel(jobsDir, cfg, stepModel)

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job step")
	if stepDryRun {
		fmt.Fprintln(w, "dry-run: no executor invocation, no disk mutation")
		return nil
	}

	m, err := o.Step(context.Background(), jobID)
	if err != nil {
		if m != nil {
			fmt.Fprintf(w, "step failed: %v (status now %s)\n", err, m.Status)
		}
		return err
	}
	fmt.Fprintf(w, "job %s stepped to %s\n", jobID, m.Status)
	return nil
}

// --- job run ---

var (
	runModel  string
	runResume bool
)

var jobRunCmd = &cobra.Command{
	Use:   "run [id]",
	Short: "Loop until the job blocks or finishes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobRun,
}

func init() {
	jobRunCmd.Flags().StringVar(&runModel, "model", "", "model override forwarded to the executor")
	jobRunCmd.Flags().BoolVar(&runResume, "resume", false, "move a SUSPENDED job back to PENDING before running")
	jobCmd.AddCommand(jobRunCmd)
}

func runJobRun(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobID, err := jobIDFromArgsOrSelection(jobsDir, args)
	if err != nil {
		return err
	}

	jobDir := jobDirFor(jobsDir, jobID)
	store := manifest.NewStore()
	m, err := store.Load(jobDir)
	if err != nil {
		return err
	}
	if m.Status == statemachine.Suspended {
		if !runResume {
			return userErr("job %s is SUSPENDED; pass --resume to move it back to PENDING", jobID)
		}
		next, err := statemachine.Transition(m.Status, statemachine.RoleSystem, statemachine.ActionResume)
		if err != nil {
			return err
		}
		if _, err := store.Update(jobDir, manifest.UpdateParams{
			Status: &next,
			HistoryEntry: &manifest.HistoryEntry{
				Event: "RESUMED", Role: string(statemachine.RoleSystem), NewStatus: string(next),
			},
		}); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	o := newOrchestratorWithModel(jobsDir, cfg, runModel)

	fmt.Fprintln(cmd.OutOrStdout(), "jobctl job run")
	if err := o.Run(context.Background(), jobID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s reached a terminal or blocking status\n", jobID)
	return nil
}

func jobIDFromArgsOrSelection(jobsDir string, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	return resolveJobID(jobsDir)
}

// --- job restep ---

var (
	restepStep    int
	restepDryRun  bool
)

var jobRestepCmd = &cobra.Command{
	Use:   "restep <id>",
	Short: "Rewind the current run to an earlier phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRestep,
}

func init() {
	jobRestepCmd.Flags().IntVar(&restepStep, "step", 0, "phase index to rewind to")
	jobRestepCmd.Flags().BoolVar(&restepDryRun, "dry-run", false, "report the rewind without applying it")
	jobCmd.AddCommand(jobRestepCmd)
}

func runJobRestep(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	o := newOrchestrator(jobsDir, cfg)

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job restep")
	if restepDryRun {
		fmt.Fprintf(w, "dry-run: would rewind job %s to phase index %d\n", jobID, restepStep)
		return nil
	}
	m, err := o.Restep(jobID, restepStep)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "job %s rewound to phase %v\n", jobID, m.CurrentPhase)
	return nil
}

// --- job rerun ---

var rerunStep int

var jobRerunCmd = &cobra.Command{
	Use:   "rerun <id>",
	Short: "Start a fresh run from the beginning or a given phase",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobRerun,
}

func init() {
	jobRerunCmd.Flags().IntVar(&rerunStep, "step", 0, "phase index to start the fresh run from")
	jobCmd.AddCommand(jobRerunCmd)
}

func runJobRerun(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	o := newOrchestrator(jobsDir, cfg)

	m, err := o.Rerun(jobID, rerunStep)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "jobctl job rerun")
	fmt.Fprintf(cmd.OutOrStdout(), "job %s reset to PENDING from phase index %d (prior_runs=%d)\n",
		jobID, rerunStep, m.RerunInfo.PriorRuns)
	return nil
}

// --- job poststep ---

var (
	poststepResponseFile   string
	poststepResponseString string
	poststepRole           string
	poststepDryRun         bool
)

var jobPoststepCmd = &cobra.Command{
	Use:   "poststep <id>",
	Short: "Apply an externally-authored reply without invoking the executor",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobPoststep,
}

func init() {
	jobPoststepCmd.Flags().StringVar(&poststepResponseFile, "response-file", "", "path to a JSON reply file")
	jobPoststepCmd.Flags().StringVar(&poststepResponseString, "response-string", "", "inline JSON reply")
	jobPoststepCmd.Flags().StringVar(&poststepRole, "role", "", "role the reply is authored as (Worker or Supervisor); default inferred from job status")
	jobPoststepCmd.Flags().BoolVar(&poststepDryRun, "dry-run", false, "report the resulting transition without persisting it")
	jobCmd.AddCommand(jobPoststepCmd)
}

func runJobPoststep(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}

	if poststepRole != "" {
		m, err := manifest.NewStore().Load(jobDirFor(jobsDir, jobID))
		if err != nil {
			return err
		}
		if active := m.ActiveRole(); string(active) != poststepRole {
			return userErr("job %s is awaiting a reply from %s, not %s", jobID, active, poststepRole)
		}
	}

	raw, err := poststepReplyBytes()
	if err != nil {
		return err
	}
	parsed, err := executor.ParseReply(raw)
	if err != nil {
		return &userFacingErr{err}
	}

	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	o := newOrchestrator(jobsDir, cfg)

	m, err := o.Poststep(jobID, parsed, executor.TaskMetrics{}, poststepDryRun)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job poststep")
	if poststepDryRun {
		fmt.Fprintf(w, "dry-run: job %s would transition to %s\n", jobID, m.Status)
		return nil
	}
	fmt.Fprintf(w, "job %s transitioned to %s\n", jobID, m.Status)
	return nil
}

func poststepReplyBytes() ([]byte, error) {
	switch {
	case poststepResponseFile != "":
		data, err := os.ReadFile(poststepResponseFile)
		if err != nil {
			return nil, userErr("read response file: %v", err)
		}
		return data, nil
	case poststepResponseString != "":
		return []byte(poststepResponseString), nil
	default:
		return nil, userErr("one of --response-file or --response-string is required")
	}
}
