package main

import (
	"errors"
	"fmt"
	"io"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/lockmgr"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/statemachine"
	"github.com/jobctl/jobctl/internal/workspace"
)

// --- job git-status ---

var jobGitStatusCmd = &cobra.Command{
	Use:   "git-status <id>",
	Short: "Show the job workspace's branch, staged/unstaged/untracked paths, and recent commits",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGitStatus,
}

func init() {
	jobCmd.AddCommand(jobGitStatusCmd)
}

func runJobGitStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	layout := workspace.NewLayout(jobDir)

	status, err := workspace.GitStatus(layout, cfg.Executor.Timeout)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job git-status")
	fmt.Fprintf(w, "branch: %s\n", status.Branch)
	printPathList(w, "staged", status.Staged)
	printPathList(w, "unstaged", status.Unstaged)
	printPathList(w, "untracked", status.Untracked)
	fmt.Fprintln(w, "recent commits:")
	for _, c := range status.RecentCommits {
		fmt.Fprintf(w, "  %s %s\n", c.Hash, c.Subject)
	}
	return nil
}

func printPathList(w io.Writer, label string, paths []string) {
	fmt.Fprintf(w, "%s (%d):\n", label, len(paths))
	for _, p := range paths {
		fmt.Fprintf(w, "  %s\n", p)
	}
}

// --- job git-log ---

var gitLogLimit int

var jobGitLogCmd = &cobra.Command{
	Use:   "git-log <id>",
	Short: "Show the job workspace's recent commits",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobGitLog,
}

func init() {
	jobGitLogCmd.Flags().IntVar(&gitLogLimit, "limit", 5, "number of commits to show (at most the 5 most recent are available)")
	jobCmd.AddCommand(jobGitLogCmd)
}

func runJobGitLog(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	layout := workspace.NewLayout(jobDir)

	status, err := workspace.GitStatus(layout, cfg.Executor.Timeout)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job git-log")
	commits := status.RecentCommits
	if gitLogLimit > 0 && gitLogLimit < len(commits) {
		commits = commits[:gitLogLimit]
	}
	for _, c := range commits {
		fmt.Fprintf(w, "%s %s\n", c.Hash, c.Subject)
	}
	return nil
}

// --- job commit ---

var commitSummary string

var jobCommitCmd = &cobra.Command{
	Use:   "commit <id>",
	Short: "Stage dirty files and commit them to the job's workspace branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCommit,
}

func init() {
	jobCommitCmd.Flags().StringVar(&commitSummary, "summary", "manual commit", "commit summary")
	jobCmd.AddCommand(jobCommitCmd)
}

func runJobCommit(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	layout := workspace.NewLayout(jobDir)

	result, err := workspace.Commit(layout, nil, commitSummary, nil, cfg.Executor.Timeout)
	if err != nil {
		if errors.Is(err, workspace.ErrNoChanges) {
			return userErr("nothing to commit in job %s's workspace", jobID)
		}
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job commit")
	fmt.Fprintf(w, "committed %d file(s) as %s\n", len(result.Committed), result.Hash)
	return nil
}

// --- job merge-preview ---

var jobMergePreviewCmd = &cobra.Command{
	Use:   "merge-preview <id>",
	Short: "Preview the diff between the job's branch and the base branch",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobMergePreview,
}

func init() {
	jobCmd.AddCommand(jobMergePreviewCmd)
}

func runJobMergePreview(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	layout := workspace.NewLayout(jobDir)

	diff, err := workspace.MergePreview(layout, jobID, cfg.BaseBranch, cfg.Executor.Timeout)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job merge-preview")
	fmt.Fprint(w, diff)
	return nil
}

// --- job cancel ---

var (
	cancelSignal string
	cancelDryRun bool
)

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Terminate a job's in-flight executor process and mark it CANCELED",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobCancel,
}

func init() {
	jobCancelCmd.Flags().StringVar(&cancelSignal, "signal", "TERM", "signal to send: TERM|KILL|INT")
	jobCancelCmd.Flags().BoolVar(&cancelDryRun, "dry-run", false, "report the target process and transition without acting")
	jobCmd.AddCommand(jobCancelCmd)
}

func runJobCancel(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	store := manifest.NewStore()

	m, err := store.Load(jobDir)
	if err != nil {
		return err
	}
	if m.Status.IsTerminal() {
		return userErr("job %s is already terminal (status=%s)", jobID, m.Status)
	}

	sig, err := parseJobCancelSignal(cancelSignal)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job cancel")

	if holder, ok := lockmgr.Inspect(lockmgr.JobLockPath(jobDir)); ok && holder.PID > 0 {
		fmt.Fprintf(w, "signaling lock holder pid=%d (acquired %s)\n", holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		if !cancelDryRun {
			if err := syscall.Kill(holder.PID, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
				return fmt.Errorf("signal pid %d: %w", holder.PID, err)
			}
		}
	} else {
		fmt.Fprintln(w, "no live lock holder found; marking job CANCELED without signaling a process")
	}

	if cancelDryRun {
		fmt.Fprintf(w, "dry-run: would transition job %s to CANCELED\n", jobID)
		return nil
	}

	next, err := statemachine.Transition(m.Status, statemachine.RoleHuman, statemachine.ActionTerminate)
	if err != nil {
		return err
	}
	if _, err := store.Update(jobDir, manifest.UpdateParams{
		Status: &next,
		HistoryEntry: &manifest.HistoryEntry{
			Event: "CANCELED", Role: string(statemachine.RoleHuman), NewStatus: string(next),
			Summary: "canceled via jobctl job cancel",
		},
	}); err != nil {
		return err
	}

	fmt.Fprintf(w, "job %s is now CANCELED\n", jobID)
	return nil
}

func parseJobCancelSignal(raw string) (syscall.Signal, error) {
	switch raw {
	case "", "TERM":
		return syscall.SIGTERM, nil
	case "KILL":
		return syscall.SIGKILL, nil
	case "INT":
		return syscall.SIGINT, nil
	default:
		return 0, userErr("unsupported signal %q (valid: TERM|KILL|INT)", raw)
	}
}
