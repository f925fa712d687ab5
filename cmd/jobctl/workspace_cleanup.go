package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/lockmgr"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/workspace"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Reclaim disk space used by finished job workspaces",
}

func init() {
	rootCmd.AddCommand(workspaceCmd)
}

var (
	cleanupDryRun         bool
	cleanupForce          bool
	cleanupJobID          string
	cleanupMaxBackups     int
	cleanupPreserveFailed bool
)

var workspaceCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Archive-then-delete eligible job workspaces and prune old manifest backups",
	RunE:  runWorkspaceCleanup,
}

func init() {
	workspaceCleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be reclaimed without acting")
	workspaceCleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "clean up a single --job-id regardless of eligibility")
	workspaceCleanupCmd.Flags().StringVar(&cleanupJobID, "job-id", "", "limit cleanup to a single job")
	workspaceCleanupCmd.Flags().IntVar(&cleanupMaxBackups, "max-backups", 0, "override the configured max manifest backups per job")
	workspaceCleanupCmd.Flags().BoolVar(&cleanupPreserveFailed, "preserve-failed", false, "never reclaim FAILED job workspaces, overriding config")
	workspaceCmd.AddCommand(workspaceCleanupCmd)
}

func runWorkspaceCleanup(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	policy := cfg.Cleanup.ToPolicy()
	if cleanupMaxBackups > 0 {
		policy.MaxBackupsPerJob = cleanupMaxBackups
	}
	if cleanupPreserveFailed {
		policy.PreserveFailedJobs = true
	}

	idx, err := jobsindex.NewStore().Load(jobsDir)
	if err != nil {
		return err
	}
	store := manifest.NewStore()

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl workspace cleanup")

	jobIDs := make([]string, 0, len(idx.Jobs))
	for id := range idx.Jobs {
		if cleanupJobID != "" && id != cleanupJobID {
			continue
		}
		jobIDs = append(jobIDs, id)
	}

	reclaimed := 0
	for _, id := range jobIDs {
		jobDir := idx.Jobs[id]
		m, err := store.Load(jobDir)
		if err != nil {
			fmt.Fprintf(w, "  %s: skip (%v)\n", id, err)
			continue
		}

		layout := workspace.NewLayout(jobDir)
		eligible := cleanupForce && cleanupJobID == id
		if !eligible {
			eligible = workspace.IsEligibleForCleanup(workspace.EligibilityInput{
				Status:            string(m.Status),
				WorkspaceModified: workspaceModTime(layout),
				Policy:            policy,
			}, timeNow())
		}
		if !eligible {
			continue
		}

		err = lockmgr.WithJobLock(jobDir, 30*time.Second, func() error {
			if cleanupDryRun {
				fmt.Fprintf(w, "  %s: would archive and delete workspace\n", id)
				return nil
			}
			if _, err := workspace.Archive(layout, id, false); err != nil {
				return fmt.Errorf("archive: %w", err)
			}
			if err := workspace.Delete(layout); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			if err := workspace.PruneBackups(layout.Backups, policy.MaxBackupsPerJob); err != nil {
				return fmt.Errorf("prune backups: %w", err)
			}
			fmt.Fprintf(w, "  %s: archived and reclaimed\n", id)
			return nil
		})
		if err != nil {
			fmt.Fprintf(w, "  %s: error: %v\n", id, err)
			continue
		}
		reclaimed++
	}

	fmt.Fprintf(w, "reclaimed %d of %d workspace(s)\n", reclaimed, len(jobIDs))
	return nil
}

func workspaceModTime(layout workspace.Layout) (t time.Time) {
	info, err := os.Stat(layout.WorkspaceDir)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func timeNow() time.Time { return time.Now().UTC() }
