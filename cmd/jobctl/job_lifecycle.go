package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/lockmgr"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/statemachine"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Create, configure, and drive individual jobs",
}

func init() {
	rootCmd.AddCommand(jobCmd)
}

// --- job create ---

var jobCreateCmd = &cobra.Command{
	Use:   "create [dir]",
	Short: "Create a job manifest, register it, and select it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJobCreate,
}

func init() {
	jobCmd.AddCommand(jobCreateCmd)
}

func runJobCreate(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobID := uuid.NewString()

	var jobDir string
	err = lockmgr.WithJobsIndexLock(jobsDir, 30*time.Second, func() error {
		dir, err := jobsindex.CreateJobDir(jobsDir, jobID)
		if err != nil {
			return err
		}
		jobDir = dir

		phase := "build"
		now := time.Now().UTC()
		m := &manifest.Manifest{
			JobID:        jobID,
			Status:       statemachine.Draft,
			CurrentPhase: &phase,
			Phases:       []manifest.Phase{{Name: "build"}},
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := writeNewManifest(jobDir, m); err != nil {
			return err
		}

		idx, err := jobsindex.NewStore().Load(jobsDir)
		if err != nil {
			return err
		}
		idx.AddJob(jobID, jobDir)
		idx.CurrentJobID = jobID
		return jobsindex.NewStore().Save(jobsDir, idx)
	})
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "jobctl job create\ncreated job %s at %s (DRAFT, selected)\n", jobID, jobDir)
	return nil
}

// --- job config ---

var (
	configObjective string
	configDetails   string
	configAccept    string
	configPrompt    string
	configFiles     []string
)

var jobConfigCmd = &cobra.Command{
	Use:   "config <id>",
	Short: "Set draft-only config fields on a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobConfig,
}

func init() {
	jobConfigCmd.Flags().StringVar(&configObjective, "objective", "", "job objective")
	jobConfigCmd.Flags().StringVar(&configDetails, "details", "", "additional details")
	jobConfigCmd.Flags().StringVar(&configAccept, "acceptance", "", "acceptance criteria")
	jobConfigCmd.Flags().StringVar(&configPrompt, "prompt", "", "prompt template override")
	jobConfigCmd.Flags().StringSliceVar(&configFiles, "files", nil, "seed attachment files")
	jobCmd.AddCommand(jobConfigCmd)
}

func runJobConfig(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	store := manifest.NewStore()

	return lockmgr.WithJobLock(jobDir, 30*time.Second, func() error {
		m, err := store.Load(jobDir)
		if err != nil {
			return err
		}
		if m.Status != statemachine.Draft {
			return userErr("job %s is not DRAFT (status=%s); config can only be changed before activation", jobID, m.Status)
		}
		if cmd.Flags().Changed("objective") {
			m.Config.Objective = configObjective
		}
		if cmd.Flags().Changed("details") {
			m.Config.Details = configDetails
		}
		if cmd.Flags().Changed("acceptance") {
			m.Config.AcceptanceCriteria = configAccept
		}
		if cmd.Flags().Changed("prompt") {
			m.Config.PromptTemplate = configPrompt
		}
		if cmd.Flags().Changed("files") {
			m.Config.Files = configFiles
		}
		if err := writeNewManifest(jobDir, m); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "jobctl job config\nupdated config for job %s\n", jobID)
		return nil
	})
}

// --- job activate ---

var activateRank int

var jobActivateCmd = &cobra.Command{
	Use:   "activate <id>",
	Short: "Move a job from DRAFT to PENDING and enqueue it",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobActivate,
}

func init() {
	jobActivateCmd.Flags().IntVar(&activateRank, "rank", -1, "queue position to insert at (default: append)")
	jobCmd.AddCommand(jobActivateCmd)
}

func runJobActivate(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	store := manifest.NewStore()

	err = lockmgr.WithJobLock(jobDir, 30*time.Second, func() error {
		m, err := store.Load(jobDir)
		if err != nil {
			return err
		}
		if m.Status != statemachine.Draft {
			return userErr("job %s is not DRAFT (status=%s)", jobID, m.Status)
		}
		next, err := statemachine.Transition(m.Status, statemachine.RoleSystem, statemachine.ActionActivated)
		if err != nil {
			return err
		}
		_, err = store.Update(jobDir, manifest.UpdateParams{
			Status: &next,
			HistoryEntry: &manifest.HistoryEntry{
				Event: "ACTIVATED", Role: string(statemachine.RoleSystem),
				NewStatus: string(next),
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("activate job: %w", err)
	}

	err = lockmgr.WithJobsIndexLock(jobsDir, 30*time.Second, func() error {
		idx, err := jobsindex.NewStore().Load(jobsDir)
		if err != nil {
			return err
		}
		if activateRank >= 0 && activateRank <= len(idx.Queue) {
			idx.Dequeue(jobID)
			idx.Queue = append(idx.Queue[:activateRank], append([]string{jobID}, idx.Queue[activateRank:]...)...)
		} else {
			idx.Enqueue(jobID)
		}
		return jobsindex.NewStore().Save(jobsDir, idx)
	})
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "jobctl job activate\njob %s is now PENDING and enqueued\n", jobID)
	return nil
}

// --- job select ---

var jobSelectCmd = &cobra.Command{
	Use:   "select <id>",
	Short: "Make a job the implicit target for commands with no --job-id",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobSelect,
}

func init() {
	jobCmd.AddCommand(jobSelectCmd)
}

func runJobSelect(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	err = lockmgr.WithJobsIndexLock(jobsDir, 30*time.Second, func() error {
		idx, err := jobsindex.NewStore().Load(jobsDir)
		if err != nil {
			return err
		}
		if err := idx.SelectCurrent(jobID); err != nil {
			return &userFacingErr{err}
		}
		return jobsindex.NewStore().Save(jobsDir, idx)
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "jobctl job select\nselected job %s\n", jobID)
	return nil
}

// --- job list ---

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate jobs with status, queue position, and objective",
	RunE:  runJobList,
}

func init() {
	jobCmd.AddCommand(jobListCmd)
}

func runJobList(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	idx, err := jobsindex.NewStore().Load(jobsDir)
	if err != nil {
		return err
	}
	rows, err := jobsindex.List(idx, manifest.NewStore(), nil)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job list")
	if len(rows) == 0 {
		fmt.Fprintln(w, "no jobs registered")
		return nil
	}
	for _, r := range rows {
		queue := "-"
		if r.QueuePosition >= 0 {
			queue = fmt.Sprintf("%d", r.QueuePosition)
		}
		marker := " "
		if r.JobID == idx.CurrentJobID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-36s %-20s queue=%-3s phase=%-12s %s\n",
			marker, r.JobID, r.Status, queue, r.CurrentPhase, strings.TrimSpace(r.Objective))
	}
	return nil
}

// writeNewManifest atomically writes m to jobDir's job_manifest.json. Used
// for the initial creation and for draft-only field edits, where the
// change is not a history-worthy event and so doesn't go through
// Store.Update's backup/history bookkeeping.
func writeNewManifest(jobDir string, m *manifest.Manifest) error {
	path := filepath.Join(jobDir, manifest.ManifestFilename)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(jobDir, ".tmp-manifest-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
