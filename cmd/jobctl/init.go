package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/jobsindex"
)

var defaultRoleFiles = map[string]string{
	"Worker.md": `# Worker role

You execute one phase of a job: read the prompt, make the changes needed to
satisfy the objective and acceptance criteria, and reply with a JSON object
containing action (COMPLETED, STUCK, or RETRY), evidence_files, and
summary_for_supervisor.
`,
	"Supervisor.md": `# Supervisor role

You review a Worker's completed phase against the job's objective and
acceptance criteria, and reply with a JSON object containing action
(COMPLETED, STUCK, or RETRY), evidence_files, and summary_for_supervisor.
`,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a jobs directory, default role files, and an empty index",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	target := "jobs"
	if len(args) == 1 {
		target = args[0]
	} else if jobsDirFlag != "" {
		target = jobsDirFlag
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create jobs directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(target, "logs", "errors", "correlations"), 0o755); err != nil {
		return fmt.Errorf("create log directories: %w", err)
	}

	for name, body := range defaultRoleFiles {
		path := filepath.Join(target, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't clobber a role file the user already customized
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	idxPath := filepath.Join(target, jobsindex.IndexFilename)
	if _, err := os.Stat(idxPath); os.IsNotExist(err) {
		if err := jobsindex.NewStore().Save(target, jobsindex.New()); err != nil {
			return fmt.Errorf("write jobs index: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "jobctl init\ninitialized jobs directory at %s\n", target)
	return nil
}
