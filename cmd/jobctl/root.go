package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	jobsDirFlag string
	jobIDFlag   string
	jsonOutput  bool
	vcfg        *viper.Viper
	logger      *zap.SugaredLogger
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "jobctl",
	Short: "Agent job orchestration engine",
	Long: `jobctl drives multi-phase agent jobs through a git-backed workspace,
delegating each phase to a configured executor binary and tracking status,
metrics, and history in a per-job manifest.

Core commands:
  init          Create a jobs directory and default role files
  job create    Register a new job
  job activate  Move a job from DRAFT to PENDING and enqueue it
  job step      Run one phase
  job run       Loop until the job blocks or finishes
  job status    Show status, phase, metrics, and recent history`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
		return nil
	},
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "jobctl:", err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&jobsDirFlag, "jobs-dir", "", "jobs directory (default: $APP_JOBS_DIR, or an upward search for jobs/)")
	rootCmd.PersistentFlags().StringVar(&jobIDFlag, "job-id", "", "job id (default: $APP_JOB_ID, or the index's selected job)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "emit machine-readable JSON where supported")
}
