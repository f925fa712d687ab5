package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/config"
	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/sentinel"
)

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Run the background hang monitor",
}

func init() {
	rootCmd.AddCommand(sentinelCmd)
}

var sentinelStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the sentinel in the foreground until interrupted",
	Long: `Start launches the sentinel's supervisor loop and blocks until SIGINT
or SIGTERM, scanning active jobs every check interval and auto-intervening
on hung ones per the configured policy. Editing the on-disk config file
while running live-reloads the sentinel's thresholds without a restart.`,
	RunE: runSentinelStart,
}

func init() {
	sentinelCmd.AddCommand(sentinelStartCmd)
}

func runSentinelStart(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl sentinel start")
	fmt.Fprintf(w, "watching %s (check_interval=%s, auto_intervene=%t)\n",
		jobsDir, cfg.Sentinel.ToConfig().CheckInterval, cfg.Sentinel.AutoIntervene)

	s := sentinel.New(jobsDir, manifest.NewStore(), jobsindex.NewStore(), cfg.Sentinel.ToConfig(), nil).
		WithLogger(logger)

	if vcfg != nil {
		config.WatchAndReload(vcfg, func(fresh *config.Config) {
			s.UpdateConfig(fresh.Sentinel.ToConfig())
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.Start(ctx)
	<-ctx.Done()
	fmt.Fprintln(w, "shutting down...")
	s.Stop()
	return nil
}
