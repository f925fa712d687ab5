package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/budget"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/recovery"
)

// --- job status ---

var statusRecovery bool

var jobStatusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show status, phase, metrics, and recent history",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobStatus,
}

func init() {
	jobStatusCmd.Flags().BoolVar(&statusRecovery, "recovery", false, "also report crash/hang recovery findings")
	jobCmd.AddCommand(jobStatusCmd)
}

func runJobStatus(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	m, err := manifest.NewStore().Load(jobDir)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if jsonOutput {
		return json.NewEncoder(w).Encode(m)
	}

	phase := ""
	if m.CurrentPhase != nil {
		phase = *m.CurrentPhase
	}
	snap := budget.BuildSnapshot(m)
	fmt.Fprintln(w, "jobctl job status")
	fmt.Fprintf(w, "job:    %s\n", m.JobID)
	fmt.Fprintf(w, "status: %s (display: %s)\n", m.Status, m.Status.DisplayAlias())
	fmt.Fprintf(w, "phase:  %s\n", phase)
	fmt.Fprintf(w, "budget: cost=$%.2f/%0.2f time=%.1fm/%.1fm status=%s\n",
		snap.CumulativeCost, m.CostThreshold, snap.CumulativeTimeSeconds/60, m.TimeThresholdMinutes, snap.Status)

	n := len(m.History)
	start := 0
	if n > 10 {
		start = n - 10
	}
	fmt.Fprintln(w, "recent history:")
	for _, h := range m.History[start:] {
		label := h.Action
		if label == "" {
			label = h.Event
		}
		fmt.Fprintf(w, "  [%s] %s -> %s: %s\n", h.Timestamp.Format("2006-01-02T15:04:05Z"), label, h.NewStatus, h.Summary)
	}

	if statusRecovery {
		crashed := recovery.IsCrashed(jobDir, m)
		hung := recovery.IsHung(m, time.Now().UTC(), recovery.DefaultHungTimeout)
		fmt.Fprintf(w, "recovery: crashed=%v hung=%v\n", crashed, hung)
	}
	return nil
}

// --- job metrics ---

var (
	metricsCSVPath        string
	metricsProjections    bool
	metricsRemainingPhases int
)

var jobMetricsCmd = &cobra.Command{
	Use:   "metrics <id>",
	Short: "Detailed per-step metrics",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobMetrics,
}

func init() {
	jobMetricsCmd.Flags().StringVar(&metricsCSVPath, "csv", "", "export per-step metrics as CSV to this path")
	jobMetricsCmd.Flags().BoolVar(&metricsProjections, "projections", false, "project remaining cost/time")
	jobMetricsCmd.Flags().IntVar(&metricsRemainingPhases, "remaining-phases", 1, "phases to project forward, with --projections")
	jobCmd.AddCommand(jobMetricsCmd)
}

func runJobMetrics(cmd *cobra.Command, args []string) error {
	jobID := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	jobDir := jobDirFor(jobsDir, jobID)
	m, err := manifest.NewStore().Load(jobDir)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job metrics")
	snap := budget.BuildSnapshot(m)
	fmt.Fprintf(w, "steps=%d cost=$%.2f time=%.1fm tokens_in=%d tokens_out=%d cache_hits=%d\n",
		snap.StepCount, snap.CumulativeCost, snap.CumulativeTimeSeconds/60,
		snap.TotalTokensInput, snap.TotalTokensOutput, snap.CacheHits)

	if metricsProjections {
		p := budget.Project(m, metricsRemainingPhases)
		fmt.Fprintf(w, "projected (+%d phases): cost=$%.2f time=%.1fm status=%s\n",
			metricsRemainingPhases, p.ProjectedCost, p.ProjectedTimeMinutes, p.Status)
		for _, r := range p.Recommendations {
			fmt.Fprintf(w, "  - %s\n", r)
		}
	}

	if metricsCSVPath != "" {
		if err := exportMetricsCSV(m, metricsCSVPath); err != nil {
			return fmt.Errorf("export CSV: %w", err)
		}
		fmt.Fprintf(w, "wrote per-step metrics to %s\n", metricsCSVPath)
	}
	return nil
}

// exportMetricsCSV writes one row per history entry that carries executor
// metrics (lifecycle bookkeeping entries, which have no cost, are
// skipped). encoding/csv is the stdlib package here because no retrieved
// example repo imports a third-party CSV library for this narrow a need.
func exportMetricsCSV(m *manifest.Manifest, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	defer cw.Flush()

	if err := cw.Write([]string{"timestamp", "role", "action", "cost_usd", "duration_seconds", "token_input", "token_output"}); err != nil {
		return err
	}
	for _, h := range m.History {
		if h.Event != "" {
			continue
		}
		row := []string{
			h.Timestamp.Format("2006-01-02T15:04:05Z"),
			h.Role, h.Action,
			strconv.FormatFloat(h.Metrics.CostUSD, 'f', 4, 64),
			strconv.FormatFloat(h.Metrics.DurationSeconds, 'f', 2, 64),
			strconv.FormatInt(h.Metrics.TokenInput, 10),
			strconv.FormatInt(h.Metrics.TokenOutput, 10),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return nil
}

// --- job preview ---

var previewDetailed bool

var jobPreviewCmd = &cobra.Command{
	Use:   "preview <id>",
	Short: "Dry-assemble the next prompt without invoking the executor",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobPreview,
}

func init() {
	jobPreviewCmd.Flags().BoolVar(&previewDetailed, "detailed", false, "include the full rendered prompt, not just a summary")
	jobCmd.AddCommand(jobPreviewCmd)
}

func runJobPreview(cmd *cobra.Command, args []string) error {
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
	prompt, err := o.Preview(jobID)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl job preview")
	if previewDetailed {
		fmt.Fprint(w, prompt)
		return nil
	}

	jobDir := jobDirFor(jobsDir, jobID)
	m, err := manifest.NewStore().Load(jobDir)
	if err != nil {
		return err
	}
	phase := ""
	if m.CurrentPhase != nil {
		phase = *m.CurrentPhase
	}
	fmt.Fprintf(w, "job=%s phase=%s role=%s\n", m.JobID, phase, m.ActiveRole())
	fmt.Fprintf(w, "objective: %s\n", m.Config.Objective)
	return nil
}
