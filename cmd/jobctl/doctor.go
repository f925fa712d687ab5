package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jobctl/jobctl/internal/jobsindex"
	"github.com/jobctl/jobctl/internal/manifest"
	"github.com/jobctl/jobctl/internal/recovery"
)

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Audit every registered job for crash/hang/invalid-manifest conditions",
	Long: `Walk the jobs index and report, per job, whether its manifest is
valid and whether it looks crashed or hung, rolling the findings up into a
system-wide verdict: healthy, needs_attention, or critical.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "output the audit report as JSON")
	rootCmd.AddCommand(doctorCmd)
}

func doctorStatusIcon(f recovery.JobFinding) string {
	switch {
	case f.Invalid:
		return "✗"
	case f.Crashed, f.Hung:
		return "!"
	default:
		return "✓"
	}
}

func renderDoctorReport(w io.Writer, report recovery.AuditReport) {
	fmt.Fprintln(w, "jobctl doctor")
	fmt.Fprintln(w, strings.Repeat("─", 9))

	maxID := 0
	for _, f := range report.Findings {
		if len(f.JobID) > maxID {
			maxID = len(f.JobID)
		}
	}
	for _, f := range report.Findings {
		padding := strings.Repeat(" ", maxID-len(f.JobID))
		detail := "ok"
		if len(f.Problems) > 0 {
			detail = strings.Join(f.Problems, "; ")
		}
		fmt.Fprintf(w, "%s %s%s  %s\n", doctorStatusIcon(f), f.JobID, padding, detail)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "verdict: %s (%d jobs audited)\n", report.Verdict, len(report.Findings))
}

func runDoctor(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(jobsDir)
	if err != nil {
		return err
	}
	idx, err := jobsindex.NewStore().Load(jobsDir)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hungTimeout := time.Duration(cfg.Sentinel.WorkerTimeoutMinutes) * time.Minute
	report, err := recovery.Audit(ctx, idx, manifest.NewStore(), hungTimeout, 0)
	if err != nil {
		return err
	}
	logger.Infow("doctor audit complete", "jobs_audited", len(report.Findings), "verdict", report.Verdict)

	w := cmd.OutOrStdout()
	if doctorJSON {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(data))
	} else {
		renderDoctorReport(w, report)
	}

	if report.Verdict == recovery.Critical {
		return userErr("doctor found %s manifests; see findings above", recovery.Critical)
	}
	return nil
}
