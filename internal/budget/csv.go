package budget

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/jobctl/jobctl/internal/manifest"
)

var csvHeader = []string{
	"timestamp", "step", "role", "action", "summary", "cost_usd", "duration_seconds",
	"token_input", "token_output", "cache_hit", "throughput_tokens_per_second",
	"executor_task_id", "new_status",
}

// ExportCSV writes one row per history entry, per spec.md §4.9.
func ExportCSV(w io.Writer, m *manifest.Manifest) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for i, h := range m.History {
		row := []string{
			h.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
			fmt.Sprintf("%d", i+1),
			h.Role,
			h.Action,
			h.Summary,
			fmt.Sprintf("%.4f", h.Metrics.CostUSD),
			fmt.Sprintf("%.2f", h.Metrics.DurationSeconds),
			fmt.Sprintf("%d", h.Metrics.TokenInput),
			fmt.Sprintf("%d", h.Metrics.TokenOutput),
			fmt.Sprintf("%t", h.Metrics.CacheHit),
			fmt.Sprintf("%.2f", h.Metrics.ThroughputTokensPerSecond),
			h.ExecutorTaskID,
			h.NewStatus,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
