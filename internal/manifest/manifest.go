// Package manifest defines the canonical on-disk job record and its
// append-only history log, and the atomic store that loads and rewrites
// them. Grounded on the teacher's internal/storage (FileStorage's
// atomicWrite-into-temp-then-rename idiom) adapted from session/provenance
// records to job manifests, and on internal/ratchet's Chain/ChainEntry
// shape for the history log.
package manifest

import (
	"encoding/json"
	"time"

	"github.com/jobctl/jobctl/internal/statemachine"
)

// Phase is one named sub-step of a job.
type Phase struct {
	Name         string  `json:"name"`
	Description  string  `json:"description"`
	ActiveAgent  *string `json:"active_agent,omitempty"`
}

// Config carries the objective and acceptance criteria a job was created
// with.
type Config struct {
	Objective          string   `json:"objective"`
	Details            string   `json:"details,omitempty"`
	AcceptanceCriteria string   `json:"acceptance_criteria,omitempty"`
	PromptTemplate     string   `json:"prompt_template,omitempty"`
	Files              []string `json:"files,omitempty"`
}

// Metrics are the job-level cumulative totals.
type Metrics struct {
	CumulativeCost        float64 `json:"cumulative_cost"`
	CumulativeTimeSeconds float64 `json:"cumulative_time_seconds"`
	StepCount             int     `json:"step_count"`
}

// StepMetrics are the per-history-entry metrics reported by one executor
// invocation.
type StepMetrics struct {
	CostUSD                   float64 `json:"cost_usd"`
	DurationSeconds           float64 `json:"duration_seconds"`
	TokenInput                int64   `json:"token_input"`
	TokenOutput               int64   `json:"token_output"`
	TokenCacheRead            int64   `json:"token_cache_read"`
	TokenCacheWrite           int64   `json:"token_cache_write"`
	CacheHit                  bool    `json:"cache_hit"`
	TTFTSeconds               float64 `json:"ttft_seconds"`
	ThroughputTokensPerSecond float64 `json:"throughput_tokens_per_second"`
}

// HistoryEntry is one append-only record of either an executor step or a
// lifecycle event.
type HistoryEntry struct {
	Timestamp      time.Time   `json:"timestamp"`
	Event          string      `json:"event,omitempty"`
	Role           string      `json:"role,omitempty"`
	Action         string      `json:"action,omitempty"`
	Summary        string      `json:"summary,omitempty"`
	EvidenceFiles  []string    `json:"evidence_files,omitempty"`
	Metrics        StepMetrics `json:"metrics,omitempty"`
	ExecutorTaskID string      `json:"executor_task_id,omitempty"`
	NewStatus      string      `json:"new_status,omitempty"`
	Warnings       []string    `json:"warnings,omitempty"`
}

// RerunInfo tags a manifest after Rerun resets it, per spec.md §4.2.3.
type RerunInfo struct {
	From      int       `json:"from"`
	RerunAt   time.Time `json:"rerun_at"`
	PriorRuns int       `json:"prior_runs"`
}

// knownManifestFields is the set of field names the Manifest struct maps,
// used by manifest (un)marshaling to separate caller annotations (unknown
// fields, per spec.md §6.3) from recognized fields.
var knownManifestFields = map[string]bool{
	"job_id": true, "status": true, "current_phase": true, "phases": true,
	"config": true, "metrics": true, "history": true,
	"cost_threshold": true, "time_threshold_minutes": true,
	"warning_percentage": true,
	"created_at": true, "updated_at": true, "_rerun_info": true,
}

// Manifest is the canonical state of a job, per spec.md §3.2. Unknown JSON
// fields present on disk are preserved verbatim across load/save so that
// users may annotate manifests without the engine discarding their
// additions — see MarshalJSON/UnmarshalJSON.
type Manifest struct {
	JobID                string             `json:"job_id"`
	Status               statemachine.State `json:"status"`
	CurrentPhase         *string            `json:"current_phase"`
	Phases               []Phase            `json:"phases"`
	Config               Config             `json:"config"`
	Metrics              Metrics            `json:"metrics"`
	History              []HistoryEntry     `json:"history"`
	CostThreshold        float64            `json:"cost_threshold"`
	TimeThresholdMinutes float64            `json:"time_threshold_minutes"`
	WarningPercentage    float64            `json:"warning_percentage,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
	RerunInfo            *RerunInfo         `json:"_rerun_info,omitempty"`

	// Extra holds JSON object keys not recognized above, preserved
	// byte-for-byte on round-trip.
	Extra map[string]json.RawMessage `json:"-"`
}

// manifestAlias avoids infinite recursion through Manifest's custom
// Marshal/Unmarshal methods.
type manifestAlias Manifest

// MarshalJSON emits the known fields plus any preserved unknown ones.
func (m Manifest) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(manifestAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if !knownManifestFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes known fields and stashes anything else in Extra.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	var alias manifestAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	*m = Manifest(alias)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra := map[string]json.RawMessage{}
	for k, v := range raw {
		if !knownManifestFields[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		m.Extra = extra
	}
	return nil
}

// PhaseIndex returns the index of the phase named name, or -1.
func (m *Manifest) PhaseIndex(name string) int {
	for i, p := range m.Phases {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// ActiveRole resolves the role for the current phase: Supervisor when the
// phase declares it or the status is a review state, Worker otherwise
// (spec.md §4.2.1 step 3).
func (m *Manifest) ActiveRole() statemachine.Role {
	if m.Status == statemachine.ReviewRequired {
		return statemachine.RoleSupervisor
	}
	if m.CurrentPhase != nil {
		if idx := m.PhaseIndex(*m.CurrentPhase); idx >= 0 {
			p := m.Phases[idx]
			if p.ActiveAgent != nil && *p.ActiveAgent == string(statemachine.RoleSupervisor) {
				return statemachine.RoleSupervisor
			}
		}
	}
	return statemachine.RoleWorker
}
