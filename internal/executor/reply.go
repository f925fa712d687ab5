package executor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Action is the executor-reported outcome of a step.
type Action string

const (
	ActionCompleted Action = "COMPLETED"
	ActionStuck     Action = "STUCK"
	ActionRetry     Action = "RETRY"
)

func (a Action) valid() bool {
	switch a {
	case ActionCompleted, ActionStuck, ActionRetry:
		return true
	}
	return false
}

// Reply is the structured message the executor must produce, per spec.md
// §4.2.1 step 8.
type Reply struct {
	Action              Action   `json:"action"`
	EvidenceFiles       []string `json:"evidence_files"`
	SummaryForSupervisor string  `json:"summary_for_supervisor"`
	JobManifestURL      *string  `json:"job_manifest_url,omitempty"`
}

var allowedReplyFields = map[string]bool{
	"action": true, "evidence_files": true, "summary_for_supervisor": true, "job_manifest_url": true,
}

// ErrSchemaInvalid is returned by ParseReply when a candidate JSON blob
// does not satisfy the reply schema.
var ErrSchemaInvalid = fmt.Errorf("reply does not satisfy the expected schema")

// ParseReply validates raw against spec.md §4.2.1 step 8: an object with
// action in {COMPLETED,STUCK,RETRY}, evidence_files as an array of
// strings, summary_for_supervisor at most 1000 characters, an optional
// job_manifest_url, and no additional properties.
func ParseReply(raw json.RawMessage) (*Reply, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrSchemaInvalid, err)
	}
	for key := range generic {
		if !allowedReplyFields[key] {
			return nil, fmt.Errorf("%w: unexpected field %q", ErrSchemaInvalid, key)
		}
	}

	var reply Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaInvalid, err)
	}
	if !reply.Action.valid() {
		return nil, fmt.Errorf("%w: invalid action %q", ErrSchemaInvalid, reply.Action)
	}
	if reply.EvidenceFiles == nil {
		return nil, fmt.Errorf("%w: evidence_files is required", ErrSchemaInvalid)
	}
	if len(reply.SummaryForSupervisor) > 1000 {
		return nil, fmt.Errorf("%w: summary_for_supervisor exceeds 1000 characters", ErrSchemaInvalid)
	}
	return &reply, nil
}

// conversationMessage mirrors one entry of api_conversation_history.json.
type conversationMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

var fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
var braceJSONRe = regexp.MustCompile(`(?s)\{.*\}`)

// candidateBlobs extracts JSON object candidates from free-form message
// content: first any fenced ```json``` blocks, then a best-effort brace
// match over the whole string — the engine "accepts either" per spec.md
// §6.4.
func candidateBlobs(content string) []string {
	var out []string
	for _, m := range fencedJSONRe.FindAllStringSubmatch(content, -1) {
		out = append(out, m[1])
	}
	if trimmed := strings.TrimSpace(content); strings.HasPrefix(trimmed, "{") {
		out = append(out, trimmed)
	} else if m := braceJSONRe.FindString(content); m != "" {
		out = append(out, m)
	}
	return out
}

// ExtractReplyFromHistory scans messages newest-first, returning the first
// one whose content contains a JSON blob that parses as a valid Reply, per
// spec.md §4.8.3 step 2.
func ExtractReplyFromHistory(messages []conversationMessage) (*Reply, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		for _, blob := range candidateBlobs(messages[i].Content) {
			if reply, err := ParseReply(json.RawMessage(blob)); err == nil {
				return reply, nil
			}
		}
	}
	return nil, ErrSchemaInvalid
}

// TaskMetrics mirrors the executor's per-task metadata.json, per spec.md
// §4.8.3 step 3: missing fields default to zero/false/null.
type TaskMetrics struct {
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

// TaskDir returns the on-disk task directory for taskID under baseDir
// (typically ~/.<app>/data/tasks).
func TaskDir(baseDir, taskID string) string {
	return filepath.Join(baseDir, taskID)
}

// ReadTaskOutput loads the conversation history and metrics file from a
// task directory and extracts the first schema-matching reply, newest
// message first.
func ReadTaskOutput(taskDir string) (*Reply, TaskMetrics, error) {
	historyPath := filepath.Join(taskDir, "api_conversation_history.json")
	data, err := os.ReadFile(historyPath)
	if err != nil {
		return nil, TaskMetrics{}, fmt.Errorf("read conversation history: %w", err)
	}
	var messages []conversationMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, TaskMetrics{}, fmt.Errorf("parse conversation history: %w", err)
	}
	reply, err := ExtractReplyFromHistory(messages)
	if err != nil {
		return nil, TaskMetrics{}, err
	}

	var metrics TaskMetrics
	metaPath := filepath.Join(taskDir, "metadata.json")
	if metaData, err := os.ReadFile(metaPath); err == nil {
		_ = json.Unmarshal(metaData, &metrics)
	}
	return reply, metrics, nil
}
