// Package classify implements the executor failure taxonomy and retry
// policy of spec.md §4.8.2/§7. New code: the source's regex-on-stderr
// heuristics are brittle per spec.md §9's "Error-classifier expansion"
// design note, but the taxonomy itself — severity × category, each
// classification instance carrying a correlation id — is kept and
// expressed as a sealed Go type rather than a dynamic dictionary,
// matching the "tagged sum types for Severity, Category" redesign
// direction. The heuristics themselves are a fixed switch inside Classify:
// they are not exposed as data, and operators cannot extend them without
// recompiling.
package classify

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is how urgently a failure must be handled.
type Severity string

const (
	Transient   Severity = "TRANSIENT"
	Recoverable Severity = "RECOVERABLE"
	Fatal       Severity = "FATAL"
)

// Category groups failures by underlying cause.
type Category string

const (
	CategoryNetwork       Category = "NETWORK"
	CategoryValidation    Category = "VALIDATION"
	CategoryResource      Category = "RESOURCE"
	CategoryExecution     Category = "EXECUTION"
	CategoryConfiguration Category = "CONFIGURATION"
	CategorySystem        Category = "SYSTEM"
)

// Classification is the structured diagnosis of one failed step, per
// spec.md §4.8.2.
type Classification struct {
	Severity             Severity `json:"severity"`
	Category              Category `json:"category"`
	UserMessage           string   `json:"user_message"`
	SuggestedAction       string   `json:"suggested_action"`
	CanRetry              bool     `json:"can_retry"`
	MaxRetries            int      `json:"max_retries"`
	InterventionRequired  bool     `json:"intervention_required"`
	CorrelationID         string   `json:"correlation_id"`
	Description           string   `json:"description"`
}

// Failure is the raw input to Classify: an executor invocation that did
// not produce a usable reply.
type Failure struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	// NoTaskID is set when the adapter could not find a task id on
	// stdout, per spec.md §4.8.3 and the boundary behavior in §8.
	NoTaskID bool
	// SchemaInvalid is set when a reply was found but failed schema
	// validation.
	SchemaInvalid bool
}

func combinedOutput(f Failure) string {
	return strings.ToLower(f.Stdout + "\n" + f.Stderr)
}

// Classify applies the exit-code/stderr heuristics of spec.md §4.8.2.
func Classify(f Failure) Classification {
	c := Classification{CorrelationID: uuid.NewString()}
	output := combinedOutput(f)

	switch {
	case f.TimedOut || f.ExitCode == 124:
		c.Severity, c.Category = Transient, CategoryExecution
		c.CanRetry, c.MaxRetries = true, 2
		c.UserMessage = "the executor did not respond before the timeout elapsed"
		c.SuggestedAction = "retry; if it keeps timing out, increase the step timeout or check the executor's health"

	case f.ExitCode == 1 && (strings.Contains(output, "api key") || strings.Contains(output, "authentication")):
		c.Severity, c.Category = Fatal, CategoryConfiguration
		c.InterventionRequired = true
		c.UserMessage = "the executor reported an authentication failure"
		c.SuggestedAction = "check the executor's credentials, then resubmit"

	case f.ExitCode == 1 && (strings.Contains(output, "quota exceeded") || strings.Contains(output, "rate limit")):
		c.Severity, c.Category = Recoverable, CategoryResource
		c.CanRetry, c.MaxRetries = true, 1
		c.UserMessage = "the executor hit a quota or rate limit"
		c.SuggestedAction = "wait roughly 30 seconds and retry"

	case f.ExitCode == 1 && (strings.Contains(output, "network") || strings.Contains(output, "connection")):
		c.Severity, c.Category = Transient, CategoryNetwork
		c.CanRetry, c.MaxRetries = true, 3
		c.UserMessage = "the executor could not reach the network"
		c.SuggestedAction = "retry with backoff; check connectivity if it persists"

	case f.ExitCode == 2:
		c.Severity, c.Category = Recoverable, CategorySystem
		c.CanRetry, c.MaxRetries = true, 1
		c.UserMessage = "the executor reported a filesystem error"
		c.SuggestedAction = "check disk space and permissions under the workspace, then retry"

	case f.SchemaInvalid:
		c.Severity, c.Category = Recoverable, CategoryValidation
		c.CanRetry, c.MaxRetries = true, 2
		c.UserMessage = "the executor's reply did not match the expected schema"
		c.SuggestedAction = "retry; if it keeps failing, inspect the raw reply for malformed JSON"

	case f.NoTaskID:
		c.Severity, c.Category = Recoverable, CategoryExecution
		c.CanRetry, c.MaxRetries = true, 2
		c.UserMessage = "the executor did not print a recognizable task id"
		c.SuggestedAction = "retry; if it keeps failing, check the executor's stdout contract"

	default:
		c.Severity, c.Category = Recoverable, CategoryExecution
		c.CanRetry, c.MaxRetries = true, 2
		c.UserMessage = "the executor failed for an unrecognized reason"
		c.SuggestedAction = "retry; escalate to manual review if this repeats"
	}

	c.Description = classificationDescription(f)
	c.InterventionRequired = c.InterventionRequired || c.Severity == Fatal
	return c
}

func classificationDescription(f Failure) string {
	switch {
	case f.TimedOut:
		return "executor invocation timed out"
	case f.NoTaskID:
		return "no task id found in executor stdout"
	case f.SchemaInvalid:
		return "executor reply failed schema validation"
	default:
		return "executor exited with code " + strconv.Itoa(f.ExitCode)
	}
}

// RetryDelay implements spec.md §7's retry policy: network errors back off
// exponentially, resource/quota errors back off linearly, everything else
// uses a short fixed delay. attempt is zero-based.
func RetryDelay(c Classification, attempt int) time.Duration {
	switch c.Category {
	case CategoryNetwork:
		base := time.Second
		return base * time.Duration(1<<uint(attempt))
	case CategoryResource:
		return 30 * time.Second * time.Duration(attempt+1)
	default:
		return 2 * time.Second
	}
}

// StatusEffectFor maps a classification's severity to the status
// change spec.md §7 specifies: TRANSIENT leaves status untouched (the
// caller may retry), RECOVERABLE requires intervention, FATAL cancels the
// job outright.
type StatusEffect int

const (
	NoStatusChange StatusEffect = iota
	RequireIntervention
	Cancel
)

func StatusEffectFor(c Classification) StatusEffect {
	switch c.Severity {
	case Transient:
		return NoStatusChange
	case Recoverable:
		return RequireIntervention
	case Fatal:
		return Cancel
	default:
		return RequireIntervention
	}
}
