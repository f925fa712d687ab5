// Package observer implements spec.md §4.7: an out-of-band, advisory-only
// analyzer that infers likely job state from raw log content. Grounded on
// the teacher's cmd/ao/stream_parser.go ParseStreamEvents — a tolerant,
// line-oriented scan that never fails outright on malformed input — but
// generalized from structured stream events to a registrable table of
// named regex patterns over raw log lines, per spec.md §4.7's requirement
// that custom patterns be registrable at runtime.
//
// The observer never writes state directly (spec.md §9 "Observer
// integration"); callers decide what, if anything, to do with its output.
package observer

import (
	"bufio"
	"regexp"
	"strings"

	"github.com/jobctl/jobctl/internal/statemachine"
)

// Confidence grades how strongly a single line implies a state.
type Confidence int

const (
	Low Confidence = iota
	Medium
	High
	Certain
)

func (c Confidence) String() string {
	switch c {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Certain:
		return "CERTAIN"
	default:
		return "UNKNOWN"
	}
}

// Pattern is one named detector: a regex and the states it can indicate.
type Pattern struct {
	Name       string
	Regex      *regexp.Regexp
	States     []statemachine.State
	Confidence Confidence
}

// Detection is one line's match against a registered Pattern.
type Detection struct {
	LineNumber int
	Line       string
	Pattern    string
	State      statemachine.State
	Confidence Confidence
}

// TransitionObservation is a state change inferred between two detections.
type TransitionObservation struct {
	From statemachine.State
	To   statemachine.State
}

// Result is the output of a Scan.
type Result struct {
	InferredState  *statemachine.State
	Detections     []Detection
	Transitions    []TransitionObservation
	Recommendation string
}

// Observer holds the registered pattern table. The zero value is usable
// but has no patterns; use NewObserver for the sealed default set.
type Observer struct {
	patterns []Pattern
}

// NewObserver returns an Observer pre-loaded with the sealed default
// pattern table.
func NewObserver() *Observer {
	o := &Observer{}
	for _, p := range defaultPatterns() {
		o.Register(p)
	}
	return o
}

// Register adds a custom pattern at runtime, per spec.md §4.7.
func (o *Observer) Register(p Pattern) {
	o.patterns = append(o.patterns, p)
}

// defaultPatterns is the sealed table shipped with jobctl. Callers extend
// it at runtime via Register; there is no config-file hook, per spec.md §9's
// "Error-classifier expansion" note applied here to the observer too.
func defaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "completed",
			Regex:      regexp.MustCompile(`(?i)\b(completed successfully|task (is )?complete|finished successfully)\b`),
			States:     []statemachine.State{statemachine.ReviewRequired},
			Confidence: Certain,
		},
		{
			Name:       "stuck",
			Regex:      regexp.MustCompile(`(?i)\b(stuck|cannot proceed|blocked indefinitely|unable to continue)\b`),
			States:     []statemachine.State{statemachine.InterventionRequired},
			Confidence: High,
		},
		{
			Name:       "error",
			Regex:      regexp.MustCompile(`(?i)\b(error|exception|traceback|panic:)\b`),
			States:     []statemachine.State{statemachine.InterventionRequired},
			Confidence: Medium,
		},
		{
			Name:       "retrying",
			Regex:      regexp.MustCompile(`(?i)\bretrying\b`),
			States:     []statemachine.State{statemachine.Executing},
			Confidence: Low,
		},
		{
			Name:       "provisioning",
			Regex:      regexp.MustCompile(`(?i)\b(creating workspace|provisioning worktree)\b`),
			States:     []statemachine.State{statemachine.Provisioning},
			Confidence: Medium,
		},
	}
}

// Scan reads content line by line, recording a Detection for every pattern
// match, then returns the most recent high-confidence (HIGH or CERTAIN)
// detection as the inferred state, the ordered list of state changes
// across all detections, and a recommendation.
func (o *Observer) Scan(content string) Result {
	var result Result
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		for _, p := range o.patterns {
			if !p.Regex.MatchString(line) {
				continue
			}
			for _, st := range p.States {
				result.Detections = append(result.Detections, Detection{
					LineNumber: lineNo,
					Line:       line,
					Pattern:    p.Name,
					State:      st,
					Confidence: p.Confidence,
				})
			}
		}
	}

	result.Transitions = deriveTransitions(result.Detections)
	result.InferredState = mostRecentHighConfidence(result.Detections)
	result.Recommendation = recommendationFor(result.InferredState)
	return result
}

func mostRecentHighConfidence(detections []Detection) *statemachine.State {
	for i := len(detections) - 1; i >= 0; i-- {
		if detections[i].Confidence >= High {
			st := detections[i].State
			return &st
		}
	}
	return nil
}

func deriveTransitions(detections []Detection) []TransitionObservation {
	var out []TransitionObservation
	var prev *statemachine.State
	for _, d := range detections {
		if prev != nil && *prev != d.State {
			out = append(out, TransitionObservation{From: *prev, To: d.State})
		}
		st := d.State
		prev = &st
	}
	return out
}

func recommendationFor(state *statemachine.State) string {
	if state == nil {
		return ""
	}
	switch *state {
	case statemachine.InterventionRequired:
		return "immediate attention"
	default:
		return "manual review"
	}
}
