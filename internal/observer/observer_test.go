package observer

import (
	"regexp"
	"testing"

	"github.com/jobctl/jobctl/internal/statemachine"
)

func TestScanDetectsCompletionCertainty(t *testing.T) {
	o := NewObserver()
	result := o.Scan("starting up\ntask completed successfully\n")
	if result.InferredState == nil || *result.InferredState != statemachine.ReviewRequired {
		t.Fatalf("InferredState = %v, want ReviewRequired", result.InferredState)
	}
	if result.Recommendation != "manual review" {
		t.Fatalf("Recommendation = %q", result.Recommendation)
	}
}

func TestScanDetectsStuckAsHighConfidence(t *testing.T) {
	o := NewObserver()
	result := o.Scan("working...\nI am stuck and cannot proceed further\n")
	if result.InferredState == nil || *result.InferredState != statemachine.InterventionRequired {
		t.Fatalf("InferredState = %v, want InterventionRequired", result.InferredState)
	}
	if result.Recommendation != "immediate attention" {
		t.Fatalf("Recommendation = %q, want immediate attention", result.Recommendation)
	}
}

func TestScanIgnoresLowConfidenceForInference(t *testing.T) {
	o := NewObserver()
	result := o.Scan("retrying the request\n")
	if result.InferredState != nil {
		t.Fatalf("InferredState = %v, want nil (LOW confidence shouldn't drive inference)", *result.InferredState)
	}
	if len(result.Detections) != 1 {
		t.Fatalf("Detections = %d, want 1", len(result.Detections))
	}
}

func TestScanUsesMostRecentHighConfidenceDetection(t *testing.T) {
	o := NewObserver()
	result := o.Scan("error: something broke\n...\ncompleted successfully\n")
	if result.InferredState == nil || *result.InferredState != statemachine.ReviewRequired {
		t.Fatalf("InferredState = %v, want ReviewRequired (most recent wins)", result.InferredState)
	}
}

func TestScanNoMatchesReturnsEmptyResult(t *testing.T) {
	o := NewObserver()
	result := o.Scan("nothing interesting here\njust plain output\n")
	if result.InferredState != nil {
		t.Fatalf("InferredState = %v, want nil", *result.InferredState)
	}
	if len(result.Detections) != 0 {
		t.Fatalf("Detections = %d, want 0", len(result.Detections))
	}
	if result.Recommendation != "" {
		t.Fatalf("Recommendation = %q, want empty", result.Recommendation)
	}
}

func TestRegisterCustomPatternIsConsulted(t *testing.T) {
	o := NewObserver()
	o.Register(Pattern{
		Name:       "custom-marker",
		Regex:      regexp.MustCompile(`CUSTOM_DONE`),
		States:     []statemachine.State{statemachine.Success},
		Confidence: Certain,
	})
	result := o.Scan("prefix CUSTOM_DONE suffix\n")
	if result.InferredState == nil || *result.InferredState != statemachine.Success {
		t.Fatalf("InferredState = %v, want Success from custom pattern", result.InferredState)
	}
}

func TestDeriveTransitionsTracksStateChanges(t *testing.T) {
	o := NewObserver()
	result := o.Scan("creating workspace\nretrying the request\nerror: boom\n")
	if len(result.Transitions) == 0 {
		t.Fatalf("expected at least one inferred transition, got none")
	}
	first := result.Transitions[0]
	if first.From != statemachine.Provisioning || first.To != statemachine.Executing {
		t.Fatalf("first transition = %+v, want Provisioning->Executing", first)
	}
}

func TestLineNumbersAreOneIndexed(t *testing.T) {
	o := NewObserver()
	result := o.Scan("line one\nline two\nstuck and cannot proceed\n")
	if len(result.Detections) != 1 {
		t.Fatalf("Detections = %d, want 1", len(result.Detections))
	}
	if result.Detections[0].LineNumber != 3 {
		t.Fatalf("LineNumber = %d, want 3", result.Detections[0].LineNumber)
	}
}
