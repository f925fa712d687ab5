package classify

import "testing"

func TestClassifyTimeout(t *testing.T) {
	c := Classify(Failure{ExitCode: 124})
	if c.Severity != Transient || c.Category != CategoryExecution {
		t.Fatalf("got severity=%s category=%s", c.Severity, c.Category)
	}
	if !c.CanRetry || c.MaxRetries != 2 {
		t.Fatalf("expected retryable up to 2, got CanRetry=%v MaxRetries=%d", c.CanRetry, c.MaxRetries)
	}
	if c.CorrelationID == "" {
		t.Fatalf("expected correlation id to be set")
	}
}

func TestClassifyAuthenticationIsFatal(t *testing.T) {
	c := Classify(Failure{ExitCode: 1, Stderr: "authentication failed"})
	if c.Severity != Fatal || c.Category != CategoryConfiguration {
		t.Fatalf("got severity=%s category=%s", c.Severity, c.Category)
	}
	if !c.InterventionRequired {
		t.Fatalf("expected fatal classification to require intervention")
	}
}

func TestClassifyQuotaExceeded(t *testing.T) {
	c := Classify(Failure{ExitCode: 1, Stderr: "quota exceeded, try later"})
	if c.Severity != Recoverable || c.Category != CategoryResource {
		t.Fatalf("got severity=%s category=%s", c.Severity, c.Category)
	}
	if c.MaxRetries != 1 {
		t.Fatalf("expected single retry, got %d", c.MaxRetries)
	}
}

func TestClassifyNetworkError(t *testing.T) {
	c := Classify(Failure{ExitCode: 1, Stderr: "network unreachable"})
	if c.Severity != Transient || c.Category != CategoryNetwork {
		t.Fatalf("got severity=%s category=%s", c.Severity, c.Category)
	}
	if c.MaxRetries != 3 {
		t.Fatalf("expected 3 retries, got %d", c.MaxRetries)
	}
}

func TestClassifyFilesystemError(t *testing.T) {
	c := Classify(Failure{ExitCode: 2})
	if c.Severity != Recoverable || c.Category != CategorySystem {
		t.Fatalf("got severity=%s category=%s", c.Severity, c.Category)
	}
}

func TestClassifySchemaInvalid(t *testing.T) {
	c := Classify(Failure{SchemaInvalid: true})
	if c.Category != CategoryValidation {
		t.Fatalf("got category=%s", c.Category)
	}
}

func TestClassifyNoTaskID(t *testing.T) {
	c := Classify(Failure{NoTaskID: true})
	if c.Category != CategoryExecution || !c.CanRetry {
		t.Fatalf("got category=%s canRetry=%v", c.Category, c.CanRetry)
	}
}

func TestClassifyUnrecognizedFallsBackToRecoverableExecution(t *testing.T) {
	c := Classify(Failure{ExitCode: 17})
	if c.Severity != Recoverable || c.Category != CategoryExecution {
		t.Fatalf("got severity=%s category=%s", c.Severity, c.Category)
	}
}

func TestStatusEffectFor(t *testing.T) {
	cases := []struct {
		severity Severity
		want     StatusEffect
	}{
		{Transient, NoStatusChange},
		{Recoverable, RequireIntervention},
		{Fatal, Cancel},
	}
	for _, tc := range cases {
		got := StatusEffectFor(Classification{Severity: tc.severity})
		if got != tc.want {
			t.Errorf("StatusEffectFor(%s) = %v, want %v", tc.severity, got, tc.want)
		}
	}
}

func TestRetryDelayVariesByCategory(t *testing.T) {
	network := RetryDelay(Classification{Category: CategoryNetwork}, 2)
	resource := RetryDelay(Classification{Category: CategoryResource}, 2)
	other := RetryDelay(Classification{Category: CategoryExecution}, 2)

	if network >= resource {
		t.Errorf("expected network backoff (%v) to stay below resource backoff (%v) at attempt 2", network, resource)
	}
	if other == 0 {
		t.Errorf("expected non-zero fixed delay for other categories")
	}
}
