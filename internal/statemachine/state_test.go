package statemachine

import "testing"

func TestHappyPathTransitions(t *testing.T) {
	steps := []struct {
		from   State
		role   Role
		action Action
		want   State
	}{
		{Draft, RoleSystem, ActionActivated, Pending},
		{Pending, RoleSystem, ActionStepStart, Provisioning},
		{Provisioning, RoleSystem, ActionProvisionOK, Executing},
		{Executing, RoleSystem, ActionExecuteOK, Harvesting},
		{Harvesting, RoleWorker, ActionCompleted, ReviewRequired},
		{ReviewRequired, RoleSupervisor, ActionCompleted, ApprovalRequired},
		{ApprovalRequired, RoleHuman, ActionApprove, Success},
	}
	for _, s := range steps {
		got, err := Transition(s.from, s.role, s.action)
		if err != nil {
			t.Fatalf("Transition(%s,%s,%s): %v", s.from, s.role, s.action, err)
		}
		if got != s.want {
			t.Errorf("Transition(%s,%s,%s) = %s, want %s", s.from, s.role, s.action, got, s.want)
		}
	}
}

func TestPendingWorkerCompletedIsInvalid(t *testing.T) {
	_, err := Transition(Pending, RoleWorker, ActionCompleted)
	if err == nil {
		t.Fatalf("expected (PENDING, Worker, COMPLETED) to be rejected, per the flagged source bug")
	}
}

func TestUnlistedStuckDefaultsToIntervention(t *testing.T) {
	got, err := Transition(Provisioning, RoleWorker, ActionStuck)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got != InterventionRequired {
		t.Fatalf("got %s, want INTERVENTION_REQUIRED", got)
	}
}

func TestUnlistedRetryIsSelfLoop(t *testing.T) {
	got, err := Transition(Harvesting, RoleWorker, ActionRetry)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got != Harvesting {
		t.Fatalf("got %s, want self-loop to HARVESTING", got)
	}
}

func TestTerminalStatesRejectAllTransitions(t *testing.T) {
	for _, term := range []State{Success, Canceled, Failed} {
		if _, err := Transition(term, RoleHuman, ActionResubmit); err == nil {
			t.Errorf("expected terminal state %s to reject transitions", term)
		}
	}
}

func TestSuspendFromNonTerminalStates(t *testing.T) {
	for _, from := range []State{Draft, Pending, Executing, ReviewRequired, InterventionRequired} {
		got, err := Transition(from, RoleHuman, ActionSuspend)
		if err != nil {
			t.Fatalf("Transition(%s, Human, SUSPEND): %v", from, err)
		}
		if got != Suspended {
			t.Errorf("Transition(%s, Human, SUSPEND) = %s, want SUSPENDED", from, got)
		}
	}
}

func TestSuspendedResumesOnlyToPendingOrCanceled(t *testing.T) {
	got, err := Transition(Suspended, RoleSystem, ActionResume)
	if err != nil || got != Pending {
		t.Fatalf("resume: got %s, err %v", got, err)
	}
	got, err = Transition(Suspended, RoleHuman, ActionTerminate)
	if err != nil || got != Canceled {
		t.Fatalf("terminate: got %s, err %v", got, err)
	}
}

func TestDraftReachesOnlyPendingSuspendedCanceled(t *testing.T) {
	if got, err := Transition(Draft, RoleSystem, ActionActivated); err != nil || got != Pending {
		t.Fatalf("activate: got %s, err %v", got, err)
	}
	if got, err := Transition(Draft, RoleHuman, ActionSuspend); err != nil || got != Suspended {
		t.Fatalf("suspend: got %s, err %v", got, err)
	}
	if got, err := Transition(Draft, RoleHuman, ActionTerminate); err != nil || got != Canceled {
		t.Fatalf("terminate: got %s, err %v", got, err)
	}
}

func TestTerminateFromAnyNonTerminalState(t *testing.T) {
	for _, from := range []State{Draft, Pending, Executing, ReviewRequired, ApprovalRequired, InterventionRequired} {
		got, err := Transition(from, RoleHuman, ActionTerminate)
		if err != nil {
			t.Fatalf("Transition(%s, Human, TERMINATE): %v", from, err)
		}
		if got != Canceled {
			t.Errorf("Transition(%s, Human, TERMINATE) = %s, want CANCELED", from, got)
		}
	}
}

func TestDisplayAlias(t *testing.T) {
	cases := map[State]string{
		Executing:      "RUNNING",
		ReviewRequired: "REVIEWING",
		Pending:        "PENDING",
		Success:        "SUCCESS",
	}
	for state, want := range cases {
		if got := state.DisplayAlias(); got != want {
			t.Errorf("%s.DisplayAlias() = %s, want %s", state, got, want)
		}
	}
}

func TestIsValidAndIsTerminal(t *testing.T) {
	if !Pending.IsValid() {
		t.Errorf("PENDING should be valid")
	}
	if State("BOGUS").IsValid() {
		t.Errorf("BOGUS should not be valid")
	}
	for _, term := range []State{Success, Canceled, Failed} {
		if !term.IsTerminal() {
			t.Errorf("%s should be terminal", term)
		}
	}
	if Pending.IsTerminal() {
		t.Errorf("PENDING should not be terminal")
	}
}
