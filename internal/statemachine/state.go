// Package statemachine implements the job lifecycle as a typed, pure
// transition table. The source system this was modeled on used dynamic
// dictionaries and per-call key probing to drive state; here each axis
// (state, role, action) is a sealed Go type and the transition function is
// a total, side-effect-free lookup, per the "strongly-typed records +
// tagged sum types" redesign.
package statemachine

import "fmt"

// State is a job's lifecycle state. Only the fine-grained set is ever
// stored; RUNNING/REVIEWING are display aliases only (DisplayAlias),
// resolving the legacy-vocabulary design note.
type State string

const (
	Draft                  State = "DRAFT"
	Pending                State = "PENDING"
	Suspended              State = "SUSPENDED"
	Provisioning           State = "PROVISIONING"
	Executing              State = "EXECUTING"
	Harvesting             State = "HARVESTING"
	Recovering             State = "RECOVERING"
	ReviewRequired         State = "REVIEW_REQUIRED"
	ApprovalRequired       State = "APPROVAL_REQUIRED"
	InterventionRequired   State = "INTERVENTION_REQUIRED"
	Success                State = "SUCCESS"
	Canceled               State = "CANCELED"
	// Failed is retained only for backward compatibility with manifests
	// written by older versions; it is terminal but no transition rule
	// ever produces it anew.
	Failed State = "FAILED"
)

// allStates enumerates every valid stored state, for membership checks
// (spec.md §8 invariant 1: status is always one of the enumerated states).
var allStates = map[State]bool{
	Draft: true, Pending: true, Suspended: true,
	Provisioning: true, Executing: true, Harvesting: true, Recovering: true,
	ReviewRequired: true, ApprovalRequired: true, InterventionRequired: true,
	Success: true, Canceled: true, Failed: true,
}

// IsValid reports whether s is one of the enumerated states.
func (s State) IsValid() bool { return allStates[s] }

// IsTerminal reports whether s accepts no outbound transition.
func (s State) IsTerminal() bool {
	return s == Success || s == Canceled || s == Failed
}

// DisplayAlias returns the legacy display name for states that the old
// system exposed under a coarser vocabulary, for `--json` backward
// compatibility; all internal storage and transitions use the
// fine-grained state.
func (s State) DisplayAlias() string {
	switch s {
	case Executing:
		return "RUNNING"
	case ReviewRequired:
		return "REVIEWING"
	default:
		return string(s)
	}
}

// Role is the persona active when an action was reported.
type Role string

const (
	RoleWorker     Role = "Worker"
	RoleSupervisor Role = "Supervisor"
	RoleSystem     Role = "System"
	RoleHuman      Role = "Human"
)

// Action is the event driving a transition.
type Action string

const (
	ActionActivated     Action = "ACTIVATED"
	ActionSuspend       Action = "SUSPEND"
	ActionResume        Action = "RESUME"
	ActionStepStart     Action = "STEP_START"
	ActionProvisionOK   Action = "PROVISION_OK"
	ActionProvisionFail Action = "PROVISION_FAIL"
	ActionExecuteOK     Action = "EXECUTE_OK"
	ActionRecover       Action = "RECOVER"
	ActionRecoverOK     Action = "RECOVER_OK"
	ActionCompleted     Action = "COMPLETED"
	ActionStuck         Action = "STUCK"
	ActionRetry         Action = "RETRY"
	ActionHarvestOK     Action = "HARVEST_SUCCESS"
	ActionApprove       Action = "APPROVE"
	ActionReject        Action = "REJECT"
	ActionResubmit      Action = "RESUBMIT"
	ActionTerminate     Action = "TERMINATE"
)

// ErrInvalidTransition is returned by Transition when no table entry and no
// fallback rule applies.
type ErrInvalidTransition struct {
	From   State
	Role   Role
	Action Action
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: (%s, %s, %s) has no defined next state", e.From, e.Role, e.Action)
}

type transitionKey struct {
	From   State
	Role   Role
	Action Action
}

// table is the canonical transition table of spec.md §3.4. Wildcard role
// entries are expanded into RoleWorker/RoleSupervisor/RoleSystem/RoleHuman
// rows at init time by the loops inside buildTable.
var table = buildTable()

func buildTable() map[transitionKey]State {
	t := map[transitionKey]State{}
	add := func(from State, role Role, action Action, to State) {
		t[transitionKey{from, role, action}] = to
	}

	add(Draft, RoleSystem, ActionActivated, Pending)

	// SUSPEND applies from any non-terminal state, under any role, per the
	// table's "(DRAFT|PENDING|RUNNING|…, *, SUSPEND) → SUSPENDED (not from
	// terminal)" row.
	suspendableFrom := []State{
		Draft, Pending, Provisioning, Executing, Harvesting, Recovering,
		ReviewRequired, ApprovalRequired, InterventionRequired,
	}
	for _, from := range suspendableFrom {
		for _, role := range []Role{RoleWorker, RoleSupervisor, RoleSystem, RoleHuman} {
			add(from, role, ActionSuspend, Suspended)
		}
	}

	add(Suspended, RoleSystem, ActionResume, Pending)
	add(Pending, RoleSystem, ActionStepStart, Provisioning)
	add(Provisioning, RoleSystem, ActionProvisionOK, Executing)
	add(Provisioning, RoleSystem, ActionProvisionFail, InterventionRequired)
	add(Executing, RoleSystem, ActionExecuteOK, Harvesting)
	add(Executing, RoleSystem, ActionRecover, Recovering)
	add(Recovering, RoleSystem, ActionRecoverOK, Executing)

	add(Harvesting, RoleWorker, ActionCompleted, ReviewRequired)
	add(Harvesting, RoleWorker, ActionStuck, InterventionRequired)
	add(Harvesting, RoleSystem, ActionHarvestOK, Success)

	add(ReviewRequired, RoleSupervisor, ActionCompleted, ApprovalRequired)
	add(ReviewRequired, RoleSupervisor, ActionStuck, InterventionRequired)
	add(ReviewRequired, RoleSupervisor, ActionRetry, ReviewRequired)

	add(ApprovalRequired, RoleHuman, ActionApprove, Success)
	add(ApprovalRequired, RoleHuman, ActionReject, Pending)

	add(InterventionRequired, RoleHuman, ActionResubmit, Pending)

	// TERMINATE applies from any non-terminal state under Human.
	for _, from := range suspendableFrom {
		add(from, RoleHuman, ActionTerminate, Canceled)
	}
	add(Suspended, RoleHuman, ActionTerminate, Canceled)

	return t
}

// Transition computes the next state for (current, role, action), applying
// the two documented fallback rules when no table entry matches: an
// unlisted STUCK defaults to INTERVENTION_REQUIRED, and an unlisted RETRY
// is a self-loop. Any other unmatched tuple is ErrInvalidTransition,
// including (PENDING, Worker, COMPLETED) — spec.md §9 flags the source's
// handling of that tuple as likely buggy and directs implementers to
// reject it rather than reproduce a shortcut into RUNNING.
func Transition(current State, role Role, action Action) (State, error) {
	if current.IsTerminal() {
		return current, &ErrInvalidTransition{current, role, action}
	}
	if next, ok := table[transitionKey{current, role, action}]; ok {
		if err := validateReachability(current, next); err != nil {
			return current, err
		}
		return next, nil
	}
	switch action {
	case ActionStuck:
		return InterventionRequired, nil
	case ActionRetry:
		return current, nil
	}
	return current, &ErrInvalidTransition{current, role, action}
}

// validateReachability enforces the narrowing rules beyond the raw table:
// SUSPENDED resumes only to PENDING or CANCELED, and DRAFT reaches only
// {PENDING, SUSPENDED, CANCELED}.
func validateReachability(from, to State) error {
	if from == Suspended && to != Pending && to != Canceled {
		return &ErrInvalidTransition{from, "", ""}
	}
	if from == Draft && to != Pending && to != Suspended && to != Canceled {
		return &ErrInvalidTransition{from, "", ""}
	}
	return nil
}
