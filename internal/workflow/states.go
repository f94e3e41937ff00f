package workflow

import (
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
	"github.com/qms-lifecycle/qms-lifecycle/internal/permissions"
)

// stage maps a step capability onto the lifecycle. rank orders stages within a
// workflow type; a definition whose ranks decrease would move the state backwards.
type stage struct {
	pending models.WorkflowState
	done    models.WorkflowState
	rank    int
}

var stages = map[permissions.Capability]stage{
	permissions.CapReview:      {pending: models.StatePendingReview, done: models.StateReviewed, rank: 1},
	permissions.CapApprove:     {pending: models.StatePendingApproval, done: models.StateApproved, rank: 2},
	permissions.CapInvestigate: {pending: models.StateUnderInvestigation, done: models.StateActionPlanned, rank: 1},
	permissions.CapImplement:   {pending: models.StateInProgress, done: models.StateVerification, rank: 2},
	permissions.CapVerify:      {pending: models.StateVerification, done: models.StateClosed, rank: 3},
}

// typeRules lists the step capabilities a workflow type accepts and the one it must end with
var typeRules = map[models.WorkflowType]struct {
	allowed []permissions.Capability
	last    permissions.Capability
	kinds   []models.RecordKind
}{
	models.WorkflowTypeReview: {
		allowed: []permissions.Capability{permissions.CapReview},
		last:    permissions.CapReview,
		kinds:   []models.RecordKind{models.RecordKindDocument},
	},
	models.WorkflowTypeApproval: {
		allowed: []permissions.Capability{permissions.CapReview, permissions.CapApprove},
		last:    permissions.CapApprove,
		kinds:   []models.RecordKind{models.RecordKindDocument},
	},
	models.WorkflowTypeCAPAInvestigation: {
		allowed: []permissions.Capability{permissions.CapInvestigate, permissions.CapImplement, permissions.CapVerify},
		last:    permissions.CapVerify,
		kinds:   []models.RecordKind{models.RecordKindQualityEvent, models.RecordKindCAPA},
	},
}

// InitialState is the state of an instance before its first step activates
func InitialState(t models.WorkflowType) models.WorkflowState {
	if t == models.WorkflowTypeCAPAInvestigation {
		return models.StateOpen
	}
	return models.StateDraft
}

// InitialRecordState is the state a fresh version of a record starts in
func InitialRecordState(k models.RecordKind) models.WorkflowState {
	if k == models.RecordKindDocument {
		return models.StateDraft
	}
	return models.StateOpen
}

// DeriveState computes an instance's state from its steps alone. While a step
// awaits action the instance is in that step's pending state.
func DeriveState(inst *models.WorkflowInstance) models.WorkflowState {
	if inst.Withdrawn {
		return models.StateObsolete
	}
	completed := 0
	for _, s := range inst.Steps {
		if s.Outcome != nil && s.Outcome.Negative() {
			return models.StateRejected
		}
		if s.Status == models.StepStatusCompleted {
			completed++
		}
	}
	if len(inst.Steps) > 0 && completed == len(inst.Steps) {
		last := inst.Steps[len(inst.Steps)-1]
		return stages[permissions.Capability(last.Capability)].done
	}
	if active := inst.ActiveStep(); active != nil {
		switch active.Status {
		case models.StepStatusActive, models.StepStatusBlocked:
			return stages[permissions.Capability(active.Capability)].pending
		}
	}
	return InitialState(inst.Type)
}

// statePath lists the states an instance passes through moving from `from` to
// DeriveState(inst), one entry per hop. When completed closes its stage and a
// different stage follows, the closed stage's done state is visited first.
func statePath(from models.WorkflowState, inst *models.WorkflowInstance, completed *models.Step) []models.WorkflowState {
	var path []models.WorkflowState
	visit := func(s models.WorkflowState) {
		last := from
		if len(path) > 0 {
			last = path[len(path)-1]
		}
		if s != "" && s != last {
			path = append(path, s)
		}
	}
	if completed != nil && completed.Outcome != nil && !completed.Outcome.Negative() && !inst.Withdrawn {
		if next := inst.ActiveStep(); next != nil && next.Capability != completed.Capability {
			visit(stages[permissions.Capability(completed.Capability)].done)
		}
	}
	visit(DeriveState(inst))
	return path
}

// validStartState reports whether a record in state s may start a workflow of type t
func validStartState(t models.WorkflowType, s models.WorkflowState) bool {
	switch t {
	case models.WorkflowTypeReview:
		return s == models.StateDraft
	case models.WorkflowTypeApproval:
		return s == models.StateDraft || s == models.StateReviewed
	case models.WorkflowTypeCAPAInvestigation:
		return s == models.StateOpen
	}
	return false
}

// validateDefinition checks a proposed step list against the workflow type and record kind
func validateDefinition(kind models.RecordKind, t models.WorkflowType, steps []StepSpec) error {
	rules, ok := typeRules[t]
	if !ok {
		return invalidInput("unknown workflow type %q", t)
	}
	kindOK := false
	for _, k := range rules.kinds {
		if k == kind {
			kindOK = true
		}
	}
	if !kindOK {
		return invalidInput("workflow type %s cannot run on a %s record", t, kind)
	}
	if len(steps) == 0 {
		return invalidInput("a workflow needs at least one step")
	}

	prevRank := 0
	for i, spec := range steps {
		c := permissions.Capability(spec.Capability)
		if !containsCapability(rules.allowed, c) {
			return invalidInput("step %d: capability %q is not allowed in a %s workflow", i+1, spec.Capability, t)
		}
		rank := stages[c].rank
		if rank < prevRank {
			return invalidInput("step %d: %s cannot follow a later stage", i+1, spec.Capability)
		}
		prevRank = rank

		if (spec.AssigneeUserID == "") == (spec.AssigneeRole == "") {
			return invalidInput("step %d: exactly one of assignee_user_id and assignee_role is required", i+1)
		}
		if spec.AssigneeRole != "" && !permissions.ValidRole(spec.AssigneeRole) {
			return invalidInput("step %d: unknown role %q", i+1, spec.AssigneeRole)
		}
		if spec.DueBusinessDays < 0 {
			return invalidInput("step %d: due_business_days must not be negative", i+1)
		}
	}
	if last := permissions.Capability(steps[len(steps)-1].Capability); last != rules.last {
		return invalidInput("a %s workflow must end with a %s step", t, rules.last)
	}
	return nil
}

func containsCapability(list []permissions.Capability, c permissions.Capability) bool {
	for _, x := range list {
		if x == c {
			return true
		}
	}
	return false
}

// allowedActions lists what can still happen to an instance, for error reporting
func allowedActions(inst *models.WorkflowInstance) []string {
	if inst.State.Terminal() {
		return []string{}
	}
	if inst.State == models.StateApproved {
		return []string{"make_effective"}
	}
	var out []string
	if step := inst.ActiveStep(); step != nil {
		switch step.Status {
		case models.StepStatusActive:
			out = append(out, "submit_step", "escalate", "reassign_step")
		case models.StepStatusBlocked:
			out = append(out, "reassign_step")
		}
	}
	if inst.CompletedSteps() == 0 {
		out = append(out, "withdraw")
	}
	return out
}
