// Package labels enforces the stage-label state machine on tracked items.
//
// Stage flow:
//   - triage → plan → prioritize → awaiting_implementation_approval
//   - awaiting_implementation_approval → implement (human approval)
//   - implement → pr_opened → awaiting_deploy_approval → done
//   - any non-terminal stage → blocked
//   - blocked → triage
//
// Every item carries exactly one stage label. Transitions replace the whole
// label set in one compare-and-swap so no reader observes zero or two.
package labels

import "github.com/steveyegge/stagegate/internal/types"

// Trigger names for common transitions
const (
	TriggerCreated         = "created"
	TriggerWorkerCompleted = "worker_completed"
	TriggerHumanApproval   = "human_approval"
	TriggerPROpened        = "pr_opened"
	TriggerDeployed        = "deployed"
	TriggerGateBlocked     = "gate_blocked"
	TriggerReopened        = "reopened"
	TriggerIllegal         = "illegal_transition"
	TriggerRepair          = "stage_label_repair"
	TriggerRetriesExceeded = "retries_exceeded"
)

// Table is the fixed set of legal stage transitions. It is built once at
// startup and passed to the Validator.
type Table struct {
	next map[types.Stage][]types.Stage
}

// DefaultTable returns the pipeline transition table
func DefaultTable() *Table {
	linear := []types.Stage{
		types.StageTriage,
		types.StagePlan,
		types.StagePrioritize,
		types.StageAwaitingImplementationApproval,
		types.StageImplement,
		types.StagePROpened,
		types.StageAwaitingDeployApproval,
		types.StageDone,
	}

	next := make(map[types.Stage][]types.Stage, len(types.AllStages))
	for i := 0; i < len(linear)-1; i++ {
		next[linear[i]] = []types.Stage{linear[i+1], types.StageBlocked}
	}
	next[types.StageBlocked] = []types.Stage{types.StageTriage}
	return &Table{next: next}
}

// Allows reports whether from → to is a legal transition
func (t *Table) Allows(from, to types.Stage) bool {
	for _, s := range t.next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Successors returns the legal targets of from
func (t *Table) Successors(from types.Stage) []types.Stage {
	out := make([]types.Stage, len(t.next[from]))
	copy(out, t.next[from])
	return out
}

// IsTerminal reports whether an item at s accepts no further transitions.
// done is always terminal; blocked is terminal once the item is closed.
func (t *Table) IsTerminal(s types.Stage, closed bool) bool {
	if s == types.StageBlocked {
		return closed
	}
	return len(t.next[s]) == 0
}
