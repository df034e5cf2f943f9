package types

import "time"

// TransitionOutcome records what happened to a requested stage transition
type TransitionOutcome string

const (
	// OutcomeApplied indicates the stage tag was replaced as requested
	OutcomeApplied TransitionOutcome = "applied"
	// OutcomeNoop indicates the item was already at the requested stage
	OutcomeNoop TransitionOutcome = "noop"
	// OutcomeIllegal indicates the request was not in the transition table
	OutcomeIllegal TransitionOutcome = "illegal"
	// OutcomeForcedBlocked indicates the item was moved to blocked after a failure
	OutcomeForcedBlocked TransitionOutcome = "forced_blocked"
	// OutcomeFailed indicates the transition could not be applied or forced
	OutcomeFailed TransitionOutcome = "failed"
)

// Transition is an append-only record of one requested stage change
type Transition struct {
	ItemID    string            `json:"item_id" yaml:"item_id"`
	TraceID   string            `json:"trace_id" yaml:"trace_id"`
	From      Stage             `json:"from_stage" yaml:"from_stage"`
	To        Stage             `json:"to_stage" yaml:"to_stage"`
	Observed  Stage             `json:"observed_stage,omitempty" yaml:"observed_stage,omitempty"`
	Trigger   string            `json:"trigger" yaml:"trigger"`
	Outcome   TransitionOutcome `json:"outcome" yaml:"outcome"`
	Reason    string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	Timestamp time.Time         `json:"timestamp" yaml:"timestamp"`
}
