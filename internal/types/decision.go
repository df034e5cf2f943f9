package types

import (
	"sort"
	"time"
)

// DecisionKind is the outcome of one evaluation
type DecisionKind string

const (
	DecisionAllow          DecisionKind = "allow"
	DecisionReviewRequired DecisionKind = "review_required"
	DecisionBlock          DecisionKind = "block"
)

// IsValid checks if the decision kind value is valid
func (d DecisionKind) IsValid() bool {
	switch d {
	case DecisionAllow, DecisionReviewRequired, DecisionBlock:
		return true
	}
	return false
}

// Constraints maps a constraint name to its value.
// Values are limited to string, bool, int and []string so that the mapping
// serializes deterministically.
type Constraints map[string]any

// Clone returns a deep copy so a Decision never shares state with policy configuration
func (c Constraints) Clone() Constraints {
	out := make(Constraints, len(c))
	for k, v := range c {
		if list, ok := v.([]string); ok {
			cp := make([]string, len(list))
			copy(cp, list)
			out[k] = cp
			continue
		}
		out[k] = v
	}
	return out
}

// Keys returns constraint names in sorted order
func (c Constraints) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Decision is the engine's single output per evaluation.
// ConstructedPrompt is non-empty if and only if Decision is allow.
type Decision struct {
	Decision          DecisionKind `json:"decision" yaml:"decision"`
	Reason            string       `json:"reason" yaml:"reason"`
	ConstructedPrompt string       `json:"constructed_prompt,omitempty" yaml:"constructed_prompt,omitempty"`
	Constraints       Constraints  `json:"constraints" yaml:"constraints"`
	Timestamp         time.Time    `json:"timestamp" yaml:"timestamp"`
}

// Allowed reports whether the worker may run
func (d Decision) Allowed() bool {
	return d.Decision == DecisionAllow
}
