// Package audit records every decision and transition as an append-only,
// trace-linked entry so that the reason behind any stage outcome can be
// reconstructed later.
package audit

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/steveyegge/stagegate/internal/types"
)

// Kind distinguishes decision entries from transition entries
type Kind string

const (
	KindDecision   Kind = "decision"
	KindTransition Kind = "transition"
)

// IsValid checks if the kind value is valid
func (k Kind) IsValid() bool {
	return k == KindDecision || k == KindTransition
}

// Entry is one immutable audit row.
// ID and Sequence are assigned by the Recorder.
type Entry struct {
	ID       string `json:"id" yaml:"id"`
	TraceID  string `json:"trace_id" yaml:"trace_id"`
	Sequence int64  `json:"sequence" yaml:"sequence"`
	Kind     Kind   `json:"kind" yaml:"kind"`
	ItemID   string `json:"item_id" yaml:"item_id"`

	Stage       types.Stage        `json:"stage" yaml:"stage"`
	Decision    types.DecisionKind `json:"decision,omitempty" yaml:"decision,omitempty"`
	ChangeAware bool               `json:"change_aware,omitempty" yaml:"change_aware,omitempty"`
	Reason      string             `json:"reason" yaml:"reason"`
	Constraints types.Constraints  `json:"constraints,omitempty" yaml:"constraints,omitempty"`

	Transition *types.Transition `json:"transition,omitempty" yaml:"transition,omitempty"`
	Timestamp  time.Time         `json:"timestamp" yaml:"timestamp"`
}

// Validate checks the fields every entry must carry
func (e *Entry) Validate() error {
	if strings.TrimSpace(e.TraceID) == "" {
		return fmt.Errorf("trace_id is required")
	}
	if !e.Kind.IsValid() {
		return fmt.Errorf("invalid audit kind: %q", e.Kind)
	}
	if e.Kind == KindDecision && !e.Decision.IsValid() {
		return fmt.Errorf("decision entry has invalid decision: %q", e.Decision)
	}
	if e.Kind == KindTransition && e.Transition == nil {
		return fmt.Errorf("transition entry has no transition")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// Recorder appends and queries audit entries. There is no update or delete.
type Recorder interface {
	// Record validates the entry, assigns its ID and next per-trace sequence, and appends it
	Record(ctx context.Context, entry *Entry) error
	// Query returns every entry for a trace in sequence order
	Query(ctx context.Context, traceID string) ([]*Entry, error)
}

// NewDecisionEntry builds the audit entry for one evaluation
func NewDecisionEntry(sc *types.StageContext, d types.Decision, changeAware bool) *Entry {
	return &Entry{
		TraceID:     sc.TraceID,
		Kind:        KindDecision,
		ItemID:      sc.ItemID,
		Stage:       sc.CurrentStage,
		Decision:    d.Decision,
		ChangeAware: changeAware,
		Reason:      d.Reason,
		Constraints: d.Constraints.Clone(),
		Timestamp:   d.Timestamp,
	}
}

// NewTransitionEntry builds the audit entry for one transition attempt
func NewTransitionEntry(t types.Transition) *Entry {
	tc := t
	return &Entry{
		TraceID:    t.TraceID,
		Kind:       KindTransition,
		ItemID:     t.ItemID,
		Stage:      t.To,
		Reason:     t.Reason,
		Transition: &tc,
		Timestamp:  t.Timestamp,
	}
}

// LatestChangeDecision returns the most recent change-aware decision made
// since the item last entered implement, or nil when there is none. A
// decision from an earlier implement round does not count.
func LatestChangeDecision(entries []*Entry) *Entry {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		switch {
		case e.Kind == KindDecision && e.ChangeAware:
			return e
		case enteredImplement(e):
			return nil
		}
	}
	return nil
}

func enteredImplement(e *Entry) bool {
	return e.Kind == KindTransition && e.Transition != nil &&
		e.Transition.To == types.StageImplement && e.Transition.Outcome == types.OutcomeApplied
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID for the given instant. IDs generated within the same
// millisecond are strictly increasing.
func NewID(ts time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), entropy).String()
}
