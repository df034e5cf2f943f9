// Package tracker is the boundary to the external issue tracker. The tracker
// holds the canonical state of every work item as a set of text labels;
// this package converts those labels to and from typed values and defines
// the small interface the rest of stagegate needs.
package tracker

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when an item does not exist
	ErrNotFound = errors.New("tracker item not found")

	// ErrVersionConflict is returned by ReplaceLabels when the item changed
	// since the caller read it
	ErrVersionConflict = errors.New("tracker item changed concurrently")
)

// Item is a snapshot of one work item
type Item struct {
	ID     string
	Title  string
	Body   string
	Labels []string
	Closed bool

	// Version changes whenever the label set changes. It is opaque to callers.
	Version string
}

// Comment is one comment on a work item
type Comment struct {
	ID        string
	Body      string
	CreatedAt time.Time
}

// LabelSpec describes one label in the taxonomy
type LabelSpec struct {
	Name        string
	Color       string
	Description string
}

// Tracker reads and mutates work items
type Tracker interface {
	// GetItem returns the current snapshot of an item
	GetItem(ctx context.Context, id string) (*Item, error)

	// ReplaceLabels atomically replaces the whole label set if the item is
	// still at expectedVersion, returning the updated snapshot.
	// It returns ErrVersionConflict otherwise.
	ReplaceLabels(ctx context.Context, id, expectedVersion string, labels []string) (*Item, error)

	// AddComment appends a comment to an item
	AddComment(ctx context.Context, id, body string) error

	// ListComments returns an item's comments oldest first
	ListComments(ctx context.Context, id string) ([]Comment, error)

	// EnsureLabels creates any taxonomy labels missing from the tracker
	EnsureLabels(ctx context.Context, specs []LabelSpec) error
}

var (
	traceFieldPattern = regexp.MustCompile("\\*\\*Trace_ID\\*\\*:\\s*`([^`]+)`")
	tracePattern      = regexp.MustCompile(`trace-[a-zA-Z0-9\-_]+`)
)

// NewTraceID returns a new trace identifier
func NewTraceID() string {
	return "trace-" + uuid.NewString()
}

// ExtractTraceID finds the trace identifier in an item body or comment.
// The explicit "**Trace_ID**: `...`" field wins over a bare trace-... token.
func ExtractTraceID(text string) string {
	if m := traceFieldPattern.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return tracePattern.FindString(text)
}
