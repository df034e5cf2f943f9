package labels

import (
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/stagegate/internal/types"
)

// ErrItemTerminal is returned when an item would be forced to blocked after
// it reached a terminal stage
var ErrItemTerminal = errors.New("item is terminal")

// IllegalTransitionError reports a requested transition outside the table
type IllegalTransitionError struct {
	ItemID string
	From   types.Stage
	To     types.Stage
	// Terminal is set when the item was left untouched because it is terminal
	Terminal bool
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal transition %s → %s for item %s", e.From, e.To, e.ItemID)
	if e.Terminal {
		msg += " (item is terminal)"
	}
	return msg
}

// ConcurrentStateError reports that the item's stage labels did not match
// what the caller expected, or changed between read and write
type ConcurrentStateError struct {
	ItemID   string
	Expected types.Stage
	Observed []string
}

func (e *ConcurrentStateError) Error() string {
	return fmt.Sprintf("item %s changed concurrently: expected stage %s, observed [%s]",
		e.ItemID, e.Expected, strings.Join(e.Observed, ", "))
}
