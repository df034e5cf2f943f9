package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/labels"
	"github.com/steveyegge/stagegate/internal/tracker"
	"github.com/steveyegge/stagegate/internal/types"
)

type transitionOptions struct {
	itemID  string
	from    string
	to      string
	trigger string
	traceID string
	reason  string
	format  string
}

var transOpts transitionOptions

var transitionCmd = &cobra.Command{
	Use:   "transition",
	Short: "Move a work item from one stage to another",
	Long: `Apply one stage transition to a tracker item. The request names the stage
the caller believes the item is at; if the item has moved, the transition is
retried against fresh state and, when retries run out, the item is moved to
blocked.

Illegal transitions are refused, recorded, and move the item to blocked.
Re-applying a transition that already happened succeeds without changes.
implement → pr-opened additionally needs a change-aware allow decision on
the item's trace.

The trace id defaults to the one recorded on the item.

Example:
  stagegate transition --item 42 --from triage --to plan --trigger worker_completed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(transOpts.format); err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		t, err := transition(ctx, a, transOpts)
		if t.ItemID != "" {
			if werr := writeOutput(cmd.OutOrStdout(), transOpts.format, t, func(w io.Writer) error { return printTransition(w, t) }); werr != nil {
				return werr
			}
		}
		return err
	},
}

func init() {
	transitionCmd.Flags().StringVar(&transOpts.itemID, "item", "", "Tracker item id (required)")
	transitionCmd.Flags().StringVar(&transOpts.from, "from", "", "Stage the item is expected to be at (required)")
	transitionCmd.Flags().StringVar(&transOpts.to, "to", "", "Stage to move the item to (required)")
	transitionCmd.Flags().StringVar(&transOpts.trigger, "trigger", "", "What caused the transition, e.g. human_approval (required)")
	transitionCmd.Flags().StringVar(&transOpts.traceID, "trace", "", "Trace id (defaults to the item's)")
	transitionCmd.Flags().StringVar(&transOpts.reason, "reason", "", "Reason shown in the transition comment")
	transitionCmd.Flags().StringVarP(&transOpts.format, "output", "o", formatText, "Output format: json, yaml or text")
	for _, name := range []string{"item", "from", "to", "trigger"} {
		_ = transitionCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(transitionCmd)
}

func transition(ctx context.Context, a *app, opts transitionOptions) (types.Transition, error) {
	from, err := types.ParseStage(opts.from)
	if err != nil {
		return types.Transition{}, fmt.Errorf("--from: %w", err)
	}
	to, err := types.ParseStage(opts.to)
	if err != nil {
		return types.Transition{}, fmt.Errorf("--to: %w", err)
	}

	traceID := opts.traceID
	if traceID == "" {
		if traceID, err = itemTraceID(ctx, a.tracker, opts.itemID); err != nil {
			return types.Transition{}, err
		}
	}

	gate := types.Transition{ItemID: opts.itemID, TraceID: traceID, From: from, To: to, Trigger: opts.trigger}
	if err := a.engine.CheckTransition(ctx, gate); err != nil {
		return types.Transition{}, err
	}

	return a.validator.ApplyWithRetry(ctx, labels.Request{
		ItemID:  opts.itemID,
		From:    from,
		To:      to,
		Trigger: opts.trigger,
		TraceID: traceID,
		Reason:  opts.reason,
	})
}

// itemTraceID finds the trace id recorded in an item's body or comments
func itemTraceID(ctx context.Context, tr tracker.Tracker, id string) (string, error) {
	item, err := tr.GetItem(ctx, id)
	if err != nil {
		return "", err
	}
	if traceID := tracker.ExtractTraceID(item.Body); traceID != "" {
		return traceID, nil
	}
	comments, err := tr.ListComments(ctx, id)
	if err != nil {
		return "", err
	}
	for _, c := range comments {
		if traceID := tracker.ExtractTraceID(c.Body); traceID != "" {
			return traceID, nil
		}
	}
	return "", fmt.Errorf("item %s: %w (pass --trace)", id, tracker.ErrNoTraceID)
}
