package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/labels"
	"github.com/steveyegge/stagegate/internal/storage/sqlite"
	"github.com/steveyegge/stagegate/internal/tracker"
	"github.com/steveyegge/stagegate/internal/types"
)

var itemsCmd = &cobra.Command{
	Use:   "items",
	Short: "Manage work items",
	Long: `Create, inspect and close work items. Creating and closing items is only
available with the local sqlite tracker; on GitHub use issues directly.`,
}

type createOptions struct {
	title       string
	body        string
	requestType string
	source      string
	priority    string
	severity    string
}

var createOpts createOptions

var itemsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a work item at the triage stage",
	Long: `Create a work item on the local tracker. The item starts at triage with a
new trace id, which is written into the body so later evaluations and
transitions on the item share one audit trail.

Example:
  stagegate items create --title "Export drops last row" --body "..." --severity high`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		local, err := a.local()
		if err != nil {
			return err
		}
		item, err := createItem(ctx, local, a.recorder, createOpts, time.Now().UTC())
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s Created item %s\n", green("✓"), cyan(item.ID))
		fmt.Fprintf(cmd.OutOrStdout(), "  Labels: %s\n", strings.Join(item.Labels, ", "))
		fmt.Fprintf(cmd.OutOrStdout(), "  Trace:  %s\n", tracker.ExtractTraceID(item.Body))
		return nil
	},
}

var itemsCloseCmd = &cobra.Command{
	Use:   "close <item>",
	Short: "Close a work item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		local, err := a.local()
		if err != nil {
			return err
		}
		if err := local.SetClosed(ctx, args[0], true); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s Closed item %s\n", color.New(color.FgGreen).Sprint("✓"), args[0])
		return nil
	},
}

var itemsShowCmd = &cobra.Command{
	Use:   "show <item>",
	Short: "Show a work item's labels and comments",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true, noAudit: true})
		if err != nil {
			return err
		}
		defer a.Close()
		return showItem(ctx, a.tracker, args[0], cmd.OutOrStdout())
	},
}

func init() {
	itemsCreateCmd.Flags().StringVar(&createOpts.title, "title", "", "Item title (required)")
	itemsCreateCmd.Flags().StringVar(&createOpts.body, "body", "", "Item description")
	itemsCreateCmd.Flags().StringVar(&createOpts.requestType, "type", string(types.RequestBug), "Request type: bug, feature or investigate")
	itemsCreateCmd.Flags().StringVar(&createOpts.source, "source", string(types.SourceUser), "Request source: user or monitor")
	itemsCreateCmd.Flags().StringVar(&createOpts.priority, "priority", "", "Priority label value (e.g. p1)")
	itemsCreateCmd.Flags().StringVar(&createOpts.severity, "severity", "", "Severity label value (e.g. high)")
	_ = itemsCreateCmd.MarkFlagRequired("title")

	itemsCmd.AddCommand(itemsCreateCmd, itemsCloseCmd, itemsShowCmd)
	rootCmd.AddCommand(itemsCmd)
}

// createItem files a new triage item, posts the initial transition comment
// and records the transition
func createItem(ctx context.Context, t *sqlite.Tracker, recorder audit.Recorder, opts createOptions, now time.Time) (*tracker.Item, error) {
	if strings.TrimSpace(opts.title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	kind := types.RequestKind(opts.requestType)
	if !kind.IsValid() {
		return nil, fmt.Errorf("invalid request type: %s", opts.requestType)
	}
	source := types.Source(opts.source)
	if !source.IsValid() {
		return nil, fmt.Errorf("invalid source: %s", opts.source)
	}

	// the generated marker leads the body so it wins over any marker the
	// author pasted in
	traceID := tracker.NewTraceID()
	body := fmt.Sprintf("**Trace_ID**: `%s`", traceID)
	if text := strings.TrimSpace(opts.body); text != "" {
		body += "\n\n" + text
	}

	itemLabels := []string{
		tracker.StageTag(types.StageTriage),
		tracker.RequestPrefix + string(kind),
		tracker.SourcePrefix + string(source),
	}
	if opts.priority != "" {
		itemLabels = append(itemLabels, tracker.PriorityPrefix+opts.priority)
	}
	if opts.severity != "" {
		itemLabels = append(itemLabels, tracker.SeverityPrefix+opts.severity)
	}

	item, err := t.CreateItem(ctx, opts.title, body, itemLabels)
	if err != nil {
		return nil, err
	}

	reason := "item created"
	if err := t.AddComment(ctx, item.ID, labels.TransitionComment("", types.StageTriage, reason, traceID, now)); err != nil {
		return nil, err
	}
	entry := audit.NewTransitionEntry(types.Transition{
		ItemID:    item.ID,
		TraceID:   traceID,
		To:        types.StageTriage,
		Trigger:   labels.TriggerCreated,
		Outcome:   types.OutcomeApplied,
		Reason:    reason,
		Timestamp: now,
	})
	if err := recorder.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("recording item creation: %w", err)
	}
	return item, nil
}

func showItem(ctx context.Context, tr tracker.Tracker, id string, w io.Writer) error {
	item, err := tr.GetItem(ctx, id)
	if err != nil {
		return err
	}
	comments, err := tr.ListComments(ctx, id)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	state := "open"
	if item.Closed {
		state = "closed"
	}
	fmt.Fprintf(w, "%s %s\n", cyan("#"+item.ID), item.Title)
	fmt.Fprintf(w, "  State:  %s\n", state)
	if stage, ok := tracker.CurrentStage(item.Labels); ok {
		fmt.Fprintf(w, "  Stage:  %s\n", stage)
	} else {
		fmt.Fprintf(w, "  Stage:  %s\n", color.New(color.FgRed).Sprint("invalid stage labels"))
	}
	fmt.Fprintf(w, "  Labels: %s\n", strings.Join(item.Labels, ", "))
	fmt.Fprintf(w, "\n%s\n", item.Body)

	for _, c := range comments {
		fmt.Fprintf(w, "\n%s\n%s\n", gray(fmt.Sprintf("--- comment %s (%s)", c.ID, c.CreatedAt.Format("2006-01-02 15:04:05"))), c.Body)
	}
	return nil
}
