package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/ai"
	"github.com/steveyegge/stagegate/internal/labels"
	"github.com/steveyegge/stagegate/internal/tracker"
	"github.com/steveyegge/stagegate/internal/types"
)

type itemOptions struct {
	itemID     string
	stage      string
	changePath string
	format     string
	advance    bool
}

var (
	evalItemOpts itemOptions
	runOpts      itemOptions
)

var evaluateItemCmd = &cobra.Command{
	Use:   "evaluate-item",
	Short: "Evaluate a tracker item at its current stage",
	Long: `Build the stage context from the item's labels, body and comments on the
configured tracker, then evaluate it. --stage guards against acting on an
item that has moved since the caller last looked.

The exit status is 0 when the decision is allow and 1 otherwise.

Example:
  stagegate evaluate-item --item 42 --stage triage -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(evalItemOpts.format); err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		_, d, err := evaluateItem(ctx, a, evalItemOpts)
		if err != nil {
			return err
		}
		if err := writeOutput(cmd.OutOrStdout(), evalItemOpts.format, d, func(w io.Writer) error { return printDecision(w, d) }); err != nil {
			return err
		}
		if !d.Allowed() {
			return &exitError{code: 1}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate a tracker item and run the AI worker on allow",
	Long: `Evaluate the item at its current stage. On allow, send the constructed
prompt to the AI worker and post its output to the item as this stage's
workflow artifact.

With --advance, a completed worker run moves the item to the next stage and a
block decision moves it to blocked. The implement stage is never advanced
here: it needs a change review first (see evaluate --change).

Example:
  stagegate run --item 42 --stage plan --advance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		worker, err := ai.NewAnthropicWorker(cfg.Worker, logger)
		if err != nil {
			return err
		}
		d, err := runItem(ctx, a, worker, runOpts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		if !d.Allowed() {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	for _, c := range []struct {
		cmd  *cobra.Command
		opts *itemOptions
	}{{evaluateItemCmd, &evalItemOpts}, {runCmd, &runOpts}} {
		c.cmd.Flags().StringVar(&c.opts.itemID, "item", "", "Tracker item id (required)")
		c.cmd.Flags().StringVar(&c.opts.stage, "stage", "", "Expected current stage; fail if the item is elsewhere")
		c.cmd.Flags().StringVar(&c.opts.changePath, "change", "", "Change context JSON file (implement stage only)")
		_ = c.cmd.MarkFlagRequired("item")
	}
	evaluateItemCmd.Flags().StringVarP(&evalItemOpts.format, "output", "o", formatText, "Output format: json, yaml or text")
	runCmd.Flags().BoolVar(&runOpts.advance, "advance", false, "Apply the resulting stage transition")
	rootCmd.AddCommand(evaluateItemCmd, runCmd)
}

// evaluateItem builds a fresh stage context from the tracker and evaluates it
func evaluateItem(ctx context.Context, a *app, opts itemOptions) (types.StageContext, types.Decision, error) {
	item, err := a.tracker.GetItem(ctx, opts.itemID)
	if err != nil {
		return types.StageContext{}, types.Decision{}, err
	}
	comments, err := a.tracker.ListComments(ctx, opts.itemID)
	if err != nil {
		return types.StageContext{}, types.Decision{}, err
	}
	sc, err := tracker.BuildStageContext(item, comments)
	if err != nil {
		return types.StageContext{}, types.Decision{}, err
	}

	if opts.stage != "" {
		expected, err := types.ParseStage(opts.stage)
		if err != nil {
			return sc, types.Decision{}, err
		}
		if sc.CurrentStage != expected {
			return sc, types.Decision{}, fmt.Errorf("item %s is at stage %s, not %s", item.ID, sc.CurrentStage, expected)
		}
	}

	var cc *types.ChangeContext
	if opts.changePath != "" {
		cc = &types.ChangeContext{}
		if err := decodeJSONFile(opts.changePath, cc); err != nil {
			return sc, types.Decision{}, err
		}
	}

	d, err := a.engine.Evaluate(ctx, sc, cc)
	return sc, d, err
}

// runItem evaluates the item and, on allow, runs the worker and posts its
// output. The decision is returned so the caller can set the exit status.
func runItem(ctx context.Context, a *app, worker ai.Worker, opts itemOptions, w io.Writer) (types.Decision, error) {
	sc, d, err := evaluateItem(ctx, a, opts)
	if err != nil {
		return d, err
	}
	summary := d
	summary.ConstructedPrompt = ""
	if err := printDecision(w, summary); err != nil {
		return d, fmt.Errorf("writing decision: %w", err)
	}

	switch d.Decision {
	case types.DecisionAllow:
		res, err := worker.Run(ctx, d.ConstructedPrompt)
		if err != nil {
			return d, fmt.Errorf("worker run for item %s: %w", sc.ItemID, err)
		}
		if err := a.tracker.AddComment(ctx, sc.ItemID, tracker.WorkerComment(sc.CurrentStage, sc.TraceID, res.Text)); err != nil {
			return d, fmt.Errorf("posting worker output: %w", err)
		}
		fmt.Fprintf(w, "\n%s Worker output posted to item %s (%d output tokens)\n",
			color.New(color.FgGreen).Sprint("✓"), sc.ItemID, res.OutputTokens)

		if opts.advance {
			return d, advance(ctx, a, sc, w)
		}
	case types.DecisionBlock:
		if opts.advance && a.validator.Table().Allows(sc.CurrentStage, types.StageBlocked) {
			return d, applyAndPrint(ctx, a, labels.Request{
				ItemID:  sc.ItemID,
				From:    sc.CurrentStage,
				To:      types.StageBlocked,
				Trigger: labels.TriggerGateBlocked,
				TraceID: sc.TraceID,
				Reason:  d.Reason,
			}, w)
		}
	}
	return d, nil
}

// advance moves a worker stage to its single non-blocked successor
func advance(ctx context.Context, a *app, sc types.StageContext, w io.Writer) error {
	if sc.CurrentStage == types.StageImplement {
		fmt.Fprintf(w, "  %s\n", color.New(color.FgHiBlack).Sprint("implement is advanced after a change review"))
		return nil
	}
	var next types.Stage
	for _, s := range a.validator.Table().Successors(sc.CurrentStage) {
		if s != types.StageBlocked {
			next = s
			break
		}
	}
	if next == "" {
		return nil
	}
	return applyAndPrint(ctx, a, labels.Request{
		ItemID:  sc.ItemID,
		From:    sc.CurrentStage,
		To:      next,
		Trigger: labels.TriggerWorkerCompleted,
		TraceID: sc.TraceID,
		Reason:  fmt.Sprintf("%s workflow completed", sc.CurrentStage),
	}, w)
}

func applyAndPrint(ctx context.Context, a *app, req labels.Request, w io.Writer) error {
	t, err := a.validator.ApplyWithRetry(ctx, req)
	if printErr := printTransition(w, t); printErr != nil {
		err = errors.Join(err, fmt.Errorf("writing transition: %w", printErr))
	}
	return err
}
