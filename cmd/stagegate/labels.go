package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/tracker"
)

var labelsCmd = &cobra.Command{
	Use:   "labels",
	Short: "Manage the tracker label taxonomy",
}

var labelsEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create any missing stage, request, source and gate labels",
	Long: `Create every label stagegate reads or writes on the configured tracker.
Existing labels are left as they are, so this is safe to run repeatedly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{withTracker: true, noAudit: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.validator.EnsureLabels(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d labels ensured on the %s tracker\n",
			color.New(color.FgGreen).Sprint("✓"), len(tracker.Taxonomy()), cfg.Tracker.Kind)
		return nil
	},
}

func init() {
	labelsCmd.AddCommand(labelsEnsureCmd)
	rootCmd.AddCommand(labelsCmd)
}
