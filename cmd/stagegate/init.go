package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/storage"
	"github.com/steveyegge/stagegate/internal/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a stagegate project",
	Long: `Initialize a stagegate project by creating a .stagegate/ directory.

This creates:
  - .stagegate/ directory with a .gitignore for the databases
  - the audit trail database (audit.db_path)
  - the local tracker database (tracker.db_path) when tracker.kind is sqlite

Relative database paths are resolved against the project directory, so later
commands find the same databases from any subdirectory.

Example:
  cd ~/myproject
  stagegate init            # Initialize in the current directory
  stagegate init ../other   # Initialize another directory`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		return initProject(cmd.Context(), *cfg, dir, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initProject creates the project directory under dir and opens each
// database once so its schema is migrated
func initProject(ctx context.Context, c config.Config, dir string, w io.Writer) error {
	stateDir, err := storage.InitProject(dir)
	if err != nil {
		return err
	}
	root, err := storage.FindProjectRoot(dir)
	if err != nil {
		return err
	}
	anchorPaths(&c, root)

	as, err := sqlite.OpenAuditStore(ctx, c.Audit.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize audit database: %w", err)
	}
	_ = as.Close()

	trackerPath := ""
	if c.Tracker.Kind == config.TrackerSQLite {
		t, err := sqlite.OpenTracker(ctx, c.Tracker.DBPath)
		if err != nil {
			return fmt.Errorf("failed to initialize tracker database: %w", err)
		}
		_ = t.Close()
		trackerPath = c.Tracker.DBPath
	}

	green := color.New(color.FgGreen).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	fmt.Fprintf(w, "\n%s Initialized stagegate project\n\n", green("✓"))
	fmt.Fprintf(w, "  Project root: %s\n", cyan(root))
	fmt.Fprintf(w, "  State:        %s\n", cyan(stateDir))
	fmt.Fprintf(w, "  Audit trail:  %s\n", cyan(c.Audit.DBPath))
	if trackerPath != "" {
		fmt.Fprintf(w, "  Tracker:      %s\n", cyan(trackerPath))
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "%s Next steps:\n", gray("→"))
	if _, err := os.Stat(c.Templates.Dir); err != nil {
		fmt.Fprintf(w, "  %s\n", gray("add stage templates under "+c.Templates.Dir))
	}
	fmt.Fprintf(w, "  %s\n", gray("stagegate items create --title ... --body ..."))
	fmt.Fprintf(w, "  %s\n", gray("stagegate run <item>"))
	fmt.Fprintln(w)
	return nil
}
