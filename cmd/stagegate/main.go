// Command stagegate decides whether an AI worker may act on a work item at
// its current pipeline stage, and applies stage transitions on the tracker.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/storage"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	// set by loadConfig before any subcommand runs
	cfg    *config.Config
	logger *slog.Logger

	// nearest directory holding .stagegate, empty outside a project
	projectRoot string

	version = "dev"
)

// exitError carries a non-zero exit status without an error message, as
// when a gate decision is not allow
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

var rootCmd = &cobra.Command{
	Use:   "stagegate",
	Short: "Policy and gate decisions for the AI work item pipeline",
	Long: `stagegate evaluates whether the AI worker may act on a work item at its
current stage, builds the bounded prompt for allowed evaluations, and applies
stage label transitions on the issue tracker. Every decision and transition
is recorded in the audit trail under the item's trace id.`,
	Version:           version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (defaults are built in)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Override log.format (text, json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(afero.NewOsFs(), configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.Log.Level = logLevel
	}
	if logFormat != "" {
		loaded.Log.Format = logFormat
	}
	if err := loaded.Log.Validate(); err != nil {
		return err
	}
	// init anchors paths at the directory it creates
	if cmd.Name() != "init" {
		if root, err := storage.FindProjectRoot("."); err == nil {
			projectRoot = root
			anchorPaths(loaded, root)
		}
	}
	cfg = loaded
	logger = newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)

	if projectRoot != "" && !storage.IsAtOrBelow(cfg.Audit.DBPath, projectRoot) {
		logger.Warn("audit trail is outside the project", "project_root", projectRoot, "audit_db", cfg.Audit.DBPath)
	}
	return nil
}

// anchorPaths resolves the relative database and template paths against root
// so that commands behave the same from any subdirectory of the project
func anchorPaths(c *config.Config, root string) {
	c.Audit.DBPath = storage.ResolvePath(root, c.Audit.DBPath)
	c.Tracker.DBPath = storage.ResolvePath(root, c.Tracker.DBPath)
	c.Templates.Dir = storage.ResolvePath(root, c.Templates.Dir)
}

// newLogger builds the process logger. Logs go to w (stderr) so that
// command output on stdout stays machine-readable.
func newLogger(c config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
