package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/templates"
)

var templatesDir string

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Inspect stage instruction templates",
}

var templatesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check that every worker stage template loads",
	Long: `Load the template set the way the engine does at startup and report every
problem found: missing files, empty bodies, missing required placeholders and
placeholders outside the declared set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := templatesDir
		if dir == "" {
			dir = cfg.Templates.Dir
		}
		return validateTemplates(afero.NewOsFs(), dir, cmd.OutOrStdout())
	},
}

func init() {
	templatesValidateCmd.Flags().StringVar(&templatesDir, "dir", "", "Template directory (defaults to templates.dir)")
	templatesCmd.AddCommand(templatesValidateCmd)
	rootCmd.AddCommand(templatesCmd)
}

func validateTemplates(fs afero.Fs, dir string, w io.Writer) error {
	set, err := templates.Load(fs, dir)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	for _, stage := range set.Stages() {
		t, _ := set.Get(stage)
		fmt.Fprintf(w, "%s %-10s %s\n", green("✓"), stage, gray(strings.Join(t.Placeholders, ", ")))
	}
	fmt.Fprintf(w, "\n%d templates valid in %s\n", len(set.Stages()), dir)
	return nil
}
