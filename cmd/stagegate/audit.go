package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/steveyegge/stagegate/internal/server"
	"github.com/steveyegge/stagegate/internal/storage/sqlite"
)

var (
	auditTrace  string
	auditFormat string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the audit trail for a trace",
	Long: `Print every decision and transition recorded under a trace id, in the
order they were recorded.

Example:
  stagegate audit --trace trace-3f2a... -o yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(auditFormat); err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := sqlite.OpenAuditStore(ctx, cfg.Audit.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		entries, err := store.Query(ctx, auditTrace)
		if err != nil {
			return err
		}
		resp := server.AuditResponse{TraceID: auditTrace, Entries: entries}
		return writeOutput(cmd.OutOrStdout(), auditFormat, resp, func(w io.Writer) error {
			return printAudit(w, auditTrace, entries)
		})
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditTrace, "trace", "", "Trace id (required)")
	auditCmd.Flags().StringVarP(&auditFormat, "output", "o", formatText, "Output format: json, yaml or text")
	_ = auditCmd.MarkFlagRequired("trace")
	rootCmd.AddCommand(auditCmd)
}
