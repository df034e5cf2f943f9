package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/stagegate/internal/engine"
	"github.com/steveyegge/stagegate/internal/server"
	"github.com/steveyegge/stagegate/internal/types"
)

type evaluateOptions struct {
	contextPath string
	changePath  string
	batchPath   string
	format      string
	promptFile  string
	noAudit     bool
	concurrency int
}

var evalOpts evaluateOptions

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a stage context and print the gate decision",
	Long: `Evaluate one stage context (and optionally the change context produced by
the implement stage) and print the decision.

The exit status is 0 when the decision is allow and 1 otherwise, so CI steps
can gate on it directly.

With --batch, each line of the file is a JSON object
{"context": {...}, "change": {...}} and the lines are evaluated concurrently.
One JSON result per line is written in input order.

Examples:
  stagegate evaluate --context ctx.json
  stagegate evaluate --context ctx.json --change change.json -o yaml
  stagegate evaluate --context - --prompt-file prompt.txt < ctx.json
  stagegate evaluate --batch contexts.jsonl`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := validateFormat(evalOpts.format); err != nil {
			return err
		}
		if (evalOpts.contextPath == "") == (evalOpts.batchPath == "") {
			return fmt.Errorf("exactly one of --context or --batch is required")
		}

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, logger, appOptions{noAudit: evalOpts.noAudit})
		if err != nil {
			return err
		}
		defer a.Close()

		var allowed bool
		if evalOpts.batchPath != "" {
			allowed, err = evaluateBatch(ctx, a, evalOpts, cmd.OutOrStdout())
		} else {
			allowed, err = evaluateOne(ctx, a, evalOpts, cmd.OutOrStdout())
		}
		if err != nil {
			return err
		}
		if !allowed {
			return &exitError{code: 1}
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalOpts.contextPath, "context", "", "Stage context JSON file ('-' for stdin)")
	evaluateCmd.Flags().StringVar(&evalOpts.changePath, "change", "", "Change context JSON file (implement stage only)")
	evaluateCmd.Flags().StringVar(&evalOpts.batchPath, "batch", "", "JSONL file of {context, change} objects to evaluate")
	evaluateCmd.Flags().StringVarP(&evalOpts.format, "output", "o", formatText, "Output format: json, yaml or text")
	evaluateCmd.Flags().StringVar(&evalOpts.promptFile, "prompt-file", "", "Write the constructed prompt here on allow")
	evaluateCmd.Flags().BoolVar(&evalOpts.noAudit, "no-audit", false, "Keep the audit trail in memory only")
	evaluateCmd.Flags().IntVar(&evalOpts.concurrency, "concurrency", 4, "Concurrent evaluations in batch mode")
	rootCmd.AddCommand(evaluateCmd)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", path, err)
	}
	return data, nil
}

func decodeJSONFile(path string, v any) error {
	data, err := readInput(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// evaluateOne reports whether the decision was allow
func evaluateOne(ctx context.Context, a *app, opts evaluateOptions, w io.Writer) (bool, error) {
	var sc types.StageContext
	if err := decodeJSONFile(opts.contextPath, &sc); err != nil {
		return false, err
	}
	var cc *types.ChangeContext
	if opts.changePath != "" {
		cc = &types.ChangeContext{}
		if err := decodeJSONFile(opts.changePath, cc); err != nil {
			return false, err
		}
	}

	d, err := a.engine.Evaluate(ctx, sc, cc)
	if err != nil {
		return false, err
	}
	if err := writeOutput(w, opts.format, d, func(w io.Writer) error { return printDecision(w, d) }); err != nil {
		return false, err
	}
	if d.Allowed() && opts.promptFile != "" {
		if err := os.WriteFile(opts.promptFile, []byte(d.ConstructedPrompt), 0o644); err != nil {
			return false, fmt.Errorf("failed to write prompt file: %w", err)
		}
	}
	return d.Allowed(), nil
}

// BatchResult is one line of batch output
type BatchResult struct {
	Line     int            `json:"line"`
	ItemID   string         `json:"item_id"`
	TraceID  string         `json:"trace_id"`
	Decision types.Decision `json:"decision"`
}

// evaluateBatch reports whether every decision was allow. Malformed input
// fails the whole batch before anything is evaluated.
func evaluateBatch(ctx context.Context, a *app, opts evaluateOptions, w io.Writer) (bool, error) {
	data, err := readInput(opts.batchPath)
	if err != nil {
		return false, err
	}

	var (
		requests []server.EvaluateRequest
		lines    []int
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var req server.EvaluateRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			return false, fmt.Errorf("%s line %d: %w", opts.batchPath, n, err)
		}
		if strings.TrimSpace(req.Context.TraceID) == "" {
			return false, fmt.Errorf("%s line %d: %w", opts.batchPath, n, engine.ErrMissingTraceID)
		}
		requests = append(requests, req)
		lines = append(lines, n)
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("reading %s: %w", opts.batchPath, err)
	}

	results := make([]BatchResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	if opts.concurrency > 0 {
		g.SetLimit(opts.concurrency)
	}
	for i, req := range requests {
		g.Go(func() error {
			d, err := a.engine.Evaluate(gctx, req.Context, req.Change)
			if err != nil {
				return fmt.Errorf("line %d: %w", lines[i], err)
			}
			results[i] = BatchResult{Line: lines[i], ItemID: req.Context.ItemID, TraceID: req.Context.TraceID, Decision: d}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	allAllowed := true
	enc := json.NewEncoder(w)
	for _, r := range results {
		if !r.Decision.Allowed() {
			allAllowed = false
		}
		if err := enc.Encode(r); err != nil {
			return false, err
		}
	}
	return allAllowed, nil
}
