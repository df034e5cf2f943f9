package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/stagegate/internal/audit"
	"github.com/steveyegge/stagegate/internal/prompt"
	"github.com/steveyegge/stagegate/internal/types"
)

// Output formats accepted by -o
const (
	formatJSON = "json"
	formatYAML = "yaml"
	formatText = "text"
)

func validateFormat(format string) error {
	switch format {
	case formatJSON, formatYAML, formatText:
		return nil
	}
	return fmt.Errorf("unknown output format %q (want json, yaml or text)", format)
}

// writeOutput encodes v in the requested format. text renders with fn.
func writeOutput(w io.Writer, format string, v any, text func(io.Writer) error) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case formatText:
		return text(w)
	default:
		return validateFormat(format)
	}
}

func decisionColor(d types.DecisionKind) func(a ...interface{}) string {
	switch d {
	case types.DecisionAllow:
		return color.New(color.FgGreen, color.Bold).SprintFunc()
	case types.DecisionReviewRequired:
		return color.New(color.FgYellow, color.Bold).SprintFunc()
	default:
		return color.New(color.FgRed, color.Bold).SprintFunc()
	}
}

// flush writes a rendered block in one call so a failing writer is reported
func flush(w io.Writer, b *strings.Builder) error {
	_, err := io.WriteString(w, b.String())
	return err
}

func printDecision(w io.Writer, d types.Decision) error {
	gray := color.New(color.FgHiBlack).SprintFunc()
	var b strings.Builder

	fmt.Fprintf(&b, "Decision: %s\n", decisionColor(d.Decision)(strings.ToUpper(string(d.Decision))))
	fmt.Fprintf(&b, "Reason:   %s\n", d.Reason)
	fmt.Fprintf(&b, "Time:     %s\n", gray(d.Timestamp.Format("2006-01-02 15:04:05 MST")))
	if len(d.Constraints) > 0 {
		fmt.Fprintf(&b, "\nConstraints:\n%s\n", prompt.FormatConstraints(d.Constraints))
	}
	if d.ConstructedPrompt != "" {
		fmt.Fprintf(&b, "\n%s\n%s\n", gray("--- prompt ---"), d.ConstructedPrompt)
	}
	return flush(w, &b)
}

func printTransition(w io.Writer, t types.Transition) error {
	cyan := color.New(color.FgCyan).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	var b strings.Builder

	icon := color.New(color.FgGreen).Sprint("✓")
	switch t.Outcome {
	case types.OutcomeIllegal, types.OutcomeForcedBlocked:
		icon = color.New(color.FgYellow).Sprint("⚠")
	case types.OutcomeFailed:
		icon = color.New(color.FgRed).Sprint("✗")
	}

	fmt.Fprintf(&b, "%s Item %s: %s → %s (%s)\n", icon, cyan(t.ItemID), t.From, t.To, t.Outcome)
	if t.Observed != "" && t.Observed != t.From {
		fmt.Fprintf(&b, "  Observed: %s\n", t.Observed)
	}
	fmt.Fprintf(&b, "  Trigger:  %s\n", t.Trigger)
	if t.Reason != "" {
		fmt.Fprintf(&b, "  Reason:   %s\n", t.Reason)
	}
	fmt.Fprintf(&b, "  Trace:    %s\n", gray(t.TraceID))
	return flush(w, &b)
}

func printAudit(w io.Writer, traceID string, entries []*audit.Entry) error {
	cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()
	var b strings.Builder

	fmt.Fprintf(&b, "%s\n\n", cyan(fmt.Sprintf("=== Audit trail %s ===", traceID)))
	if len(entries) == 0 {
		fmt.Fprintf(&b, "  %s\n", gray("No entries"))
		return flush(w, &b)
	}
	for _, e := range entries {
		ts := gray(e.Timestamp.Format("2006-01-02 15:04:05"))
		switch e.Kind {
		case audit.KindDecision:
			change := ""
			if e.ChangeAware {
				change = " [change review]"
			}
			fmt.Fprintf(&b, "%3d %s item %s %s: %s%s\n", e.Sequence, ts, e.ItemID, e.Stage,
				decisionColor(e.Decision)(string(e.Decision)), change)
		case audit.KindTransition:
			t := e.Transition
			fmt.Fprintf(&b, "%3d %s item %s transition %s → %s: %s\n", e.Sequence, ts, e.ItemID, t.From, t.To, t.Outcome)
		}
		fmt.Fprintf(&b, "    %s\n", e.Reason)
		if len(e.Constraints) > 0 {
			fmt.Fprintf(&b, "    %s\n", gray("constraints: "+strings.Join(e.Constraints.Keys(), ", ")))
		}
	}
	return flush(w, &b)
}
