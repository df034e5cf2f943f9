// Package prompt builds the bounded instruction text handed to the worker
// from a stage template, the stage context and the decision constraints.
package prompt

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/steveyegge/stagegate/internal/templates"
	"github.com/steveyegge/stagegate/internal/types"
)

// NotSpecified is rendered for absent optional fields
const NotSpecified = "not specified"

// Renderer renders a stage template with a complete variable set
type Renderer interface {
	Render(stage types.Stage, vars map[string]string) (string, error)
}

// RenderError reports a prompt that could not be built
type RenderError struct {
	Stage   types.Stage
	TraceID string
	Err     error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("failed to construct prompt for %s stage (trace %s): %v", e.Stage, e.TraceID, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// units appended to constraint values in the rendered block
var units = map[string]string{
	"max_response_length": " characters",
}

// Construct renders the stage template for an allowed evaluation.
// Identical inputs always produce identical text.
func Construct(r Renderer, sc *types.StageContext, constraints types.Constraints) (string, error) {
	out, err := r.Render(sc.CurrentStage, Variables(sc, constraints))
	if err != nil {
		return "", &RenderError{Stage: sc.CurrentStage, TraceID: sc.TraceID, Err: err}
	}
	if strings.TrimSpace(out) == "" {
		return "", &RenderError{Stage: sc.CurrentStage, TraceID: sc.TraceID, Err: fmt.Errorf("rendered prompt is empty")}
	}
	return out, nil
}

// Variables returns the full placeholder set for a stage context
func Variables(sc *types.StageContext, constraints types.Constraints) map[string]string {
	return map[string]string{
		templates.FieldRequestType:  string(sc.RequestType),
		templates.FieldSource:       string(sc.Source),
		templates.FieldIssueContent: sc.IssueContent,
		templates.FieldTraceID:      sc.TraceID,
		templates.FieldConstraints:  FormatConstraints(constraints),
		templates.FieldPriority:     orNotSpecified(sc.Priority),
		templates.FieldSeverity:     orNotSpecified(sc.Severity),
		templates.FieldArtifacts:    orNotSpecified(strings.Join(sc.WorkflowArtifacts, ", ")),
		templates.FieldItemID:       orNotSpecified(sc.ItemID),
	}
}

// FormatConstraints renders constraints as one "NAME: value" line per key
// in sorted key order:
//
//	MAX FILES CHANGED: 20
//	SCOPE LIMITS: analyze problem only, no code changes
func FormatConstraints(c types.Constraints) string {
	if len(c) == 0 {
		return "none"
	}
	lines := make([]string, 0, len(c))
	for _, k := range c.Keys() {
		label := strings.ToUpper(strings.ReplaceAll(k, "_", " "))
		lines = append(lines, label+": "+formatValue(c[k])+units[k])
	}
	return strings.Join(lines, "\n")
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []string:
		if len(val) == 0 {
			return "none"
		}
		return strings.Join(val, ", ")
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = formatValue(item)
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + formatValue(val[k])
		}
		return strings.Join(parts, ", ")
	case nil:
		return NotSpecified
	default:
		return fmt.Sprint(val)
	}
}

func orNotSpecified(s string) string {
	if strings.TrimSpace(s) == "" {
		return NotSpecified
	}
	return s
}
