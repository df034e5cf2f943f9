package tracker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/steveyegge/stagegate/internal/types"
)

// ErrNoTraceID is returned when neither the body nor any comment carries a trace id
var ErrNoTraceID = errors.New("no trace id found on item")

// StageLabelError reports an item that does not carry exactly one valid stage label
type StageLabelError struct {
	ItemID string
	Labels []string
}

func (e *StageLabelError) Error() string {
	return fmt.Sprintf("item %s must carry exactly one stage label, has %d: [%s]",
		e.ItemID, len(e.Labels), strings.Join(e.Labels, ", "))
}

// artifact markers posted by completed stages, matched case-insensitively
var artifactMarkers = []struct {
	marker   string
	artifact string
}{
	{"triage workflow completed", "triage_report"},
	{"planning workflow completed", "implementation_plan"},
	{"prioritization workflow completed", "priority_assessment"},
	{"implementation approved", "human_approval"},
	{"implementation workflow completed", "implementation"},
}

var stageHeadings = map[types.Stage]string{
	types.StageTriage:     "Triage Workflow Completed",
	types.StagePlan:       "Planning Workflow Completed",
	types.StagePrioritize: "Prioritization Workflow Completed",
	types.StageImplement:  "Implementation Workflow Completed",
}

// Artifacts returns the prior-stage artifacts recorded in comments, in the
// order they first appear
func Artifacts(comments []Comment) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range comments {
		body := strings.ToLower(c.Body)
		for _, m := range artifactMarkers {
			if strings.Contains(body, m.marker) && !seen[m.artifact] {
				seen[m.artifact] = true
				out = append(out, m.artifact)
			}
		}
	}
	return out
}

// WorkerComment formats a worker's output so that later stages recognize it
// as this stage's artifact
func WorkerComment(stage types.Stage, traceID, output string) string {
	heading, ok := stageHeadings[stage]
	if !ok {
		heading = fmt.Sprintf("%s Workflow Completed", stage)
	}
	return fmt.Sprintf("## %s\n\n%s\n\n**Trace_ID**: `%s`", heading, strings.TrimSpace(output), traceID)
}

// BuildStageContext derives a fresh StageContext from tracker state.
// Missing request and source labels default to bug and user.
func BuildStageContext(item *Item, comments []Comment) (types.StageContext, error) {
	stage, ok := CurrentStage(item.Labels)
	if !ok {
		return types.StageContext{}, &StageLabelError{ItemID: item.ID, Labels: StageLabels(item.Labels)}
	}

	traceID := ExtractTraceID(item.Body)
	if traceID == "" {
		for _, c := range comments {
			if traceID = ExtractTraceID(c.Body); traceID != "" {
				break
			}
		}
	}
	if traceID == "" {
		return types.StageContext{}, fmt.Errorf("item %s: %w", item.ID, ErrNoTraceID)
	}

	requestType := types.RequestKind(labelValue(item.Labels, RequestPrefix))
	if requestType == "" {
		requestType = types.RequestBug
	}
	source := types.Source(labelValue(item.Labels, SourcePrefix))
	if source == "" {
		source = types.SourceUser
	}

	content := item.Body
	if item.Title != "" {
		content = item.Title + "\n\n" + item.Body
	}

	return types.StageContext{
		ItemID:            item.ID,
		CurrentStage:      stage,
		RequestType:       requestType,
		Source:            source,
		Priority:          labelValue(item.Labels, PriorityPrefix),
		Severity:          labelValue(item.Labels, SeverityPrefix),
		TraceID:           traceID,
		IssueContent:      content,
		WorkflowArtifacts: Artifacts(comments),
		ReviewOverride:    hasLabel(item.Labels, ReviewApprovedLabel),
	}, nil
}
