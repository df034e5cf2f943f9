package types

import (
	"fmt"
	"sort"
	"strings"
)

// Stage is one named state in the pipeline transition table
type Stage string

const (
	StageTriage                         Stage = "triage"
	StagePlan                           Stage = "plan"
	StagePrioritize                     Stage = "prioritize"
	StageAwaitingImplementationApproval Stage = "awaiting_implementation_approval"
	StageImplement                      Stage = "implement"
	StagePROpened                       Stage = "pr_opened"
	StageAwaitingDeployApproval         Stage = "awaiting_deploy_approval"
	StageDone                           Stage = "done"
	StageBlocked                        Stage = "blocked"
)

// AllStages lists every pipeline stage in pipeline order, blocked last
var AllStages = []Stage{
	StageTriage,
	StagePlan,
	StagePrioritize,
	StageAwaitingImplementationApproval,
	StageImplement,
	StagePROpened,
	StageAwaitingDeployApproval,
	StageDone,
	StageBlocked,
}

// WorkerStages are the stages that have an instruction template and run the AI worker
var WorkerStages = []Stage{
	StageTriage,
	StagePlan,
	StagePrioritize,
	StageImplement,
}

// IsValid checks if the stage value is one of the known pipeline stages
func (s Stage) IsValid() bool {
	switch s {
	case StageTriage, StagePlan, StagePrioritize, StageAwaitingImplementationApproval,
		StageImplement, StagePROpened, StageAwaitingDeployApproval, StageDone, StageBlocked:
		return true
	}
	return false
}

// IsWorkerStage reports whether the AI worker may run at this stage
func (s Stage) IsWorkerStage() bool {
	switch s {
	case StageTriage, StagePlan, StagePrioritize, StageImplement:
		return true
	}
	return false
}

// IsAwaitingApproval reports whether the stage waits on a human decision
func (s Stage) IsAwaitingApproval() bool {
	return s == StageAwaitingImplementationApproval || s == StageAwaitingDeployApproval
}

// ParseStage converts a raw stage name into a Stage.
// Both the internal form ("awaiting_deploy_approval") and the hyphenated tag
// suffix ("awaiting-deploy-approval") are accepted.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.ReplaceAll(strings.TrimSpace(strings.ToLower(raw)), "-", "_"))
	if !s.IsValid() {
		return "", fmt.Errorf("unknown stage: %q", raw)
	}
	return s, nil
}

// RequestKind categorizes the originating request
type RequestKind string

const (
	RequestBug         RequestKind = "bug"
	RequestFeature     RequestKind = "feature"
	RequestInvestigate RequestKind = "investigate"
)

// IsValid checks if the request kind value is valid
func (k RequestKind) IsValid() bool {
	switch k {
	case RequestBug, RequestFeature, RequestInvestigate:
		return true
	}
	return false
}

// Source identifies where a request originated
type Source string

const (
	SourceUser    Source = "user"
	SourceMonitor Source = "monitor"
)

// IsValid checks if the source value is valid
func (s Source) IsValid() bool {
	switch s {
	case SourceUser, SourceMonitor:
		return true
	}
	return false
}

// StageContext is the input to one evaluation. It is built fresh by the caller
// from current tracker state and never mutated or cached.
type StageContext struct {
	ItemID            string      `json:"item_id"`
	CurrentStage      Stage       `json:"current_stage"`
	RequestType       RequestKind `json:"request_type"`
	Source            Source      `json:"source"`
	Priority          string      `json:"priority,omitempty"`
	Severity          string      `json:"severity,omitempty"`
	TraceID           string      `json:"trace_id"`
	IssueContent      string      `json:"issue_content"`
	WorkflowArtifacts []string    `json:"workflow_artifacts,omitempty"`

	// ReviewOverride is set by the caller when a human has explicitly approved
	// an item that previously required review. It never overrides a block.
	ReviewOverride bool `json:"review_override,omitempty"`
}

// Validate checks the fields the engine cannot evaluate without.
// An unknown stage is not a validation error: it is a block decision.
func (c *StageContext) Validate() error {
	if strings.TrimSpace(c.TraceID) == "" {
		return fmt.Errorf("trace_id is required")
	}
	if strings.TrimSpace(c.ItemID) == "" {
		return fmt.Errorf("item_id is required")
	}
	if !c.RequestType.IsValid() {
		return fmt.Errorf("invalid request type: %s", c.RequestType)
	}
	if !c.Source.IsValid() {
		return fmt.Errorf("invalid source: %s", c.Source)
	}
	return nil
}

// HasArtifact reports whether a prior-stage artifact reference is present
func (c *StageContext) HasArtifact(name string) bool {
	for _, a := range c.WorkflowArtifacts {
		if a == name {
			return true
		}
	}
	return false
}

// DiffStats aggregates a change set
type DiffStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Files     int `json:"files"`
}

// TestResults summarizes a test run
type TestResults struct {
	AllPassed bool   `json:"all_passed"`
	Passed    int    `json:"passed,omitempty"`
	Failed    int    `json:"failed,omitempty"`
	Summary   string `json:"summary,omitempty"`
}

// ChangeContext describes the result of the implementation stage
type ChangeContext struct {
	ChangedFiles []string     `json:"changed_files"`
	DiffStats    DiffStats    `json:"diff_stats"`
	CIStatus     string       `json:"ci_status"`
	TestResults  *TestResults `json:"test_results,omitempty"`
	Operations   []string     `json:"operations,omitempty"`
}

// FileCount returns the larger of the reported file count and the changed-file list length
func (c *ChangeContext) FileCount() int {
	n := len(uniqueStrings(c.ChangedFiles))
	if c.DiffStats.Files > n {
		return c.DiffStats.Files
	}
	return n
}

// LinesChanged returns additions plus deletions
func (c *ChangeContext) LinesChanged() int {
	return c.DiffStats.Additions + c.DiffStats.Deletions
}

// SortedFiles returns the changed files deduplicated and sorted
func (c *ChangeContext) SortedFiles() []string {
	files := uniqueStrings(c.ChangedFiles)
	sort.Strings(files)
	return files
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
