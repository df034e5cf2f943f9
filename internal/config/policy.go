package config

import (
	"fmt"
	"strings"

	"github.com/steveyegge/stagegate/internal/types"
)

// Source policies
const (
	SourceAllAllowed            = "all_allowed"
	SourceUserOnly              = "user_only"
	SourceMonitorRequiresReview = "monitor_requires_review"
)

// PolicyConfig is the rule evaluator's configuration
type PolicyConfig struct {
	MinContentLength     int                    `koanf:"min_content_length"`
	SpamPunctuationLimit int                    `koanf:"spam_punctuation_limit"`
	ProhibitedPatterns   []string               `koanf:"prohibited_patterns"`
	RiskKeywords         []string               `koanf:"risk_keywords"`
	Stages               map[string]StagePolicy `koanf:"stages"`
}

// StagePolicy is the default constraint bundle and the limits for one worker stage
type StagePolicy struct {
	AllowedRequestTypes []types.RequestKind `koanf:"allowed_request_types"`
	SourcePolicy        string              `koanf:"source_policy"`
	ScopeLimits         []string            `koanf:"scope_limits"`
	OutputFormat        string              `koanf:"output_format"`
	MaxResponseLength   int                 `koanf:"max_response_length"`
	RequiredArtifacts   []string            `koanf:"required_artifacts"`
	RequiredFields      []FieldRequirement  `koanf:"required_fields"`

	// Change limits, only meaningful for the implement stage
	MaxFilesChanged        int      `koanf:"max_files_changed"`
	MaxLinesChanged        int      `koanf:"max_lines_changed"`
	AllowedPathPrefixes    []string `koanf:"allowed_path_prefixes"`
	RestrictedPathPrefixes []string `koanf:"restricted_path_prefixes"`
	ForbiddenOperations    []string `koanf:"forbidden_operations"`
	RequiredCIStatus       string   `koanf:"required_ci_status"`
	RequireTestsPassed     bool     `koanf:"require_tests_passed"`
}

// FieldRequirement names a StageContext field that must be present.
// An empty RequestTypes list applies the requirement to every request kind.
type FieldRequirement struct {
	Field        string              `koanf:"field"`
	RequestTypes []types.RequestKind `koanf:"request_types"`
}

// AppliesTo reports whether the requirement covers the given request kind
func (r FieldRequirement) AppliesTo(kind types.RequestKind) bool {
	if len(r.RequestTypes) == 0 {
		return true
	}
	for _, k := range r.RequestTypes {
		if k == kind {
			return true
		}
	}
	return false
}

// DefaultPolicyConfig returns the built-in policy
func DefaultPolicyConfig() PolicyConfig {
	return Default().Policy
}

// ForStage returns the policy for a worker stage
func (c PolicyConfig) ForStage(stage types.Stage) (StagePolicy, bool) {
	sp, ok := c.Stages[string(stage)]
	return sp, ok
}

// Validate checks that every worker stage has a usable policy
func (c PolicyConfig) Validate() error {
	if c.MinContentLength < 0 {
		return fmt.Errorf("min_content_length must not be negative (got %d)", c.MinContentLength)
	}
	if c.SpamPunctuationLimit < 1 {
		return fmt.Errorf("spam_punctuation_limit must be at least 1 (got %d)", c.SpamPunctuationLimit)
	}
	for _, p := range c.ProhibitedPatterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("prohibited_patterns must not contain empty entries")
		}
	}
	for _, k := range c.RiskKeywords {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("risk_keywords must not contain empty entries")
		}
	}

	for name := range c.Stages {
		stage, err := types.ParseStage(name)
		if err != nil || !stage.IsWorkerStage() {
			return fmt.Errorf("stages.%s: not a worker stage", name)
		}
	}

	for _, stage := range types.WorkerStages {
		sp, ok := c.ForStage(stage)
		if !ok {
			return fmt.Errorf("stages.%s is required", stage)
		}
		if err := sp.Validate(); err != nil {
			return fmt.Errorf("stages.%s: %w", stage, err)
		}
	}

	impl, _ := c.ForStage(types.StageImplement)
	if impl.MaxFilesChanged < 1 {
		return fmt.Errorf("stages.implement: max_files_changed must be positive (got %d)", impl.MaxFilesChanged)
	}
	return nil
}

// Validate checks one stage policy
func (p StagePolicy) Validate() error {
	if len(p.AllowedRequestTypes) == 0 {
		return fmt.Errorf("allowed_request_types must not be empty")
	}
	for _, k := range p.AllowedRequestTypes {
		if !k.IsValid() {
			return fmt.Errorf("invalid request type %q in allowed_request_types", k)
		}
	}
	switch p.SourcePolicy {
	case SourceAllAllowed, SourceUserOnly, SourceMonitorRequiresReview:
	default:
		return fmt.Errorf("source_policy must be one of %s, %s, %s (got %q)",
			SourceAllAllowed, SourceUserOnly, SourceMonitorRequiresReview, p.SourcePolicy)
	}
	if p.MaxResponseLength < 0 {
		return fmt.Errorf("max_response_length must not be negative (got %d)", p.MaxResponseLength)
	}
	for _, f := range p.RequiredFields {
		if f.Field != "priority" && f.Field != "severity" {
			return fmt.Errorf("required_fields: unsupported field %q", f.Field)
		}
	}
	if p.MaxLinesChanged < 0 {
		return fmt.Errorf("max_lines_changed must not be negative (got %d)", p.MaxLinesChanged)
	}
	return nil
}

// AllowsRequestType reports whether the request kind may run at this stage
func (p StagePolicy) AllowsRequestType(kind types.RequestKind) bool {
	for _, k := range p.AllowedRequestTypes {
		if k == kind {
			return true
		}
	}
	return false
}

// AllowsSource reports whether the source may run without review
func (p StagePolicy) AllowsSource(source types.Source) bool {
	if p.SourcePolicy == SourceAllAllowed {
		return true
	}
	return source == types.SourceUser
}
