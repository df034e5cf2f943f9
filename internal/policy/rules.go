// Package policy implements the deterministic gate rules.
//
// EvaluateRules is a pure function of the policy configuration, the stage
// context and the optional change context. Rules run in a fixed category
// order and the first one that fires decides the outcome:
//
//  1. stage legality
//  2. capability limits
//  3. scope constraints (implement stage with a change context only)
//  4. risk escalation
//  5. default allow
//
// The outcome always carries the stage's constraint bundle, so the audit
// trail shows what would have been required even when the gate closed.
package policy

import (
	"fmt"
	"path"
	"strings"

	"github.com/steveyegge/stagegate/internal/config"
	"github.com/steveyegge/stagegate/internal/types"
)

// Rule categories
const (
	RuleStageLegality = "stage_legality"
	RuleCapability    = "capability"
	RuleScope         = "scope"
	RuleRisk          = "risk"
	RuleDefault       = "default"
)

// Constraint names attached to decisions
const (
	ConstraintStage                  = "stage"
	ConstraintRequestType            = "request_type"
	ConstraintSource                 = "source"
	ConstraintScopeLimits            = "scope_limits"
	ConstraintOutputFormat           = "output_format"
	ConstraintMaxResponseLength      = "max_response_length"
	ConstraintRequiredArtifacts      = "required_artifacts"
	ConstraintAllowedRequestTypes    = "allowed_request_types"
	ConstraintSourcePolicy           = "source_policy"
	ConstraintMaxFilesChanged        = "max_files_changed"
	ConstraintMaxLinesChanged        = "max_lines_changed"
	ConstraintAllowedPathPrefixes    = "allowed_path_prefixes"
	ConstraintRestrictedPathPrefixes = "restricted_path_prefixes"
	ConstraintForbiddenOperations    = "forbidden_operations"
	ConstraintRequiredCIStatus       = "required_ci_status"
	ConstraintRequireTestsPassed     = "require_tests_passed"
	ConstraintMinContentLength       = "min_content_length"
	ConstraintProhibitedPatterns     = "prohibited_patterns"
	ConstraintRequiredFields         = "required_fields"
	ConstraintValidStages            = "valid_stages"
	ConstraintWorkerAllowed          = "worker_allowed"
	ConstraintChangeContextStage     = "change_context_stage"
	ConstraintChangedFiles           = "changed_files"

	ConstraintViolated       = "violated"
	ConstraintMissing        = "missing"
	ConstraintMatched        = "matched"
	ConstraintSpamIndicators = "spam_indicators"
	ConstraintReviewOverride = "review_override"
	ConstraintOverridden     = "overridden"
	ConstraintFilesChanged   = "files_changed"
	ConstraintLinesChanged   = "lines_changed"
	ConstraintCIStatus       = "ci_status"
)

// Result is the rule evaluator's output
type Result struct {
	Decision    types.DecisionKind
	Reason      string
	Constraints types.Constraints
	Rule        string
}

// EvaluateRules applies the gate rules to one evaluation.
// cc must be nil except for implementation-stage change review.
func EvaluateRules(p config.PolicyConfig, sc *types.StageContext, cc *types.ChangeContext) Result {
	stage := sc.CurrentStage

	// 1. Stage legality
	if !stage.IsValid() {
		return Result{
			Decision: types.DecisionBlock,
			Reason:   fmt.Sprintf("unknown stage: %q", string(stage)),
			Constraints: types.Constraints{
				ConstraintStage:       string(stage),
				ConstraintValidStages: stageNames(types.AllStages),
			},
			Rule: RuleStageLegality,
		}
	}

	// 2. Capability limits
	if !stage.IsWorkerStage() {
		c := types.Constraints{
			ConstraintStage:         string(stage),
			ConstraintWorkerAllowed: false,
		}
		if stage.IsAwaitingApproval() {
			return Result{
				Decision:    types.DecisionReviewRequired,
				Reason:      fmt.Sprintf("stage %s awaits a human decision; the worker does not run", stage),
				Constraints: c,
				Rule:        RuleCapability,
			}
		}
		return Result{
			Decision:    types.DecisionBlock,
			Reason:      fmt.Sprintf("stage %s does not run the worker", stage),
			Constraints: c,
			Rule:        RuleCapability,
		}
	}

	sp, ok := p.ForStage(stage)
	if !ok {
		return Result{
			Decision: types.DecisionBlock,
			Reason:   fmt.Sprintf("no policy configured for stage %s", stage),
			Constraints: types.Constraints{
				ConstraintStage: string(stage),
			},
			Rule: RuleCapability,
		}
	}

	e := &evaluation{policy: p, stage: sp, sc: sc, cc: cc, constraints: Bundle(sp, sc)}

	if r, fired := e.capability(); fired {
		return r
	}
	if cc != nil {
		if r, fired := e.scope(); fired {
			return r
		}
	}
	if r, fired := e.risk(); fired {
		return r
	}
	return e.allow()
}

// Bundle returns the default constraint bundle for a worker stage
func Bundle(sp config.StagePolicy, sc *types.StageContext) types.Constraints {
	c := types.Constraints{
		ConstraintStage:       string(sc.CurrentStage),
		ConstraintRequestType: string(sc.RequestType),
		ConstraintSource:      string(sc.Source),
	}
	if len(sp.ScopeLimits) > 0 {
		c[ConstraintScopeLimits] = copyStrings(sp.ScopeLimits)
	}
	if sp.OutputFormat != "" {
		c[ConstraintOutputFormat] = sp.OutputFormat
	}
	if sp.MaxResponseLength > 0 {
		c[ConstraintMaxResponseLength] = sp.MaxResponseLength
	}
	if len(sp.RequiredArtifacts) > 0 {
		c[ConstraintRequiredArtifacts] = copyStrings(sp.RequiredArtifacts)
	}
	if sc.CurrentStage != types.StageImplement {
		return c
	}

	if sp.MaxFilesChanged > 0 {
		c[ConstraintMaxFilesChanged] = sp.MaxFilesChanged
	}
	if sp.MaxLinesChanged > 0 {
		c[ConstraintMaxLinesChanged] = sp.MaxLinesChanged
	}
	if len(sp.AllowedPathPrefixes) > 0 {
		c[ConstraintAllowedPathPrefixes] = copyStrings(sp.AllowedPathPrefixes)
	}
	if len(sp.RestrictedPathPrefixes) > 0 {
		c[ConstraintRestrictedPathPrefixes] = copyStrings(sp.RestrictedPathPrefixes)
	}
	if len(sp.ForbiddenOperations) > 0 {
		c[ConstraintForbiddenOperations] = copyStrings(sp.ForbiddenOperations)
	}
	if sp.RequiredCIStatus != "" {
		c[ConstraintRequiredCIStatus] = sp.RequiredCIStatus
	}
	if sp.RequireTestsPassed {
		c[ConstraintRequireTestsPassed] = true
	}
	return c
}

type evaluation struct {
	policy      config.PolicyConfig
	stage       config.StagePolicy
	sc          *types.StageContext
	cc          *types.ChangeContext
	constraints types.Constraints
	overridden  []string
}

func (e *evaluation) result(decision types.DecisionKind, rule, reason string, extra types.Constraints) Result {
	c := e.constraints.Clone()
	for k, v := range extra {
		c[k] = v
	}
	if len(e.overridden) > 0 {
		c[ConstraintReviewOverride] = true
		c[ConstraintOverridden] = copyStrings(e.overridden)
	}
	return Result{Decision: decision, Reason: reason, Constraints: c, Rule: rule}
}

func (e *evaluation) block(rule, violated, reason string, extra types.Constraints) (Result, bool) {
	if extra == nil {
		extra = types.Constraints{}
	}
	extra[ConstraintViolated] = violated
	return e.result(types.DecisionBlock, rule, reason, extra), true
}

func (e *evaluation) capability() (Result, bool) {
	sc := e.sc
	stage := sc.CurrentStage

	if e.cc != nil && stage != types.StageImplement {
		return e.block(RuleCapability, ConstraintChangeContextStage,
			fmt.Sprintf("change context is only evaluated at the implement stage, not %s", stage),
			types.Constraints{ConstraintChangeContextStage: string(types.StageImplement)})
	}

	if !e.stage.AllowsRequestType(sc.RequestType) {
		allowed := make([]string, 0, len(e.stage.AllowedRequestTypes))
		for _, k := range e.stage.AllowedRequestTypes {
			allowed = append(allowed, string(k))
		}
		return e.block(RuleCapability, ConstraintAllowedRequestTypes,
			fmt.Sprintf("request type '%s' not allowed for stage '%s'", sc.RequestType, stage),
			types.Constraints{ConstraintAllowedRequestTypes: allowed})
	}

	for _, req := range e.stage.RequiredFields {
		if !req.AppliesTo(sc.RequestType) || fieldPresent(sc, req.Field) {
			continue
		}
		reason := fmt.Sprintf("%s information required for %s stage", req.Field, stage)
		if len(req.RequestTypes) > 0 {
			reason = fmt.Sprintf("%s information required for %s requests at %s stage", req.Field, sc.RequestType, stage)
		}
		return e.block(RuleCapability, ConstraintRequiredFields, reason,
			types.Constraints{ConstraintRequiredFields: []string{req.Field}})
	}

	var missing []string
	for _, a := range e.stage.RequiredArtifacts {
		if !sc.HasArtifact(a) {
			missing = append(missing, a)
		}
	}
	if len(missing) > 0 {
		return e.block(RuleCapability, ConstraintRequiredArtifacts,
			fmt.Sprintf("missing required artifacts: %s", strings.Join(missing, ", ")),
			types.Constraints{ConstraintMissing: missing})
	}

	if n := len(strings.TrimSpace(sc.IssueContent)); n < e.policy.MinContentLength {
		return e.block(RuleCapability, ConstraintMinContentLength,
			fmt.Sprintf("issue content too short, minimum %d characters required", e.policy.MinContentLength),
			types.Constraints{ConstraintMinContentLength: e.policy.MinContentLength})
	}

	content := strings.ToLower(sc.IssueContent)
	for _, pattern := range e.policy.ProhibitedPatterns {
		if strings.Contains(content, strings.ToLower(pattern)) {
			return e.block(RuleCapability, ConstraintProhibitedPatterns,
				fmt.Sprintf("content contains prohibited pattern: '%s'", pattern),
				types.Constraints{ConstraintMatched: pattern})
		}
	}

	if !e.stage.AllowsSource(sc.Source) {
		if sc.ReviewOverride {
			e.overridden = append(e.overridden, ConstraintSourcePolicy)
			return Result{}, false
		}
		return e.result(types.DecisionReviewRequired, RuleCapability,
			fmt.Sprintf("source '%s' requires review for stage '%s'", sc.Source, stage),
			types.Constraints{ConstraintSourcePolicy: e.stage.SourcePolicy}), true
	}
	return Result{}, false
}

func (e *evaluation) scope() (Result, bool) {
	sp := e.stage
	cc := e.cc
	observed := types.Constraints{
		ConstraintFilesChanged: cc.FileCount(),
		ConstraintLinesChanged: cc.LinesChanged(),
		ConstraintCIStatus:     cc.CIStatus,
	}

	if n := cc.FileCount(); sp.MaxFilesChanged > 0 && n > sp.MaxFilesChanged {
		return e.block(RuleScope, ConstraintMaxFilesChanged,
			fmt.Sprintf("files changed (%d) exceeds max_files_changed (%d)", n, sp.MaxFilesChanged), observed)
	}
	if n := cc.LinesChanged(); sp.MaxLinesChanged > 0 && n > sp.MaxLinesChanged {
		return e.block(RuleScope, ConstraintMaxLinesChanged,
			fmt.Sprintf("lines changed (%d) exceeds max_lines_changed (%d)", n, sp.MaxLinesChanged), observed)
	}

	files := cc.SortedFiles()
	cleaned := make([]string, len(files))
	for i, f := range files {
		c, ok := repoPath(f)
		if !ok {
			return e.block(RuleScope, ConstraintChangedFiles,
				fmt.Sprintf("file '%s' is outside the repository", f), observed)
		}
		cleaned[i] = c
	}
	if len(sp.AllowedPathPrefixes) > 0 {
		for i, f := range cleaned {
			if prefixOf(f, sp.AllowedPathPrefixes) == "" {
				return e.block(RuleScope, ConstraintAllowedPathPrefixes,
					fmt.Sprintf("file '%s' is outside allowed_path_prefixes", files[i]), observed)
			}
		}
	}
	for i, f := range cleaned {
		if prefix := prefixOf(f, sp.RestrictedPathPrefixes); prefix != "" {
			return e.block(RuleScope, ConstraintRestrictedPathPrefixes,
				fmt.Sprintf("file '%s' is under restricted path prefix '%s'", files[i], prefix), observed)
		}
	}

	for _, op := range cc.Operations {
		for _, forbidden := range sp.ForbiddenOperations {
			if strings.EqualFold(strings.TrimSpace(op), forbidden) {
				return e.block(RuleScope, ConstraintForbiddenOperations,
					fmt.Sprintf("operation '%s' is in forbidden_operations", forbidden), observed)
			}
		}
	}

	if sp.RequiredCIStatus != "" && cc.CIStatus != sp.RequiredCIStatus {
		return e.block(RuleScope, ConstraintRequiredCIStatus,
			fmt.Sprintf("ci status is '%s', required_ci_status is '%s'", cc.CIStatus, sp.RequiredCIStatus), observed)
	}
	if sp.RequireTestsPassed && cc.TestResults != nil && !cc.TestResults.AllPassed {
		return e.block(RuleScope, ConstraintRequireTestsPassed,
			"not all tests passed, require_tests_passed is set", observed)
	}
	return Result{}, false
}

func (e *evaluation) risk() (Result, bool) {
	content := strings.ToLower(e.sc.IssueContent)

	var matched []string
	for _, kw := range e.policy.RiskKeywords {
		if strings.Contains(content, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}

	var (
		reason string
		extra  types.Constraints
	)
	switch {
	case len(matched) > 0:
		reason = fmt.Sprintf("content matches risk keywords: %s", strings.Join(matched, ", "))
		extra = types.Constraints{ConstraintMatched: matched}
	case isSpamLike(e.sc.IssueContent, e.policy.SpamPunctuationLimit):
		reason = "content appears spam-like, requires human review"
		extra = types.Constraints{ConstraintSpamIndicators: "excessive_punctuation"}
	default:
		return Result{}, false
	}

	if e.sc.ReviewOverride {
		e.overridden = append(e.overridden, RuleRisk)
		return Result{}, false
	}
	return e.result(types.DecisionReviewRequired, RuleRisk, reason, extra), true
}

func (e *evaluation) allow() Result {
	reason := fmt.Sprintf("all policy checks passed for %s stage", e.sc.CurrentStage)
	var extra types.Constraints
	if e.cc != nil {
		reason = "implementation changes meet all policy requirements"
		extra = types.Constraints{
			ConstraintFilesChanged: e.cc.FileCount(),
			ConstraintLinesChanged: e.cc.LinesChanged(),
			ConstraintCIStatus:     e.cc.CIStatus,
		}
	}
	return e.result(types.DecisionAllow, RuleDefault, reason, extra)
}

func fieldPresent(sc *types.StageContext, field string) bool {
	switch field {
	case "priority":
		return strings.TrimSpace(sc.Priority) != ""
	case "severity":
		return strings.TrimSpace(sc.Severity) != ""
	}
	return false
}

func isSpamLike(content string, limit int) bool {
	return strings.Count(content, "!") > limit || strings.Count(content, "?") > limit
}

// repoPath cleans a changed-file path to slash form relative to the
// repository root. Absolute paths and paths that climb above the root are
// rejected.
func repoPath(file string) (string, bool) {
	f := path.Clean(strings.ReplaceAll(strings.TrimSpace(file), "\\", "/"))
	if f == "." || path.IsAbs(f) || f == ".." || strings.HasPrefix(f, "../") {
		return "", false
	}
	return f, true
}

// prefixOf returns the first prefix that contains file on a path segment
// boundary: "go.mod" matches only go.mod, "internal/policy/" matches files
// below internal/policy but not internal/policyx.
func prefixOf(file string, prefixes []string) string {
	for _, p := range prefixes {
		dir := strings.TrimSuffix(path.Clean(strings.ReplaceAll(p, "\\", "/")), "/")
		if strings.TrimSpace(p) == "" || dir == "." {
			continue
		}
		if file == dir || strings.HasPrefix(file, dir+"/") {
			return p
		}
	}
	return ""
}

func stageNames(stages []types.Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func copyStrings(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	return out
}
