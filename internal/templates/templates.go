// Package templates loads, validates and renders the per-stage instruction
// templates handed to the AI worker.
//
// Templates are Go text/template files, one per worker stage, stored as
// <dir>/<stage>.txt. Placeholders are plain fields such as {{.trace_id}} and
// belong to a closed schema: five required fields that every template must
// reference, plus a declared optional set. Anything else is a load error.
package templates

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/spf13/afero"

	"github.com/steveyegge/stagegate/internal/types"
)

// Placeholder names
const (
	FieldRequestType  = "request_type"
	FieldSource       = "source"
	FieldIssueContent = "issue_content"
	FieldTraceID      = "trace_id"
	FieldConstraints  = "constraints"
	FieldPriority     = "priority"
	FieldSeverity     = "severity"
	FieldArtifacts    = "artifacts"
	FieldItemID       = "item_id"
)

// RequiredPlaceholders must appear in every template
var RequiredPlaceholders = []string{
	FieldRequestType,
	FieldSource,
	FieldIssueContent,
	FieldTraceID,
	FieldConstraints,
}

// OptionalPlaceholders may appear in any template
var OptionalPlaceholders = []string{
	FieldPriority,
	FieldSeverity,
	FieldArtifacts,
	FieldItemID,
}

// FileExtension is the template file suffix
const FileExtension = ".txt"

// ErrConfiguration marks startup configuration failures. A process must not
// serve evaluations after receiving an error wrapping it.
var ErrConfiguration = errors.New("configuration error")

// LoadError lists every problem found while loading a template set
type LoadError struct {
	Dir      string
	Problems []string
}

func (e *LoadError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to load templates from %s (%d problem", e.Dir, len(e.Problems))
	if len(e.Problems) != 1 {
		b.WriteString("s")
	}
	b.WriteString("):")
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}

func (e *LoadError) Unwrap() error {
	return ErrConfiguration
}

// Template is one validated stage template
type Template struct {
	Stage        types.Stage
	Path         string
	Body         string
	Placeholders []string

	tmpl *template.Template
}

// Set is a complete, validated template set. It is never modified after Load.
type Set struct {
	Dir      string
	LoadedAt time.Time

	templates map[types.Stage]*Template
}

// FileName returns the template file name for a stage
func FileName(stage types.Stage) string {
	return string(stage) + FileExtension
}

// Load reads and validates one template per worker stage.
// It returns a *LoadError enumerating every problem, or a complete Set.
func Load(fs afero.Fs, dir string) (*Set, error) {
	loadErr := &LoadError{Dir: dir}

	info, err := fs.Stat(dir)
	if err != nil || !info.IsDir() {
		loadErr.Problems = append(loadErr.Problems,
			fmt.Sprintf("template directory not found: %s (add %s)", dir, strings.Join(requiredFiles(), ", ")))
		return nil, loadErr
	}

	set := &Set{
		Dir:       dir,
		LoadedAt:  time.Now(),
		templates: make(map[types.Stage]*Template, len(types.WorkerStages)),
	}

	for _, stage := range types.WorkerStages {
		t, problems := loadOne(fs, dir, stage)
		if len(problems) > 0 {
			loadErr.Problems = append(loadErr.Problems, problems...)
			continue
		}
		set.templates[stage] = t
	}

	if len(loadErr.Problems) > 0 {
		return nil, loadErr
	}
	return set, nil
}

func requiredFiles() []string {
	files := make([]string, 0, len(types.WorkerStages))
	for _, stage := range types.WorkerStages {
		files = append(files, FileName(stage))
	}
	return files
}

func loadOne(fs afero.Fs, dir string, stage types.Stage) (*Template, []string) {
	p := path.Join(dir, FileName(stage))

	data, err := afero.ReadFile(fs, p)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: template file %s not found", stage, p)}
	}
	body := string(data)
	if strings.TrimSpace(body) == "" {
		return nil, []string{fmt.Sprintf("%s: template file %s is empty", stage, p)}
	}

	tmpl, err := template.New(string(stage)).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, []string{fmt.Sprintf("%s: template does not parse: %v", stage, err)}
	}

	used := make(map[string]bool)
	var problems []string
	for _, t := range tmpl.Templates() {
		if t.Tree == nil {
			continue
		}
		walk(t.Tree.Root, func(ident []string) {
			name := ident[0]
			if len(ident) > 1 {
				problems = append(problems, fmt.Sprintf("%s: placeholder {{.%s}} must be a plain field", stage, strings.Join(ident, ".")))
				return
			}
			used[name] = true
		})
	}

	for _, name := range RequiredPlaceholders {
		if !used[name] {
			problems = append(problems, fmt.Sprintf("%s: missing required placeholder {{.%s}}", stage, name))
		}
	}

	allowed := make(map[string]bool, len(RequiredPlaceholders)+len(OptionalPlaceholders))
	for _, name := range RequiredPlaceholders {
		allowed[name] = true
	}
	for _, name := range OptionalPlaceholders {
		allowed[name] = true
	}
	placeholders := make([]string, 0, len(used))
	for name := range used {
		placeholders = append(placeholders, name)
	}
	sort.Strings(placeholders)
	for _, name := range placeholders {
		if !allowed[name] {
			problems = append(problems, fmt.Sprintf("%s: unknown placeholder {{.%s}}", stage, name))
		}
	}

	if len(problems) > 0 {
		return nil, problems
	}

	t := &Template{Stage: stage, Path: p, Body: body, Placeholders: placeholders, tmpl: tmpl}

	// A dry run with every field set catches templates that parse but cannot execute.
	if _, err := t.execute(sampleVariables()); err != nil {
		return nil, []string{fmt.Sprintf("%s: template does not render: %v", stage, err)}
	}
	return t, nil
}

// walk calls fn with the identifier chain of every field reference in the tree
func walk(node parse.Node, fn func(ident []string)) {
	switch n := node.(type) {
	case nil:
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walk(c, fn)
		}
	case *parse.ActionNode:
		walk(n.Pipe, fn)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			walk(c, fn)
		}
	case *parse.CommandNode:
		for _, a := range n.Args {
			walk(a, fn)
		}
	case *parse.FieldNode:
		fn(n.Ident)
	case *parse.ChainNode:
		walk(n.Node, fn)
	case *parse.IfNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.RangeNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.WithNode:
		walkBranch(&n.BranchNode, fn)
	case *parse.TemplateNode:
		walk(n.Pipe, fn)
	}
}

func walkBranch(b *parse.BranchNode, fn func(ident []string)) {
	walk(b.Pipe, fn)
	walk(b.List, fn)
	walk(b.ElseList, fn)
}

func sampleVariables() map[string]string {
	vars := make(map[string]string, len(RequiredPlaceholders)+len(OptionalPlaceholders))
	for _, name := range RequiredPlaceholders {
		vars[name] = name
	}
	for _, name := range OptionalPlaceholders {
		vars[name] = name
	}
	return vars
}

func (t *Template) execute(vars map[string]string) (string, error) {
	var b strings.Builder
	if err := t.tmpl.Execute(&b, vars); err != nil {
		return "", err
	}
	return b.String(), nil
}

// Get returns the template for a stage
func (s *Set) Get(stage types.Stage) (*Template, bool) {
	t, ok := s.templates[stage]
	return t, ok
}

// Stages returns the loaded stages in pipeline order
func (s *Set) Stages() []types.Stage {
	out := make([]types.Stage, 0, len(s.templates))
	for _, stage := range types.WorkerStages {
		if _, ok := s.templates[stage]; ok {
			out = append(out, stage)
		}
	}
	return out
}

// Render substitutes vars into the stage template.
// Every required placeholder must have a value; a placeholder the template
// references but vars does not define is an error, never left verbatim.
func (s *Set) Render(stage types.Stage, vars map[string]string) (string, error) {
	t, ok := s.templates[stage]
	if !ok {
		return "", fmt.Errorf("no template for stage %q", stage)
	}

	var missing []string
	for _, name := range RequiredPlaceholders {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	for _, name := range t.Placeholders {
		if _, ok := vars[name]; !ok && !contains(missing, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved placeholders in %s template: %s", stage, strings.Join(missing, ", "))
	}

	out, err := t.execute(vars)
	if err != nil {
		return "", fmt.Errorf("rendering %s template: %w", stage, err)
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
