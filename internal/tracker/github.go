package tracker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// GitHubConfig configures the GitHub issue tracker adapter
type GitHubConfig struct {
	Owner   string
	Repo    string
	Token   string
	BaseURL string // for GitHub Enterprise and tests; empty uses api.github.com

	RequestsPerSecond float64
	Burst             int

	// HTTPClient is used as-is when set; Token is then ignored
	HTTPClient *http.Client
}

// GitHubTracker keeps work items as GitHub issues with labels
type GitHubTracker struct {
	client  *github.Client
	owner   string
	repo    string
	limiter *rate.Limiter
}

var _ Tracker = (*GitHubTracker)(nil)

// NewGitHubTracker creates a GitHub-backed tracker
func NewGitHubTracker(ctx context.Context, cfg GitHubConfig) (*GitHubTracker, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		if cfg.Token == "" {
			return nil, fmt.Errorf("github token not set")
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(httpClient)

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("invalid github base url: %w", err)
		}
		client.BaseURL = u
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &GitHubTracker{
		client:  client,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

func issueNumber(id string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(id, "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid issue number %q", id)
	}
	return n, nil
}

func (g *GitHubTracker) wait(ctx context.Context) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("github rate limiter: %w", err)
	}
	return nil
}

func mapError(id string, resp *github.Response, err error) error {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("issue %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("github issue %s: %w", id, err)
}

// GetItem fetches an issue
func (g *GitHubTracker) GetItem(ctx context.Context, id string) (*Item, error) {
	n, err := issueNumber(id)
	if err != nil {
		return nil, err
	}
	if err := g.wait(ctx); err != nil {
		return nil, err
	}

	issue, resp, err := g.client.Issues.Get(ctx, g.owner, g.repo, n)
	if err != nil {
		return nil, mapError(id, resp, err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &Item{
		ID:      strconv.Itoa(issue.GetNumber()),
		Title:   issue.GetTitle(),
		Body:    issue.GetBody(),
		Labels:  labels,
		Closed:  issue.GetState() == "closed",
		Version: LabelsVersion(labels),
	}, nil
}

// ReplaceLabels re-reads the issue, checks its label fingerprint against
// expectedVersion and replaces the whole label set in one call.
// GitHub has no conditional label update, so a change landing between the
// re-read and the write is detected by the caller's next read instead.
func (g *GitHubTracker) ReplaceLabels(ctx context.Context, id, expectedVersion string, labels []string) (*Item, error) {
	current, err := g.GetItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	n, _ := issueNumber(id)
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	updated, resp, err := g.client.Issues.ReplaceLabelsForIssue(ctx, g.owner, g.repo, n, labels)
	if err != nil {
		return nil, mapError(id, resp, err)
	}

	names := make([]string, 0, len(updated))
	for _, l := range updated {
		names = append(names, l.GetName())
	}
	current.Labels = names
	current.Version = LabelsVersion(names)
	return current, nil
}

// AddComment posts a comment on the issue
func (g *GitHubTracker) AddComment(ctx context.Context, id, body string) error {
	n, err := issueNumber(id)
	if err != nil {
		return err
	}
	if err := g.wait(ctx); err != nil {
		return err
	}
	_, resp, err := g.client.Issues.CreateComment(ctx, g.owner, g.repo, n, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return mapError(id, resp, err)
	}
	return nil
}

// ListComments returns every comment on the issue, following pagination
func (g *GitHubTracker) ListComments(ctx context.Context, id string) ([]Comment, error) {
	n, err := issueNumber(id)
	if err != nil {
		return nil, err
	}

	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}
	var out []Comment
	for {
		if err := g.wait(ctx); err != nil {
			return nil, err
		}
		page, resp, err := g.client.Issues.ListComments(ctx, g.owner, g.repo, n, opts)
		if err != nil {
			return nil, mapError(id, resp, err)
		}
		for _, c := range page {
			out = append(out, Comment{
				ID:        strconv.FormatInt(c.GetID(), 10),
				Body:      c.GetBody(),
				CreatedAt: c.GetCreatedAt().Time,
			})
		}
		if resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// EnsureLabels creates every missing label
func (g *GitHubTracker) EnsureLabels(ctx context.Context, specs []LabelSpec) error {
	existing := make(map[string]bool)
	opts := &github.ListOptions{PerPage: 100}
	for {
		if err := g.wait(ctx); err != nil {
			return err
		}
		page, resp, err := g.client.Issues.ListLabels(ctx, g.owner, g.repo, opts)
		if err != nil {
			return fmt.Errorf("listing labels: %w", err)
		}
		for _, l := range page {
			existing[l.GetName()] = true
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	for _, spec := range specs {
		if existing[spec.Name] {
			continue
		}
		if err := g.wait(ctx); err != nil {
			return err
		}
		label := &github.Label{
			Name:        github.String(spec.Name),
			Color:       github.String(spec.Color),
			Description: github.String(spec.Description),
		}
		if _, _, err := g.client.Issues.CreateLabel(ctx, g.owner, g.repo, label); err != nil {
			return fmt.Errorf("creating label %s: %w", spec.Name, err)
		}
	}
	return nil
}

// LabelsVersion fingerprints a label set independent of order
func LabelsVersion(labels []string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:8])
}
