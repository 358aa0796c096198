package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/zulandar/stageline/internal/pipeline"
	"golang.org/x/oauth2"
)

// issuesAPI is the subset of the GitHub issues service used to file tickets.
type issuesAPI interface {
	Create(ctx context.Context, owner, repo string, issue *github.IssueRequest) (*github.Issue, *github.Response, error)
}

// Ticket is one parsed ticket from a tickets document.
type Ticket struct {
	Title string
	Body  string
}

// GitHubIssues executes create_github_issues jobs by filing one issue per
// ticket in the project's latest tickets document.
type GitHubIssues struct {
	issues issuesAPI
	owner  string
	repo   string
	labels []string
}

// NewGitHubIssues creates a GitHub issue executor authenticated with token.
func NewGitHubIssues(ctx context.Context, token, owner, repo string) (*GitHubIssues, error) {
	if token == "" || owner == "" || repo == "" {
		return nil, fmt.Errorf("executor: github token, owner and repo are required")
	}
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	client := github.NewClient(httpClient)
	return &GitHubIssues{issues: client.Issues, owner: owner, repo: repo, labels: []string{"stageline"}}, nil
}

// Execute files the tickets as issues. Input keys "owner" and "repo"
// override the configured repository.
func (g *GitHubIssues) Execute(ctx context.Context, req Request) (*Result, error) {
	doc, ok := LatestDocument(req.Documents, pipeline.DocTickets)
	if !ok {
		return nil, fmt.Errorf("executor: project has no tickets document")
	}
	tickets := ParseTickets(doc.Content)
	if len(tickets) == 0 {
		return nil, fmt.Errorf("executor: tickets document contains no tickets")
	}

	owner, repo := g.owner, g.repo
	if v, ok := req.Job.Input["owner"].(string); ok && v != "" {
		owner = v
	}
	if v, ok := req.Job.Input["repo"].(string); ok && v != "" {
		repo = v
	}

	var created []any
	for _, t := range tickets {
		labels := g.labels
		issue, _, err := g.issues.Create(ctx, owner, repo, &github.IssueRequest{
			Title:  github.Ptr(t.Title),
			Body:   github.Ptr(t.Body),
			Labels: &labels,
		})
		if err != nil {
			var rl *github.RateLimitError
			var abuse *github.AbuseRateLimitError
			if errors.As(err, &rl) || errors.As(err, &abuse) {
				return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
			}
			return nil, fmt.Errorf("executor: create issue %q: %w", t.Title, err)
		}
		created = append(created, map[string]any{
			"number": issue.GetNumber(),
			"url":    issue.GetHTMLURL(),
			"title":  issue.GetTitle(),
		})
	}
	return &Result{Output: map[string]any{KeyIssues: created}}, nil
}

// ParseTickets splits a tickets document into tickets. Each ticket starts
// with a "## " heading; text before the first heading is ignored.
func ParseTickets(content string) []Ticket {
	var (
		out  []Ticket
		cur  *Ticket
		body []string
	)
	flush := func() {
		if cur != nil {
			cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
			out = append(out, *cur)
		}
		body = nil
	}
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = &Ticket{Title: strings.TrimSpace(strings.TrimPrefix(line, "## "))}
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()
	return out
}
