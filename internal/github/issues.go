package github

import (
	"context"
	"fmt"
	"strings"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/retry"
)

// Destinations performs issue operations against destination
// repositories. Transient API failures are retried with backoff; the
// router treats any remaining error as a failed destination operation.
type Destinations struct {
	client *gogithub.Client
}

// NewDestinations wraps a GitHub client for destination operations.
func NewDestinations(client *gogithub.Client) *Destinations {
	return &Destinations{client: client}
}

// splitRepo splits an "owner/repo" destination string.
func splitRepo(destination string) (owner, repo string, err error) {
	parts := strings.SplitN(destination, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid destination %q: want owner/repo", destination)
	}
	return parts[0], parts[1], nil
}

// CreateIssue opens a new issue at the destination repository.
func (d *Destinations) CreateIssue(ctx context.Context, destination, title, body string, labels, assignees []string) (issue.GitHubOutcome, error) {
	owner, repo, err := splitRepo(destination)
	if err != nil {
		return issue.GitHubOutcome{}, err
	}

	req := &gogithub.IssueRequest{
		Title: gogithub.String(title),
		Body:  gogithub.String(body),
	}
	if len(labels) > 0 {
		req.Labels = &labels
	}
	if len(assignees) > 0 {
		req.Assignees = &assignees
	}

	var created *gogithub.Issue
	err = retry.Do(ctx, retry.DefaultMaxAttempts, func() error {
		var resp *gogithub.Response
		var callErr error
		created, resp, callErr = d.client.Issues.Create(ctx, owner, repo, req)
		return retryableError(resp, callErr)
	})
	if err != nil {
		return issue.GitHubOutcome{}, fmt.Errorf("creating issue in %s: %w", destination, err)
	}

	return issue.GitHubOutcome{
		Created: true,
		Number:  created.GetNumber(),
		URL:     created.GetHTMLURL(),
		NodeID:  created.GetNodeID(),
	}, nil
}

// UpdateIssue annotates an existing destination issue with a comment
// and merges in any new labels.
func (d *Destinations) UpdateIssue(ctx context.Context, destination string, number int, commentBody string, mergedLabels []string) (issue.GitHubOutcome, error) {
	owner, repo, err := splitRepo(destination)
	if err != nil {
		return issue.GitHubOutcome{}, err
	}

	var updated *gogithub.Issue
	err = retry.Do(ctx, retry.DefaultMaxAttempts, func() error {
		var resp *gogithub.Response
		var callErr error
		_, resp, callErr = d.client.Issues.CreateComment(ctx, owner, repo, number, &gogithub.IssueComment{
			Body: gogithub.String(commentBody),
		})
		if err := retryableError(resp, callErr); err != nil {
			return err
		}

		if len(mergedLabels) > 0 {
			updated, resp, callErr = d.client.Issues.Edit(ctx, owner, repo, number, &gogithub.IssueRequest{
				Labels: &mergedLabels,
			})
			return retryableError(resp, callErr)
		}

		updated, resp, callErr = d.client.Issues.Get(ctx, owner, repo, number)
		return retryableError(resp, callErr)
	})
	if err != nil {
		return issue.GitHubOutcome{}, fmt.Errorf("updating issue %s#%d: %w", destination, number, err)
	}

	return issue.GitHubOutcome{
		Updated: true,
		Number:  number,
		URL:     updated.GetHTMLURL(),
		NodeID:  updated.GetNodeID(),
	}, nil
}

// SearchDuplicates looks for open issues at the destination matching a
// text query, returning the best match if any.
func (d *Destinations) SearchDuplicates(ctx context.Context, destination, query string) (*issue.Issue, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}

	q := fmt.Sprintf("repo:%s is:issue is:open %s", destination, query)
	var result *gogithub.IssuesSearchResult
	err := retry.Do(ctx, retry.DefaultMaxAttempts, func() error {
		var resp *gogithub.Response
		var callErr error
		result, resp, callErr = d.client.Search.Issues(ctx, q, &gogithub.SearchOptions{
			ListOptions: gogithub.ListOptions{PerPage: 1},
		})
		return retryableError(resp, callErr)
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s for duplicates: %w", destination, err)
	}

	if len(result.Issues) == 0 {
		return nil, nil
	}
	found := ConvertIssue(result.Issues[0], destination)
	return &found, nil
}

// ListLabels returns the label names defined at the destination.
func (d *Destinations) ListLabels(ctx context.Context, destination string) ([]string, error) {
	owner, repo, err := splitRepo(destination)
	if err != nil {
		return nil, err
	}

	var names []string
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		var labels []*gogithub.Label
		var resp *gogithub.Response
		err := retry.Do(ctx, retry.DefaultMaxAttempts, func() error {
			var callErr error
			labels, resp, callErr = d.client.Issues.ListLabels(ctx, owner, repo, opts)
			return retryableError(resp, callErr)
		})
		if err != nil {
			return nil, fmt.Errorf("listing labels for %s: %w", destination, err)
		}

		for _, l := range labels {
			names = append(names, l.GetName())
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return names, nil
}

// CloseAndLink closes a source issue with a comment pointing at the
// destination issue that now owns the work.
func (d *Destinations) CloseAndLink(ctx context.Context, sourceRepo string, sourceNumber int, targetURL string) error {
	owner, repo, err := splitRepo(sourceRepo)
	if err != nil {
		return err
	}

	comment := fmt.Sprintf("Routed to %s. Further discussion should happen there.", targetURL)
	err = retry.Do(ctx, retry.DefaultMaxAttempts, func() error {
		_, resp, callErr := d.client.Issues.CreateComment(ctx, owner, repo, sourceNumber, &gogithub.IssueComment{
			Body: gogithub.String(comment),
		})
		if err := retryableError(resp, callErr); err != nil {
			return err
		}

		_, resp, callErr = d.client.Issues.Edit(ctx, owner, repo, sourceNumber, &gogithub.IssueRequest{
			State:       gogithub.String("closed"),
			StateReason: gogithub.String("completed"),
		})
		return retryableError(resp, callErr)
	})
	if err != nil {
		return fmt.Errorf("closing %s#%d: %w", sourceRepo, sourceNumber, err)
	}
	return nil
}

// retryableError filters a go-github call outcome for retry.Do: 4xx
// client errors other than rate limits will not improve on retry, so
// they abort the remaining attempts.
func retryableError(resp *gogithub.Response, err error) error {
	if err == nil {
		return nil
	}
	if resp != nil && resp.Response != nil {
		code := resp.StatusCode
		if code >= 400 && code < 500 && !IsRateLimitError(resp.Response) {
			return retry.Permanent(err)
		}
	}
	return err
}
