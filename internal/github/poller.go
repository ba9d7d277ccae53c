package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/pubsub"
	"github.com/jacklau/dispatch/internal/store"
)

// watermarkBuffer is subtracted from the latest issue UpdatedAt to guard
// against clock skew and missed updates at page boundaries.
const watermarkBuffer = 2 * time.Minute

// Poller watches a source repository for new and edited issues and
// publishes them as routing events. Duplicate suppression is not its
// job; the router's ledger check makes redundant events harmless.
type Poller struct {
	client *gogithub.Client
	store  *store.DB
	broker *pubsub.Broker[issue.Event]
	owner  string
	repo   string
	logger *slog.Logger
}

// NewPoller creates a new issue Poller for a specific repository.
func NewPoller(client *gogithub.Client, st *store.DB, broker *pubsub.Broker[issue.Event], logger *slog.Logger, owner, repo string) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		client: client,
		store:  st,
		broker: broker,
		owner:  owner,
		repo:   repo,
		logger: logger.With("component", "poller", "repo", owner+"/"+repo),
	}
}

// Run starts the continuous poll loop, polling at the given interval until
// the context is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) error {
	p.logger.Info("starting poll loop", "interval", interval)

	// Do an immediate poll
	if err := p.Poll(ctx); err != nil {
		p.logger.Error("initial poll failed", "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				// Transient errors are expected; keep polling.
				p.logger.Error("poll failed", "error", err)
			}
		}
	}
}

// Poll performs a single poll cycle: fetch issues updated since the
// watermark, publish events, and advance the watermark.
func (p *Poller) Poll(ctx context.Context) error {
	repoRecord, err := p.ensureRepo()
	if err != nil {
		return fmt.Errorf("ensuring repo record: %w", err)
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:     "open",
		Sort:      "updated",
		Direction: "asc",
		ListOptions: gogithub.ListOptions{
			PerPage: 100,
		},
	}

	var since time.Time
	if repoRecord.LastPolledAt != nil {
		since = *repoRecord.LastPolledAt
		opts.Since = since
	}

	var latestUpdatedAt time.Time
	var newETag string
	published := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		issues, resp, err := p.fetchIssuesWithRetry(ctx, opts, repoRecord.ETag)
		if err != nil {
			return fmt.Errorf("fetching issues: %w", err)
		}

		// 304 Not Modified: nothing new.
		if resp != nil && resp.StatusCode == http.StatusNotModified {
			p.logger.Debug("no changes (304 Not Modified)")
			return nil
		}

		// Capture ETag from first page response.
		if resp != nil && opts.ListOptions.Page <= 1 {
			newETag = resp.Header.Get("ETag")
		}

		// Check rate limits and throttle if needed.
		if resp != nil {
			rl := ParseRateLimit(resp.Response)
			if rl != nil && rl.ShouldThrottle() {
				wait := rl.WaitDuration()
				if wait > 0 {
					p.logger.Warn("rate limit low, throttling", "remaining", rl.Remaining, "wait", wait)
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(wait):
					}
				}
			}
		}

		for _, ghIssue := range issues {
			// Skip pull requests (GitHub API returns PRs as issues).
			if ghIssue.PullRequestLinks != nil {
				continue
			}

			iss := ConvertIssue(ghIssue, p.owner+"/"+p.repo)

			change := "edited"
			if since.IsZero() || iss.CreatedAt.After(since) {
				change = "new"
			}

			p.broker.Publish(pubsub.Created, issue.Event{
				SourceRepo: p.owner + "/" + p.repo,
				Issue:      iss,
				Change:     change,
			})
			published++

			if ghIssue.UpdatedAt != nil && ghIssue.UpdatedAt.Time.After(latestUpdatedAt) {
				latestUpdatedAt = ghIssue.UpdatedAt.Time
			}
		}

		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}

	// Advance watermark: latest UpdatedAt minus buffer.
	if !latestUpdatedAt.IsZero() {
		watermark := latestUpdatedAt.Add(-watermarkBuffer)
		if err := p.store.UpdatePollState(repoRecord.ID, watermark, newETag); err != nil {
			return fmt.Errorf("updating poll state: %w", err)
		}
	} else if newETag != "" {
		// No issues but got a new ETag, still save it.
		polledAt := time.Now().UTC()
		if repoRecord.LastPolledAt != nil {
			polledAt = *repoRecord.LastPolledAt
		}
		if err := p.store.UpdatePollState(repoRecord.ID, polledAt, newETag); err != nil {
			return fmt.Errorf("updating poll state: %w", err)
		}
	}

	p.logger.Info("poll complete", "published", published)
	return nil
}

// fetchIssuesWithRetry wraps the GitHub API call with retry logic for server
// errors and rate limit handling.
func (p *Poller) fetchIssuesWithRetry(ctx context.Context, opts *gogithub.IssueListByRepoOptions, etag string) ([]*gogithub.Issue, *gogithub.Response, error) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := BackoffDuration(attempt - 1)
			p.logger.Info("retrying fetch", "attempt", attempt, "max", maxRetries, "wait", wait)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		issues, resp, err := p.listIssuesWithETag(ctx, opts, etag)

		// Handle 304 Not Modified.
		if resp != nil && resp.StatusCode == http.StatusNotModified {
			return nil, resp, nil
		}

		// Handle rate limit errors.
		if resp != nil && IsRateLimitError(resp.Response) {
			wait, _ := HandleRateLimitError(resp.Response)
			p.logger.Warn("rate limited", "wait", wait)
			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		// Handle server errors with retry.
		if resp != nil && IsServerError(resp.Response) {
			if attempt < maxRetries {
				continue
			}
			return nil, resp, fmt.Errorf("server error after %d retries: %d", maxRetries, resp.StatusCode)
		}

		if err != nil {
			return nil, resp, err
		}

		return issues, resp, nil
	}

	return nil, nil, fmt.Errorf("exhausted retries")
}

// listIssuesWithETag calls the GitHub issues endpoint with an optional
// If-None-Match header for conditional requests.
func (p *Poller) listIssuesWithETag(ctx context.Context, opts *gogithub.IssueListByRepoOptions, etag string) ([]*gogithub.Issue, *gogithub.Response, error) {
	// Only send ETag on the first page request.
	if etag != "" && opts.ListOptions.Page <= 1 {
		// go-github doesn't expose conditional requests directly, so
		// build the request by hand.
		u := fmt.Sprintf("repos/%s/%s/issues", p.owner, p.repo)
		req, err := p.client.NewRequest("GET", u, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("If-None-Match", etag)

		q := req.URL.Query()
		q.Set("state", opts.State)
		q.Set("sort", opts.Sort)
		q.Set("direction", opts.Direction)
		q.Set("per_page", fmt.Sprintf("%d", opts.PerPage))
		if !opts.Since.IsZero() {
			q.Set("since", opts.Since.Format(time.RFC3339))
		}
		if opts.ListOptions.Page > 0 {
			q.Set("page", fmt.Sprintf("%d", opts.ListOptions.Page))
		}
		req.URL.RawQuery = q.Encode()

		var issues []*gogithub.Issue
		resp, err := p.client.Do(ctx, req, &issues)
		if err != nil {
			// go-github returns an error for non-2xx but we handle 304 ourselves.
			if resp != nil && resp.StatusCode == http.StatusNotModified {
				return nil, resp, nil
			}
			return nil, resp, err
		}
		return issues, resp, nil
	}

	issues, resp, err := p.client.Issues.ListByRepo(ctx, p.owner, p.repo, opts)
	return issues, resp, err
}

// ensureRepo gets or creates the repo record in the store.
func (p *Poller) ensureRepo() (*store.Repo, error) {
	repo, err := p.store.GetRepoByOwnerRepo(p.owner, p.repo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return p.store.CreateRepo(p.owner, p.repo)
		}
		return nil, err
	}
	return repo, nil
}
