package cmd

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/jacklau/dispatch/internal/github"
	"github.com/jacklau/dispatch/internal/issue"

	gogithub "github.com/google/go-github/v60/github"
)

var (
	scanNotify  string
	scanWorkers int
)

const defaultScanWorkers = 5

var scanCmd = &cobra.Command{
	Use:   "scan <owner/repo>",
	Short: "Route all open issues in a repository",
	Long: `Scan fetches every open issue from a source repository and routes
each one through the pipeline with a pool of concurrent workers.`,
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanNotify, "notify", "", "notification target: slack, discord, both, or none")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", defaultScanWorkers, "number of concurrent routing workers")
	rootCmd.AddCommand(scanCmd)
}

// scanTally accumulates per-outcome counts across workers.
type scanTally struct {
	created atomic.Int64
	updated atomic.Int64
	skipped atomic.Int64
	queued  atomic.Int64
	blocked atomic.Int64
	failed  atomic.Int64
}

func (t *scanTally) record(res issue.RoutingResult) {
	switch {
	case res.Error != "":
		t.failed.Add(1)
	case res.GitHub.Created:
		t.created.Add(1)
	case res.GitHub.Updated:
		t.updated.Add(1)
	case res.Decision == issue.DecisionBatch, res.Decision == issue.DecisionDeferred:
		t.queued.Add(1)
	case res.Decision == issue.DecisionBlocked:
		t.blocked.Add(1)
	default:
		t.skipped.Add(1)
	}
}

func runScan(cmd *cobra.Command, args []string) error {
	owner, repo, err := parseRepoArg(args[0])
	if err != nil {
		return err
	}
	repoArg := owner + "/" + repo

	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	c, err := initComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Store.Close()

	if c.GHClient == nil {
		return fmt.Errorf("GitHub client not configured (set github.auth in config)")
	}

	n, err := createNotifier(cfg, scanNotify)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}

	ctx := context.Background()

	logger.Info("fetching open issues", "repo", repoArg)

	var allIssues []issue.Issue
	opts := &gogithub.IssueListByRepoOptions{
		State:     "open",
		Sort:      "created",
		Direction: "asc",
		ListOptions: gogithub.ListOptions{
			PerPage: 100,
		},
	}

	for {
		issues, resp, err := c.GHClient.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return fmt.Errorf("fetching issues: %w", err)
		}

		for _, ghIssue := range issues {
			// The issues endpoint returns PRs too; skip them.
			if ghIssue.PullRequestLinks != nil {
				continue
			}
			allIssues = append(allIssues, github.ConvertIssue(ghIssue, repoArg))
		}

		if resp.NextPage == 0 {
			break
		}
		opts.ListOptions.Page = resp.NextPage
	}

	total := len(allIssues)
	logger.Info("scan starting", "repo", repoArg, "issues", total)

	if total == 0 {
		fmt.Println("No open issues found.")
		return nil
	}

	workers := scanWorkers
	if workers <= 0 {
		workers = defaultScanWorkers
	}

	var tally scanTally
	bar := newProgressBar(total, "Routing", os.Stderr)
	var barMu sync.Mutex

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, iss := range allIssues {
		wg.Add(1)
		sem <- struct{}{}
		go func(iss issue.Issue) {
			defer wg.Done()
			defer func() { <-sem }()

			res := c.Router.Route(ctx, iss)
			tally.record(res)

			barMu.Lock()
			bar.Add(1)
			barMu.Unlock()

			if res.Error != "" {
				logger.Warn("routing failed", "issue", iss.Key(), "error", res.Error)
			}

			// Notify on outcomes a human would act on.
			if n != nil && (res.GitHub.Created || res.GitHub.Updated || res.Error != "") {
				if err := n.Notify(ctx, res); err != nil {
					logger.Warn("notification failed", "issue", iss.Key(), "error", err)
				}
			}
		}(iss)
	}
	wg.Wait()
	bar.Finish()

	fmt.Printf("\nScan complete for %s\n", repoArg)
	fmt.Printf("  Issues scanned: %d\n", total)
	fmt.Printf("  Filed:          %d\n", tally.created.Load())
	fmt.Printf("  Merged:         %d\n", tally.updated.Load())
	fmt.Printf("  Skipped:        %d\n", tally.skipped.Load())
	fmt.Printf("  Queued:         %d\n", tally.queued.Load())
	fmt.Printf("  Blocked:        %d\n", tally.blocked.Load())
	fmt.Printf("  Failed:         %d\n", tally.failed.Load())

	return nil
}
