package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacklau/dispatch/internal/github"
	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/notify"
)

var (
	watchInterval string
	watchNotify   string
	watchWorkers  int
	watchDryRun   bool
)

const defaultWatchWorkers = 3

var watchCmd = &cobra.Command{
	Use:   "watch <owner/repo> [owner/repo ...]",
	Short: "Continuously poll source repositories and route new issues",
	Long: `Watch polls the given source repositories for new and edited issues
and routes each one through the pipeline. Queued issues are released
periodically as budget allows.

Multiple repos can be watched at once:
  dispatch watch org/inbox org/support-inbox`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchInterval, "interval", "", "poll interval (e.g. 5m, 30s); defaults to config")
	watchCmd.Flags().StringVar(&watchNotify, "notify", "", "notification target: slack, discord, both, or none")
	watchCmd.Flags().IntVar(&watchWorkers, "workers", defaultWatchWorkers, "number of concurrent routing workers")
	watchCmd.Flags().BoolVar(&watchDryRun, "dry-run", false, "process issues but skip notifications")
	rootCmd.AddCommand(watchCmd)
}

// resolveWatchRepos validates the repo arguments.
func resolveWatchRepos(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no source repos specified")
	}
	for _, arg := range args {
		if _, _, err := parseRepoArg(arg); err != nil {
			return nil, err
		}
	}
	return args, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	repos, err := resolveWatchRepos(args)
	if err != nil {
		return err
	}

	c, err := initComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing components: %w", err)
	}
	defer c.Store.Close()

	if c.GHClient == nil {
		return fmt.Errorf("GitHub client not configured (set github.auth in config)")
	}

	interval, err := cfg.Defaults.PollInterval()
	if err != nil {
		return fmt.Errorf("invalid poll_interval: %w", err)
	}
	if watchInterval != "" {
		interval, err = time.ParseDuration(watchInterval)
		if err != nil {
			return fmt.Errorf("invalid interval %q: %w", watchInterval, err)
		}
	}

	n, err := createNotifier(cfg, watchNotify)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}
	if watchDryRun {
		n = nil
		logger.Info("dry-run mode enabled, notifications disabled")
	}

	var pollers []*github.Poller
	for _, repoArg := range repos {
		owner, repo, _ := parseRepoArg(repoArg) // already validated
		pollers = append(pollers, createPoller(c, owner, repo))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	for _, repoArg := range repos {
		logger.Info("starting watch", "repo", repoArg, "interval", interval.String())
	}

	// Routing workers consume poller events from the broker.
	events := c.Broker.Subscribe(ctx)
	workers := watchWorkers
	if workers <= 0 {
		workers = defaultWatchWorkers
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				routeAndNotify(ctx, c, n, ev.Payload.Issue, logger)
			}
		}()
	}

	// Queue release loop: every batch window, drain due batch
	// candidates, retry deferred ones against the current budget, and
	// prune the duplicate ledger.
	batchWindow, err := cfg.Priority.BatchWindow()
	if err != nil {
		batchWindow = 30 * time.Minute
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(batchWindow)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				releaseQueues(ctx, c, n, logger)
				pruneLedger(c, logger)
			}
		}
	}()

	// Pollers publish into the broker until the context ends.
	pollerErr := make(chan error, len(pollers))
	for _, poller := range pollers {
		poller := poller
		go func() {
			pollerErr <- poller.Run(ctx, interval)
		}()
	}

	err = <-pollerErr
	cancel()
	wg.Wait()

	if err != nil && err != context.Canceled {
		return fmt.Errorf("poller error: %w", err)
	}

	logger.Info("watch stopped")
	return nil
}

// routeAndNotify routes one issue and sends the outcome to the
// configured channels.
func routeAndNotify(ctx context.Context, c *components, n notify.Notifier, iss issue.Issue, logger *slog.Logger) {
	res := c.Router.Route(ctx, iss)

	switch {
	case res.Error != "":
		logger.Warn("routing failed", "issue", iss.Key(), "error", res.Error)
	case res.GitHub.Created:
		logger.Info("issue filed", "issue", iss.Key(), "destination", res.GitHub.URL)
	case res.GitHub.Updated:
		logger.Info("issue merged into existing", "issue", iss.Key(), "destination", res.GitHub.URL)
	default:
		logger.Info("issue handled", "issue", iss.Key(), "decision", res.Decision)
	}

	if n == nil {
		return
	}
	if err := n.Notify(ctx, res); err != nil {
		logger.Warn("notification failed", "issue", iss.Key(), "error", err)
	}
}

// pruneLedger garbage-collects the duplicate ledger on the release
// tick, keeping long-running watch sessions within the lookback window
// and entry cap.
func pruneLedger(c *components, logger *slog.Logger) {
	if _, err := c.Dedup.Cleanup(); err != nil {
		logger.Warn("duplicate ledger cleanup failed", "error", err)
	}
}

// releaseQueues routes due batch candidates and any deferred issues
// the current budget can absorb.
func releaseQueues(ctx context.Context, c *components, n notify.Notifier, logger *slog.Logger) {
	batch := c.Priorities.GetNextBatch()
	if len(batch) > 0 {
		logger.Info("releasing batch queue", "count", len(batch))
	}
	for _, cand := range batch {
		routeAndNotify(ctx, c, n, cand.Issue, logger)
	}

	snap := c.Meter.CurrentSnapshot()
	released := c.Priorities.ProcessDeferredQueue(&snap)
	if len(released) > 0 {
		logger.Info("releasing deferred queue", "count", len(released))
	}
	for _, cand := range released {
		routeAndNotify(ctx, c, n, cand.Issue, logger)
	}
}
