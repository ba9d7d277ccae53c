package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var queueProcessDeferred bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show batch and deferral queue sizes",
	Long: `Display the in-memory batch and deferral queues of this process.

With --process-deferred, deferred issues the current budget can absorb
are released and routed immediately.`,
	Args: cobra.NoArgs,
	RunE: runQueue,
}

func init() {
	queueCmd.Flags().BoolVar(&queueProcessDeferred, "process-deferred", false, "release and route deferred issues budget allows")
	rootCmd.AddCommand(queueCmd)
}

func runQueue(cmd *cobra.Command, args []string) error {
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

	batch, deferred := c.Priorities.QueueSizes()

	total := 0
	for cat, n := range batch {
		fmt.Printf("Batch (%s): %d\n", cat, n)
		total += n
	}
	if total == 0 {
		fmt.Println("Batch queues: empty")
	}
	fmt.Printf("Deferred: %d\n", deferred)

	if !queueProcessDeferred {
		return nil
	}

	if c.GHClient == nil {
		return fmt.Errorf("GitHub client not configured (set github.auth in config)")
	}

	snap := c.Meter.CurrentSnapshot()
	released := c.Priorities.ProcessDeferredQueue(&snap)
	if len(released) == 0 {
		fmt.Println("\nNo deferred issues released (budget still constrained or queue empty).")
		return nil
	}

	fmt.Printf("\nReleasing %d deferred issue(s):\n", len(released))
	ctx := context.Background()
	for _, cand := range released {
		res := c.Router.Route(ctx, cand.Issue)
		printRoutingResult(os.Stdout, res)
	}

	return nil
}
