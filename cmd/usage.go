package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jacklau/dispatch/internal/config"
	usagepkg "github.com/jacklau/dispatch/internal/usage"
)

var usageHistory int

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show API budget consumption",
	Long: `Display the current daily and monthly API usage against the
configured limits, and optionally archived periods.`,
	Args: cobra.NoArgs,
	RunE: runUsage,
}

func init() {
	usageCmd.Flags().IntVar(&usageHistory, "history", 0, "also show the N most recent archived periods")
	rootCmd.AddCommand(usageCmd)
}

func runUsage(cmd *cobra.Command, args []string) error {
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

	snap := c.Meter.CurrentSnapshot()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PERIOD\tCALLS\tTOKENS\tCOST\tWORST")
	printPeriod(w, "daily "+snap.Daily.PeriodID, snap.Daily, cfg.Usage.Daily)
	printPeriod(w, "monthly "+snap.Monthly.PeriodID, snap.Monthly, cfg.Usage.Monthly)
	w.Flush()

	if usageHistory > 0 {
		for _, kind := range []string{"daily", "monthly"} {
			history, err := c.Meter.History(kind, usageHistory)
			if err != nil {
				return fmt.Errorf("loading %s history: %w", kind, err)
			}
			if len(history) == 0 {
				continue
			}
			fmt.Printf("\nArchived %s periods:\n", kind)
			hw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(hw, "PERIOD\tCALLS\tTOKENS\tCOST")
			for _, p := range history {
				fmt.Fprintf(hw, "%s\t%d\t%d\t$%.4f\n",
					p.PeriodID, p.Calls, p.InputTokens+p.OutputTokens, p.Cost)
			}
			hw.Flush()
		}
	}

	return nil
}

// printPeriod renders one live period row with its limit fractions.
func printPeriod(w *tabwriter.Writer, name string, p usagepkg.PeriodSnapshot, limits config.UsageLimits) {
	calls := fmt.Sprintf("%d", p.Calls)
	if limits.Calls > 0 {
		calls = fmt.Sprintf("%d/%d", p.Calls, limits.Calls)
	}
	tokens := fmt.Sprintf("%d", p.InputTokens+p.OutputTokens)
	if limits.Tokens > 0 {
		tokens = fmt.Sprintf("%d/%d", p.InputTokens+p.OutputTokens, limits.Tokens)
	}
	cost := fmt.Sprintf("$%.4f", p.Cost)
	if limits.CostUSD > 0 {
		cost = fmt.Sprintf("$%.4f/$%.2f", p.Cost, limits.CostUSD)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.0f%%\n", name, calls, tokens, cost, p.Worst()*100)
}
