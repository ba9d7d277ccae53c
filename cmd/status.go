package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ledger and routing activity overview",
	Long: `Display the watched source repositories, the size of the duplicate
ledger, and the most recent routing decisions.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent routing entries to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
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

	// Watched source repos and their poll watermarks.
	repos, err := c.Store.ListRepos()
	if err != nil {
		return fmt.Errorf("listing repos: %w", err)
	}

	if len(repos) == 0 {
		fmt.Println("No source repositories tracked yet.")
		fmt.Println("Run 'dispatch watch <owner/repo>' or 'dispatch scan <owner/repo>' to get started.")
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tLAST POLLED")
		fmt.Fprintln(w, "------\t-----------")
		for _, r := range repos {
			lastPolled := "never"
			if r.LastPolledAt != nil {
				lastPolled = formatTimeAgo(*r.LastPolledAt)
			}
			fmt.Fprintf(w, "%s/%s\t%s\n", r.Owner, r.RepoName, lastPolled)
		}
		w.Flush()
	}

	count, err := c.Store.CountProcessed()
	if err != nil {
		return fmt.Errorf("counting processed issues: %w", err)
	}
	fmt.Printf("\nProcessed issues in ledger: %d\n", count)

	// Recent routing decisions.
	recent, err := c.Store.RecentRouting(statusLimit)
	if err != nil {
		return fmt.Errorf("querying routing log: %w", err)
	}

	if len(recent) > 0 {
		fmt.Println("\nRecent routing:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tISSUE\tACTION\tDESTINATION\tRESULT")
		for _, rl := range recent {
			result := "ok"
			if !rl.Success {
				result = "failed"
				if rl.Error != "" {
					result = "failed: " + rl.Error
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				formatTimeAgo(rl.CreatedAt), rl.IssueKey, rl.Action, rl.Destination, result)
		}
		w.Flush()
	}

	fmt.Println()
	dbSize, err := dbFileSize(cfg.Store.Path)
	if err != nil {
		fmt.Printf("Database: %s (size unknown)\n", cfg.Store.Path)
	} else {
		fmt.Printf("Database: %s (%s)\n", cfg.Store.Path, formatBytes(dbSize))
	}

	return nil
}

// formatTimeAgo formats a time as a human-readable relative string.
func formatTimeAgo(t time.Time) string {
	d := time.Since(t)

	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// formatBytes formats bytes into a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// dbFileSize returns the size in bytes of the database file.
func dbFileSize(path string) (int64, error) {
	// Expand ~ in path
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return 0, err
		}
		path = home + path[1:]
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
