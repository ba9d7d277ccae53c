package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacklau/dispatch/internal/classify"
	"github.com/jacklau/dispatch/internal/github"
	"github.com/jacklau/dispatch/internal/notify"
	"github.com/jacklau/dispatch/internal/rules"
)

var checkCmd = &cobra.Command{
	Use:   "check <owner/repo#number>",
	Short: "Dry-run the pipeline against a single issue",
	Long: `Check fetches one issue and reports what routing would do with it:
the classification, duplicate verdict, priority score, and budget
admission decision. Nothing is written to GitHub or the ledger.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	owner, repo, number, err := parseIssueRef(args[0])
	if err != nil {
		return err
	}

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

	ctx := context.Background()

	ghIssue, _, err := c.GHClient.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("fetching issue #%d: %w", number, err)
	}
	iss := github.ConvertIssue(ghIssue, owner+"/"+repo)

	fmt.Printf("Issue:  %s\n", iss.Key())
	fmt.Printf("Title:  %s\n", iss.Title)
	fmt.Printf("Author: %s\n", iss.Author)
	if len(iss.Labels) > 0 {
		fmt.Printf("Labels: %s\n", strings.Join(iss.Labels, ", "))
	}
	fmt.Println()

	// Budget admission, sized like a real classification call.
	estIn := classify.EstimateTokens(iss.Title + "\n" + iss.Body)
	adm := c.Meter.CheckLimits(estIn, c.Meter.EstimatedOutputTokens())
	fmt.Println("Admission:")
	if adm.Allowed {
		fmt.Println("  Allowed")
	} else {
		fmt.Printf("  Refused: %s\n", adm.Reason)
	}
	for _, w := range adm.Warnings {
		fmt.Printf("  Warning: %s\n", w)
	}
	fmt.Println()

	// Priority analysis; check never queues.
	score := c.Priorities.AnalyzePriority(iss, &adm.Snapshot)
	fmt.Println("Priority:")
	fmt.Printf("  Overall:  %.2f (%s)\n", score.Overall, score.Category)
	fmt.Printf("  Decision: %s\n", score.Decision)
	if len(score.Signals) > 0 {
		fmt.Printf("  Signals:  %s\n", strings.Join(score.Signals, ", "))
	}
	fmt.Println()

	// Duplicate verdict from the local ledger.
	dup := c.Dedup.CheckDuplicate(iss)
	fmt.Println("Duplicate:")
	if dup.IsDuplicate {
		fmt.Printf("  %s (matched %s)\n", dup.Reason, dup.MatchedKey)
	} else {
		fmt.Println("  No duplicate found")
	}
	fmt.Println()

	// Classification: the rule result when one fires, otherwise the
	// full LLM pass. The spent calls are still billed.
	cls := rules.Match(iss, cfg.Routing.Rules)
	if cls == nil {
		var u classify.Usage
		cls, u = c.Classifier.Classify(ctx, iss, cfg.Routing.Destinations, cfg.Routing.OrgContext)
		if u.Calls > 0 {
			c.Meter.RecordUsage(u.Calls, u.InputTokens, u.OutputTokens)
		}
	}

	fmt.Println("Classification:")
	fmt.Printf("  Destination: %s\n", cls.Repository)
	fmt.Printf("  Labels:      %s\n", strings.Join(cls.Labels, ", "))
	fmt.Printf("  Priority:    %s\n", cls.Priority)
	fmt.Printf("  Confidence:  %s\n", notify.FormatConfidence(cls.Confidence))
	if cls.Reasoning != "" {
		fmt.Printf("  Reasoning:   %s\n", cls.Reasoning)
	}

	return nil
}
