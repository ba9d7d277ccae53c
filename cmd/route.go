package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jacklau/dispatch/internal/issue"
)

var (
	routeTitle  string
	routeBody   string
	routeAuthor string
	routeURL    string
	routeNotify string
)

var routeCmd = &cobra.Command{
	Use:   "route [file.json|file.md]",
	Short: "Route a single issue end-to-end",
	Long: `Route runs one issue through the full pipeline: rule matching,
classification, duplicate detection, destination filing, and board
placement.

The issue can come from a JSON file, a markdown file (first heading
becomes the title, the rest the body), or from --title/--body flags.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRoute,
}

func init() {
	routeCmd.Flags().StringVar(&routeTitle, "title", "", "issue title (alternative to a file argument)")
	routeCmd.Flags().StringVar(&routeBody, "body", "", "issue body")
	routeCmd.Flags().StringVar(&routeAuthor, "author", "", "reporting user")
	routeCmd.Flags().StringVar(&routeURL, "url", "", "source URL or permalink")
	routeCmd.Flags().StringVar(&routeNotify, "notify", "", "notification target: slack, discord, both, or none")
	rootCmd.AddCommand(routeCmd)
}

// issueFile is the JSON shape accepted by "dispatch route file.json".
type issueFile struct {
	Title           string            `json:"title"`
	Body            string            `json:"body"`
	Author          string            `json:"author"`
	URL             string            `json:"url"`
	Labels          []string          `json:"labels"`
	SourceRepo      string            `json:"source_repo"`
	Number          int               `json:"number"`
	ThreadPermalink string            `json:"thread_permalink"`
	CreatedAt       time.Time         `json:"created_at"`
	Metadata        map[string]string `json:"metadata"`
}

// readIssueFile loads an issue from a JSON or markdown file.
func readIssueFile(path string) (issue.Issue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return issue.Issue{}, fmt.Errorf("reading issue file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var f issueFile
		if err := json.Unmarshal(data, &f); err != nil {
			return issue.Issue{}, fmt.Errorf("parsing issue JSON: %w", err)
		}
		if f.Title == "" {
			return issue.Issue{}, fmt.Errorf("issue file %s has no title", path)
		}
		return issue.Issue{
			Number:          f.Number,
			Title:           f.Title,
			Body:            f.Body,
			URL:             f.URL,
			Author:          f.Author,
			Labels:          f.Labels,
			CreatedAt:       f.CreatedAt,
			ThreadPermalink: f.ThreadPermalink,
			SourceRepo:      f.SourceRepo,
			Metadata:        f.Metadata,
		}, nil
	}

	return parseMarkdownIssue(string(data), path)
}

// parseMarkdownIssue treats the first heading (or first non-empty line)
// as the title and everything after it as the body.
func parseMarkdownIssue(text, path string) (issue.Issue, error) {
	lines := strings.Split(text, "\n")
	title := ""
	bodyStart := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		title = strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		bodyStart = i + 1
		break
	}
	if title == "" {
		return issue.Issue{}, fmt.Errorf("issue file %s is empty", path)
	}
	body := strings.TrimSpace(strings.Join(lines[bodyStart:], "\n"))
	return issue.Issue{Title: title, Body: body, CreatedAt: time.Now().UTC()}, nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	var iss issue.Issue
	var err error

	switch {
	case len(args) == 1:
		iss, err = readIssueFile(args[0])
		if err != nil {
			return err
		}
	case routeTitle != "":
		iss = issue.Issue{
			Title:     routeTitle,
			Body:      routeBody,
			Author:    routeAuthor,
			URL:       routeURL,
			CreatedAt: time.Now().UTC(),
		}
	default:
		return fmt.Errorf("provide an issue file or --title")
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

	n, err := createNotifier(cfg, routeNotify)
	if err != nil {
		return fmt.Errorf("creating notifier: %w", err)
	}

	ctx := context.Background()
	res := c.Router.Route(ctx, iss)

	printRoutingResult(os.Stdout, res)

	if n != nil {
		if err := n.Notify(ctx, res); err != nil {
			logger.Warn("notification failed", "error", err)
		}
	}

	if res.Error != "" {
		return fmt.Errorf("routing failed: %s", res.Error)
	}
	return nil
}
