package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/notify"
)

// parseIssueRef splits an "owner/repo#number" reference.
func parseIssueRef(ref string) (owner, repo string, number int, err error) {
	hashIdx := strings.LastIndex(ref, "#")
	if hashIdx == -1 {
		return "", "", 0, fmt.Errorf("invalid format: expected owner/repo#number, got %q", ref)
	}

	repoFull := ref[:hashIdx]
	numStr := ref[hashIdx+1:]

	parts := strings.SplitN(repoFull, "/", 2)
	if len(parts) != 2 {
		return "", "", 0, fmt.Errorf("invalid repo format: expected owner/repo, got %q", repoFull)
	}

	number, err = strconv.Atoi(numStr)
	if err != nil {
		return "", "", 0, fmt.Errorf("invalid issue number %q: %w", numStr, err)
	}

	return parts[0], parts[1], number, nil
}

// parseRepoArg splits an "owner/repo" string and returns owner and repo.
func parseRepoArg(repoArg string) (owner, repo string, err error) {
	parts := strings.SplitN(repoArg, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format: expected owner/repo, got %q", repoArg)
	}
	return parts[0], parts[1], nil
}

// printRoutingResult renders one routing outcome for the terminal.
func printRoutingResult(w io.Writer, res issue.RoutingResult) {
	fmt.Fprintf(w, "%s\n", notify.Headline(res))

	if cls := res.Classification; cls != nil {
		fmt.Fprintf(w, "  Destination: %s\n", cls.Repository)
		fmt.Fprintf(w, "  Labels:      %s\n", strings.Join(cls.Labels, ", "))
		fmt.Fprintf(w, "  Priority:    %s\n", cls.Priority)
		fmt.Fprintf(w, "  Confidence:  %s\n", notify.FormatConfidence(cls.Confidence))
		if cls.Reasoning != "" {
			fmt.Fprintf(w, "  Reasoning:   %s\n", cls.Reasoning)
		}
	}
	if res.Duplicate.IsDuplicate {
		fmt.Fprintf(w, "  Duplicate:   %s (matched %s)\n", res.Duplicate.Reason, res.Duplicate.MatchedKey)
	}
	if res.GitHub.URL != "" {
		fmt.Fprintf(w, "  Filed at:    %s\n", res.GitHub.URL)
	}
	if res.Error != "" {
		fmt.Fprintf(w, "  Error:       %s\n", res.Error)
	}
	if verbose {
		for _, line := range res.Log {
			fmt.Fprintf(w, "    - %s\n", line)
		}
	}
}
