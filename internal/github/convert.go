package github

import (
	gogithub "github.com/google/go-github/v60/github"

	"github.com/jacklau/dispatch/internal/issue"
)

// ConvertIssue converts a go-github issue into the pipeline's Issue type.
func ConvertIssue(gh *gogithub.Issue, sourceRepo string) issue.Issue {
	iss := issue.Issue{
		Number:     gh.GetNumber(),
		Title:      gh.GetTitle(),
		Body:       gh.GetBody(),
		URL:        gh.GetHTMLURL(),
		SourceRepo: sourceRepo,
	}

	if gh.User != nil {
		iss.Author = gh.User.GetLogin()
	}

	for _, label := range gh.Labels {
		iss.Labels = append(iss.Labels, label.GetName())
	}
	for _, a := range gh.Assignees {
		iss.Assignees = append(iss.Assignees, a.GetLogin())
	}

	if gh.CreatedAt != nil {
		iss.CreatedAt = gh.CreatedAt.Time
	}

	return iss
}
