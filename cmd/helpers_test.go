package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/jacklau/dispatch/internal/issue"
)

func TestParseIssueRef(t *testing.T) {
	tests := []struct {
		name       string
		ref        string
		wantOwner  string
		wantRepo   string
		wantNumber int
		wantErr    bool
	}{
		{
			name:       "valid reference",
			ref:        "owner/repo#42",
			wantOwner:  "owner",
			wantRepo:   "repo",
			wantNumber: 42,
		},
		{
			name:       "valid with hyphens and dots",
			ref:        "my-org/my.repo#123",
			wantOwner:  "my-org",
			wantRepo:   "my.repo",
			wantNumber: 123,
		},
		{
			name:    "missing hash",
			ref:     "owner/repo",
			wantErr: true,
		},
		{
			name:    "missing repo",
			ref:     "owner#42",
			wantErr: true,
		},
		{
			name:    "invalid number",
			ref:     "owner/repo#abc",
			wantErr: true,
		},
		{
			name:    "empty string",
			ref:     "",
			wantErr: true,
		},
		{
			name:       "number with hash in repo name",
			ref:        "owner/repo-with#hash#99",
			wantOwner:  "owner",
			wantRepo:   "repo-with#hash",
			wantNumber: 99,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, number, err := parseIssueRef(tt.ref)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if owner != tt.wantOwner {
				t.Errorf("owner: expected %q, got %q", tt.wantOwner, owner)
			}
			if repo != tt.wantRepo {
				t.Errorf("repo: expected %q, got %q", tt.wantRepo, repo)
			}
			if number != tt.wantNumber {
				t.Errorf("number: expected %d, got %d", tt.wantNumber, number)
			}
		})
	}
}

func TestParseRepoArg(t *testing.T) {
	tests := []struct {
		name      string
		arg       string
		wantOwner string
		wantRepo  string
		wantErr   bool
	}{
		{name: "valid", arg: "owner/repo", wantOwner: "owner", wantRepo: "repo"},
		{name: "missing slash", arg: "ownerrepo", wantErr: true},
		{name: "empty owner", arg: "/repo", wantErr: true},
		{name: "empty repo", arg: "owner/", wantErr: true},
		{name: "empty string", arg: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, repo, err := parseRepoArg(tt.arg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if owner != tt.wantOwner || repo != tt.wantRepo {
				t.Errorf("got %s/%s, want %s/%s", owner, repo, tt.wantOwner, tt.wantRepo)
			}
		})
	}
}

func TestPrintRoutingResult(t *testing.T) {
	res := issue.RoutingResult{
		Issue: issue.Issue{
			Number:     5,
			Title:      "Sync requests time out",
			SourceRepo: "org/inbox",
		},
		Success:  true,
		Decision: issue.DecisionImmediate,
		Classification: &issue.Classification{
			Repository: "org/backend",
			Labels:     []string{"bug", "api"},
			Priority:   issue.PriorityHigh,
			Confidence: 0.85,
			Reasoning:  "backend timeout symptoms",
		},
		GitHub: issue.GitHubOutcome{
			Created: true,
			Number:  42,
			URL:     "https://github.com/org/backend/issues/42",
		},
	}

	var buf bytes.Buffer
	printRoutingResult(&buf, res)
	out := buf.String()

	for _, want := range []string{
		"org/backend",
		"bug, api",
		"high",
		"85%",
		"backend timeout symptoms",
		"https://github.com/org/backend/issues/42",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintRoutingResultFailure(t *testing.T) {
	res := issue.RoutingResult{
		Issue: issue.Issue{Number: 7, SourceRepo: "org/inbox"},
		Error: "repository not found",
	}

	var buf bytes.Buffer
	printRoutingResult(&buf, res)

	if !strings.Contains(buf.String(), "repository not found") {
		t.Errorf("output missing error text:\n%s", buf.String())
	}
}
