package dedup

import (
	"strings"
	"testing"
	"time"

	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/store"
)

func setupEngine(t *testing.T, opts Options) (*Engine, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEngine(db, nil, opts), db
}

func testIssue(number int, title, body string) issue.Issue {
	return issue.Issue{
		Number:     number,
		Title:      title,
		Body:       body,
		SourceRepo: "org/inbox",
		Author:     "reporter",
	}
}

func TestContentHash_NormalizationInvariance(t *testing.T) {
	a := issue.Issue{
		Title:  "App Crashes on Launch",
		Body:   "See https://example.com/logs/123 for details.\n\nHappens   every time.",
		Labels: []string{"Bug", "crash"},
	}
	b := issue.Issue{
		Title:  "app crashes on launch",
		Body:   "See https://other.example.org/xyz for details. Happens every time.",
		Labels: []string{"crash", "bug"},
	}

	if ContentHash(a) != ContentHash(b) {
		t.Error("hashes should match across case, whitespace, URL, and label-order differences")
	}

	c := b
	c.Body = "A completely different report."
	if ContentHash(a) == ContentHash(c) {
		t.Error("different content must not collide")
	}
}

func TestIssueKey(t *testing.T) {
	keyed := testIssue(42, "t", "b")
	if got := IssueKey(keyed); got != "org/inbox#42" {
		t.Errorf("IssueKey = %q, want org/inbox#42", got)
	}

	// Fallback identity for issues without repo/number
	anon := issue.Issue{Title: "Some report", Author: "alice"}
	key := IssueKey(anon)
	if !strings.HasPrefix(key, "alice#") {
		t.Errorf("fallback key = %q, want alice# prefix", key)
	}
	if IssueKey(anon) != key {
		t.Error("fallback key must be stable")
	}
}

func TestCheckDuplicate_Idempotence(t *testing.T) {
	e, _ := setupEngine(t, Options{})
	iss := testIssue(1, "Crash on save", "The editor crashes when saving.")

	if dup := e.CheckDuplicate(iss); dup.IsDuplicate {
		t.Fatalf("fresh issue flagged duplicate: %+v", dup)
	}

	if err := e.RecordProcessing(iss, nil, issue.GitHubOutcome{Number: 7, URL: "https://github.com/org/x/issues/7"}, 1, "success"); err != nil {
		t.Fatalf("RecordProcessing failed: %v", err)
	}

	dup := e.CheckDuplicate(iss)
	if !dup.IsDuplicate {
		t.Fatal("resubmitted issue should be a duplicate")
	}
	if dup.Reason != ReasonIdentical && dup.Reason != ReasonExactContent {
		t.Errorf("reason = %q, want identical-content or exact-content-match", dup.Reason)
	}
	if dup.DestinationNumber != 7 {
		t.Errorf("destination number = %d, want 7", dup.DestinationNumber)
	}
}

func TestCheckDuplicate_SameContentDifferentKey(t *testing.T) {
	e, _ := setupEngine(t, Options{})
	first := testIssue(1, "Crash on save", "The editor crashes when saving.")
	second := testIssue(2, "Crash on save", "The editor crashes when saving.")

	e.RecordProcessing(first, nil, issue.GitHubOutcome{}, 1, "success")

	dup := e.CheckDuplicate(second)
	if !dup.IsDuplicate || dup.Reason != ReasonExactContent {
		t.Errorf("got %+v, want exact-content-match", dup)
	}
	if dup.MatchedKey != "org/inbox#1" {
		t.Errorf("matched key = %q, want org/inbox#1", dup.MatchedKey)
	}
}

func TestCheckDuplicate_EditWithinSkipWindow(t *testing.T) {
	now := time.Now()
	clock := now
	e, _ := setupEngine(t, Options{Now: func() time.Time { return clock }})

	iss := testIssue(1, "Sync broken", "Sync stopped working after the last update entirely.")
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 1, "success")

	// One word changed, one hour later
	edited := iss
	edited.Body = "Sync stopped working after the previous update entirely."
	clock = now.Add(time.Hour)

	dup := e.CheckDuplicate(edited)
	if !dup.IsDuplicate {
		t.Fatal("edit within skip window should be a duplicate")
	}
	if dup.Reason != "edited-within-24h" {
		t.Errorf("reason = %q, want edited-within-24h", dup.Reason)
	}
}

func TestCheckDuplicate_EditSignificance(t *testing.T) {
	now := time.Now()
	clock := now
	e, _ := setupEngine(t, Options{Now: func() time.Time { return clock }})

	iss := testIssue(1, "Sync broken", strings.Repeat("details ", 50))
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 1, "success")

	// Past the skip window, tiny length change: minor edit
	clock = now.Add(25 * time.Hour)
	minor := iss
	minor.Body = iss.Body + " more"
	dup := e.CheckDuplicate(minor)
	if !dup.IsDuplicate || dup.Reason != ReasonMinorEdit {
		t.Errorf("got %+v, want minor-edit duplicate", dup)
	}

	// Large length change: significant, reprocess
	major := iss
	major.Body = iss.Body + strings.Repeat("new information ", 30)
	dup = e.CheckDuplicate(major)
	if dup.IsDuplicate {
		t.Errorf("significant edit flagged duplicate: %+v", dup)
	}
	if dup.Reason != ReasonSignificantEdit {
		t.Errorf("reason = %q, want significant-edit", dup.Reason)
	}
}

func TestCheckDuplicate_PermalinkMatch(t *testing.T) {
	e, _ := setupEngine(t, Options{})

	first := testIssue(1, "Crash report", "From the support channel.")
	first.ThreadPermalink = "https://chat.example.com/t/999"
	e.RecordProcessing(first, nil, issue.GitHubOutcome{}, 1, "success")

	// Different content, same source thread
	second := testIssue(2, "Another crash report", "Completely different wording here.")
	second.ThreadPermalink = "https://chat.example.com/t/999"

	dup := e.CheckDuplicate(second)
	if !dup.IsDuplicate || dup.Reason != ReasonPermalink {
		t.Errorf("got %+v, want permalink-match", dup)
	}
}

func TestCheckDuplicate_LookbackExpiry(t *testing.T) {
	now := time.Now()
	clock := now
	e, _ := setupEngine(t, Options{LookbackDays: 30, Now: func() time.Time { return clock }})

	iss := testIssue(1, "Old report", "This was handled long ago.")
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 1, "success")

	clock = now.AddDate(0, 0, 31)
	if dup := e.CheckDuplicate(iss); dup.IsDuplicate {
		t.Errorf("record outside lookback window should not match: %+v", dup)
	}
}

func TestRecordProcessing_EditCount(t *testing.T) {
	e, db := setupEngine(t, Options{})

	iss := testIssue(1, "Report", "First version of the body.")
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 1, "success")

	iss.Body = "Second version of the body, rewritten."
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 1, "success")

	rec, err := db.GetProcessed("org/inbox#1")
	if err != nil {
		t.Fatalf("GetProcessed failed: %v", err)
	}
	if rec.EditCount != 1 {
		t.Errorf("edit count = %d, want 1", rec.EditCount)
	}
	if rec.LastEditedAt == nil {
		t.Error("expected LastEditedAt to be set after an edit")
	}

	// Same content again: no new edit counted
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 1, "success")
	rec, _ = db.GetProcessed("org/inbox#1")
	if rec.EditCount != 1 {
		t.Errorf("edit count = %d after identical rerecord, want 1", rec.EditCount)
	}
}

func TestRecordProcessing_KeepsDestinationAcrossUpdates(t *testing.T) {
	e, db := setupEngine(t, Options{})

	iss := testIssue(1, "Report", "Body.")
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{Number: 9, URL: "https://github.com/org/x/issues/9"}, 1, "success")

	// A later attempt with no destination outcome keeps the old link
	e.RecordProcessing(iss, nil, issue.GitHubOutcome{}, 0, "duplicate")

	rec, _ := db.GetProcessed("org/inbox#1")
	if rec.DestinationNumber != 9 {
		t.Errorf("destination number = %d, want preserved 9", rec.DestinationNumber)
	}
}

func TestCleanup(t *testing.T) {
	now := time.Now()
	clock := now.AddDate(0, 0, -90)
	e, db := setupEngine(t, Options{LookbackDays: 60, MaxEntries: 5000, Now: func() time.Time { return clock }})

	old := testIssue(1, "Ancient report", "Long gone.")
	e.RecordProcessing(old, nil, issue.GitHubOutcome{}, 1, "success")

	clock = now
	fresh := testIssue(2, "Fresh report", "Still relevant.")
	e.RecordProcessing(fresh, nil, issue.GitHubOutcome{}, 1, "success")

	removed, err := e.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if n, _ := db.CountProcessed(); n != 1 {
		t.Errorf("ledger size = %d, want 1", n)
	}
}

func TestBuildSearchQuery(t *testing.T) {
	iss := issue.Issue{Title: "The App Crashes Every Time I Open The Settings Panel"}
	q := BuildSearchQuery(iss)
	if q != "the app crashes every time i" {
		t.Errorf("query = %q", q)
	}
}

func TestEditRatio(t *testing.T) {
	tests := []struct {
		oldLen, newLen int
		want           float64
	}{
		{100, 100, 0},
		{100, 90, 0.1},
		{90, 100, 0.1},
		{0, 0, 0},
		{0, 50, 1},
	}
	for _, tt := range tests {
		if got := editRatio(tt.oldLen, tt.newLen); got != tt.want {
			t.Errorf("editRatio(%d, %d) = %f, want %f", tt.oldLen, tt.newLen, got, tt.want)
		}
	}
}
