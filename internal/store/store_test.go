package store

import (
	"errors"
	"testing"
	"time"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigration(t *testing.T) {
	db := setupTestDB(t)

	var version int
	err := db.Conn().QueryRow("PRAGMA user_version").Scan(&version)
	if err != nil {
		t.Fatalf("failed to read user_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected user_version 1, got %d", version)
	}
}

func TestProcessedCRUD(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)
	edited := now.Add(-time.Hour)
	p := &ProcessedIssue{
		IssueKey:          "org/inbox#42",
		SourceRepo:        "org/inbox",
		Number:            42,
		ContentHash:       "abc123",
		Permalink:         "https://example.com/thread/1",
		Destination:       "org/myprojects-ios",
		DestinationNumber: 7,
		DestinationURL:    "https://github.com/org/myprojects-ios/issues/7",
		Labels:            []string{"bug", "sync"},
		Priority:          "high",
		Confidence:        0.95,
		ProcessedAt:       now,
		LastEditedAt:      &edited,
		EditCount:         1,
		APICalls:          2,
		Outcome:           "created",
	}

	// Upsert (insert)
	if err := db.UpsertProcessed(p); err != nil {
		t.Fatalf("UpsertProcessed failed: %v", err)
	}

	// Get by key
	got, err := db.GetProcessed("org/inbox#42")
	if err != nil {
		t.Fatalf("GetProcessed failed: %v", err)
	}
	if got.ContentHash != "abc123" {
		t.Errorf("expected hash 'abc123', got %q", got.ContentHash)
	}
	if got.Destination != "org/myprojects-ios" {
		t.Errorf("expected destination 'org/myprojects-ios', got %q", got.Destination)
	}
	if len(got.Labels) != 2 || got.Labels[0] != "bug" {
		t.Errorf("unexpected labels: %v", got.Labels)
	}
	if got.LastEditedAt == nil || !got.LastEditedAt.Equal(edited) {
		t.Errorf("unexpected LastEditedAt: %v", got.LastEditedAt)
	}
	if !got.ProcessedAt.Equal(now) {
		t.Errorf("expected ProcessedAt %v, got %v", now, got.ProcessedAt)
	}

	// Upsert (update)
	p.ContentHash = "def456"
	p.EditCount = 2
	p.Outcome = "updated"
	if err := db.UpsertProcessed(p); err != nil {
		t.Fatalf("UpsertProcessed (update) failed: %v", err)
	}

	got2, _ := db.GetProcessed("org/inbox#42")
	if got2.ContentHash != "def456" {
		t.Errorf("expected updated hash, got %q", got2.ContentHash)
	}
	if got2.EditCount != 2 {
		t.Errorf("expected edit count 2, got %d", got2.EditCount)
	}

	// Count
	n, err := db.CountProcessed()
	if err != nil {
		t.Fatalf("CountProcessed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record after upsert, got %d", n)
	}
}

func TestProcessedLookups(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().UTC()
	db.UpsertProcessed(&ProcessedIssue{
		IssueKey:    "org/inbox#1",
		ContentHash: "hash-a",
		Permalink:   "https://example.com/t/1",
		ProcessedAt: now.Add(-time.Hour),
		Outcome:     "created",
	})
	db.UpsertProcessed(&ProcessedIssue{
		IssueKey:    "org/inbox#2",
		ContentHash: "hash-a",
		ProcessedAt: now,
		Outcome:     "created",
	})

	// Newest record wins for a shared hash
	got, err := db.GetProcessedByHash("hash-a")
	if err != nil {
		t.Fatalf("GetProcessedByHash failed: %v", err)
	}
	if got.IssueKey != "org/inbox#2" {
		t.Errorf("expected newest record, got %q", got.IssueKey)
	}

	got, err = db.GetProcessedByPermalink("https://example.com/t/1")
	if err != nil {
		t.Fatalf("GetProcessedByPermalink failed: %v", err)
	}
	if got.IssueKey != "org/inbox#1" {
		t.Errorf("expected org/inbox#1, got %q", got.IssueKey)
	}

	if _, err := db.GetProcessedByHash("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.GetProcessedByPermalink(""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for empty permalink, got %v", err)
	}
	if _, err := db.GetProcessed("org/inbox#999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneProcessed(t *testing.T) {
	db := setupTestDB(t)

	now := time.Now().UTC()
	for i, age := range []time.Duration{0, time.Hour, 100 * 24 * time.Hour} {
		db.UpsertProcessed(&ProcessedIssue{
			IssueKey:    "org/inbox#" + string(rune('a'+i)),
			ContentHash: "h",
			ProcessedAt: now.Add(-age),
			Outcome:     "created",
		})
	}

	// Age cutoff drops the 100-day-old record
	removed, err := db.PruneProcessed(now.Add(-60*24*time.Hour), 0)
	if err != nil {
		t.Fatalf("PruneProcessed failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed by age, got %d", removed)
	}

	// Cap trims down to the newest record
	removed, err = db.PruneProcessed(now.Add(-60*24*time.Hour), 1)
	if err != nil {
		t.Fatalf("PruneProcessed failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed by cap, got %d", removed)
	}

	n, _ := db.CountProcessed()
	if n != 1 {
		t.Errorf("expected 1 record remaining, got %d", n)
	}
	if _, err := db.GetProcessed("org/inbox#a"); err != nil {
		t.Errorf("newest record should survive pruning: %v", err)
	}
}

func TestUsagePeriods(t *testing.T) {
	db := setupTestDB(t)

	if _, err := db.GetUsagePeriod(PeriodDaily); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for fresh db, got %v", err)
	}

	p := &UsagePeriod{
		Kind:         PeriodDaily,
		PeriodID:     "2026-09-01",
		Calls:        5,
		InputTokens:  1000,
		OutputTokens: 400,
		Cost:         0.12,
	}
	if err := db.PutUsagePeriod(p); err != nil {
		t.Fatalf("PutUsagePeriod failed: %v", err)
	}

	got, err := db.GetUsagePeriod(PeriodDaily)
	if err != nil {
		t.Fatalf("GetUsagePeriod failed: %v", err)
	}
	if got.Calls != 5 || got.Cost != 0.12 {
		t.Errorf("unexpected period: %+v", got)
	}

	// Replace counter for a new window
	p.PeriodID = "2026-09-02"
	p.Calls = 1
	if err := db.PutUsagePeriod(p); err != nil {
		t.Fatalf("PutUsagePeriod (update) failed: %v", err)
	}
	got, _ = db.GetUsagePeriod(PeriodDaily)
	if got.PeriodID != "2026-09-02" || got.Calls != 1 {
		t.Errorf("expected rolled counter, got %+v", got)
	}
}

func TestArchiveUsagePeriod(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 5; i++ {
		p := &UsagePeriod{
			Kind:     PeriodDaily,
			PeriodID: "2026-08-0" + string(rune('1'+i)),
			Calls:    i + 1,
		}
		if err := db.ArchiveUsagePeriod(p, 3); err != nil {
			t.Fatalf("ArchiveUsagePeriod failed: %v", err)
		}
	}

	history, err := db.ListUsageHistory(PeriodDaily, 0)
	if err != nil {
		t.Fatalf("ListUsageHistory failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected history trimmed to 3, got %d", len(history))
	}
	if history[0].PeriodID != "2026-08-05" {
		t.Errorf("expected newest first, got %q", history[0].PeriodID)
	}
	if history[2].PeriodID != "2026-08-03" {
		t.Errorf("expected oldest kept to be 2026-08-03, got %q", history[2].PeriodID)
	}
}

func TestRoutingLog(t *testing.T) {
	db := setupTestDB(t)

	log := &RoutingLog{
		IssueKey:    "org/inbox#42",
		Destination: "org/backend",
		Action:      "created",
		Decision:    "immediate",
		Reasoning:   "matched rule: api",
		Success:     true,
	}
	if err := db.LogRouting(log); err != nil {
		t.Fatalf("LogRouting failed: %v", err)
	}

	logs, err := db.GetRoutingLog("org/inbox#42")
	if err != nil {
		t.Fatalf("GetRoutingLog failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	if logs[0].Action != "created" || !logs[0].Success {
		t.Errorf("unexpected entry: %+v", logs[0])
	}

	db.LogRouting(&RoutingLog{
		IssueKey: "org/inbox#43",
		Action:   "blocked",
		Error:    "daily call limit exceeded",
	})

	recent, err := db.RecentRouting(10)
	if err != nil {
		t.Fatalf("RecentRouting failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 recent entries, got %d", len(recent))
	}
	if recent[0].IssueKey != "org/inbox#43" {
		t.Errorf("expected newest first, got %q", recent[0].IssueKey)
	}
	if recent[0].Success {
		t.Error("blocked entry should not be marked success")
	}
}

func TestReposCRUD(t *testing.T) {
	db := setupTestDB(t)

	repo, err := db.CreateRepo("octocat", "hello-world")
	if err != nil {
		t.Fatalf("CreateRepo failed: %v", err)
	}
	if repo.Owner != "octocat" || repo.RepoName != "hello-world" {
		t.Errorf("unexpected repo: %+v", repo)
	}

	got, err := db.GetRepoByOwnerRepo("octocat", "hello-world")
	if err != nil {
		t.Fatalf("GetRepoByOwnerRepo failed: %v", err)
	}
	if got.ID != repo.ID {
		t.Errorf("expected same ID, got %d vs %d", got.ID, repo.ID)
	}

	now := time.Now().UTC()
	if err := db.UpdatePollState(repo.ID, now, "etag-123"); err != nil {
		t.Fatalf("UpdatePollState failed: %v", err)
	}
	updated, _ := db.GetRepo(repo.ID)
	if updated.LastPolledAt == nil {
		t.Error("expected non-nil LastPolledAt")
	}
	if updated.ETag != "etag-123" {
		t.Errorf("expected etag 'etag-123', got %q", updated.ETag)
	}

	if _, err := db.CreateRepo("octocat", "hello-world"); err == nil {
		t.Error("expected error on duplicate repo, got nil")
	}

	if _, err := db.GetRepoByOwnerRepo("nope", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
