package usage

import (
	"strings"
	"testing"
	"time"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/store"
)

func testConfig() config.UsageConfig {
	return config.UsageConfig{
		Daily:              config.UsageLimits{Calls: 100, Tokens: 100000, CostUSD: 5},
		Monthly:            config.UsageLimits{Calls: 2000, Tokens: 2000000, CostUSD: 100},
		WarningThreshold:   0.8,
		EmergencyDaily:     0.95,
		EmergencyMonthly:   0.9,
		InputRatePer1K:     0.003,
		OutputRatePer1K:    0.015,
		EstimatedOutputTok: 800,
	}
}

func setupMeter(t *testing.T, cfg config.UsageConfig) (*Meter, *store.DB) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMeter(db, nil, cfg), db
}

func TestCheckLimits_FreshMeterAllows(t *testing.T) {
	m, _ := setupMeter(t, testConfig())

	adm := m.CheckLimits(1000, 800)
	if !adm.Allowed {
		t.Fatalf("fresh meter refused: %q", adm.Reason)
	}
	if len(adm.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", adm.Warnings)
	}
	if adm.Snapshot.Daily.Calls != 0 {
		t.Errorf("snapshot calls = %d, want 0", adm.Snapshot.Daily.Calls)
	}
}

func TestRecordUsage_IncrementsBothPeriods(t *testing.T) {
	m, db := setupMeter(t, testConfig())

	m.RecordUsage(1, 1000, 500)
	m.RecordUsage(1, 2000, 500)

	daily, err := db.GetUsagePeriod(store.PeriodDaily)
	if err != nil {
		t.Fatalf("GetUsagePeriod failed: %v", err)
	}
	if daily.Calls != 2 || daily.InputTokens != 3000 || daily.OutputTokens != 1000 {
		t.Errorf("unexpected daily counter: %+v", daily)
	}

	monthly, _ := db.GetUsagePeriod(store.PeriodMonthly)
	if monthly.Calls != 2 {
		t.Errorf("monthly calls = %d, want 2", monthly.Calls)
	}

	// cost = 3/1000-blocks * 0.003 + 1 * 0.015
	wantCost := 3*0.003 + 1*0.015
	if diff := daily.Cost - wantCost; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("daily cost = %f, want %f", daily.Cost, wantCost)
	}
}

func TestCheckLimits_BudgetExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.Daily.Calls = 10
	m, _ := setupMeter(t, cfg)

	for i := 0; i < 10; i++ {
		m.RecordUsage(1, 100, 100)
	}

	adm := m.CheckLimits(100, 100)
	if adm.Allowed {
		t.Fatal("11th call should be refused")
	}
	if !strings.Contains(adm.Reason, "Daily API call limit exceeded") {
		t.Errorf("reason = %q, want mention of daily call limit", adm.Reason)
	}
}

func TestCheckLimits_EmergencyBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.Daily = config.UsageLimits{Calls: 100}
	cfg.Monthly = config.UsageLimits{}
	m, _ := setupMeter(t, cfg)

	// At exactly threshold*limit calls recorded, the next call is refused.
	for i := 0; i < 95; i++ {
		m.RecordUsage(1, 10, 10)
	}
	if adm := m.CheckLimits(10, 10); adm.Allowed {
		t.Error("call at 95/100 recorded should be refused")
	}

	// One call below the threshold it is allowed, with a warning.
	m2, _ := setupMeter(t, cfg)
	for i := 0; i < 94; i++ {
		m2.RecordUsage(1, 10, 10)
	}
	adm := m2.CheckLimits(10, 10)
	if !adm.Allowed {
		t.Fatalf("call at 94/100 recorded should be allowed, got %q", adm.Reason)
	}
	if len(adm.Warnings) == 0 {
		t.Error("expected a warning near the limit")
	}
}

func TestCheckLimits_MonthlyThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.Daily = config.UsageLimits{}
	cfg.Monthly = config.UsageLimits{Calls: 100}
	m, _ := setupMeter(t, cfg)

	for i := 0; i < 90; i++ {
		m.RecordUsage(1, 10, 10)
	}
	adm := m.CheckLimits(10, 10)
	if adm.Allowed {
		t.Error("monthly usage past 90% should refuse")
	}
	if !strings.Contains(adm.Reason, "Monthly") {
		t.Errorf("reason = %q, want monthly dimension", adm.Reason)
	}
}

func TestCheckLimits_ZeroLimitsUnlimited(t *testing.T) {
	m, _ := setupMeter(t, config.UsageConfig{EmergencyDaily: 0.95, EmergencyMonthly: 0.9})

	for i := 0; i < 50; i++ {
		m.RecordUsage(1, 100000, 100000)
	}
	if adm := m.CheckLimits(100000, 100000); !adm.Allowed {
		t.Errorf("unconfigured limits must never refuse, got %q", adm.Reason)
	}
}

func TestDailyRollover(t *testing.T) {
	m, db := setupMeter(t, testConfig())

	day1 := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return day1 })
	m.RecordUsage(1, 1000, 500)
	m.RecordUsage(1, 1000, 500)

	// Cross a day boundary, same month
	day2 := day1.Add(24 * time.Hour)
	m.SetClock(func() time.Time { return day2 })

	adm := m.CheckLimits(100, 100)
	if !adm.Allowed {
		t.Fatalf("rolled-over meter refused: %q", adm.Reason)
	}
	if adm.Snapshot.Daily.Calls != 0 {
		t.Errorf("daily calls after rollover = %d, want 0", adm.Snapshot.Daily.Calls)
	}
	if adm.Snapshot.Daily.PeriodID != "2026-09-02" {
		t.Errorf("daily period = %q, want 2026-09-02", adm.Snapshot.Daily.PeriodID)
	}

	// Monthly counter unaffected
	if adm.Snapshot.Monthly.Calls != 2 {
		t.Errorf("monthly calls = %d, want 2", adm.Snapshot.Monthly.Calls)
	}

	// Exactly one history entry holding the prior day's totals
	history, err := db.ListUsageHistory(store.PeriodDaily, 0)
	if err != nil {
		t.Fatalf("ListUsageHistory failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 daily history entry, got %d", len(history))
	}
	if history[0].PeriodID != "2026-09-01" || history[0].Calls != 2 {
		t.Errorf("unexpected archived entry: %+v", history[0])
	}
}

func TestMonthlyRollover(t *testing.T) {
	m, db := setupMeter(t, testConfig())

	aug := time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return aug })
	m.RecordUsage(1, 1000, 500)

	sep := time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return sep })

	snap := m.CurrentSnapshot()
	if snap.Monthly.Calls != 0 {
		t.Errorf("monthly calls after rollover = %d, want 0", snap.Monthly.Calls)
	}
	if snap.Monthly.PeriodID != "2026-09" {
		t.Errorf("monthly period = %q, want 2026-09", snap.Monthly.PeriodID)
	}

	history, _ := db.ListUsageHistory(store.PeriodMonthly, 0)
	if len(history) != 1 || history[0].PeriodID != "2026-08" {
		t.Errorf("unexpected monthly history: %+v", history)
	}
}

func TestSnapshotWorst(t *testing.T) {
	s := PeriodSnapshot{CallsPct: 0.2, TokensPct: 0.9, CostPct: 0.5}
	if got := s.Worst(); got != 0.9 {
		t.Errorf("Worst = %f, want 0.9", got)
	}
}

func TestEstimateCost(t *testing.T) {
	m, _ := setupMeter(t, testConfig())
	got := m.EstimateCost(2000, 1000)
	want := 2*0.003 + 1*0.015
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("EstimateCost = %f, want %f", got, want)
	}
}
