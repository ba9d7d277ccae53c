package usage

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/store"
)

// History retention: 90 daily entries, 24 monthly entries.
const (
	dailyHistoryKeep   = 90
	monthlyHistoryKeep = 24
)

// PeriodSnapshot is the usage state of one period, with fractions of
// the configured limits. A zero limit means unlimited; its fraction
// stays 0.
type PeriodSnapshot struct {
	PeriodID     string
	Calls        int
	InputTokens  int
	OutputTokens int
	Cost         float64

	CallsPct  float64
	TokensPct float64
	CostPct   float64
}

// Worst returns the highest limit fraction across calls, tokens, and cost.
func (p PeriodSnapshot) Worst() float64 {
	worst := p.CallsPct
	if p.TokensPct > worst {
		worst = p.TokensPct
	}
	if p.CostPct > worst {
		worst = p.CostPct
	}
	return worst
}

// Snapshot is the usage state across both live periods.
type Snapshot struct {
	Daily   PeriodSnapshot
	Monthly PeriodSnapshot
}

// Admission is the answer to a budget query.
type Admission struct {
	Allowed  bool
	Reason   string
	Snapshot Snapshot
	Warnings []string
}

// Meter tracks API consumption against configured budgets. All methods
// are safe for concurrent use; the load-modify-persist sequence runs
// under a single mutex.
type Meter struct {
	store  store.Store
	logger *slog.Logger
	cfg    config.UsageConfig
	now    func() time.Time

	mu sync.Mutex
}

// NewMeter creates a usage meter backed by the given store.
func NewMeter(st store.Store, logger *slog.Logger, cfg config.UsageConfig) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{store: st, logger: logger, cfg: cfg, now: time.Now}
}

// SetClock overrides the meter's clock for testing.
func (m *Meter) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// EstimateCost computes the estimated dollar cost of a call.
func (m *Meter) EstimateCost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)/1000*m.cfg.InputRatePer1K +
		float64(outputTokens)/1000*m.cfg.OutputRatePer1K
}

// EstimatedOutputTokens returns the configured per-call output estimate,
// used when sizing a call before it is made.
func (m *Meter) EstimatedOutputTokens() int {
	return m.cfg.EstimatedOutputTok
}

// CheckLimits decides whether a call with the given estimated token
// counts may proceed. It rolls over expired periods first, then
// computes each limit fraction including the proposed call: any daily
// fraction past the daily emergency threshold, or monthly fraction past
// the monthly one, refuses the call. Fractions past the warning
// threshold surface as non-blocking warnings. Refusals are admission
// decisions, not errors.
func (m *Meter) CheckLimits(estInputTokens, estOutputTokens int) Admission {
	m.mu.Lock()
	defer m.mu.Unlock()

	daily, monthly := m.loadPeriods()

	estCost := float64(estInputTokens)/1000*m.cfg.InputRatePer1K +
		float64(estOutputTokens)/1000*m.cfg.OutputRatePer1K
	estTokens := estInputTokens + estOutputTokens

	dailySnap := snapshot(daily, m.cfg.Daily, 1, estTokens, estCost)
	monthlySnap := snapshot(monthly, m.cfg.Monthly, 1, estTokens, estCost)

	adm := Admission{
		Allowed: true,
		Snapshot: Snapshot{
			Daily:   dailySnap,
			Monthly: monthlySnap,
		},
	}

	checks := []struct {
		name      string
		pct       float64
		threshold float64
	}{
		{"Daily API call limit", dailySnap.CallsPct, m.cfg.EmergencyDaily},
		{"Daily token limit", dailySnap.TokensPct, m.cfg.EmergencyDaily},
		{"Daily cost limit", dailySnap.CostPct, m.cfg.EmergencyDaily},
		{"Monthly API call limit", monthlySnap.CallsPct, m.cfg.EmergencyMonthly},
		{"Monthly token limit", monthlySnap.TokensPct, m.cfg.EmergencyMonthly},
		{"Monthly cost limit", monthlySnap.CostPct, m.cfg.EmergencyMonthly},
	}
	for _, c := range checks {
		if c.threshold > 0 && c.pct > c.threshold {
			adm.Allowed = false
			adm.Reason = fmt.Sprintf("%s exceeded (%.0f%% of limit)", c.name, c.pct*100)
			return adm
		}
		if m.cfg.WarningThreshold > 0 && c.pct >= m.cfg.WarningThreshold {
			adm.Warnings = append(adm.Warnings, fmt.Sprintf("%s at %.0f%%", c.name, c.pct*100))
		}
	}

	return adm
}

// RecordUsage bills completed calls against both live counters and
// persists them. Call this only after the API calls actually succeeded,
// as the final step of the attempt. A classification attempt may spend
// more than one call (parse retry), hence the explicit count.
func (m *Meter) RecordUsage(calls, actualInputTokens, actualOutputTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	daily, monthly := m.loadPeriods()

	cost := float64(actualInputTokens)/1000*m.cfg.InputRatePer1K +
		float64(actualOutputTokens)/1000*m.cfg.OutputRatePer1K

	for _, p := range []*store.UsagePeriod{daily, monthly} {
		p.Calls += calls
		p.InputTokens += actualInputTokens
		p.OutputTokens += actualOutputTokens
		p.Cost += cost
		if err := m.store.PutUsagePeriod(p); err != nil {
			m.logger.Error("persisting usage counter failed", "kind", p.Kind, "error", err)
		}
	}
}

// CurrentSnapshot reports usage without proposing a call.
func (m *Meter) CurrentSnapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	daily, monthly := m.loadPeriods()
	return Snapshot{
		Daily:   snapshot(daily, m.cfg.Daily, 0, 0, 0),
		Monthly: snapshot(monthly, m.cfg.Monthly, 0, 0, 0),
	}
}

// History returns archived periods for a kind, newest first.
func (m *Meter) History(kind string, limit int) ([]store.UsagePeriod, error) {
	return m.store.ListUsageHistory(kind, limit)
}

// loadPeriods reads both live counters, rolling either over when its
// period boundary has passed. Read failures degrade to zeroed counters
// rather than blocking admission.
func (m *Meter) loadPeriods() (daily, monthly *store.UsagePeriod) {
	now := m.now().UTC()
	daily = m.loadPeriod(store.PeriodDaily, now.Format("2006-01-02"), dailyHistoryKeep)
	monthly = m.loadPeriod(store.PeriodMonthly, now.Format("2006-01"), monthlyHistoryKeep)
	return daily, monthly
}

func (m *Meter) loadPeriod(kind, currentID string, keep int) *store.UsagePeriod {
	p, err := m.store.GetUsagePeriod(kind)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("reading usage counter failed, assuming fresh", "kind", kind, "error", err)
		}
		p = &store.UsagePeriod{Kind: kind, PeriodID: currentID}
		if err := m.store.PutUsagePeriod(p); err != nil {
			m.logger.Error("initializing usage counter failed", "kind", kind, "error", err)
		}
		return p
	}

	if p.PeriodID == currentID {
		return p
	}

	// Period boundary crossed: archive the finished window, reset.
	if err := m.store.ArchiveUsagePeriod(p, keep); err != nil {
		m.logger.Error("archiving usage period failed", "kind", kind, "error", err)
	}
	m.logger.Info("usage period rolled over",
		"kind", kind, "closed", p.PeriodID, "opened", currentID,
		"calls", p.Calls, "cost", p.Cost)

	fresh := &store.UsagePeriod{Kind: kind, PeriodID: currentID}
	if err := m.store.PutUsagePeriod(fresh); err != nil {
		m.logger.Error("resetting usage counter failed", "kind", kind, "error", err)
	}
	return fresh
}

// snapshot computes a period view including a proposed call of the
// given size. Pass zeros to view current usage only.
func snapshot(p *store.UsagePeriod, limits config.UsageLimits, addCalls, addTokens int, addCost float64) PeriodSnapshot {
	s := PeriodSnapshot{
		PeriodID:     p.PeriodID,
		Calls:        p.Calls,
		InputTokens:  p.InputTokens,
		OutputTokens: p.OutputTokens,
		Cost:         p.Cost,
	}
	if limits.Calls > 0 {
		s.CallsPct = float64(p.Calls+addCalls) / float64(limits.Calls)
	}
	if limits.Tokens > 0 {
		s.TokensPct = float64(p.InputTokens+p.OutputTokens+addTokens) / float64(limits.Tokens)
	}
	if limits.CostUSD > 0 {
		s.CostPct = (p.Cost + addCost) / limits.CostUSD
	}
	return s
}
