package priority

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/dedup"
	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/usage"
)

// Category buckets issues by how fast they need attention.
type Category string

const (
	CategoryEmergency Category = "emergency"
	CategoryHigh      Category = "high"
	CategoryMedium    Category = "medium"
	CategoryLow       Category = "low"
)

// Score is the derived priority of one issue at analysis time. It is
// not persisted; queued candidates keep the score that placed them.
type Score struct {
	Urgency        float64
	Importance     float64
	BusinessImpact float64
	Overall        float64
	Category       Category
	Decision       issue.Decision
	// Signals lists the heuristics that fired, for logging.
	Signals []string
}

// Candidate is a queued issue awaiting batch release or deferral relief.
type Candidate struct {
	Issue    issue.Issue
	Score    Score
	QueuedAt time.Time
}

// Options configures a Processor.
type Options struct {
	// ProductionRepos are source repos whose issues carry extra weight.
	ProductionRepos []string
	// BatchWindow is how long batch candidates wait before release.
	BatchWindow time.Duration
	// Now overrides the clock for testing.
	Now func() time.Time
}

// Processor scores issues and manages the in-memory batch and deferral
// queues. All methods are safe for concurrent use.
type Processor struct {
	cfg    config.PriorityConfig
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	batches  map[Category][]Candidate
	deferred []Candidate
}

// NewProcessor creates a priority processor.
func NewProcessor(cfg config.PriorityConfig, logger *slog.Logger, opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchWindow == 0 {
		opts.BatchWindow = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		cfg:     cfg,
		opts:    opts,
		logger:  logger,
		batches: make(map[Category][]Candidate),
	}
}

// AnalyzePriority scores an issue and derives its processing decision
// from the current usage snapshot. A nil snapshot means budget state is
// unknown and only similarity-based batching applies.
func (p *Processor) AnalyzePriority(iss issue.Issue, snap *usage.Snapshot) Score {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.analyze(iss, snap)
}

func (p *Processor) analyze(iss issue.Issue, snap *usage.Snapshot) Score {
	text := strings.ToLower(iss.Title + "\n" + iss.Body)
	var s Score

	// Urgency: time pressure signals.
	s.Urgency = 0.3
	emergencyHit := containsAny(text, p.cfg.EmergencyKeywords)
	if emergencyHit {
		s.Urgency += 0.6
		s.Signals = append(s.Signals, "emergency-keyword")
	}
	if containsAny(text, p.cfg.HighKeywords) {
		s.Urgency += 0.3
		s.Signals = append(s.Signals, "high-keyword")
	}
	if hasAnyLabel(iss, p.cfg.CriticalLabels) {
		s.Urgency += 0.4
		s.Signals = append(s.Signals, "critical-label")
	}
	if !iss.CreatedAt.IsZero() && p.opts.Now().Sub(iss.CreatedAt) < 2*time.Hour {
		s.Urgency += 0.2
		s.Signals = append(s.Signals, "fresh")
	}
	s.Urgency = clamp(s.Urgency)

	// Importance: who and where it came from.
	s.Importance = 0.4
	if containsFold(p.opts.ProductionRepos, iss.SourceRepo) {
		s.Importance += 0.3
		s.Signals = append(s.Signals, "production-repo")
	}
	if iss.Author != "" && !isBot(iss.Author) {
		s.Importance += 0.2
	}
	if len(iss.Assignees) > 1 {
		s.Importance += 0.1
	}
	s.Importance = clamp(s.Importance)

	// Business impact: what it breaks.
	s.BusinessImpact = 0.3
	if containsAny(text, p.cfg.UserFacingKeywords) {
		s.BusinessImpact += 0.2
		s.Signals = append(s.Signals, "user-facing")
	}
	if containsAny(text, p.cfg.SevereKeywords) {
		s.BusinessImpact += 0.4
		s.Signals = append(s.Signals, "severe")
	}
	if containsAny(text, p.cfg.PerformanceKeywords) {
		s.BusinessImpact += 0.3
		s.Signals = append(s.Signals, "performance")
	}
	s.BusinessImpact = clamp(s.BusinessImpact)

	s.Overall = 0.4*s.Urgency + 0.3*s.Importance + 0.3*s.BusinessImpact

	switch {
	case s.Urgency >= 0.9 || emergencyHit:
		s.Category = CategoryEmergency
	case s.Overall >= 0.8:
		s.Category = CategoryHigh
	case s.Overall >= 0.5:
		s.Category = CategoryMedium
	default:
		s.Category = CategoryLow
	}

	s.Decision = p.decide(iss, s.Category, snap)
	return s
}

// decide maps a category and budget state to a processing decision.
// Budget refusal always wins except for emergencies, which stay
// immediate even past the emergency-only threshold.
func (p *Processor) decide(iss issue.Issue, cat Category, snap *usage.Snapshot) issue.Decision {
	worst := 0.0
	if snap != nil {
		worst = snap.Daily.Worst()
	}

	if p.cfg.EmergencyOnly > 0 && worst >= p.cfg.EmergencyOnly {
		if cat == CategoryEmergency {
			return issue.DecisionImmediate
		}
		return issue.DecisionBlocked
	}

	if p.cfg.DeferralThreshold > 0 && worst >= p.cfg.DeferralThreshold {
		switch cat {
		case CategoryLow:
			return issue.DecisionDeferred
		case CategoryMedium:
			if p.batchingEnabled() {
				return issue.DecisionBatch
			}
			return issue.DecisionImmediate
		default:
			return issue.DecisionImmediate
		}
	}

	if cat == CategoryMedium && p.batchingEnabled() && p.similarQueued(iss) >= 2 {
		return issue.DecisionBatch
	}

	return issue.DecisionImmediate
}

func (p *Processor) batchingEnabled() bool {
	if p.cfg.BatchingEnabled == nil {
		return true
	}
	return *p.cfg.BatchingEnabled
}

// similarQueued counts queued candidates similar to the issue across
// the batch and deferral queues.
func (p *Processor) similarQueued(iss issue.Issue) int {
	threshold := p.cfg.SimilarityThreshold
	if threshold == 0 {
		threshold = 0.6
	}

	count := 0
	for _, queue := range p.batches {
		for _, c := range queue {
			if Similarity(iss, c.Issue) >= threshold {
				count++
			}
		}
	}
	for _, c := range p.deferred {
		if Similarity(iss, c.Issue) >= threshold {
			count++
		}
	}
	return count
}

// Similarity scores how alike two issues are: weighted label overlap,
// same source repository, and title keyword overlap.
func Similarity(a, b issue.Issue) float64 {
	score := 0.3 * jaccardFold(a.Labels, b.Labels)
	if a.SourceRepo != "" && strings.EqualFold(a.SourceRepo, b.SourceRepo) {
		score += 0.2
	}
	score += 0.5 * jaccardFold(keywords(a.Title), keywords(b.Title))
	return score
}

// QueueIssue places a batch or deferred candidate into its queue.
// Blocked candidates are dropped with a log line; immediate candidates
// are a no-op. Re-queueing an already-queued key updates the score but
// keeps the original queue timestamp. Reports whether the issue is now
// queued.
//
// Queue identity is the ledger key (dedup.IssueKey), so issues without
// a repo number still get distinct slots from the author+title-hash
// fallback.
func (p *Processor) QueueIssue(iss issue.Issue, score Score) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := dedup.IssueKey(iss)
	switch score.Decision {
	case issue.DecisionBatch:
		queue := p.batches[score.Category]
		for i, c := range queue {
			if dedup.IssueKey(c.Issue) == key {
				queue[i].Score = score
				return true
			}
		}
		p.batches[score.Category] = append(queue, Candidate{
			Issue: iss, Score: score, QueuedAt: p.opts.Now(),
		})
		return true

	case issue.DecisionDeferred:
		for i, c := range p.deferred {
			if dedup.IssueKey(c.Issue) == key {
				p.deferred[i].Score = score
				return true
			}
		}
		p.deferred = append(p.deferred, Candidate{
			Issue: iss, Score: score, QueuedAt: p.opts.Now(),
		})
		return true

	case issue.DecisionBlocked:
		p.logger.Warn("dropping blocked issue", "issue", key, "category", score.Category)
		return false

	default:
		return false
	}
}

// GetNextBatch drains and returns the batch candidates ready for
// processing: any category queue with 2+ members, and any candidate
// that has waited at least the batch window. Higher categories first.
func (p *Processor) GetNextBatch() []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	var ready []Candidate

	for cat, queue := range p.batches {
		if len(queue) >= 2 {
			ready = append(ready, queue...)
			delete(p.batches, cat)
			continue
		}
		var keep []Candidate
		for _, c := range queue {
			if now.Sub(c.QueuedAt) >= p.opts.BatchWindow {
				ready = append(ready, c)
			} else {
				keep = append(keep, c)
			}
		}
		if len(keep) == 0 {
			delete(p.batches, cat)
		} else {
			p.batches[cat] = keep
		}
	}

	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Score.Overall > ready[j].Score.Overall
	})
	return ready
}

// ProcessDeferredQueue releases deferred candidates once usage has
// dropped back below the deferral threshold, oldest first, capped per
// call. Entries past the age cap are evicted unprocessed.
func (p *Processor) ProcessDeferredQueue(snap *usage.Snapshot) []Candidate {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.opts.Now()
	maxAge := time.Duration(p.cfg.DeferredMaxAgeDays) * 24 * time.Hour
	if maxAge == 0 {
		maxAge = 7 * 24 * time.Hour
	}

	var kept []Candidate
	for _, c := range p.deferred {
		if now.Sub(c.QueuedAt) > maxAge {
			p.logger.Info("evicting stale deferred issue", "issue", dedup.IssueKey(c.Issue), "queued_at", c.QueuedAt)
			continue
		}
		kept = append(kept, c)
	}
	p.deferred = kept

	if snap != nil && p.cfg.DeferralThreshold > 0 && snap.Daily.Worst() >= p.cfg.DeferralThreshold {
		return nil
	}

	limit := p.cfg.DeferredReleaseLimit
	if limit == 0 {
		limit = 5
	}
	if limit > len(p.deferred) {
		limit = len(p.deferred)
	}

	released := p.deferred[:limit]
	p.deferred = p.deferred[limit:]
	return released
}

// QueueSizes reports current queue depths for status output.
func (p *Processor) QueueSizes() (batch map[Category]int, deferred int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch = make(map[Category]int, len(p.batches))
	for cat, queue := range p.batches {
		batch[cat] = len(queue)
	}
	return batch, len(p.deferred)
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}

func containsAny(text string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(text, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

func hasAnyLabel(iss issue.Issue, labels []string) bool {
	for _, l := range labels {
		if iss.HasLabel(l) {
			return true
		}
	}
	return false
}

func isBot(author string) bool {
	a := strings.ToLower(author)
	return strings.HasSuffix(a, "[bot]") || strings.HasSuffix(a, "-bot") || a == "bot"
}

// keywords extracts the significant words of a title for overlap scoring.
func keywords(title string) []string {
	var words []string
	for _, w := range strings.Fields(strings.ToLower(title)) {
		w = strings.Trim(w, ".,!?:;\"'()[]")
		if len(w) > 3 {
			words = append(words, w)
		}
	}
	return words
}

// jaccardFold computes case-insensitive Jaccard overlap of two sets.
func jaccardFold(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]int)
	for _, s := range a {
		set[strings.ToLower(s)] |= 1
	}
	for _, s := range b {
		set[strings.ToLower(s)] |= 2
	}
	union, inter := 0, 0
	for _, mask := range set {
		union++
		if mask == 3 {
			inter++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
