package dedup

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/store"
)

// Duplicate reasons reported by CheckDuplicate.
const (
	ReasonExactContent = "exact-content-match"
	ReasonIdentical    = "identical-content"
	ReasonMinorEdit    = "minor-edit"
	ReasonPermalink    = "permalink-match"

	// ReasonSignificantEdit is reported with IsDuplicate=false when an
	// already-seen issue changed enough to warrant reprocessing.
	ReasonSignificantEdit = "significant-edit"
)

// Options configures an Engine.
type Options struct {
	// LookbackDays bounds how far back ledger records count as matches.
	LookbackDays int
	// EditThreshold is the length-ratio above which an edit is significant.
	EditThreshold float64
	// SkipWindow suppresses reprocessing of issues edited shortly after
	// they were handled, regardless of how much changed.
	SkipWindow time.Duration
	// MaxEntries caps the ledger; oldest records are evicted first.
	MaxEntries int
	// Now overrides the clock for testing.
	Now func() time.Time
}

// Engine answers duplicate queries against the processed-issue ledger.
type Engine struct {
	store  store.Store
	logger *slog.Logger
	opts   Options

	mu sync.Mutex
}

// NewEngine creates a dedup engine. Zero option fields get defaults:
// 60-day lookback, 0.1 edit threshold, 24h skip window, 5000 entries.
func NewEngine(st store.Store, logger *slog.Logger, opts Options) *Engine {
	if opts.LookbackDays == 0 {
		opts.LookbackDays = 60
	}
	if opts.EditThreshold == 0 {
		opts.EditThreshold = 0.1
	}
	if opts.SkipWindow == 0 {
		opts.SkipWindow = 24 * time.Hour
	}
	if opts.MaxEntries == 0 {
		opts.MaxEntries = 5000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, logger: logger, opts: opts}
}

// contentLength is the edit-distance proxy: total rune count of title
// and body. Significance is judged by length ratio, not true edit
// distance; a rewrite that keeps the same length slips through, which
// matches the skip-window's intent of suppressing churn.
func contentLength(iss issue.Issue) int {
	return len([]rune(iss.Title)) + len([]rune(iss.Body))
}

// editRatio returns the relative length change between two content sizes.
func editRatio(oldLen, newLen int) float64 {
	max := oldLen
	if newLen > max {
		max = newLen
	}
	if max == 0 {
		return 0
	}
	diff := oldLen - newLen
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(max)
}

// CheckDuplicate runs the three-stage duplicate check: content hash
// across the whole ledger, then same-key edit analysis, then source
// permalink. Ledger read errors degrade to "not a duplicate" so a
// broken ledger reprocesses rather than drops issues.
func (e *Engine) CheckDuplicate(iss issue.Issue) issue.DuplicateInfo {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Now()
	cutoff := now.AddDate(0, 0, -e.opts.LookbackDays)
	hash := ContentHash(iss)
	key := IssueKey(iss)

	// Stage 1: exact content hash anywhere in the window.
	if rec, err := e.store.GetProcessedByHash(hash); err == nil {
		if rec.ProcessedAt.After(cutoff) {
			reason := ReasonExactContent
			if rec.IssueKey == key {
				reason = ReasonIdentical
			}
			return duplicateOf(rec, reason)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dedup ledger lookup failed", "stage", "hash", "error", err)
	}

	// Stage 2: same issue key, judge the edit.
	if rec, err := e.store.GetProcessed(key); err == nil {
		if rec.ProcessedAt.After(cutoff) {
			if rec.ContentHash == hash {
				return duplicateOf(rec, ReasonIdentical)
			}
			if now.Sub(rec.ProcessedAt) < e.opts.SkipWindow {
				hours := int(e.opts.SkipWindow / time.Hour)
				return duplicateOf(rec, fmt.Sprintf("edited-within-%dh", hours))
			}
			if editRatio(rec.ContentLength, contentLength(iss)) < e.opts.EditThreshold {
				return duplicateOf(rec, ReasonMinorEdit)
			}
			return issue.DuplicateInfo{
				IsDuplicate:       false,
				Reason:            ReasonSignificantEdit,
				MatchedKey:        rec.IssueKey,
				DestinationNumber: rec.DestinationNumber,
				DestinationURL:    rec.DestinationURL,
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("dedup ledger lookup failed", "stage", "key", "error", err)
	}

	// Stage 3: shared external thread permalink.
	if iss.ThreadPermalink != "" {
		if rec, err := e.store.GetProcessedByPermalink(iss.ThreadPermalink); err == nil {
			if rec.ProcessedAt.After(cutoff) {
				return duplicateOf(rec, ReasonPermalink)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("dedup ledger lookup failed", "stage", "permalink", "error", err)
		}
	}

	return issue.DuplicateInfo{}
}

func duplicateOf(rec *store.ProcessedIssue, reason string) issue.DuplicateInfo {
	return issue.DuplicateInfo{
		IsDuplicate:       true,
		Reason:            reason,
		MatchedKey:        rec.IssueKey,
		DestinationNumber: rec.DestinationNumber,
		DestinationURL:    rec.DestinationURL,
	}
}

// RecordProcessing writes the ledger entry for a concluded routing
// attempt. It must be called exactly once per attempt, after the
// attempt's external side effects, so a crash mid-processing does not
// falsely mark the issue as handled.
func (e *Engine) RecordProcessing(iss issue.Issue, cls *issue.Classification, dest issue.GitHubOutcome, apiCalls int, outcome string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.opts.Now()
	key := IssueKey(iss)
	hash := ContentHash(iss)

	rec := &store.ProcessedIssue{
		IssueKey:          key,
		SourceRepo:        iss.SourceRepo,
		Number:            iss.Number,
		ContentHash:       hash,
		ContentLength:     contentLength(iss),
		Permalink:         iss.ThreadPermalink,
		ProcessedAt:       now,
		DestinationNumber: dest.Number,
		DestinationURL:    dest.URL,
		APICalls:          apiCalls,
		Outcome:           outcome,
	}
	if cls != nil {
		rec.Destination = cls.Repository
		rec.Labels = cls.Labels
		rec.Priority = string(cls.Priority)
		rec.Confidence = cls.Confidence
	}

	// Carry edit history forward when this key was seen before.
	if prev, err := e.store.GetProcessed(key); err == nil {
		rec.EditCount = prev.EditCount
		rec.LastEditedAt = prev.LastEditedAt
		if prev.ContentHash != hash {
			rec.EditCount++
			t := now
			rec.LastEditedAt = &t
		}
		if rec.DestinationNumber == 0 {
			rec.DestinationNumber = prev.DestinationNumber
			rec.DestinationURL = prev.DestinationURL
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reading prior ledger entry: %w", err)
	}

	if err := e.store.UpsertProcessed(rec); err != nil {
		return fmt.Errorf("recording processing: %w", err)
	}
	return nil
}

// Cleanup garbage-collects the ledger: drops records past the lookback
// window and trims to the entry cap. Returns the number removed.
func (e *Engine) Cleanup() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.opts.Now().AddDate(0, 0, -e.opts.LookbackDays)
	removed, err := e.store.PruneProcessed(cutoff, e.opts.MaxEntries)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		e.logger.Info("pruned duplicate ledger", "removed", removed)
	}
	return removed, nil
}

// BuildSearchQuery derives a short text query for searching a
// destination repository for near-duplicate issues.
func BuildSearchQuery(iss issue.Issue) string {
	words := strings.Fields(normalizeText(iss.Title))
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
