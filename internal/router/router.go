// Package router runs the routing state machine for a single issue:
// rule match, classification, duplicate check, admission control,
// destination operation, board placement, source closing, ledger
// recording. Each issue is processed end-to-end by one Route call;
// callers wanting concurrency run Route on separate goroutines.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jacklau/dispatch/internal/classify"
	"github.com/jacklau/dispatch/internal/config"
	"github.com/jacklau/dispatch/internal/dedup"
	"github.com/jacklau/dispatch/internal/github"
	"github.com/jacklau/dispatch/internal/issue"
	"github.com/jacklau/dispatch/internal/priority"
	"github.com/jacklau/dispatch/internal/rules"
	"github.com/jacklau/dispatch/internal/store"
	"github.com/jacklau/dispatch/internal/usage"
)

// ReasonTextSearch marks a duplicate found by text search at the
// destination rather than in the local ledger.
const ReasonTextSearch = "text-search-match"

// promptOverheadTokens approximates the prompt scaffolding (candidate
// descriptions, instructions) wrapped around the issue text when sizing
// a classification call for admission.
const promptOverheadTokens = 500

// Classifier routes issues via an LLM, with a deterministic fallback.
type Classifier interface {
	Classify(ctx context.Context, iss issue.Issue, destinations []config.DestinationConfig, orgContext string) (*issue.Classification, classify.Usage)
	Enhance(ctx context.Context, iss issue.Issue, base *issue.Classification, destLabels []string) (*issue.Classification, classify.Usage, error)
	Fallback(iss issue.Issue) *issue.Classification
}

// Deduper answers duplicate queries and records concluded attempts.
type Deduper interface {
	CheckDuplicate(iss issue.Issue) issue.DuplicateInfo
	RecordProcessing(iss issue.Issue, cls *issue.Classification, dest issue.GitHubOutcome, apiCalls int, outcome string) error
}

// Meter gates and bills LLM calls against configured budgets.
type Meter interface {
	CheckLimits(estInputTokens, estOutputTokens int) usage.Admission
	RecordUsage(calls, inputTokens, outputTokens int)
	EstimatedOutputTokens() int
}

// Prioritizer scores issues and owns the batch and deferral queues.
type Prioritizer interface {
	AnalyzePriority(iss issue.Issue, snap *usage.Snapshot) priority.Score
	QueueIssue(iss issue.Issue, score priority.Score) bool
}

// Destinations performs issue operations at destination repositories.
type Destinations interface {
	CreateIssue(ctx context.Context, destination, title, body string, labels, assignees []string) (issue.GitHubOutcome, error)
	UpdateIssue(ctx context.Context, destination string, number int, commentBody string, mergedLabels []string) (issue.GitHubOutcome, error)
	SearchDuplicates(ctx context.Context, destination, query string) (*issue.Issue, error)
	ListLabels(ctx context.Context, destination string) ([]string, error)
	CloseAndLink(ctx context.Context, sourceRepo string, sourceNumber int, targetURL string) error
}

// Boards performs project-board operations.
type Boards interface {
	GetBoard(ctx context.Context, org string, number int) (*github.Board, error)
	AddItem(ctx context.Context, boardID, issueNodeID string) (string, error)
	SetField(ctx context.Context, board *github.Board, itemID, fieldName, value string) error
	IsItemPresent(ctx context.Context, boardID, issueNodeID string) (bool, string, error)
}

// AuditLog persists one routing outcome per attempt.
type AuditLog interface {
	LogRouting(rl *store.RoutingLog) error
}

// Deps holds the router's collaborators. Boards and Audit are optional.
type Deps struct {
	Classifier   Classifier
	Dedup        Deduper
	Meter        Meter
	Priorities   Prioritizer
	Destinations Destinations
	Boards       Boards
	Audit        AuditLog
	Logger       *slog.Logger
}

// Router drives the per-issue routing pipeline. Safe for concurrent
// Route calls; shared state lives behind the collaborators' own locks.
type Router struct {
	cfg  *config.Config
	deps Deps

	boardOnce sync.Once
	board     *github.Board
	boardErr  error
}

// New creates a Router.
func New(cfg *config.Config, deps Deps) *Router {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Router{cfg: cfg, deps: deps}
}

// Route processes one issue end to end and returns a structured result.
// It never panics outward and never returns an error: failures are
// reported through the result's Success and Error fields with whatever
// partial state was reached. Admission outcomes (batch, deferred,
// blocked) are not failures; batch and deferred results are successful
// queuing, blocked results carry Success=false with an empty Error.
func (r *Router) Route(ctx context.Context, iss issue.Issue) (res issue.RoutingResult) {
	start := time.Now()
	res.Issue = iss
	res.Decision = issue.DecisionImmediate

	var spent classify.Usage
	defer func() {
		if p := recover(); p != nil {
			res.Success = false
			res.Error = fmt.Sprintf("panic: %v", p)
			r.deps.Logger.Error("routing panicked", "issue", iss.Key(), "panic", p)
		}
		if spent.Calls > 0 {
			r.deps.Meter.RecordUsage(spent.Calls, spent.InputTokens, spent.OutputTokens)
		}
		res.Elapsed = time.Since(start)
		r.audit(&res)
	}()

	// Rule match, then classification. A rule hit fixes the destination
	// and priority; the classifier only enhances it, and enhancement
	// failures are non-fatal. On a miss the full classification is gated
	// by the usage meter and the priority decision.
	cls := rules.Match(iss, r.cfg.Routing.Rules)
	if cls != nil {
		r.step(&res, "rule matched: %s", cls.Reasoning)
		cls = r.enhance(ctx, iss, cls, &res, &spent)
	} else {
		var done bool
		cls, done = r.classifyGated(ctx, iss, &res, &spent)
		if done {
			return res
		}
	}
	res.Classification = cls

	// Duplicate check against the classified destination: local ledger
	// first, then a text search at the destination.
	dup := r.deps.Dedup.CheckDuplicate(iss)
	if !dup.IsDuplicate && dup.Reason == dedup.ReasonSignificantEdit {
		r.step(&res, "significant edit of %s, reprocessing", dup.MatchedKey)
	} else if !dup.IsDuplicate && dup.DestinationNumber == 0 {
		dup = r.searchDestination(ctx, iss, cls.Repository, dup, &res)
	}
	res.Duplicate = dup
	if dup.IsDuplicate {
		r.step(&res, "duplicate detected: %s (matched %s)", dup.Reason, dup.MatchedKey)
	}

	// Identical resubmissions need no destination traffic at all.
	if dup.IsDuplicate && (dup.Reason == dedup.ReasonIdentical || strings.HasPrefix(dup.Reason, "edited-within-")) {
		r.step(&res, "already processed, nothing to do")
		res.Success = true
		return res
	}

	out, outcome, err := r.destinationOp(ctx, iss, cls, dup, &res)
	if err != nil {
		res.GitHub.Error = err.Error()
		res.Error = err.Error()
		r.step(&res, "destination operation failed: %v", err)
		return res
	}
	res.GitHub = out
	res.Success = true

	r.placeOnBoard(ctx, cls, out, &res)

	// Close the source issue unless it lives where it was routed.
	if iss.SourceRepo != "" && iss.Number > 0 && !strings.EqualFold(iss.SourceRepo, cls.Repository) {
		if err := r.deps.Destinations.CloseAndLink(ctx, iss.SourceRepo, iss.Number, out.URL); err != nil {
			res.Success = false
			res.Error = err.Error()
			r.step(&res, "closing source failed: %v", err)
		} else {
			r.step(&res, "closed source %s", iss.Key())
		}
	}

	// Ledger write is last so a crash earlier cannot mark the issue as
	// handled before its side effects exist. The destination issue does
	// exist by now, so a failed write is logged, not fatal.
	if err := r.deps.Dedup.RecordProcessing(iss, cls, out, spent.Calls, outcome); err != nil {
		r.deps.Logger.Error("recording processed issue failed", "issue", iss.Key(), "error", err)
		r.step(&res, "ledger write failed: %v", err)
	}
	return res
}

// enhance refines a rule classification within its fixed destination.
// Skipped when the budget refuses the call; failures keep the rule
// result as-is.
func (r *Router) enhance(ctx context.Context, iss issue.Issue, cls *issue.Classification, res *issue.RoutingResult, spent *classify.Usage) *issue.Classification {
	adm := r.deps.Meter.CheckLimits(r.estimateInput(iss), r.deps.Meter.EstimatedOutputTokens())
	if !adm.Allowed {
		r.step(res, "enhancement skipped: %s", adm.Reason)
		return cls
	}

	destLabels := r.cfg.Routing.LabelsByDestination()[cls.Repository]
	enhanced, u, err := r.deps.Classifier.Enhance(ctx, iss, cls, destLabels)
	spent.Calls += u.Calls
	spent.InputTokens += u.InputTokens
	spent.OutputTokens += u.OutputTokens
	if err != nil {
		r.step(res, "enhancement failed, keeping rule result: %v", err)
		return cls
	}
	r.step(res, "classification enhanced")
	return enhanced
}

// classifyGated runs admission control and, when the issue may proceed,
// the full classification. done=true means the issue was queued or
// blocked and the pipeline stops here.
func (r *Router) classifyGated(ctx context.Context, iss issue.Issue, res *issue.RoutingResult, spent *classify.Usage) (cls *issue.Classification, done bool) {
	adm := r.deps.Meter.CheckLimits(r.estimateInput(iss), r.deps.Meter.EstimatedOutputTokens())
	for _, w := range adm.Warnings {
		r.step(res, "budget warning: %s", w)
	}

	score := r.deps.Priorities.AnalyzePriority(iss, &adm.Snapshot)
	res.Decision = score.Decision
	r.step(res, "priority %.2f (%s): %s", score.Overall, score.Category, score.Decision)

	switch score.Decision {
	case issue.DecisionBlocked:
		r.deps.Priorities.QueueIssue(iss, score)
		r.step(res, "blocked by admission control")
		return nil, true
	case issue.DecisionBatch, issue.DecisionDeferred:
		r.deps.Priorities.QueueIssue(iss, score)
		r.step(res, "queued for %s processing", score.Decision)
		res.Success = true
		return nil, true
	}

	// Budget refusal overrides an immediate decision except for
	// emergencies: the issue still routes, on the fallback
	// classification, without spending a call.
	if !adm.Allowed && score.Category != priority.CategoryEmergency {
		r.step(res, "classifier skipped: %s", adm.Reason)
		return r.deps.Classifier.Fallback(iss), false
	}

	cls, u := r.deps.Classifier.Classify(ctx, iss, r.cfg.Routing.Destinations, r.cfg.Routing.OrgContext)
	spent.Calls += u.Calls
	spent.InputTokens += u.InputTokens
	spent.OutputTokens += u.OutputTokens
	r.step(res, "classified to %s (confidence %.2f)", cls.Repository, cls.Confidence)
	return cls, false
}

// searchDestination looks for an open near-duplicate at the destination
// when the local ledger had nothing. Search failures degrade to "no
// duplicate".
func (r *Router) searchDestination(ctx context.Context, iss issue.Issue, destination string, dup issue.DuplicateInfo, res *issue.RoutingResult) issue.DuplicateInfo {
	if destination == "" {
		return dup
	}
	found, err := r.deps.Destinations.SearchDuplicates(ctx, destination, dedup.BuildSearchQuery(iss))
	if err != nil {
		r.step(res, "destination search failed: %v", err)
		return dup
	}
	if found == nil {
		return dup
	}
	r.step(res, "destination search matched %s#%d", destination, found.Number)
	return issue.DuplicateInfo{
		IsDuplicate:       true,
		Reason:            ReasonTextSearch,
		MatchedKey:        found.Key(),
		DestinationNumber: found.Number,
		DestinationURL:    found.URL,
	}
}

// destinationOp creates the destination issue, or updates the existing
// one when a duplicate or significant edit points at it.
func (r *Router) destinationOp(ctx context.Context, iss issue.Issue, cls *issue.Classification, dup issue.DuplicateInfo, res *issue.RoutingResult) (issue.GitHubOutcome, string, error) {
	if dup.DestinationNumber > 0 {
		comment := updateComment(iss, dup)
		out, err := r.deps.Destinations.UpdateIssue(ctx, cls.Repository, dup.DestinationNumber, comment, cls.Labels)
		if err != nil {
			return issue.GitHubOutcome{}, "", err
		}
		r.step(res, "updated %s#%d", cls.Repository, out.Number)
		return out, "updated", nil
	}

	body := cls.Body + traceabilityBlock(iss)
	out, err := r.deps.Destinations.CreateIssue(ctx, cls.Repository, cls.Title, body, cls.Labels, cls.Assignees)
	if err != nil {
		return issue.GitHubOutcome{}, "", err
	}
	r.step(res, "created %s#%d", cls.Repository, out.Number)
	return out, "created", nil
}

// placeOnBoard adds the destination issue to the configured project
// board and fills its fields. Board problems never fail the routing.
func (r *Router) placeOnBoard(ctx context.Context, cls *issue.Classification, out issue.GitHubOutcome, res *issue.RoutingResult) {
	if r.deps.Boards == nil || r.cfg.Board.Org == "" || r.cfg.Board.Number == 0 || out.NodeID == "" {
		return
	}

	r.boardOnce.Do(func() {
		r.board, r.boardErr = r.deps.Boards.GetBoard(ctx, r.cfg.Board.Org, r.cfg.Board.Number)
	})
	if r.boardErr != nil {
		r.step(res, "board unavailable: %v", r.boardErr)
		return
	}

	present, itemID, err := r.deps.Boards.IsItemPresent(ctx, r.board.ID, out.NodeID)
	if err != nil {
		r.step(res, "board membership check failed: %v", err)
		return
	}
	if present {
		res.BoardItemID = itemID
		return
	}

	itemID, err = r.deps.Boards.AddItem(ctx, r.board.ID, out.NodeID)
	if err != nil {
		r.step(res, "board placement failed: %v", err)
		return
	}
	res.BoardItemID = itemID
	r.step(res, "placed on board %s", r.board.Title)

	fields := map[string]string{
		"Priority": string(cls.Priority),
		"Type":     detectType(cls),
		"Size":     detectSize(cls),
	}
	for name, value := range cls.ProjectFields {
		fields[name] = value
	}
	for name, value := range fields {
		if value == "" {
			continue
		}
		if err := r.deps.Boards.SetField(ctx, r.board, itemID, name, value); err != nil {
			r.deps.Logger.Debug("board field not set", "field", name, "error", err)
		}
	}
}

// estimateInput sizes the classification prompt for admission control.
func (r *Router) estimateInput(iss issue.Issue) int {
	return classify.EstimateTokens(iss.Title+"\n"+iss.Body) + promptOverheadTokens
}

func (r *Router) step(res *issue.RoutingResult, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	res.Log = append(res.Log, line)
	r.deps.Logger.Debug(line, "issue", res.Issue.Key())
}

// audit persists the attempt outcome to the routing log.
func (r *Router) audit(res *issue.RoutingResult) {
	if r.deps.Audit == nil {
		return
	}

	rl := &store.RoutingLog{
		IssueKey: res.Issue.Key(),
		Decision: string(res.Decision),
		Success:  res.Success,
		Error:    res.Error,
	}
	if res.Classification != nil {
		rl.Destination = res.Classification.Repository
		rl.Reasoning = res.Classification.Reasoning
	}
	switch {
	case res.GitHub.Created:
		rl.Action = "created"
	case res.GitHub.Updated:
		rl.Action = "updated"
	case res.Duplicate.IsDuplicate:
		rl.Action = "skipped"
	default:
		rl.Action = string(res.Decision)
	}

	if err := r.deps.Audit.LogRouting(rl); err != nil {
		r.deps.Logger.Warn("writing routing log failed", "issue", rl.IssueKey, "error", err)
	}
}

// traceabilityBlock renders the source metadata appended to created
// destination issues.
func traceabilityBlock(iss issue.Issue) string {
	var b strings.Builder
	b.WriteString("\n\n---\n")

	source := iss.URL
	if source == "" {
		source = iss.Key()
	}
	if source != "" {
		fmt.Fprintf(&b, "**Source:** %s", source)
		if iss.Author != "" {
			fmt.Fprintf(&b, " (reported by @%s)", iss.Author)
		}
		b.WriteString("\n")
	}
	if !iss.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "**Reported:** %s\n", iss.CreatedAt.UTC().Format(time.RFC3339))
	}
	if iss.ThreadPermalink != "" {
		fmt.Fprintf(&b, "**Thread:** %s\n", iss.ThreadPermalink)
	}
	fmt.Fprintf(&b, "**Content hash:** `%s`\n", dedup.ContentHash(iss)[:16])
	return b.String()
}

// updateComment summarizes a repeated report on the existing
// destination issue.
func updateComment(iss issue.Issue, dup issue.DuplicateInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Another report of this issue was received (%s).\n", dup.Reason)
	if iss.URL != "" {
		fmt.Fprintf(&b, "\n**Source:** %s", iss.URL)
	} else if key := iss.Key(); key != "" {
		fmt.Fprintf(&b, "\n**Source:** %s", key)
	}
	if iss.Author != "" {
		fmt.Fprintf(&b, " (reported by @%s)", iss.Author)
	}
	b.WriteString("\n")
	if iss.Title != "" {
		fmt.Fprintf(&b, "\n> %s\n", iss.Title)
	}
	return b.String()
}

// detectType derives a board Type value from the classification labels.
func detectType(cls *issue.Classification) string {
	for _, l := range cls.Labels {
		switch strings.ToLower(l) {
		case "bug", "crash", "regression":
			return "Bug"
		case "enhancement", "feature", "feature-request":
			return "Feature"
		}
	}
	return "Task"
}

// detectSize estimates a board Size value from the body length.
func detectSize(cls *issue.Classification) string {
	n := len(cls.Body)
	switch {
	case n > 2000:
		return "Large"
	case n > 500:
		return "Medium"
	default:
		return "Small"
	}
}
