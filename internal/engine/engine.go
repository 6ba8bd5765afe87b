package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitnudge/internal/cronexpr"
	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/internal/render"
	"github.com/gitnudge/internal/source"
	"github.com/gitnudge/internal/storage"
	"github.com/gitnudge/pkg/logger"
)

// ErrClaimConflict is returned by RunNow when another execution of the same
// schedule is already in flight. Poll cycles treat conflicts as non-events.
var ErrClaimConflict = errors.New("schedule is already executing")

// Summarizer produces an optional natural-language commit summary exposed
// to templates as {{aiSummary}}
type Summarizer interface {
	SummarizeCommits(ctx context.Context, repo string, commits []models.Commit) (string, error)
}

// LedgerExporter mirrors completed runs to an external sink (Google Sheets).
// Export failures are logged, never fail runs.
type LedgerExporter interface {
	AppendRun(ctx context.Context, schedule *models.Schedule, entry *models.RunLedgerEntry) error
}

// Options holds engine tuning knobs
type Options struct {
	PollInterval    time.Duration  // due-schedule poll cadence
	RunTimeout      time.Duration  // total per-run execution budget
	FetchTimeout    time.Duration  // commit source call budget
	Location        *time.Location // zone cron expressions evaluate in
	RescheduleTries int            // attempts for the next-run persist
	DefaultLookback time.Duration  // commit window for first-ever runs
}

// withDefaults fills unset options with the recommended values
func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 60 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 30 * time.Second
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.RescheduleTries <= 0 {
		o.RescheduleTries = 5
	}
	if o.DefaultLookback <= 0 {
		o.DefaultLookback = 7 * 24 * time.Hour
	}
	return o
}

// Engine owns the poll loop and per-schedule execution. One logical
// scheduling authority: coordination runs through the repository's
// conditional claim updates, so instances stay isolated in tests.
type Engine struct {
	repo       storage.Repository
	src        source.CommitSource
	dispatcher *dispatch.Dispatcher
	summarizer Summarizer     // optional
	exporter   LedgerExporter // optional
	opts       Options
	log        *logger.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler engine. summarizer and exporter may be nil.
func New(
	repo storage.Repository,
	src source.CommitSource,
	dispatcher *dispatch.Dispatcher,
	summarizer Summarizer,
	exporter LedgerExporter,
	opts Options,
	log *logger.Logger,
) *Engine {
	return &Engine{
		repo:       repo,
		src:        src,
		dispatcher: dispatcher,
		summarizer: summarizer,
		exporter:   exporter,
		opts:       opts.withDefaults(),
		log:        log.WithComponent("engine"),
	}
}

// Start launches the poll loop. It returns immediately; the loop runs until
// Stop is called or ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(1)
	go e.pollLoop(loopCtx)

	e.log.Info().
		Dur("poll_interval", e.opts.PollInterval).
		Str("timezone", e.opts.Location.String()).
		Msg("Scheduler engine started")
}

// Stop cancels the poll loop and waits for in-flight executions to finish
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.Info().Msg("Scheduler engine stopped")
}

// pollLoop runs one poll cycle per tick until cancelled
func (e *Engine) pollLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.pollCycle(ctx)
		}
	}
}

// pollCycle queries due schedules and spawns one execution worker per
// schedule. A failing schedule never affects the cycle or its siblings.
func (e *Engine) pollCycle(ctx context.Context) {
	due, err := e.repo.ListDueSchedules(ctx, time.Now())
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to list due schedules")
		return
	}
	if len(due) == 0 {
		return
	}

	e.log.Debug().Int("due", len(due)).Msg("Poll cycle found due schedules")

	for _, schedule := range due {
		e.wg.Add(1)
		go func(s *models.Schedule) {
			defer e.wg.Done()
			e.runDue(ctx, s)
		}(schedule)
	}
}

// runDue claims and executes one due schedule. Claim misses are non-events:
// another path is already handling the same logical execution.
func (e *Engine) runDue(ctx context.Context, schedule *models.Schedule) {
	claimed, err := e.repo.ClaimSchedule(ctx, schedule.ID, time.Now())
	if err != nil {
		e.log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("Claim attempt failed")
		return
	}
	if !claimed {
		e.log.Debug().Str("schedule_id", schedule.ID).Msg("Claim conflict, skipping")
		return
	}

	e.executeClaimed(ctx, schedule, false)
}

// RunNow triggers an immediate execution, bypassing the due-time check but
// not the claim: a manual run and a poll-triggered run of the same schedule
// can never overlap. The regular cadence is preserved - a manual run does
// not alter nextRunAt. The run's ledger entry is returned synchronously.
func (e *Engine) RunNow(ctx context.Context, id string) (*models.RunLedgerEntry, error) {
	schedule, err := e.repo.GetScheduleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	claimed, err := e.repo.ClaimSchedule(ctx, schedule.ID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim schedule: %w", err)
	}
	if !claimed {
		return nil, ErrClaimConflict
	}

	return e.executeClaimed(ctx, schedule, true), nil
}

// executeClaimed runs a claimed schedule end to end: fetch, render,
// dispatch, ledger write, denormalized status update, reschedule, release.
// The caller must hold the claim.
func (e *Engine) executeClaimed(ctx context.Context, schedule *models.Schedule, manual bool) *models.RunLedgerEntry {
	log := e.log.WithSchedule(schedule.ID, schedule.SourceRepo)
	started := time.Now()

	entry := e.execute(ctx, schedule, manual)
	log = log.WithRunID(entry.ID)

	// Bookkeeping must survive a run that burned its whole budget, so it
	// runs on a fresh context.
	bookCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := e.repo.AppendRunEntry(bookCtx, entry); err != nil {
		log.Error().Err(err).Msg("Failed to write run ledger entry")
	}
	if e.exporter != nil {
		if err := e.exporter.AppendRun(bookCtx, schedule, entry); err != nil {
			log.Warn().Err(err).Msg("Run ledger export failed")
		}
	}

	e.finishRun(bookCtx, schedule.ID, entry, manual, log)

	if err := e.repo.ReleaseSchedule(bookCtx, schedule.ID); err != nil {
		log.Error().Err(err).Msg("Failed to release claim")
	}

	log.Info().
		Str("outcome", string(entry.Outcome)).
		Bool("manual", manual).
		Dur("duration", time.Since(started)).
		Msg("Run completed")

	return entry
}

// execute performs the fetch/render/dispatch pipeline and builds the
// immutable ledger entry for this attempt
func (e *Engine) execute(ctx context.Context, schedule *models.Schedule, manual bool) *models.RunLedgerEntry {
	now := time.Now()
	entry := &models.RunLedgerEntry{
		ID:          uuid.NewString(),
		ScheduleID:  schedule.ID,
		TriggeredAt: now,
		DeliveredTo: schedule.Recipient,
		Manual:      manual,
	}

	runCtx, cancel := context.WithTimeout(ctx, e.opts.RunTimeout)
	defer cancel()

	// Fetch commits
	window := source.WindowSince(schedule.LastRunAt, e.opts.DefaultLookback, now)
	fetchCtx, fetchCancel := context.WithTimeout(runCtx, e.opts.FetchTimeout)
	commits, err := e.src.FetchCommits(fetchCtx, schedule.SourceRepo, window)
	fetchCancel()
	if err != nil {
		entry.Outcome = models.RunOutcomeFailure
		entry.ErrorDetail = failureReason("fetch", runCtx, err)
		return entry
	}

	// Resolve template, falling back to the default when a referenced
	// template has been deleted
	content, templateWarnings := e.resolveTemplateContent(runCtx, schedule)

	// Build render context
	rc := render.Context{
		RepoName:  schedule.SourceRepo,
		Commits:   commits,
		Date:      now.In(e.opts.Location).Format("2006-01-02"),
		DateRange: formatDateRange(window, e.opts.Location),
	}
	if e.summarizer != nil {
		summary, err := e.summarizer.SummarizeCommits(runCtx, schedule.SourceRepo, commits)
		if err != nil {
			templateWarnings = append(templateWarnings, fmt.Sprintf("ai summary unavailable: %v", err))
		} else {
			rc.AISummary = summary
		}
	}

	result := render.Render(content, rc)
	entry.RenderedContent = result.Output
	entry.Warnings = append(templateWarnings, result.Warnings...)

	// Dispatch even when render raised warnings: partial output beats no
	// report at all
	msg := dispatch.Message{
		Subject: fmt.Sprintf("Activity report for %s", schedule.SourceRepo),
		Body:    result.Output,
	}
	dispatchErr := e.dispatcher.Dispatch(runCtx, schedule.Channel, schedule.Recipient, msg)

	// Template-fallback and summarizer warnings are informational; only a
	// dispatch error or a render syntax warning fails the attempt
	switch {
	case dispatchErr != nil:
		entry.Outcome = models.RunOutcomeFailure
		entry.ErrorDetail = failureReason("dispatch", runCtx, dispatchErr)
	case len(result.Warnings) > 0:
		entry.Outcome = models.RunOutcomeFailure
		entry.ErrorDetail = fmt.Sprintf("render warnings: %d", len(result.Warnings))
	default:
		entry.Outcome = models.RunOutcomeSuccess
	}
	return entry
}

// finishRun updates the schedule's denormalized last-run cache and, for
// poll-triggered runs, recomputes the next due time from the current
// instant. Recomputing from "now" rather than the original due time keeps a
// restart after downtime from replaying every missed firing.
//
// Both writes are column-scoped: the last-run update never touches
// activation or cadence columns, and the re-arm only lands while the
// schedule is still active, so a user toggle racing this bookkeeping always
// wins.
func (e *Engine) finishRun(ctx context.Context, scheduleID string, entry *models.RunLedgerEntry, manual bool, log *logger.Logger) {
	if err := e.repo.UpdateLastRun(ctx, scheduleID, entry.TriggeredAt, models.RunStatus(entry.Outcome)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted mid-run; nothing left to re-arm
			return
		}
		log.Error().Err(err).Msg("Failed to update last-run status")
	}

	// Manual runs never touch the cadence
	if manual {
		return
	}

	// Re-read for the current cron expression (it may have been edited
	// mid-run). The inactive check here is a fast path only; the
	// authoritative gate is UpdateNextRun's is_active condition.
	current, err := e.repo.GetScheduleByID(ctx, scheduleID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error().Err(err).Msg("Failed to reload schedule after run")
		}
		return
	}
	if !current.IsActive {
		return
	}

	next, err := cronexpr.Next(current.CronExpression, time.Now(), e.opts.Location)
	if err != nil {
		log.Error().Err(err).Msg("ALERT: stored cron expression failed to evaluate")
		return
	}
	e.persistNextRun(ctx, scheduleID, next, log)
}

// persistNextRun writes the recomputed next-due time, retrying with bounded
// exponential backoff. An armed-but-stale schedule silently stops firing,
// so exhausting retries is an operator-visible alert condition.
func (e *Engine) persistNextRun(ctx context.Context, scheduleID string, next time.Time, log *logger.Logger) {
	var err error
	for attempt := 1; attempt <= e.opts.RescheduleTries; attempt++ {
		if err = e.repo.UpdateNextRun(ctx, scheduleID, &next); err == nil {
			log.Debug().Time("next_run_at", next).Msg("Schedule re-armed")
			return
		}
		if attempt < e.opts.RescheduleTries {
			delay := backoffDelay(attempt)
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Failed to persist next run time, retrying")
			select {
			case <-ctx.Done():
				err = ctx.Err()
				attempt = e.opts.RescheduleTries
			case <-time.After(delay):
			}
		}
	}
	log.Error().
		Err(err).
		Time("next_run_at", next).
		Msg("ALERT: could not persist next run time, schedule left stale")
}

// resolveTemplateContent returns the template body for a schedule. A
// dangling template reference falls back to the default template rather
// than failing the run.
func (e *Engine) resolveTemplateContent(ctx context.Context, schedule *models.Schedule) (string, []string) {
	if schedule.TemplateID != nil {
		template, err := e.repo.GetTemplateByID(ctx, *schedule.TemplateID)
		if err == nil {
			return template.Content, nil
		}
		warning := fmt.Sprintf("template %s unavailable, using default: %v", *schedule.TemplateID, err)
		return e.defaultTemplateContent(ctx), []string{warning}
	}
	return e.defaultTemplateContent(ctx), nil
}

// defaultTemplateContent reads the seeded default template, falling back to
// the compiled-in content if the seed row is missing
func (e *Engine) defaultTemplateContent(ctx context.Context) string {
	template, err := e.repo.GetDefaultTemplate(ctx)
	if err != nil {
		return render.DefaultTemplateContent
	}
	return template.Content
}

// failureReason normalizes an execution error, mapping a blown run budget
// onto a timeout reason
func failureReason(stage string, ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Sprintf("timeout during %s: %v", stage, err)
	}
	return fmt.Sprintf("%s failed: %v", stage, err)
}

// formatDateRange renders a fetch window for the {{dateRange}} placeholder
func formatDateRange(window source.Window, loc *time.Location) string {
	const layout = "2006-01-02"
	return window.Since.In(loc).Format(layout) + " to " + window.Until.In(loc).Format(layout)
}

// backoffDelay computes the exponential backoff with jitter for a retry.
// retry starts at 1 (first retry).
func backoffDelay(retry int) time.Duration {
	const (
		base     = 500 * time.Millisecond
		maxDelay = 15 * time.Second
		jitter   = 0.2
	)
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxDelay {
			d = maxDelay
			break
		}
	}
	// jitter in [1-j, 1+j]
	factor := 1 + (rand.Float64()*2-1)*jitter
	return time.Duration(float64(d) * factor)
}
