package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gitnudge/internal/cronexpr"
	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/internal/source"
	"github.com/gitnudge/internal/storage"
	"github.com/gitnudge/internal/storage/sqlite"
	"github.com/gitnudge/pkg/logger"
)

type fakeSource struct {
	commits []models.Commit
	err     error
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchCommits(_ context.Context, _ string, _ source.Window) ([]models.Commit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.commits, nil
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []dispatch.Message
	err    error
	onSend func()
}

func (f *fakeTransport) Send(_ context.Context, _ string, msg dispatch.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onSend != nil {
		f.onSend()
	}
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeTransport) lastBody() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].Body
}

func sampleCommits() []models.Commit {
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	return []models.Commit{
		{SHA: "aaaa111bbbb", Message: "feat: add export endpoint", Author: "alice", Date: base, LinesAdded: 120, LinesRemoved: 8},
		{SHA: "cccc222dddd", Message: "fix(api): handle empty payload", Author: "bob", Date: base.Add(time.Hour), LinesAdded: 14, LinesRemoved: 3},
		{SHA: "eeee333ffff", Message: "Update dependencies", Author: "alice", Date: base.Add(2 * time.Hour), LinesAdded: 40, LinesRemoved: 40},
	}
}

func newTestEngine(t *testing.T, src source.CommitSource, transport dispatch.Transport) (*Engine, *sqlite.Repository) {
	t.Helper()

	repo, err := sqlite.New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	log := logger.New(logger.Config{Level: "error"})
	dispatcher := dispatch.New(map[models.Channel]dispatch.Transport{
		models.ChannelEmail: transport,
	}, log)

	eng := New(repo, src, dispatcher, nil, nil, Options{Location: time.UTC}, log)
	return eng, repo
}

func seedSchedule(t *testing.T, repo *sqlite.Repository, nextRunAt *time.Time, templateID *string) *models.Schedule {
	t.Helper()
	schedule := &models.Schedule{
		ID:             uuid.NewString(),
		OwnerID:        "local",
		SourceRepo:     "acme/widgets",
		TemplateID:     templateID,
		CronExpression: "0 9 * * 1",
		Channel:        models.ChannelEmail,
		Recipient:      "dev@example.com",
		IsActive:       true,
		NextRunAt:      nextRunAt,
	}
	if err := repo.CreateSchedule(context.Background(), schedule); err != nil {
		t.Fatalf("seed schedule: %v", err)
	}
	return schedule
}

func TestRunNowPreservesNextRunAt(t *testing.T) {
	transport := &fakeTransport{}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	ctx := context.Background()

	next := time.Now().Add(48 * time.Hour).Truncate(time.Second)
	schedule := seedSchedule(t, repo, &next, nil)

	entry, err := eng.RunNow(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if entry.Outcome != models.RunOutcomeSuccess {
		t.Fatalf("outcome = %s (%s)", entry.Outcome, entry.ErrorDetail)
	}
	if !entry.Manual {
		t.Fatal("entry not marked manual")
	}
	if transport.sentCount() != 1 {
		t.Fatalf("sends = %d, want 1", transport.sentCount())
	}

	after, err := repo.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.NextRunAt == nil || after.NextRunAt.Unix() != next.Unix() {
		t.Fatalf("NextRunAt = %v, want unchanged %v", after.NextRunAt, next)
	}
	if after.LastRunAt == nil {
		t.Fatal("LastRunAt not recorded")
	}
	if after.LastRunStatus != models.RunStatusSuccess {
		t.Fatalf("LastRunStatus = %s", after.LastRunStatus)
	}
}

func TestRunNowConflictsWithHeldClaim(t *testing.T) {
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, &fakeTransport{})
	ctx := context.Background()

	next := time.Now().Add(time.Hour)
	schedule := seedSchedule(t, repo, &next, nil)

	claimed, err := repo.ClaimSchedule(ctx, schedule.ID, time.Now())
	if err != nil || !claimed {
		t.Fatalf("setup claim = %v, %v", claimed, err)
	}

	if _, err := eng.RunNow(ctx, schedule.ID); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("RunNow = %v, want ErrClaimConflict", err)
	}

	// The conflicting attempt is a non-event: nothing in the ledger
	entries, err := repo.ListRunEntries(ctx, schedule.ID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("ledger entries = %d, want 0", len(entries))
	}
}

func TestPollExecutesDueSchedule(t *testing.T) {
	transport := &fakeTransport{}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	ctx := context.Background()

	template, err := eng.CreateTemplate(ctx, "local", "count-only", "", "Repo {{repoName}}: {{commitCount}} commits")
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	past := time.Now().Add(-time.Minute)
	schedule := seedSchedule(t, repo, &past, &template.ID)

	before := time.Now()
	eng.pollCycle(ctx)
	eng.wg.Wait()

	if got := transport.lastBody(); got != "Repo acme/widgets: 3 commits" {
		t.Fatalf("rendered body = %q", got)
	}

	entries, err := repo.ListRunEntries(ctx, schedule.ID, 10)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if entries[0].Outcome != models.RunOutcomeSuccess || entries[0].Manual {
		t.Fatalf("entry = %+v", entries[0])
	}

	after, err := repo.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(before) {
		t.Fatalf("NextRunAt = %v, want re-armed in the future", after.NextRunAt)
	}
}

func TestDispatchFailureRecordsAndReschedules(t *testing.T) {
	transport := &fakeTransport{err: errors.New("connection refused")}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	schedule := seedSchedule(t, repo, &past, nil)

	before := time.Now()
	eng.pollCycle(ctx)
	eng.wg.Wait()

	entries, err := repo.ListRunEntries(ctx, schedule.ID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %v, %v", entries, err)
	}
	if entries[0].Outcome != models.RunOutcomeFailure {
		t.Fatalf("outcome = %s", entries[0].Outcome)
	}
	if !strings.Contains(entries[0].ErrorDetail, "dispatch") {
		t.Fatalf("error detail = %q", entries[0].ErrorDetail)
	}

	// A failed run still advances the cadence
	after, err := repo.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(before) {
		t.Fatalf("NextRunAt = %v, want re-armed after failure", after.NextRunAt)
	}
	if after.LastRunStatus != models.RunStatusFailure {
		t.Fatalf("LastRunStatus = %s", after.LastRunStatus)
	}

	// And the claim is released
	claimed, err := repo.ClaimSchedule(ctx, schedule.ID, time.Now())
	if err != nil || !claimed {
		t.Fatalf("claim after run = %v, %v", claimed, err)
	}
}

func TestInvalidRecipientRecordsFailureAndReschedules(t *testing.T) {
	transport := &fakeTransport{}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	ctx := context.Background()

	// A recipient that slipped past write-time validation (e.g. edited in
	// the database) must still fail cleanly at delivery time
	past := time.Now().Add(-time.Minute)
	schedule := seedSchedule(t, repo, &past, nil)
	schedule.Recipient = "not-an-email"
	if err := repo.UpdateSchedule(ctx, schedule); err != nil {
		t.Fatalf("corrupt recipient: %v", err)
	}

	before := time.Now()
	eng.pollCycle(ctx)
	eng.wg.Wait()

	if transport.sentCount() != 0 {
		t.Fatal("transport called for an invalid recipient")
	}

	entries, err := repo.ListRunEntries(ctx, schedule.ID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %v, %v", entries, err)
	}
	if entries[0].Outcome != models.RunOutcomeFailure {
		t.Fatalf("outcome = %s", entries[0].Outcome)
	}
	if !strings.Contains(entries[0].ErrorDetail, "invalid recipient") {
		t.Fatalf("error detail = %q", entries[0].ErrorDetail)
	}

	after, err := repo.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(before) {
		t.Fatalf("NextRunAt = %v, want re-armed", after.NextRunAt)
	}
}

func TestSourceFailureRecordsFailure(t *testing.T) {
	transport := &fakeTransport{}
	srcErr := fmt.Errorf("%w: github responded 502", source.ErrSourceUnavailable)
	eng, repo := newTestEngine(t, &fakeSource{err: srcErr}, transport)
	ctx := context.Background()

	next := time.Now().Add(time.Hour)
	schedule := seedSchedule(t, repo, &next, nil)

	entry, err := eng.RunNow(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if entry.Outcome != models.RunOutcomeFailure {
		t.Fatalf("outcome = %s", entry.Outcome)
	}
	if !strings.Contains(entry.ErrorDetail, "fetch") {
		t.Fatalf("error detail = %q", entry.ErrorDetail)
	}
	if transport.sentCount() != 0 {
		t.Fatal("dispatch attempted after fetch failure")
	}
}

func TestRenderWarningFailsRunButStillDispatches(t *testing.T) {
	transport := &fakeTransport{}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	ctx := context.Background()

	template, err := eng.CreateTemplate(ctx, "local", "broken", "", "Repo {{repoName")
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	next := time.Now().Add(time.Hour)
	schedule := seedSchedule(t, repo, &next, &template.ID)

	entry, err := eng.RunNow(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if entry.Outcome != models.RunOutcomeFailure {
		t.Fatalf("outcome = %s, want failure on render warning", entry.Outcome)
	}
	if len(entry.Warnings) == 0 {
		t.Fatal("no warnings recorded")
	}
	// Partial output still goes out
	if transport.sentCount() != 1 {
		t.Fatalf("sends = %d, want 1", transport.sentCount())
	}
}

func TestDeactivatedDuringRunNotRearmed(t *testing.T) {
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, nil)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	schedule := seedSchedule(t, repo, &past, nil)

	// Deactivation lands while the run is in flight
	transport := &fakeTransport{onSend: func() {
		current, err := repo.GetScheduleByID(ctx, schedule.ID)
		if err != nil {
			t.Errorf("reload mid-run: %v", err)
			return
		}
		current.IsActive = false
		current.NextRunAt = nil
		if err := repo.UpdateSchedule(ctx, current); err != nil {
			t.Errorf("deactivate mid-run: %v", err)
		}
	}}
	log := logger.New(logger.Config{Level: "error"})
	eng.dispatcher = dispatch.New(map[models.Channel]dispatch.Transport{
		models.ChannelEmail: transport,
	}, log)

	eng.runDue(ctx, schedule)

	after, err := repo.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.IsActive {
		t.Fatal("schedule reactivated by run bookkeeping")
	}
	if after.NextRunAt != nil {
		t.Fatalf("NextRunAt = %v, want nil after mid-run deactivation", after.NextRunAt)
	}
	if after.LastRunAt == nil {
		t.Fatal("in-flight run did not record its completion")
	}
}

func TestDeletedTemplateFallsBackToDefault(t *testing.T) {
	transport := &fakeTransport{}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	ctx := context.Background()

	dangling := uuid.NewString()
	next := time.Now().Add(time.Hour)
	schedule := seedSchedule(t, repo, &next, &dangling)

	entry, err := eng.RunNow(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	if entry.Outcome != models.RunOutcomeSuccess {
		t.Fatalf("outcome = %s (%s), want success despite fallback", entry.Outcome, entry.ErrorDetail)
	}

	found := false
	for _, w := range entry.Warnings {
		if strings.Contains(w, "template") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want template fallback warning", entry.Warnings)
	}

	if !strings.Contains(entry.RenderedContent, "acme/widgets") {
		t.Fatalf("rendered content = %q, want default template output", entry.RenderedContent)
	}
	if transport.sentCount() != 1 {
		t.Fatalf("sends = %d, want 1", transport.sentCount())
	}
}

func TestCreateScheduleValidation(t *testing.T) {
	eng, _ := newTestEngine(t, &fakeSource{}, &fakeTransport{})
	ctx := context.Background()

	tests := []struct {
		name    string
		input   CreateScheduleInput
		wantErr error
	}{
		{
			name: "invalid cron",
			input: CreateScheduleInput{
				OwnerID: "local", SourceRepo: "acme/widgets",
				CronExpression: "0 9 * *",
				Channel:        models.ChannelEmail, Recipient: "dev@example.com",
			},
			wantErr: cronexpr.ErrInvalidCron,
		},
		{
			name: "email recipient for chat channel",
			input: CreateScheduleInput{
				OwnerID: "local", SourceRepo: "acme/widgets",
				CronExpression: "0 9 * * 1",
				Channel:        models.ChannelChat, Recipient: "dev@example.com",
			},
			wantErr: dispatch.ErrInvalidRecipient,
		},
		{
			name: "malformed email",
			input: CreateScheduleInput{
				OwnerID: "local", SourceRepo: "acme/widgets",
				CronExpression: "0 9 * * 1",
				Channel:        models.ChannelEmail, Recipient: "not-an-address",
			},
			wantErr: dispatch.ErrInvalidRecipient,
		},
		{
			name: "unknown channel",
			input: CreateScheduleInput{
				OwnerID: "local", SourceRepo: "acme/widgets",
				CronExpression: "0 9 * * 1",
				Channel:        models.Channel("pager"), Recipient: "dev@example.com",
			},
			wantErr: dispatch.ErrUnknownChannel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := eng.CreateSchedule(ctx, tt.input); !errors.Is(err, tt.wantErr) {
				t.Fatalf("CreateSchedule = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestToggleActive(t *testing.T) {
	eng, repo := newTestEngine(t, &fakeSource{}, &fakeTransport{})
	ctx := context.Background()

	next := time.Now().Add(time.Hour)
	schedule := seedSchedule(t, repo, &next, nil)

	toggled, err := eng.ToggleActive(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if toggled.IsActive || toggled.NextRunAt != nil {
		t.Fatalf("after deactivate: active=%v next=%v", toggled.IsActive, toggled.NextRunAt)
	}

	toggled, err = eng.ToggleActive(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if !toggled.IsActive || toggled.NextRunAt == nil {
		t.Fatalf("after reactivate: active=%v next=%v", toggled.IsActive, toggled.NextRunAt)
	}
	if !toggled.NextRunAt.After(time.Now()) {
		t.Fatalf("reactivated NextRunAt = %v, want in the future", toggled.NextRunAt)
	}
}

// slowTransport blocks until the context expires or the delay elapses,
// whichever comes first.
type slowTransport struct {
	delay time.Duration
}

func (s *slowTransport) Send(ctx context.Context, _ string, _ dispatch.Message) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRunBudgetExceededRecordsTimeoutAndReschedules(t *testing.T) {
	transport := &slowTransport{delay: 5 * time.Second}
	eng, repo := newTestEngine(t, &fakeSource{commits: sampleCommits()}, transport)
	eng.opts.RunTimeout = 50 * time.Millisecond
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	schedule := seedSchedule(t, repo, &past, nil)

	before := time.Now()
	eng.pollCycle(ctx)
	eng.wg.Wait()

	entries, err := repo.ListRunEntries(ctx, schedule.ID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %v, %v", entries, err)
	}
	if entries[0].Outcome != models.RunOutcomeFailure {
		t.Fatalf("outcome = %s", entries[0].Outcome)
	}
	if !strings.Contains(entries[0].ErrorDetail, "timeout during dispatch") {
		t.Fatalf("error detail = %q, want timeout reason", entries[0].ErrorDetail)
	}

	// Bookkeeping runs on its own deadline, so the blown run budget must
	// not stop the ledger write, the re-arm, or the claim release.
	after, err := repo.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.NextRunAt == nil || !after.NextRunAt.After(before) {
		t.Fatalf("NextRunAt = %v, want re-armed after timeout", after.NextRunAt)
	}
	claimed, err := repo.ClaimSchedule(ctx, schedule.ID, time.Now())
	if err != nil || !claimed {
		t.Fatalf("claim after run = %v, %v", claimed, err)
	}
}

// failingNextRunRepo passes everything through except the re-arm write,
// which always fails.
type failingNextRunRepo struct {
	storage.Repository

	mu       sync.Mutex
	attempts int
}

func (r *failingNextRunRepo) UpdateNextRun(_ context.Context, _ string, _ *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	return errors.New("disk I/O error")
}

func (r *failingNextRunRepo) attemptCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

func TestRearmFailureRetriesThenLeavesScheduleStale(t *testing.T) {
	underlying, err := sqlite.New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := underlying.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { underlying.Close() })
	wrapped := &failingNextRunRepo{Repository: underlying}

	log := logger.New(logger.Config{Level: "error"})
	transport := &fakeTransport{}
	dispatcher := dispatch.New(map[models.Channel]dispatch.Transport{
		models.ChannelEmail: transport,
	}, log)
	eng := New(wrapped, &fakeSource{commits: sampleCommits()}, dispatcher, nil, nil, Options{
		Location:        time.UTC,
		RescheduleTries: 2,
	}, log)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	schedule := seedSchedule(t, underlying, &past, nil)

	eng.pollCycle(ctx)
	eng.wg.Wait()

	if got := wrapped.attemptCount(); got != 2 {
		t.Fatalf("re-arm attempts = %d, want 2", got)
	}

	// The run itself succeeded and was ledgered
	entries, err := underlying.ListRunEntries(ctx, schedule.ID, 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("ledger entries = %v, %v", entries, err)
	}
	if entries[0].Outcome != models.RunOutcomeSuccess {
		t.Fatalf("outcome = %s", entries[0].Outcome)
	}
	if transport.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", transport.sentCount())
	}

	// The schedule stays armed at its stale time rather than being disarmed
	after, err := underlying.GetScheduleByID(ctx, schedule.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if after.NextRunAt == nil || after.NextRunAt.Unix() != past.Unix() {
		t.Fatalf("NextRunAt = %v, want unchanged %v", after.NextRunAt, past)
	}
}
