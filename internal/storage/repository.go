package storage

import (
	"context"
	"errors"
	"time"

	"github.com/gitnudge/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// ErrTemplateReadOnly is returned when a caller tries to mutate or delete a
// system-provided default template
var ErrTemplateReadOnly = errors.New("default templates are read-only")

// Repository defines the interface for data persistence. It is the single
// source of truth: all cross-goroutine coordination (claims, activation
// toggles) goes through it via conditional updates, never in-process locks.
type Repository interface {
	// Schedule operations
	CreateSchedule(ctx context.Context, schedule *models.Schedule) error
	GetScheduleByID(ctx context.Context, id string) (*models.Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*models.Schedule, error)
	UpdateSchedule(ctx context.Context, schedule *models.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error

	// ListDueSchedules returns active schedules whose next_run_at has passed
	ListDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error)

	// UpdateNextRun persists only the next-due timestamp, and only while the
	// schedule is still active. A deactivation racing the write wins: the
	// schedule stays disarmed and the call returns nil.
	UpdateNextRun(ctx context.Context, id string, nextRunAt *time.Time) error

	// UpdateLastRun persists only the denormalized last-run cache columns
	UpdateLastRun(ctx context.Context, id string, at time.Time, status models.RunStatus) error

	// ClaimSchedule atomically marks a schedule as executing. Returns false
	// without error when another execution already holds the claim.
	ClaimSchedule(ctx context.Context, id string, now time.Time) (bool, error)

	// ReleaseSchedule clears the execution claim
	ReleaseSchedule(ctx context.Context, id string) error

	// Template operations
	CreateTemplate(ctx context.Context, template *models.Template) error
	GetTemplateByID(ctx context.Context, id string) (*models.Template, error)
	GetDefaultTemplate(ctx context.Context) (*models.Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*models.Template, error)
	UpdateTemplate(ctx context.Context, template *models.Template) error
	DeleteTemplate(ctx context.Context, id string) error

	// Run ledger operations (append-only)
	AppendRunEntry(ctx context.Context, entry *models.RunLedgerEntry) error
	ListRunEntries(ctx context.Context, scheduleID string, limit int) ([]*models.RunLedgerEntry, error)

	// Source token operations
	SaveToken(ctx context.Context, token *models.SourceToken) error
	GetToken(ctx context.Context, provider string) (*models.SourceToken, error)
	DeleteToken(ctx context.Context, provider string) error

	// Maintenance
	Close() error
	Migrate() error
}

// ScheduleFilter defines filtering options for schedules
type ScheduleFilter struct {
	OwnerID  *string
	IsActive *bool
	Channel  *models.Channel
	Limit    int
	Offset   int
}

// TemplateFilter defines filtering options for templates
type TemplateFilter struct {
	OwnerID        *string
	IncludeDefault bool
	Limit          int
	Offset         int
}

// DefaultScheduleFilter returns a filter with sensible defaults
func DefaultScheduleFilter() ScheduleFilter {
	return ScheduleFilter{Limit: 50}
}

// DefaultTemplateFilter returns a filter with sensible defaults
func DefaultTemplateFilter() TemplateFilter {
	return TemplateFilter{Limit: 50, IncludeDefault: true}
}
