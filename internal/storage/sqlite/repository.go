package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/internal/render"
	"github.com/gitnudge/internal/storage"
)

// claimTTL is how long a claim may be held before another caller can take
// it over. Protects against claims orphaned by a process crash mid-run.
const claimTTL = 5 * time.Minute

// Repository implements storage.Repository on gorm. The package ships the
// sqlite driver by default; a postgres DSN is selected by driver name.
type Repository struct {
	db *gorm.DB
}

// New creates a new repository for the given driver ("sqlite" or "postgres")
func New(driver, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		// Ensure directory exists for file-backed databases
		dir := filepath.Dir(dsn)
		if dir != "." && dir != "" && dsn != ":memory:" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// An in-memory sqlite database exists per connection; pin the pool to
	// one connection so every caller sees the same data
	if dsn == ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Repository{db: db}, nil
}

// Migrate runs database migrations and seeds the default template
func (r *Repository) Migrate() error {
	if err := r.db.AutoMigrate(
		&models.Schedule{},
		&models.Template{},
		&models.RunLedgerEntry{},
		&models.SourceToken{},
	); err != nil {
		return err
	}
	return r.seedDefaultTemplate()
}

// seedDefaultTemplate creates the system default template if missing
func (r *Repository) seedDefaultTemplate() error {
	var count int64
	if err := r.db.Model(&models.Template{}).Where("is_default = ?", true).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	return r.db.Create(&models.Template{
		ID:          uuid.NewString(),
		OwnerID:     "system",
		Name:        "Default report",
		Description: "Built-in commit activity report",
		Content:     render.DefaultTemplateContent,
		IsDefault:   true,
	}).Error
}

// Close closes the database connection
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// notFound maps gorm's sentinel onto the storage one
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// Schedule operations

func (r *Repository) CreateSchedule(ctx context.Context, schedule *models.Schedule) error {
	return r.db.WithContext(ctx).Create(schedule).Error
}

func (r *Repository) GetScheduleByID(ctx context.Context, id string) (*models.Schedule, error) {
	var schedule models.Schedule
	if err := r.db.WithContext(ctx).First(&schedule, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &schedule, nil
}

func (r *Repository) ListSchedules(ctx context.Context, filter storage.ScheduleFilter) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	query := r.db.WithContext(ctx).Model(&models.Schedule{})

	if filter.OwnerID != nil {
		query = query.Where("owner_id = ?", *filter.OwnerID)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}
	if filter.Channel != nil {
		query = query.Where("channel = ?", *filter.Channel)
	}

	query = query.Order("created_at ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

func (r *Repository) UpdateSchedule(ctx context.Context, schedule *models.Schedule) error {
	return r.db.WithContext(ctx).Save(schedule).Error
}

func (r *Repository) DeleteSchedule(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&models.Schedule{}, "id = ?", id).Error
}

func (r *Repository) ListDueSchedules(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	var schedules []*models.Schedule
	if err := r.db.WithContext(ctx).
		Where("is_active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

// UpdateNextRun re-arms a schedule with a single conditional UPDATE. The
// is_active guard means a deactivation landing between a run's completion
// and this write can never be resurrected by stale engine state.
func (r *Repository) UpdateNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Where("id = ? AND is_active = ?", id, true).
		Update("next_run_at", nextRunAt)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		// Either the schedule is gone or it was deactivated; only the
		// former is an error
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Schedule{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return storage.ErrNotFound
		}
	}
	return nil
}

// UpdateLastRun touches only the last-run cache columns so it cannot clobber
// concurrent activation or cadence writes
func (r *Repository) UpdateLastRun(ctx context.Context, id string, at time.Time, status models.RunStatus) error {
	result := r.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_run_at":     at,
			"last_run_status": status,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ClaimSchedule performs a single conditional UPDATE: it only succeeds when
// no live claim exists, which serializes executions per schedule across
// goroutines (and across processes on postgres). Claims older than claimTTL
// are treated as orphaned and taken over.
func (r *Repository) ClaimSchedule(ctx context.Context, id string, now time.Time) (bool, error) {
	staleBefore := now.Add(-claimTTL)
	result := r.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Where("id = ? AND (claimed_at IS NULL OR claimed_at < ?)", id, staleBefore).
		Update("claimed_at", now)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) ReleaseSchedule(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&models.Schedule{}).
		Where("id = ?", id).
		Update("claimed_at", nil).Error
}

// Template operations

func (r *Repository) CreateTemplate(ctx context.Context, template *models.Template) error {
	return r.db.WithContext(ctx).Create(template).Error
}

func (r *Repository) GetTemplateByID(ctx context.Context, id string) (*models.Template, error) {
	var template models.Template
	if err := r.db.WithContext(ctx).First(&template, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &template, nil
}

func (r *Repository) GetDefaultTemplate(ctx context.Context) (*models.Template, error) {
	var template models.Template
	if err := r.db.WithContext(ctx).First(&template, "is_default = ?", true).Error; err != nil {
		return nil, notFound(err)
	}
	return &template, nil
}

func (r *Repository) ListTemplates(ctx context.Context, filter storage.TemplateFilter) ([]*models.Template, error) {
	var templates []*models.Template
	query := r.db.WithContext(ctx).Model(&models.Template{})

	if filter.OwnerID != nil {
		if filter.IncludeDefault {
			query = query.Where("owner_id = ? OR is_default = ?", *filter.OwnerID, true)
		} else {
			query = query.Where("owner_id = ?", *filter.OwnerID)
		}
	} else if !filter.IncludeDefault {
		query = query.Where("is_default = ?", false)
	}

	query = query.Order("created_at ASC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	if err := query.Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func (r *Repository) UpdateTemplate(ctx context.Context, template *models.Template) error {
	existing, err := r.GetTemplateByID(ctx, template.ID)
	if err != nil {
		return err
	}
	if existing.IsDefault {
		return storage.ErrTemplateReadOnly
	}
	return r.db.WithContext(ctx).Save(template).Error
}

func (r *Repository) DeleteTemplate(ctx context.Context, id string) error {
	existing, err := r.GetTemplateByID(ctx, id)
	if err != nil {
		return err
	}
	if existing.IsDefault {
		return storage.ErrTemplateReadOnly
	}
	return r.db.WithContext(ctx).Delete(&models.Template{}, "id = ?", id).Error
}

// Run ledger operations

func (r *Repository) AppendRunEntry(ctx context.Context, entry *models.RunLedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *Repository) ListRunEntries(ctx context.Context, scheduleID string, limit int) ([]*models.RunLedgerEntry, error) {
	var entries []*models.RunLedgerEntry
	query := r.db.WithContext(ctx).
		Where("schedule_id = ?", scheduleID).
		Order("triggered_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Source token operations

func (r *Repository) SaveToken(ctx context.Context, token *models.SourceToken) error {
	// Upsert - update if exists, create if not
	var existing models.SourceToken
	if err := r.db.WithContext(ctx).Where("provider = ?", token.Provider).First(&existing).Error; err == nil {
		token.ID = existing.ID
	}
	return r.db.WithContext(ctx).Save(token).Error
}

func (r *Repository) GetToken(ctx context.Context, provider string) (*models.SourceToken, error) {
	var token models.SourceToken
	if err := r.db.WithContext(ctx).Where("provider = ?", provider).First(&token).Error; err != nil {
		return nil, notFound(err)
	}
	return &token, nil
}

func (r *Repository) DeleteToken(ctx context.Context, provider string) error {
	return r.db.WithContext(ctx).Where("provider = ?", provider).Delete(&models.SourceToken{}).Error
}

// Ensure Repository implements storage.Repository
var _ storage.Repository = (*Repository)(nil)
