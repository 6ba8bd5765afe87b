package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gitnudge/internal/cronexpr"
	"github.com/gitnudge/internal/dispatch"
	"github.com/gitnudge/internal/models"
)

// Synchronous management operations used by the CLI/API layer. Validation
// errors surface here, at write time; nothing malformed ever reaches the
// poll loop.

// CreateScheduleInput carries the fields of a new schedule
type CreateScheduleInput struct {
	OwnerID        string
	SourceRepo     string
	TemplateID     *string
	CronExpression string
	Channel        models.Channel
	Recipient      string
}

// validate checks the input against the write-time rules
func (in CreateScheduleInput) validate() error {
	if in.SourceRepo == "" {
		return fmt.Errorf("source repo is required")
	}
	if err := cronexpr.Validate(in.CronExpression); err != nil {
		return err
	}
	return dispatch.ValidateRecipient(in.Channel, in.Recipient)
}

// CreateSchedule validates and stores a new schedule. New schedules start
// active with nextRunAt computed immediately.
func (e *Engine) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*models.Schedule, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	if in.TemplateID != nil {
		if _, err := e.repo.GetTemplateByID(ctx, *in.TemplateID); err != nil {
			return nil, fmt.Errorf("template %s: %w", *in.TemplateID, err)
		}
	}

	next, err := cronexpr.Next(in.CronExpression, time.Now(), e.opts.Location)
	if err != nil {
		return nil, err
	}

	schedule := &models.Schedule{
		ID:             uuid.NewString(),
		OwnerID:        in.OwnerID,
		SourceRepo:     in.SourceRepo,
		TemplateID:     in.TemplateID,
		CronExpression: in.CronExpression,
		Channel:        in.Channel,
		Recipient:      in.Recipient,
		IsActive:       true,
		NextRunAt:      &next,
	}
	if err := e.repo.CreateSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}

	e.log.Info().
		Str("schedule_id", schedule.ID).
		Str("repo", schedule.SourceRepo).
		Str("cron", schedule.CronExpression).
		Time("next_run_at", next).
		Msg("Schedule created")

	return schedule, nil
}

// UpdateScheduleInput patches an existing schedule; nil fields are unchanged
type UpdateScheduleInput struct {
	SourceRepo     *string
	TemplateID     *string
	ClearTemplate  bool
	CronExpression *string
	Channel        *models.Channel
	Recipient      *string
}

// UpdateSchedule applies a patch, re-validating changed fields and
// recomputing nextRunAt when the cron expression changed on an active
// schedule
func (e *Engine) UpdateSchedule(ctx context.Context, id string, in UpdateScheduleInput) (*models.Schedule, error) {
	schedule, err := e.repo.GetScheduleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cronChanged := false
	if in.SourceRepo != nil {
		schedule.SourceRepo = *in.SourceRepo
	}
	if in.ClearTemplate {
		schedule.TemplateID = nil
	} else if in.TemplateID != nil {
		if _, err := e.repo.GetTemplateByID(ctx, *in.TemplateID); err != nil {
			return nil, fmt.Errorf("template %s: %w", *in.TemplateID, err)
		}
		schedule.TemplateID = in.TemplateID
	}
	if in.CronExpression != nil && *in.CronExpression != schedule.CronExpression {
		if err := cronexpr.Validate(*in.CronExpression); err != nil {
			return nil, err
		}
		schedule.CronExpression = *in.CronExpression
		cronChanged = true
	}
	if in.Channel != nil {
		schedule.Channel = *in.Channel
	}
	if in.Recipient != nil {
		schedule.Recipient = *in.Recipient
	}
	// Channel/recipient must agree after the patch
	if err := dispatch.ValidateRecipient(schedule.Channel, schedule.Recipient); err != nil {
		return nil, err
	}

	if cronChanged && schedule.IsActive {
		next, err := cronexpr.Next(schedule.CronExpression, time.Now(), e.opts.Location)
		if err != nil {
			return nil, err
		}
		schedule.NextRunAt = &next
	}

	if err := e.repo.UpdateSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	return schedule, nil
}

// DeleteSchedule hard-deletes a schedule
func (e *Engine) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := e.repo.GetScheduleByID(ctx, id); err != nil {
		return err
	}
	return e.repo.DeleteSchedule(ctx, id)
}

// ToggleActive flips the activation flag. Activating computes nextRunAt
// from now; deactivating clears it so poll cycles never select the
// schedule, even if its previous due time has passed.
func (e *Engine) ToggleActive(ctx context.Context, id string) (*models.Schedule, error) {
	schedule, err := e.repo.GetScheduleByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if schedule.IsActive {
		schedule.IsActive = false
		schedule.NextRunAt = nil
	} else {
		next, err := cronexpr.Next(schedule.CronExpression, time.Now(), e.opts.Location)
		if err != nil {
			return nil, err
		}
		schedule.IsActive = true
		schedule.NextRunAt = &next
	}

	if err := e.repo.UpdateSchedule(ctx, schedule); err != nil {
		return nil, fmt.Errorf("failed to toggle schedule: %w", err)
	}

	e.log.Info().
		Str("schedule_id", schedule.ID).
		Bool("is_active", schedule.IsActive).
		Msg("Schedule toggled")

	return schedule, nil
}

// ListRunHistory returns the most recent run ledger entries for a schedule
func (e *Engine) ListRunHistory(ctx context.Context, scheduleID string, limit int) ([]*models.RunLedgerEntry, error) {
	if _, err := e.repo.GetScheduleByID(ctx, scheduleID); err != nil {
		return nil, err
	}
	return e.repo.ListRunEntries(ctx, scheduleID, limit)
}

// CreateTemplate stores a new owner-created template
func (e *Engine) CreateTemplate(ctx context.Context, ownerID, name, description, content string) (*models.Template, error) {
	if name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	if content == "" {
		return nil, fmt.Errorf("template content is required")
	}

	template := &models.Template{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        name,
		Description: description,
		Content:     content,
	}
	if err := e.repo.CreateTemplate(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return template, nil
}

// UpdateTemplate replaces an owner template's content. Default templates
// are read-only and the repository rejects the write.
func (e *Engine) UpdateTemplate(ctx context.Context, id string, name, description, content *string) (*models.Template, error) {
	template, err := e.repo.GetTemplateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if name != nil {
		template.Name = *name
	}
	if description != nil {
		template.Description = *description
	}
	if content != nil {
		template.Content = *content
	}
	if err := e.repo.UpdateTemplate(ctx, template); err != nil {
		return nil, err
	}
	return template, nil
}

// DeleteTemplate removes an owner template. Schedules referencing it keep
// working: their next render falls back to the default template's content.
func (e *Engine) DeleteTemplate(ctx context.Context, id string) error {
	return e.repo.DeleteTemplate(ctx, id)
}
