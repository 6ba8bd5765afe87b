package models

import (
	"time"
)

// Channel represents a delivery mechanism for rendered reports
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelChat  Channel = "chat-message"
)

// IsValid returns true if the channel is a known delivery mechanism
func (c Channel) IsValid() bool {
	return c == ChannelEmail || c == ChannelChat
}

// RunStatus represents the outcome of the most recent run of a schedule
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailure RunStatus = "failure"
)

// Schedule represents a recurring delivery obligation: render the latest
// activity of SourceRepo and deliver it to Recipient on the cron cadence.
type Schedule struct {
	ID             string     `gorm:"primaryKey" json:"id"`
	OwnerID        string     `gorm:"index;not null" json:"owner_id"`
	SourceRepo     string     `gorm:"not null" json:"source_repo"` // e.g. "org/repo"
	TemplateID     *string    `gorm:"index" json:"template_id"`    // nil means built-in default template
	CronExpression string     `gorm:"not null" json:"cron_expression"`
	Channel        Channel    `gorm:"not null" json:"channel"`
	Recipient      string     `gorm:"not null" json:"recipient"`
	IsActive       bool       `gorm:"index:idx_schedules_due;default:true" json:"is_active"`
	NextRunAt      *time.Time `gorm:"index:idx_schedules_due" json:"next_run_at"` // nil while inactive
	LastRunAt      *time.Time `json:"last_run_at"`
	LastRunStatus  RunStatus  `json:"last_run_status"`
	ClaimedAt      *time.Time `json:"claimed_at"` // non-nil while an execution is in flight
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
