package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// RunOutcome represents the result of a single execution attempt
type RunOutcome string

const (
	RunOutcomeSuccess RunOutcome = "success"
	RunOutcomeFailure RunOutcome = "failure"
)

// StringSlice is a custom type for storing string arrays in JSON
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	return json.Marshal(s)
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	}
	return nil
}

// RunLedgerEntry is an immutable record of one execution attempt of a
// schedule, including manual run-now invocations. Never mutated after creation.
type RunLedgerEntry struct {
	ID              string      `gorm:"primaryKey" json:"id"`
	ScheduleID      string      `gorm:"index;not null" json:"schedule_id"`
	TriggeredAt     time.Time   `gorm:"index;not null" json:"triggered_at"`
	Outcome         RunOutcome  `gorm:"not null" json:"outcome"`
	ErrorDetail     string      `json:"error_detail"` // present only on failure
	DeliveredTo     string      `json:"delivered_to"`
	RenderedContent string      `gorm:"type:text" json:"rendered_content"` // audit snapshot
	Warnings        StringSlice `gorm:"type:json" json:"warnings"`         // render warnings, if any
	Manual          bool        `gorm:"default:false" json:"manual"`
	CreatedAt       time.Time   `gorm:"autoCreateTime" json:"created_at"`
}
