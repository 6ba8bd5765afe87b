package models

import (
	"time"
)

// Commit represents a single commit fetched from a source repository
type Commit struct {
	SHA          string
	Message      string
	Author       string
	Date         time.Time
	LinesAdded   int
	LinesRemoved int
}

// ShortSHA returns the abbreviated commit hash used in rendered summaries
func (c Commit) ShortSHA() string {
	if len(c.SHA) > 7 {
		return c.SHA[:7]
	}
	return c.SHA
}
