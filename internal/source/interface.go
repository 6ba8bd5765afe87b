package source

import (
	"context"
	"errors"
	"time"

	"github.com/gitnudge/internal/models"
)

// ErrSourceUnavailable distinguishes a transport-level fetch failure from
// an empty (still renderable) result.
var ErrSourceUnavailable = errors.New("commit source unavailable")

// Window bounds a commit fetch: commits authored in (Since, Until]
type Window struct {
	Since time.Time
	Until time.Time
}

// WindowSince builds a fetch window from the last successful run, falling
// back to the given lookback when the schedule has never run.
func WindowSince(lastRun *time.Time, lookback time.Duration, now time.Time) Window {
	since := now.Add(-lookback)
	if lastRun != nil && lastRun.After(since) {
		since = *lastRun
	}
	return Window{Since: since, Until: now}
}

// CommitSource is the capability a commit provider must implement
type CommitSource interface {
	// Name returns the provider name (github, atom)
	Name() string

	// FetchCommits retrieves commits for a repository within the window.
	// An empty slice with a nil error is a valid result; failures wrap
	// ErrSourceUnavailable.
	FetchCommits(ctx context.Context, repo string, window Window) ([]models.Commit, error)
}
