package atom

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/internal/source"
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

const defaultFeedBase = "https://github.com"

// Config holds Atom feed source settings
type Config struct {
	FeedBase string `mapstructure:"feed_base"` // host serving <base>/<repo>/commits.atom
}

// Source fetches commits from a repository's public commit Atom feed.
// Needs no API token, so it is the fallback provider when none is
// configured. Line stats are not available through the feed.
type Source struct {
	feedBase    string
	parser      *gofeed.Parser
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a new Atom commit source
func New(cfg Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Source {
	feedBase := cfg.FeedBase
	if feedBase == "" {
		feedBase = defaultFeedBase
	}
	return &Source{
		feedBase:    feedBase,
		parser:      gofeed.NewParser(),
		rateLimiter: limiter,
		log:         log.WithComponent("atom"),
	}
}

// Name returns "atom"
func (s *Source) Name() string {
	return "atom"
}

// FetchCommits parses the repository's commit feed and filters to the window
func (s *Source) FetchCommits(ctx context.Context, repo string, window source.Window) ([]models.Commit, error) {
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterAtom); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	feedURL := fmt.Sprintf("%s/%s/commits.atom", s.feedBase, repo)
	s.log.Debug().Str("url", feedURL).Msg("Fetching commit feed")

	feed, err := s.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse commit feed for %s: %v", source.ErrSourceUnavailable, repo, err)
	}

	commits := make([]models.Commit, 0, len(feed.Items))
	for _, item := range feed.Items {
		date := time.Time{}
		if item.UpdatedParsed != nil {
			date = *item.UpdatedParsed
		} else if item.PublishedParsed != nil {
			date = *item.PublishedParsed
		}

		// The feed carries everything the repo has; apply the window here
		if !date.After(window.Since) || date.After(window.Until) {
			continue
		}

		author := ""
		if item.Author != nil {
			author = item.Author.Name
		}

		commits = append(commits, models.Commit{
			SHA:     shaFromEntryID(item.GUID),
			Message: strings.TrimSpace(item.Title),
			Author:  author,
			Date:    date,
		})
	}

	s.log.Debug().
		Str("repo", repo).
		Int("count", len(commits)).
		Msg("Fetched commits from Atom feed")

	return commits, nil
}

// shaFromEntryID extracts the commit hash from a feed entry ID of the form
// "tag:github.com,2008:Grit::Commit/<sha>"
func shaFromEntryID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// Ensure Source implements source.CommitSource
var _ source.CommitSource = (*Source)(nil)
