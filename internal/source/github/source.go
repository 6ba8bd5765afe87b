package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/gitnudge/internal/models"
	"github.com/gitnudge/internal/source"
	"github.com/gitnudge/pkg/logger"
	"github.com/gitnudge/pkg/ratelimit"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100
	maxPages       = 10
	// Fetching per-commit line stats costs one request each, so cap it
	maxStatsLookups = 25
)

// Config holds GitHub source settings
type Config struct {
	BaseURL    string `mapstructure:"base_url"`
	Token      string `mapstructure:"token"`
	FetchStats bool   `mapstructure:"fetch_stats"` // per-commit additions/deletions
}

// Source fetches commits through the GitHub REST API
type Source struct {
	httpClient  *http.Client
	baseURL     string
	fetchStats  bool
	rateLimiter *ratelimit.MultiLimiter
	log         *logger.Logger
}

// New creates a new GitHub commit source. A non-empty token is wired in as
// an oauth2 static token source so private repositories work too.
func New(cfg Config, limiter *ratelimit.MultiLimiter, log *logger.Logger) *Source {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	if cfg.Token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(context.Background(), ts)
		httpClient.Timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Source{
		httpClient:  httpClient,
		baseURL:     baseURL,
		fetchStats:  cfg.FetchStats,
		rateLimiter: limiter,
		log:         log.WithComponent("github"),
	}
}

// Name returns "github"
func (s *Source) Name() string {
	return "github"
}

// commitItem mirrors the fields we use from the list-commits response
type commitItem struct {
	SHA    string `json:"sha"`
	Commit struct {
		Message string `json:"message"`
		Author  struct {
			Name string    `json:"name"`
			Date time.Time `json:"date"`
		} `json:"author"`
	} `json:"commit"`
	Stats struct {
		Additions int `json:"additions"`
		Deletions int `json:"deletions"`
	} `json:"stats"`
}

// FetchCommits retrieves commits for repo ("owner/name") within the window
func (s *Source) FetchCommits(ctx context.Context, repo string, window source.Window) ([]models.Commit, error) {
	var commits []models.Commit

	for page := 1; page <= maxPages; page++ {
		items, err := s.listPage(ctx, repo, window, page)
		if err != nil {
			return nil, err
		}

		for _, item := range items {
			commits = append(commits, models.Commit{
				SHA:     item.SHA,
				Message: firstLine(item.Commit.Message),
				Author:  item.Commit.Author.Name,
				Date:    item.Commit.Author.Date,
			})
		}

		if len(items) < perPage {
			break
		}
	}

	if s.fetchStats {
		s.enrichStats(ctx, repo, commits)
	}

	s.log.Debug().
		Str("repo", repo).
		Int("count", len(commits)).
		Time("since", window.Since).
		Msg("Fetched commits from GitHub")

	return commits, nil
}

// listPage fetches one page of the list-commits endpoint
func (s *Source) listPage(ctx context.Context, repo string, window source.Window, page int) ([]commitItem, error) {
	if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterGitHub); err != nil {
		return nil, fmt.Errorf("rate limit error: %w", err)
	}

	q := url.Values{}
	q.Set("since", window.Since.UTC().Format(time.RFC3339))
	q.Set("until", window.Until.UTC().Format(time.RFC3339))
	q.Set("per_page", fmt.Sprintf("%d", perPage))
	q.Set("page", fmt.Sprintf("%d", page))

	endpoint := fmt.Sprintf("%s/repos/%s/commits?%s", s.baseURL, repo, q.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", source.ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: GitHub returned status %d for %s", source.ErrSourceUnavailable, resp.StatusCode, repo)
	}

	var items []commitItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", source.ErrSourceUnavailable, err)
	}
	return items, nil
}

// enrichStats fills in per-commit line counts via the single-commit endpoint.
// Best-effort: a failed lookup leaves that commit's counts at zero.
func (s *Source) enrichStats(ctx context.Context, repo string, commits []models.Commit) {
	limit := len(commits)
	if limit > maxStatsLookups {
		limit = maxStatsLookups
	}

	for i := 0; i < limit; i++ {
		if err := s.rateLimiter.Wait(ctx, ratelimit.LimiterGitHub); err != nil {
			return
		}

		endpoint := fmt.Sprintf("%s/repos/%s/commits/%s", s.baseURL, repo, commits[i].SHA)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			continue
		}
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			s.log.Warn().Err(err).Str("sha", commits[i].SHA).Msg("Failed to fetch commit stats")
			continue
		}

		var item commitItem
		decodeErr := json.NewDecoder(resp.Body).Decode(&item)
		resp.Body.Close()
		if decodeErr != nil || resp.StatusCode != http.StatusOK {
			continue
		}

		commits[i].LinesAdded = item.Stats.Additions
		commits[i].LinesRemoved = item.Stats.Deletions
	}
}

// firstLine truncates a commit message to its subject line
func firstLine(message string) string {
	for i := 0; i < len(message); i++ {
		if message[i] == '\n' {
			return message[:i]
		}
	}
	return message
}

// Ensure Source implements source.CommitSource
var _ source.CommitSource = (*Source)(nil)
