package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gitnudge/internal/models"
)

// DefaultTemplateContent is the built-in template used by schedules that do
// not reference a custom template, and the fallback when a referenced
// template has been deleted. Seeded into storage at migration time.
const DefaultTemplateContent = `Activity report for {{repoName}} ({{dateRange}})

{{commitCount}} commits by {{contributorCount}} contributors (+{{linesAdded}}/-{{linesRemoved}} lines)

{{commits}}`

// Context carries the dynamic data substituted into a template. Aggregate
// fields (counts, line totals, groupings) are derived from Commits so the
// same context always renders the same output.
type Context struct {
	RepoName  string
	Commits   []models.Commit
	Date      string // report date, pre-formatted by the caller
	DateRange string
	Version   string
	AISummary string
}

// Result carries the rendered output plus any structured warnings raised
// while rendering. Warnings never abort a render.
type Result struct {
	Output   string
	Warnings []string
}

// Render substitutes {{name}} placeholders in content with values from the
// context. Unknown placeholders are left verbatim; an unterminated
// placeholder renders literally and raises a warning. Pure and deterministic.
func Render(content string, rc Context) Result {
	values := rc.fields()

	var out strings.Builder
	var warnings []string

	rest := content
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])
		rest = rest[open:]

		close := strings.Index(rest, "}}")
		if close < 0 {
			// Unterminated placeholder: keep the fragment as-is
			out.WriteString(rest)
			warnings = append(warnings, fmt.Sprintf("unterminated placeholder: %q", rest))
			break
		}

		name := strings.TrimSpace(rest[2:close])
		if value, ok := values[name]; ok {
			out.WriteString(value)
		} else {
			// Unknown field: leave the placeholder verbatim so templates
			// referencing not-yet-supported fields degrade gracefully
			out.WriteString(rest[:close+2])
		}
		rest = rest[close+2:]
	}

	return Result{Output: out.String(), Warnings: warnings}
}

// fields builds the flat placeholder lookup table for this context
func (rc Context) fields() map[string]string {
	feat, fix, docs, others := groupByPrefix(rc.Commits)

	return map[string]string{
		"repoName":         rc.RepoName,
		"commits":          formatCommits(rc.Commits),
		"commitCount":      strconv.Itoa(len(rc.Commits)),
		"date":             rc.Date,
		"dateRange":        rc.DateRange,
		"author":           latestAuthor(rc.Commits),
		"contributorCount": strconv.Itoa(contributorCount(rc.Commits)),
		"linesAdded":       strconv.Itoa(sumLines(rc.Commits, true)),
		"linesRemoved":     strconv.Itoa(sumLines(rc.Commits, false)),
		"featCommits":      formatCommits(feat),
		"fixCommits":       formatCommits(fix),
		"docsCommits":      formatCommits(docs),
		"othersCommits":    formatCommits(others),
		"version":          rc.Version,
		"aiSummary":        rc.AISummary,
	}
}

// formatCommits renders a commit list as one summary line per commit
func formatCommits(commits []models.Commit) string {
	lines := make([]string, 0, len(commits))
	for _, c := range commits {
		lines = append(lines, fmt.Sprintf("- %s (%s)", c.Message, c.ShortSHA()))
	}
	return strings.Join(lines, "\n")
}

// groupByPrefix splits commits into conventional-commit buckets
func groupByPrefix(commits []models.Commit) (feat, fix, docs, others []models.Commit) {
	for _, c := range commits {
		switch {
		case hasTypePrefix(c.Message, "feat"):
			feat = append(feat, c)
		case hasTypePrefix(c.Message, "fix"):
			fix = append(fix, c)
		case hasTypePrefix(c.Message, "docs"):
			docs = append(docs, c)
		default:
			others = append(others, c)
		}
	}
	return feat, fix, docs, others
}

// hasTypePrefix matches a conventional-commit type, with or without scope
func hasTypePrefix(message, typ string) bool {
	lower := strings.ToLower(message)
	return strings.HasPrefix(lower, typ+":") || strings.HasPrefix(lower, typ+"(")
}

// latestAuthor returns the author of the most recent commit
func latestAuthor(commits []models.Commit) string {
	if len(commits) == 0 {
		return ""
	}
	latest := commits[0]
	for _, c := range commits[1:] {
		if c.Date.After(latest.Date) {
			latest = c
		}
	}
	return latest.Author
}

// contributorCount counts distinct commit authors
func contributorCount(commits []models.Commit) int {
	seen := make(map[string]struct{}, len(commits))
	for _, c := range commits {
		seen[c.Author] = struct{}{}
	}
	return len(seen)
}

// sumLines totals added or removed lines across commits
func sumLines(commits []models.Commit, added bool) int {
	total := 0
	for _, c := range commits {
		if added {
			total += c.LinesAdded
		} else {
			total += c.LinesRemoved
		}
	}
	return total
}
