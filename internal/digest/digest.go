// Package digest renders the daily Markdown document handed to publishers.
// Rendering is pure: the same inputs always produce the same bytes, so a
// republish after force-publish or retry overwrites cleanly.
package digest

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DateLayout is the wire format for task and digest dates.
const DateLayout = "2006-01-02"

// Article is one completed story ready for the digest.
type Article struct {
	Rank             int
	TitleEn          string
	TitleZh          string
	URL              string
	PublishedTime    time.Time
	ContentSummaryZh string
	CommentSummaryZh string
}

// Document is the digest for one day. DigestDate is the day the stories are
// from, which is one day before the task that produced them.
type Document struct {
	DigestDate string
	Articles   []Article
}

// DigestDateFor returns the digest date for a task date: the calendar day
// before it.
func DigestDateFor(taskDate string) (string, error) {
	t, err := time.Parse(DateLayout, taskDate)
	if err != nil {
		return "", fmt.Errorf("invalid task date %q: %w", taskDate, err)
	}
	return t.AddDate(0, 0, -1).Format(DateLayout), nil
}

// Filename returns the published artifact name, YYYY-MM-DD-daily.md.
func (d *Document) Filename() string {
	return d.DigestDate + "-daily.md"
}

// Title returns the digest's human-readable title.
func (d *Document) Title() string {
	return "Hacker News 每日摘要 " + d.DigestDate
}

// Render produces the full Markdown document: YAML front matter followed by
// one block per article in rank order.
func (d *Document) Render() string {
	articles := make([]Article, len(d.Articles))
	copy(articles, d.Articles)
	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].Rank < articles[j].Rank
	})

	var sb strings.Builder

	sb.WriteString("---\n")
	sb.WriteString("layout: post\n")
	fmt.Fprintf(&sb, "title: \"%s\"\n", d.Title())
	fmt.Fprintf(&sb, "date: %s\n", d.DigestDate)
	sb.WriteString("---\n")

	for _, a := range articles {
		sb.WriteString("\n")
		fmt.Fprintf(&sb, "## %d. %s\n\n", a.Rank, a.displayTitle())
		fmt.Fprintf(&sb, "**原文**: %s\n\n", a.TitleEn)
		fmt.Fprintf(&sb, "**时间**: %s\n\n", a.PublishedTime.UTC().Format("2006-01-02 15:04:05")+" UTC")
		fmt.Fprintf(&sb, "**链接**: %s\n\n", a.URL)
		fmt.Fprintf(&sb, "**摘要**: %s\n", a.ContentSummaryZh)
		if a.CommentSummaryZh != "" {
			sb.WriteString("\n")
			fmt.Fprintf(&sb, "**评论**: %s\n", a.CommentSummaryZh)
		}
	}

	return sb.String()
}

// displayTitle prefers the translated title and falls back to the original.
func (a *Article) displayTitle() string {
	if strings.TrimSpace(a.TitleZh) != "" {
		return a.TitleZh
	}
	return a.TitleEn
}
