// Package tasks contains the daily-task state machine: the phase handlers
// that move a task from init to published, the driver that dispatches one
// handler per tick, and the scheduler that produces ticks.
//
// Everything here is stateless between ticks. The store is the only place
// progress lives, so any instance (or several at once) can pick a task up
// exactly where the last tick left it.
package tasks

import (
	"context"
	"errors"
	"time"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/fetcher"
	"github.com/birdsonghq/dawn-chorus/internal/hackernews"
)

// ErrNoCompletedArticles is returned when a publish is requested for a date
// with nothing completed. The digest is never published empty; requeue the
// failed articles instead.
var ErrNoCompletedArticles = errors.New("no completed articles to publish")

// StoreInterface defines the task store operations the state machine needs
type StoreInterface interface {
	GetOrCreateTask(ctx context.Context, date string) (*db.DailyTask, error)
	AdvancePhase(ctx context.Context, date string, from, to db.Phase) error
	BulkInsertArticles(ctx context.Context, date string, articles []db.Article) error
	ClaimPendingBatch(ctx context.Context, date string, n int) ([]db.Article, error)
	CompleteArticles(ctx context.Context, date string, updates []db.ArticleUpdate) error
	ListCompleted(ctx context.Context, date string) ([]db.Article, error)
	RecordBatch(ctx context.Context, rec db.BatchRecord) error
	MarkPublished(ctx context.Context, date string) error
	ArchiveIfPublished(ctx context.Context, date string) (bool, error)
	GetProgress(ctx context.Context, date string) (*db.TaskProgress, error)
}

// NewsInterface defines the methods we need from the Hacker News client
type NewsInterface interface {
	FetchStories(ctx context.Context, window hackernews.Window, limit int) ([]hackernews.Story, error)
	FetchComments(ctx context.Context, storyID int64, max int) ([]hackernews.Comment, error)
}

// FetcherInterface defines the methods we need from the article fetcher
type FetcherInterface interface {
	Fetch(ctx context.Context, targetURL string) (*fetcher.Content, error)
}

// LLMInterface defines the methods we need from the language model client
type LLMInterface interface {
	TranslateTitle(ctx context.Context, title string) (string, error)
	TranslateTitles(ctx context.Context, titles []string) ([]string, error)
	SummariseArticle(ctx context.Context, title, content string) (string, error)
	SummariseComments(ctx context.Context, title string, comments []string) (string, error)
}

// ProcessorInterface defines the phase handlers the driver dispatches to
type ProcessorInterface interface {
	FetchList(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error
	ProcessBatch(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error
	Aggregate(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error
}

// Config carries the processor knobs read once at startup.
type Config struct {
	// BatchSize is how many articles one processing tick claims.
	BatchSize int
	// StoryLimit is the target number of articles per day.
	StoryLimit int
	// CommentLimit caps how many top-level comments feed the comment summary.
	CommentLimit int
	// TimeWindowHours is the candidate age ceiling for the story window.
	TimeWindowHours int
	// Budget holds the outbound-call ceiling parameters.
	Budget budget.Config
}

// DefaultConfig returns the processor defaults: batches of six, thirty
// stories from the previous UTC day.
func DefaultConfig() Config {
	return Config{
		BatchSize:       6,
		StoryLimit:      hackernews.DefaultStoryLimit,
		CommentLimit:    hackernews.DefaultCommentLimit,
		TimeWindowHours: 24,
		Budget:          budget.DefaultConfig(),
	}
}

// TaskDate formats a moment as the store's task key, always in UTC.
func TaskDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func previousDate(date string) (string, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, -1).Format("2006-01-02"), nil
}
