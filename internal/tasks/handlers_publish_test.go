package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/digest"
	"github.com/birdsonghq/dawn-chorus/internal/mocks"
	"github.com/birdsonghq/dawn-chorus/internal/publish"
)

func completedRow(id int64, rank int, titleEn string) db.Article {
	published := time.Date(2025, 1, 14, 9, 30, 0, 0, time.UTC)
	return db.Article{
		ID:               id,
		TaskDate:         testDate,
		StoryID:          2000 + id,
		Rank:             rank,
		URL:              "https://example.com/story",
		TitleEn:          titleEn,
		TitleZh:          stringPtr("译名"),
		PublishedTime:    published.Unix(),
		ContentSummaryZh: stringPtr("内容摘要"),
		CommentSummaryZh: stringPtr("评论摘要"),
		Status:           db.ArticleStatusCompleted,
	}
}

func TestAggregate_RefusesUnresolvedTask(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseAggregating, Total: 6, Completed: 3, Failed: 1}

	err := p.Aggregate(context.Background(), task, budget.NewMeter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not fully resolved")

	f.store.AssertNotCalled(t, "ListCompleted", mock.Anything, mock.Anything)
}

func TestAggregate_PublishesAndMarksPublished(t *testing.T) {
	github := new(mocks.MockPublisher)
	slack := new(mocks.MockPublisher)
	p, f := newTestProcessor(t, github, slack)

	// Fully resolved with failures: the digest still publishes with what
	// completed.
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseAggregating, Total: 6, Completed: 4, Failed: 2}
	rows := []db.Article{
		completedRow(1, 1, "A new async runtime"),
		completedRow(2, 2, "Postgres at scale"),
		completedRow(3, 3, "Why we rewrote our parser"),
		completedRow(4, 4, "A quieter keyboard"),
	}

	f.store.On("ListCompleted", mock.Anything, testDate).Return(rows, nil)

	var doc *digest.Document
	github.On("Publish", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { doc = args.Get(1).(*digest.Document) }).
		Return(nil)
	slack.On("Publish", mock.Anything, mock.Anything).Return(nil)
	f.store.On("MarkPublished", mock.Anything, testDate).Return(nil)

	meter := budget.NewMeter()
	require.NoError(t, p.Aggregate(context.Background(), task, meter))

	require.NotNil(t, doc)
	assert.Equal(t, "2025-01-14", doc.DigestDate, "digest date is the day the stories ran, not the task date")
	assert.Equal(t, "2025-01-14-daily.md", doc.Filename())
	require.Len(t, doc.Articles, 4)
	assert.Equal(t, "译名", doc.Articles[0].TitleZh)
	assert.Equal(t, "内容摘要", doc.Articles[0].ContentSummaryZh)
	assert.Equal(t, "评论摘要", doc.Articles[0].CommentSummaryZh)
	assert.Equal(t, time.Date(2025, 1, 14, 9, 30, 0, 0, time.UTC), doc.Articles[0].PublishedTime)

	assert.Equal(t, 2, meter.Used(), "one call per publisher")

	github.AssertExpectations(t)
	slack.AssertExpectations(t)
	f.store.AssertExpectations(t)
}

func TestAggregate_PublisherFailureKeepsPhase(t *testing.T) {
	github := new(mocks.MockPublisher)
	slack := new(mocks.MockPublisher)
	p, f := newTestProcessor(t, github, slack)

	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseAggregating, Total: 1, Completed: 1}

	f.store.On("ListCompleted", mock.Anything, testDate).
		Return([]db.Article{completedRow(1, 1, "A new async runtime")}, nil)
	github.On("Name").Return("github")
	github.On("Publish", mock.Anything, mock.Anything).Return(errors.New("rate limited"))

	err := p.Aggregate(context.Background(), task, budget.NewMeter())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publisher github failed")

	// The first failure aborts the fan-out and the task stays in
	// aggregating for the next tick to retry.
	slack.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "MarkPublished", mock.Anything, mock.Anything)
}

func TestAggregate_BudgetGuard(t *testing.T) {
	publishers := make([]publish.Publisher, 0, 2)
	for i := 0; i < 2; i++ {
		publishers = append(publishers, new(mocks.MockPublisher))
	}
	p, f := newTestProcessor(t, publishers...)
	p.config.Budget = budget.Config{SubrequestLimit: 21, SubrequestBuffer: 20}
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseAggregating, Total: 1, Completed: 1}

	err := p.Aggregate(context.Background(), task, budget.NewMeter())
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)

	f.store.AssertNotCalled(t, "ListCompleted", mock.Anything, mock.Anything)
}

func TestForcePublish_SkipsResolutionGate(t *testing.T) {
	github := new(mocks.MockPublisher)
	p, f := newTestProcessor(t, github)

	// 10 of 30 done would fail the Aggregate gate; force-publish ships the
	// 10 anyway.
	f.store.On("ListCompleted", mock.Anything, testDate).
		Return([]db.Article{completedRow(1, 1, "A new async runtime")}, nil)
	github.On("Publish", mock.Anything, mock.Anything).Return(nil)
	f.store.On("MarkPublished", mock.Anything, testDate).Return(nil)

	meter := budget.NewMeter()
	require.NoError(t, p.ForcePublish(context.Background(), testDate, meter))

	assert.Equal(t, 1, meter.Used())
	f.store.AssertExpectations(t)
	github.AssertExpectations(t)
}

func TestForcePublish_RefusesEmptyDigest(t *testing.T) {
	github := new(mocks.MockPublisher)
	p, f := newTestProcessor(t, github)

	f.store.On("ListCompleted", mock.Anything, testDate).Return([]db.Article{}, nil)

	err := p.ForcePublish(context.Background(), testDate, budget.NewMeter())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCompletedArticles)

	github.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "MarkPublished", mock.Anything, mock.Anything)
}

func TestBuildDocument_RejectsBadDate(t *testing.T) {
	_, err := buildDocument("yesterday", []db.Article{completedRow(1, 1, "A story")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid task date")
}
