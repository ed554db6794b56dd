package tasks

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
	"github.com/birdsonghq/dawn-chorus/internal/fetcher"
	"github.com/birdsonghq/dawn-chorus/internal/hackernews"
)

func claimedArticle(id int64, rank int, url string, titleZh *string) db.Article {
	return db.Article{
		ID:       id,
		TaskDate: testDate,
		StoryID:  1000 + id,
		Rank:     rank,
		URL:      url,
		TitleEn:  "Story " + url,
		TitleZh:  titleZh,
		Status:   db.ArticleStatusProcessing,
	}
}

func stringPtr(s string) *string { return &s }

func TestProcessBatch_MixedOutcomes(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}

	good := claimedArticle(1, 1, "https://a.example.com", stringPtr("已译标题"))
	bad := claimedArticle(2, 2, "https://b.example.com", nil)

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, p.config.BatchSize).
		Return([]db.Article{good, bad}, nil)

	f.fetcher.On("Fetch", mock.Anything, good.URL).Return(&fetcher.Content{Text: "article body"}, nil)
	f.fetcher.On("Fetch", mock.Anything, bad.URL).Return(nil, errors.New("status 503"))

	f.news.On("FetchComments", mock.Anything, good.StoryID, p.config.CommentLimit).
		Return([]hackernews.Comment{{ID: 1, Text: "great read"}, {ID: 2, Text: "disagree"}}, nil)

	f.llm.On("SummariseArticle", mock.Anything, good.TitleEn, "article body").Return("内容摘要", nil)
	f.llm.On("SummariseComments", mock.Anything, good.TitleEn, []string{"great read", "disagree"}).
		Return("评论摘要", nil)

	var updates []db.ArticleUpdate
	f.store.On("CompleteArticles", mock.Anything, testDate, mock.Anything).
		Run(func(args mock.Arguments) { updates = args.Get(2).([]db.ArticleUpdate) }).
		Return(nil)

	var rec db.BatchRecord
	f.store.On("RecordBatch", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { rec = args.Get(1).(db.BatchRecord) }).
		Return(nil)

	meter := budget.NewMeter()
	require.NoError(t, p.ProcessBatch(context.Background(), task, meter))

	require.Len(t, updates, 2)
	assert.Equal(t, int64(1), updates[0].ID)
	assert.Equal(t, db.ArticleStatusCompleted, updates[0].Status)
	assert.Equal(t, "已译标题", updates[0].TitleZh)
	assert.Equal(t, "内容摘要", updates[0].ContentSummaryZh)
	assert.Equal(t, "评论摘要", updates[0].CommentSummaryZh)

	assert.Equal(t, int64(2), updates[1].ID)
	assert.Equal(t, db.ArticleStatusFailed, updates[1].Status)
	assert.Equal(t, "fetch: status 503", updates[1].ErrorMessage)

	assert.Equal(t, testDate, rec.TaskDate)
	assert.Equal(t, 2, rec.ArticleCount)
	assert.Equal(t, db.BatchStatusPartial, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Equal(t, "1 of 2 articles failed: fetch: status 503", *rec.ErrorMessage)

	// Good article: fetch, comments, article summary, comment summary.
	// Bad article: the failed fetch only.
	assert.Equal(t, 5, meter.Used())
	assert.Equal(t, 5, rec.SubrequestCount)

	// The pre-translated title means no inline translation call.
	f.llm.AssertNotCalled(t, "TranslateTitle", mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "AdvancePhase", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_TranslatesInlineWhenTitleMissing(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}
	article := claimedArticle(3, 1, "https://c.example.com", nil)

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
		Return([]db.Article{article}, nil)
	f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
	f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
		Return([]hackernews.Comment{}, nil)
	f.llm.On("TranslateTitle", mock.Anything, article.TitleEn).Return("译名", nil)
	f.llm.On("SummariseArticle", mock.Anything, article.TitleEn, "body").Return("摘要", nil)

	var updates []db.ArticleUpdate
	f.store.On("CompleteArticles", mock.Anything, testDate, mock.Anything).
		Run(func(args mock.Arguments) { updates = args.Get(2).([]db.ArticleUpdate) }).
		Return(nil)
	f.store.On("RecordBatch", mock.Anything, mock.Anything).Return(nil)

	meter := budget.NewMeter()
	require.NoError(t, p.ProcessBatch(context.Background(), task, meter))

	require.Len(t, updates, 1)
	assert.Equal(t, db.ArticleStatusCompleted, updates[0].Status)
	assert.Equal(t, "译名", updates[0].TitleZh)
	assert.Equal(t, "摘要", updates[0].ContentSummaryZh)
	assert.Empty(t, updates[0].CommentSummaryZh, "a story with no comments completes without a comment summary")

	// Fetch, comments, inline translation, article summary; no comment
	// summary call for an empty thread.
	assert.Equal(t, 4, meter.Used())
	f.llm.AssertNotCalled(t, "SummariseComments", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_FailureStagesAreLabelled(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(f *processorFixture, article db.Article)
		wantError string
	}{
		{
			name: "comment fetch fails",
			setup: func(f *processorFixture, article db.Article) {
				f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
				f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
					Return(nil, errors.New("firebase 500"))
			},
			wantError: "comments: firebase 500",
		},
		{
			name: "inline translation fails",
			setup: func(f *processorFixture, article db.Article) {
				f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
				f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
					Return([]hackernews.Comment{}, nil)
				f.llm.On("TranslateTitle", mock.Anything, article.TitleEn).Return("", errors.New("llm 429"))
			},
			wantError: "translate: llm 429",
		},
		{
			name: "article summary fails",
			setup: func(f *processorFixture, article db.Article) {
				f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
				f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
					Return([]hackernews.Comment{}, nil)
				f.llm.On("TranslateTitle", mock.Anything, article.TitleEn).Return("译名", nil)
				f.llm.On("SummariseArticle", mock.Anything, article.TitleEn, "body").
					Return("", errors.New("context too long"))
			},
			wantError: "summarise article: context too long",
		},
		{
			name: "comment summary fails",
			setup: func(f *processorFixture, article db.Article) {
				f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
				f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
					Return([]hackernews.Comment{{ID: 9, Text: "hot take"}}, nil)
				f.llm.On("TranslateTitle", mock.Anything, article.TitleEn).Return("译名", nil)
				f.llm.On("SummariseArticle", mock.Anything, article.TitleEn, "body").Return("摘要", nil)
				f.llm.On("SummariseComments", mock.Anything, article.TitleEn, []string{"hot take"}).
					Return("", errors.New("llm timeout"))
			},
			wantError: "summarise comments: llm timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, f := newTestProcessor(t)
			task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}
			article := claimedArticle(7, 1, "https://d.example.com", nil)

			f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
				Return([]db.Article{article}, nil)
			tt.setup(f, article)

			var updates []db.ArticleUpdate
			f.store.On("CompleteArticles", mock.Anything, testDate, mock.Anything).
				Run(func(args mock.Arguments) { updates = args.Get(2).([]db.ArticleUpdate) }).
				Return(nil)

			var rec db.BatchRecord
			f.store.On("RecordBatch", mock.Anything, mock.Anything).
				Run(func(args mock.Arguments) { rec = args.Get(1).(db.BatchRecord) }).
				Return(nil)

			require.NoError(t, p.ProcessBatch(context.Background(), task, budget.NewMeter()))

			require.Len(t, updates, 1)
			assert.Equal(t, db.ArticleStatusFailed, updates[0].Status)
			assert.Equal(t, tt.wantError, updates[0].ErrorMessage)
			assert.Equal(t, db.BatchStatusFailed, rec.Status)
		})
	}
}

func TestProcessBatch_FirstClaimAdvancesToProcessing(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseListFetched, Total: 6}
	article := claimedArticle(1, 1, "https://a.example.com", stringPtr("已译"))

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
		Return([]db.Article{article}, nil)
	f.store.On("AdvancePhase", mock.Anything, testDate, db.PhaseListFetched, db.PhaseProcessing).Return(nil)
	f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
	f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
		Return([]hackernews.Comment{}, nil)
	f.llm.On("SummariseArticle", mock.Anything, article.TitleEn, "body").Return("摘要", nil)
	f.store.On("CompleteArticles", mock.Anything, testDate, mock.Anything).Return(nil)
	f.store.On("RecordBatch", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, p.ProcessBatch(context.Background(), task, budget.NewMeter()))

	f.store.AssertCalled(t, "AdvancePhase", mock.Anything, testDate, db.PhaseListFetched, db.PhaseProcessing)
}

func TestProcessBatch_LosingAdvanceRaceIsFine(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseListFetched, Total: 6}
	article := claimedArticle(1, 1, "https://a.example.com", stringPtr("已译"))

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
		Return([]db.Article{article}, nil)
	// A concurrent tick already moved the task to processing.
	f.store.On("AdvancePhase", mock.Anything, testDate, db.PhaseListFetched, db.PhaseProcessing).
		Return(db.ErrPhaseMismatch)
	f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
	f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
		Return([]hackernews.Comment{}, nil)
	f.llm.On("SummariseArticle", mock.Anything, article.TitleEn, "body").Return("摘要", nil)
	f.store.On("CompleteArticles", mock.Anything, testDate, mock.Anything).Return(nil)
	f.store.On("RecordBatch", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, p.ProcessBatch(context.Background(), task, budget.NewMeter()))
}

func TestProcessBatch_EmptyClaimAdvancesWhenResolved(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
		Return([]db.Article{}, nil)
	f.store.On("GetProgress", mock.Anything, testDate).Return(&db.TaskProgress{
		Task:     *task,
		Articles: db.StatusCounts{Completed: 4, Failed: 2},
	}, nil)
	f.store.On("AdvancePhase", mock.Anything, testDate, db.PhaseProcessing, db.PhaseAggregating).Return(nil)

	require.NoError(t, p.ProcessBatch(context.Background(), task, budget.NewMeter()))

	f.store.AssertExpectations(t)
	f.store.AssertNotCalled(t, "CompleteArticles", mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "RecordBatch", mock.Anything, mock.Anything)
}

func TestProcessBatch_EmptyClaimSkipsWhileBatchInFlight(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
		Return([]db.Article{}, nil)
	// Another tick's batch is live; this tick backs off instead of
	// declaring the phase done.
	f.store.On("GetProgress", mock.Anything, testDate).Return(&db.TaskProgress{
		Task:     *task,
		Articles: db.StatusCounts{Processing: 6},
	}, nil)

	require.NoError(t, p.ProcessBatch(context.Background(), task, budget.NewMeter()))

	f.store.AssertNotCalled(t, "AdvancePhase", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_BudgetGuard(t *testing.T) {
	p, f := newTestProcessor(t)
	// estimateCalls(2) = 2 + 3*2 + 1 = 9, over a safe limit of 5.
	p.config.Budget = budget.Config{SubrequestLimit: 25, SubrequestBuffer: 20, CallsPerArticle: 3}
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}

	err := p.ProcessBatch(context.Background(), task, budget.NewMeter())
	require.Error(t, err)
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Contains(t, err.Error(), "planned=9, safeLimit=5")

	f.store.AssertNotCalled(t, "ClaimPendingBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessBatch_RecordBatchFailureDoesNotFailTick(t *testing.T) {
	p, f := newTestProcessor(t)
	task := &db.DailyTask{TaskDate: testDate, Phase: db.PhaseProcessing, Total: 6}
	article := claimedArticle(1, 1, "https://a.example.com", stringPtr("已译"))

	f.store.On("ClaimPendingBatch", mock.Anything, testDate, mock.Anything).
		Return([]db.Article{article}, nil)
	f.fetcher.On("Fetch", mock.Anything, article.URL).Return(&fetcher.Content{Text: "body"}, nil)
	f.news.On("FetchComments", mock.Anything, article.StoryID, mock.Anything).
		Return([]hackernews.Comment{}, nil)
	f.llm.On("SummariseArticle", mock.Anything, article.TitleEn, "body").Return("摘要", nil)
	f.store.On("CompleteArticles", mock.Anything, testDate, mock.Anything).Return(nil)
	f.store.On("RecordBatch", mock.Anything, mock.Anything).Return(errors.New("insert failed"))

	assert.NoError(t, p.ProcessBatch(context.Background(), task, budget.NewMeter()),
		"losing a batch record must not undo processed work")
}

func TestBatchStatus(t *testing.T) {
	assert.Equal(t, db.BatchStatusSuccess, batchStatus(3, 0))
	assert.Equal(t, db.BatchStatusFailed, batchStatus(0, 3))
	assert.Equal(t, db.BatchStatusPartial, batchStatus(2, 1))
}
