package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/birdsonghq/dawn-chorus/internal/db"
)

// MockStore is a mock implementation of the task store
type MockStore struct {
	mock.Mock
}

// GetOrCreateTask mocks the GetOrCreateTask method
func (m *MockStore) GetOrCreateTask(ctx context.Context, date string) (*db.DailyTask, error) {
	args := m.Called(ctx, date)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*db.DailyTask), args.Error(1)
}

// AdvancePhase mocks the AdvancePhase method
func (m *MockStore) AdvancePhase(ctx context.Context, date string, from, to db.Phase) error {
	args := m.Called(ctx, date, from, to)
	return args.Error(0)
}

// BulkInsertArticles mocks the BulkInsertArticles method
func (m *MockStore) BulkInsertArticles(ctx context.Context, date string, articles []db.Article) error {
	args := m.Called(ctx, date, articles)
	return args.Error(0)
}

// ClaimPendingBatch mocks the ClaimPendingBatch method
func (m *MockStore) ClaimPendingBatch(ctx context.Context, date string, n int) ([]db.Article, error) {
	args := m.Called(ctx, date, n)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]db.Article), args.Error(1)
}

// CompleteArticles mocks the CompleteArticles method
func (m *MockStore) CompleteArticles(ctx context.Context, date string, updates []db.ArticleUpdate) error {
	args := m.Called(ctx, date, updates)
	return args.Error(0)
}

// ListCompleted mocks the ListCompleted method
func (m *MockStore) ListCompleted(ctx context.Context, date string) ([]db.Article, error) {
	args := m.Called(ctx, date)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]db.Article), args.Error(1)
}

// RecordBatch mocks the RecordBatch method
func (m *MockStore) RecordBatch(ctx context.Context, rec db.BatchRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// RetryFailed mocks the RetryFailed method
func (m *MockStore) RetryFailed(ctx context.Context, date string) (int, error) {
	args := m.Called(ctx, date)
	return args.Int(0), args.Error(1)
}

// MarkPublished mocks the MarkPublished method
func (m *MockStore) MarkPublished(ctx context.Context, date string) error {
	args := m.Called(ctx, date)
	return args.Error(0)
}

// ArchiveIfPublished mocks the ArchiveIfPublished method
func (m *MockStore) ArchiveIfPublished(ctx context.Context, date string) (bool, error) {
	args := m.Called(ctx, date)
	return args.Bool(0), args.Error(1)
}

// GetProgress mocks the GetProgress method
func (m *MockStore) GetProgress(ctx context.Context, date string) (*db.TaskProgress, error) {
	args := m.Called(ctx, date)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*db.TaskProgress), args.Error(1)
}

// NotifyTick mocks the NotifyTick method
func (m *MockStore) NotifyTick(ctx context.Context, date string) {
	m.Called(ctx, date)
}
