package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/birdsonghq/dawn-chorus/internal/hackernews"
)

// MockNews is a mock implementation of the Hacker News client
type MockNews struct {
	mock.Mock
}

// FetchStories mocks the FetchStories method
func (m *MockNews) FetchStories(ctx context.Context, window hackernews.Window, limit int) ([]hackernews.Story, error) {
	args := m.Called(ctx, window, limit)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]hackernews.Story), args.Error(1)
}

// FetchComments mocks the FetchComments method
func (m *MockNews) FetchComments(ctx context.Context, storyID int64, max int) ([]hackernews.Comment, error) {
	args := m.Called(ctx, storyID, max)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]hackernews.Comment), args.Error(1)
}
