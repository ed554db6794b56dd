package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/birdsonghq/dawn-chorus/internal/fetcher"
)

// MockFetcher is a mock implementation of the article fetcher
type MockFetcher struct {
	mock.Mock
}

// Fetch mocks the Fetch method
func (m *MockFetcher) Fetch(ctx context.Context, targetURL string) (*fetcher.Content, error) {
	args := m.Called(ctx, targetURL)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*fetcher.Content), args.Error(1)
}
