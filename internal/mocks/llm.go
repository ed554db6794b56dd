package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockLLM is a mock implementation of the language model client
type MockLLM struct {
	mock.Mock
}

// TranslateTitle mocks the TranslateTitle method
func (m *MockLLM) TranslateTitle(ctx context.Context, title string) (string, error) {
	args := m.Called(ctx, title)
	return args.String(0), args.Error(1)
}

// TranslateTitles mocks the TranslateTitles method
func (m *MockLLM) TranslateTitles(ctx context.Context, titles []string) ([]string, error) {
	args := m.Called(ctx, titles)

	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]string), args.Error(1)
}

// SummariseArticle mocks the SummariseArticle method
func (m *MockLLM) SummariseArticle(ctx context.Context, title, content string) (string, error) {
	args := m.Called(ctx, title, content)
	return args.String(0), args.Error(1)
}

// SummariseComments mocks the SummariseComments method
func (m *MockLLM) SummariseComments(ctx context.Context, title string, comments []string) (string, error) {
	args := m.Called(ctx, title, comments)
	return args.String(0), args.Error(1)
}
