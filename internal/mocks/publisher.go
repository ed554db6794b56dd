package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/birdsonghq/dawn-chorus/internal/digest"
)

// MockPublisher is a mock implementation of a digest publisher
type MockPublisher struct {
	mock.Mock
}

// Name mocks the Name method
func (m *MockPublisher) Name() string {
	args := m.Called()
	return args.String(0)
}

// Publish mocks the Publish method
func (m *MockPublisher) Publish(ctx context.Context, doc *digest.Document) error {
	args := m.Called(ctx, doc)
	return args.Error(0)
}
