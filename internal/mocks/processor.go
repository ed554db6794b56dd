package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/birdsonghq/dawn-chorus/internal/budget"
	"github.com/birdsonghq/dawn-chorus/internal/db"
)

// MockProcessor is a mock implementation of the phase handlers
type MockProcessor struct {
	mock.Mock
}

// FetchList mocks the FetchList method
func (m *MockProcessor) FetchList(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error {
	args := m.Called(ctx, task, meter)
	return args.Error(0)
}

// ProcessBatch mocks the ProcessBatch method
func (m *MockProcessor) ProcessBatch(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error {
	args := m.Called(ctx, task, meter)
	return args.Error(0)
}

// Aggregate mocks the Aggregate method
func (m *MockProcessor) Aggregate(ctx context.Context, task *db.DailyTask, meter *budget.Meter) error {
	args := m.Called(ctx, task, meter)
	return args.Error(0)
}

// ForcePublish mocks the ForcePublish method
func (m *MockProcessor) ForcePublish(ctx context.Context, date string, meter *budget.Meter) error {
	args := m.Called(ctx, date, meter)
	return args.Error(0)
}
