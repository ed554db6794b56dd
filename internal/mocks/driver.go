package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockDriver mocks the scheduler-facing task driver
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Run(ctx context.Context, date string) error {
	args := m.Called(ctx, date)
	return args.Error(0)
}
