package inference

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBackend is a mock implementation of Backend using testify/mock.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) ImageFeatures(ctx context.Context, in Input) (Vector, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Vector), args.Error(1)
}

func (m *MockBackend) Dimensions() int {
	args := m.Called()
	return args.Int(0)
}
