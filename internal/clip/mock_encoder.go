package clip

import (
	"context"
	"image"

	"github.com/stretchr/testify/mock"

	"image-embedder/internal/inference"
)

// MockEncoder is a mock implementation of ImageEncoder using testify/mock.
type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) ImageFeatures(ctx context.Context, img image.Image) (inference.Vector, error) {
	args := m.Called(ctx, img)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(inference.Vector), args.Error(1)
}
