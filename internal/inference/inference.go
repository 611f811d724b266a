package inference

import (
	"context"
	"image"
)

// Vector is an image embedding.
type Vector []float32

// Input is one preprocessed image, batch size 1.
type Input struct {
	// Image is the resized and cropped RGB image the tensor was built from.
	Image *image.NRGBA
	// Shape is NCHW: [1, 3, height, width].
	Shape []int64
	// PixelValues holds the rescaled, normalized tensor in row-major NCHW order.
	PixelValues []float32
}

// Backend runs forward inference for a loaded image model.
// Implementations must be safe for concurrent use and must not retain Input.
type Backend interface {
	ImageFeatures(ctx context.Context, in Input) (Vector, error)
	// Dimensions reports the embedding length, or 0 if the backend cannot tell.
	Dimensions() int
}
