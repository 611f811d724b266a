// Package clip holds the loaded image model: its companion preprocessor and
// the inference backend that evaluates it.
package clip

import (
	"context"
	"errors"
	"fmt"
	"image"

	"image-embedder/internal/inference"
)

// ImageEncoder computes an embedding for a decoded image.
type ImageEncoder interface {
	ImageFeatures(ctx context.Context, img image.Image) (inference.Vector, error)
}

// Model is created once at startup and shared read-only by all requests.
type Model struct {
	id        string
	processor *Processor
	backend   inference.Backend
}

// LoadOptions describes where to find the model.
type LoadOptions struct {
	ID       string
	Registry Registry
	Backend  inference.Backend
}

// Load resolves the preprocessing parameters for opts.ID and pairs them with
// an already connected backend.
func Load(ctx context.Context, opts LoadOptions) (*Model, error) {
	if opts.Backend == nil {
		return nil, errors.New("inference backend required")
	}
	cfg, err := LoadProcessorConfig(ctx, opts.Registry, opts.ID)
	if err != nil {
		return nil, fmt.Errorf("load preprocessor for %s: %w", opts.ID, err)
	}
	return New(opts.ID, cfg, opts.Backend)
}

// New builds a Model from an explicit preprocessor config.
func New(id string, cfg ProcessorConfig, backend inference.Backend) (*Model, error) {
	p, err := NewProcessor(cfg)
	if err != nil {
		return nil, err
	}
	return &Model{id: id, processor: p, backend: backend}, nil
}

// ID returns the model identifier.
func (m *Model) ID() string { return m.id }

// Dimensions returns the embedding length reported by the backend, 0 if unknown.
func (m *Model) Dimensions() int { return m.backend.Dimensions() }

// ImageFeatures preprocesses img and runs a single forward pass. Images the
// preprocessor cannot size are rejected with ErrImageSize before any
// resampling happens.
func (m *Model) ImageFeatures(ctx context.Context, img image.Image) (inference.Vector, error) {
	b := img.Bounds()
	if err := m.processor.CheckSize(b.Dx(), b.Dy()); err != nil {
		return nil, err
	}
	in := m.processor.Preprocess(img)
	vec, err := m.backend.ImageFeatures(ctx, in)
	if err != nil {
		return nil, err
	}
	if want := m.backend.Dimensions(); want > 0 && len(vec) != want {
		return nil, fmt.Errorf("model %s returned %d values, expected %d", m.id, len(vec), want)
	}
	return vec, nil
}
