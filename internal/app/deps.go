package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/joho/godotenv"

	"image-embedder/internal/clip"
	"image-embedder/internal/config"
	"image-embedder/internal/fetch"
	"image-embedder/internal/inference"
	"image-embedder/internal/logger"
	"image-embedder/internal/retry"
)

// Deps bundles the runtime dependencies shared by all handlers. It is built
// once at startup and never mutated afterwards.
type Deps struct {
	Config  config.Config
	Log     *slog.Logger
	Fetcher fetch.Fetcher
	Model   clip.ImageEncoder
}

// Build loads env, config and the model. Any error here must abort startup.
func Build(ctx context.Context) (Deps, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Deps{}, fmt.Errorf("failed to load environment variables: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return Deps{}, err
	}
	log := logger.New(cfg.LogLevel)

	backend, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return Deps{}, fmt.Errorf("failed to initialize inference backend: %w", err)
	}
	model, err := clip.Load(ctx, clip.LoadOptions{
		ID: cfg.ModelID,
		Registry: clip.Registry{
			CacheDir: cfg.ModelCacheDir,
			Endpoint: cfg.HFEndpoint,
			Revision: cfg.ModelRevision,
			Token:    cfg.HFToken,
		},
		Backend: backend,
	})
	if err != nil {
		return Deps{}, fmt.Errorf("failed to load model: %w", err)
	}
	log.Info("model loaded", "model", model.ID(), "dimensions", model.Dimensions())

	return Deps{
		Config:  cfg,
		Log:     log,
		Fetcher: fetch.NewHTTPFetcher(cfg.FetchTimeout, cfg.MaxImageBytes),
		Model:   model,
	}, nil
}

// servedModelName defaults the backend model name from the identifier:
// Triton/KServe repositories use the bare name, OpenAI-compatible servers
// the full identifier.
func servedModelName(cfg config.Config) string {
	if cfg.InferenceModel != "" {
		return cfg.InferenceModel
	}
	if cfg.InferenceProvider == "kserve" {
		return path.Base(cfg.ModelID)
	}
	return cfg.ModelID
}

// buildBackend connects to the inference server, retrying while it boots.
func buildBackend(ctx context.Context, cfg config.Config, log *slog.Logger) (inference.Backend, error) {
	switch cfg.InferenceProvider {
	case "kserve", "openai":
	default:
		return nil, fmt.Errorf("invalid INFERENCE_PROVIDER: %s (valid options: kserve, openai)", cfg.InferenceProvider)
	}
	if cfg.InferenceURL == "" {
		return nil, fmt.Errorf("INFERENCE_URL is required when INFERENCE_PROVIDER=%s", cfg.InferenceProvider)
	}

	name := servedModelName(cfg)
	var backend inference.Backend
	err := retry.Do(ctx, cfg.ModelLoadAttempts, 500*time.Millisecond, func(attempt int) error {
		b, err := connectBackend(ctx, cfg, name)
		if err != nil {
			log.Warn("inference backend not ready", "provider", cfg.InferenceProvider, "model", name, "attempt", attempt+1, "err", err)
			return err
		}
		backend = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("using inference backend", "provider", cfg.InferenceProvider, "url", cfg.InferenceURL, "model", name)
	return backend, nil
}

func connectBackend(ctx context.Context, cfg config.Config, name string) (inference.Backend, error) {
	if cfg.InferenceProvider == "openai" {
		return inference.NewOpenAI(ctx, cfg.InferenceURL, cfg.InferenceAPIKey, name, nil)
	}
	return inference.NewKServe(ctx, cfg.InferenceURL, name,
		inference.WithTensorNames(cfg.InferenceInput, cfg.InferenceOutput))
}
