package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds runtime configuration read from the environment.
type Config struct {
	// Server
	Host            string        `env:"HOST" envDefault:""`
	Port            int           `env:"PORT" envDefault:"8000" validate:"min=0,max=65535"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s" validate:"gt=0s"`

	// Model registry
	ModelID       string `env:"MODEL_ID" envDefault:"openai/clip-vit-base-patch32" validate:"required"`
	ModelRevision string `env:"MODEL_REVISION" envDefault:"main"`
	ModelCacheDir string `env:"MODEL_CACHE_DIR" envDefault:".cache/models"`
	HFEndpoint    string `env:"HF_ENDPOINT" envDefault:"https://huggingface.co"`
	HFToken       string `env:"HF_TOKEN"`

	// Inference backend
	InferenceProvider string `env:"INFERENCE_PROVIDER" envDefault:"kserve"` // "kserve" (Open Inference Protocol) or "openai" (OpenAI-compatible embeddings)
	InferenceURL      string `env:"INFERENCE_URL" envDefault:"http://localhost:8080"`
	InferenceModel    string `env:"INFERENCE_MODEL"` // derived from MODEL_ID when empty
	InferenceAPIKey   string `env:"INFERENCE_API_KEY"`
	InferenceInput    string `env:"INFERENCE_INPUT" envDefault:"pixel_values"`
	InferenceOutput   string `env:"INFERENCE_OUTPUT" envDefault:"image_embeds"`
	ModelLoadAttempts int    `env:"MODEL_LOAD_ATTEMPTS" envDefault:"5" validate:"min=1"`

	// Image fetch limits. Durations need a unit ("10s"); zero would mean no timeout.
	FetchTimeout        time.Duration `env:"FETCH_TIMEOUT" envDefault:"10s" validate:"gt=0s"`
	MaxImageBytes       int64         `env:"MAX_IMAGE_BYTES" envDefault:"20971520" validate:"gt=0"` // 20MB
	MaxImagePixels      int64         `env:"MAX_IMAGE_PIXELS" envDefault:"40000000" validate:"gt=0"`
	MaxImageAspectRatio float64       `env:"MAX_IMAGE_ASPECT_RATIO" envDefault:"20" validate:"gte=1"`
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Load reads configuration from environment variables with defaults. A value
// that does not parse or falls outside its range is an error, never a silent
// zero.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
