package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"image-embedder/internal/app"
	"image-embedder/internal/clip"
	"image-embedder/internal/fetch"
	"image-embedder/internal/httputil"
	"image-embedder/internal/imaging"
	"image-embedder/internal/inference"
)

const maxRequestBody = 1 << 20

type embeddingRequest struct {
	ImageURL string `json:"image_url" validate:"required"`
}

type embeddingResponse struct {
	Embedding inference.Vector `json:"embedding"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.Build(ctx)
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: deps.Config.Addr(), Handler: newRouter(deps)}
	if err := httputil.Serve(ctx, deps.Log, srv, nil, deps.Config.ShutdownTimeout); err != nil {
		deps.Log.Error("server failed", "err", err)
		os.Exit(1)
	}
}

func newRouter(deps app.Deps) chi.Router {
	r := httputil.NewRouter(deps.Log)
	r.Post("/embedding", embeddingHandler(deps))
	r.Get("/healthz", httputil.HealthHandler(deps))
	return r
}

func embeddingHandler(deps app.Deps) http.HandlerFunc {
	limits := imaging.Limits{
		MaxPixels:      deps.Config.MaxImagePixels,
		MaxAspectRatio: deps.Config.MaxImageAspectRatio,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		if err := httputil.BindJSON(w, r, &req, maxRequestBody); err != nil {
			httputil.ValidationError(deps.Log, w, err)
			return
		}

		ctx := r.Context()
		log := deps.Log.With("image_url", req.ImageURL)

		data, err := deps.Fetcher.Fetch(ctx, req.ImageURL)
		if err != nil {
			httputil.Fail(log.With("upstream_status", fetchStatus(err)), w, "Failed to fetch image: "+err.Error(), err, http.StatusBadRequest)
			return
		}

		img, format, err := imaging.Decode(data, limits)
		if err != nil {
			httputil.Fail(log, w, "Failed to decode image: "+err.Error(), err, http.StatusBadRequest)
			return
		}

		vec, err := deps.Model.ImageFeatures(ctx, img)
		if errors.Is(err, clip.ErrImageSize) {
			httputil.Fail(log, w, "Failed to decode image: "+err.Error(), err, http.StatusBadRequest)
			return
		}
		if err != nil {
			httputil.Fail(log, w, "Failed to compute embedding", err, http.StatusInternalServerError)
			return
		}

		log.Debug("embedded image", "format", format, "bytes", len(data), "dimensions", len(vec))
		httputil.WriteJSON(w, http.StatusOK, embeddingResponse{Embedding: vec})
	}
}

// fetchStatus exposes the upstream status for logging; 0 if none was received.
func fetchStatus(err error) int {
	var fe *fetch.Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}
