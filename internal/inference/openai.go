package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIBackend calls an OpenAI-compatible embeddings endpoint (vLLM,
// Infinity) serving an image model. The preprocessed crop is sent as a PNG
// data URL.
type OpenAIBackend struct {
	model  openai.EmbeddingModel
	client *openai.Client
}

// NewOpenAI connects to baseURL and checks that model is being served.
func NewOpenAI(ctx context.Context, baseURL, apiKey, model string, httpClient *http.Client) (*OpenAIBackend, error) {
	if model == "" {
		return nil, fmt.Errorf("model name required")
	}
	opts := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	cli := openai.NewClient(opts...)

	page, err := cli.Models.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai list models: %w", err)
	}
	found := false
	for _, m := range page.Data {
		if m.ID == model {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("openai: model %q is not served at %s", model, baseURL)
	}

	return &OpenAIBackend{
		model:  openai.EmbeddingModel(model),
		client: &cli,
	}, nil
}

// Dimensions is unknown until the first response.
func (b *OpenAIBackend) Dimensions() int {
	return 0
}

func (b *OpenAIBackend) ImageFeatures(ctx context.Context, in Input) (Vector, error) {
	if in.Image == nil {
		return nil, fmt.Errorf("openai: input has no image")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, in.Image); err != nil {
		return nil, fmt.Errorf("openai: encode image: %w", err)
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	resp, err := b.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(dataURL),
		},
		Model: b.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: no data returned")
	}
	// Convert []float64 to []float32
	embedding := resp.Data[0].Embedding
	vec := make(Vector, len(embedding))
	for i, v := range embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}
