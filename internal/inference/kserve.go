package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// KServeOption customizes a KServeBackend.
type KServeOption func(*KServeBackend)

// KServeBackend speaks the Open Inference Protocol (KServe v2, Triton) over HTTP.
type KServeBackend struct {
	base   url.URL
	http   *http.Client
	model  string
	input  string
	output string
	dims   int
}

const defaultMetadataTimeout = 10 * time.Second

// WithHTTPClient overrides the client used for inference calls.
func WithHTTPClient(c *http.Client) KServeOption {
	return func(b *KServeBackend) {
		b.http = c
	}
}

// WithTensorNames selects the input and output tensors. Empty names fall back
// to the first tensor declared in the model metadata.
func WithTensorNames(input, output string) KServeOption {
	return func(b *KServeBackend) {
		b.input = input
		b.output = output
	}
}

type tensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

type modelMetadata struct {
	Name     string           `json:"name"`
	Versions []string         `json:"versions,omitempty"`
	Platform string           `json:"platform"`
	Inputs   []tensorMetadata `json:"inputs"`
	Outputs  []tensorMetadata `json:"outputs"`
}

type inferTensor struct {
	Name     string    `json:"name"`
	Shape    []int64   `json:"shape"`
	Datatype string    `json:"datatype"`
	Data     []float32 `json:"data"`
}

type requestedOutput struct {
	Name string `json:"name"`
}

type inferRequest struct {
	Inputs  []inferTensor     `json:"inputs"`
	Outputs []requestedOutput `json:"outputs,omitempty"`
}

type inferResponse struct {
	ModelName string        `json:"model_name"`
	Outputs   []inferTensor `json:"outputs"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewKServe connects to a model served under baseURL and reads its metadata.
// It fails if the server does not report the model as loaded.
func NewKServe(ctx context.Context, baseURL, model string, opts ...KServeOption) (*KServeBackend, error) {
	if model == "" {
		return nil, fmt.Errorf("model name required")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid inference url: %w", err)
	}
	b := &KServeBackend{
		base:  *base,
		http:  &http.Client{},
		model: model,
	}
	for _, opt := range opts {
		opt(b)
	}

	mdCtx, cancel := context.WithTimeout(ctx, defaultMetadataTimeout)
	defer cancel()
	md, err := b.metadata(mdCtx)
	if err != nil {
		return nil, err
	}
	if err := b.bind(md); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *KServeBackend) endpoint(parts ...string) string {
	u := b.base
	u.Path = strings.Join(append([]string{u.Path, "v2", "models", b.model}, parts...), "/")
	return u.String()
}

func (b *KServeBackend) metadata(ctx context.Context) (modelMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(), nil)
	if err != nil {
		return modelMetadata{}, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return modelMetadata{}, fmt.Errorf("kserve metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return modelMetadata{}, fmt.Errorf("kserve metadata: model %q not ready: %s", b.model, readError(resp))
	}
	var md modelMetadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return modelMetadata{}, fmt.Errorf("kserve metadata: decode: %w", err)
	}
	return md, nil
}

// bind resolves tensor names against the metadata and records the output width.
func (b *KServeBackend) bind(md modelMetadata) error {
	in, ok := pickTensor(md.Inputs, b.input)
	if !ok {
		return fmt.Errorf("kserve: model %q has no input tensor %q", b.model, b.input)
	}
	out, ok := pickTensor(md.Outputs, b.output)
	if !ok {
		return fmt.Errorf("kserve: model %q has no output tensor %q", b.model, b.output)
	}
	b.input, b.output = in.Name, out.Name
	if n := len(out.Shape); n > 0 && out.Shape[n-1] > 0 {
		b.dims = int(out.Shape[n-1])
	}
	return nil
}

func pickTensor(tensors []tensorMetadata, name string) (tensorMetadata, bool) {
	if name == "" {
		if len(tensors) == 0 {
			return tensorMetadata{}, false
		}
		return tensors[0], true
	}
	for _, t := range tensors {
		if t.Name == name {
			return t, true
		}
	}
	return tensorMetadata{}, false
}

// Dimensions returns the embedding width declared in the model metadata.
func (b *KServeBackend) Dimensions() int {
	return b.dims
}

// ImageFeatures runs one forward pass. No retries.
func (b *KServeBackend) ImageFeatures(ctx context.Context, in Input) (Vector, error) {
	body, err := json.Marshal(inferRequest{
		Inputs: []inferTensor{{
			Name:     b.input,
			Shape:    in.Shape,
			Datatype: "FP32",
			Data:     in.PixelValues,
		}},
		Outputs: []requestedOutput{{Name: b.output}},
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint("infer"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kserve infer: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kserve infer: %s", readError(resp))
	}

	var out inferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kserve infer: decode: %w", err)
	}
	for _, t := range out.Outputs {
		if t.Name == b.output {
			return firstRow(t)
		}
	}
	return nil, fmt.Errorf("kserve infer: output %q missing from response", b.output)
}

// firstRow extracts the batch-0 row of an output tensor.
func firstRow(t inferTensor) (Vector, error) {
	if len(t.Data) == 0 {
		return nil, fmt.Errorf("kserve infer: output %q is empty", t.Name)
	}
	row := len(t.Data)
	if len(t.Shape) > 1 && t.Shape[0] > 0 {
		if len(t.Data)%int(t.Shape[0]) != 0 {
			return nil, fmt.Errorf("kserve infer: output %q shape %v does not match %d values", t.Name, t.Shape, len(t.Data))
		}
		row = len(t.Data) / int(t.Shape[0])
	}
	vec := make(Vector, row)
	copy(vec, t.Data[:row])
	return vec, nil
}

func readError(resp *http.Response) string {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var e errorResponse
	if err := json.Unmarshal(raw, &e); err == nil && e.Error != "" {
		return fmt.Sprintf("%s: %s", resp.Status, e.Error)
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return fmt.Sprintf("%s: %s", resp.Status, msg)
	}
	return resp.Status
}
