package inference

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clipMetadata = `{
	"name": "clip",
	"versions": ["1"],
	"platform": "onnxruntime_onnx",
	"inputs": [{"name": "pixel_values", "datatype": "FP32", "shape": [-1, 3, 2, 2]}],
	"outputs": [
		{"name": "last_hidden_state", "datatype": "FP32", "shape": [-1, 50, 768]},
		{"name": "image_embeds", "datatype": "FP32", "shape": [-1, 3]}
	]
}`

// newKServeServer fakes a model whose embedding is the per-channel sum.
func newKServeServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/models/clip", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(clipMetadata))
	})
	mux.HandleFunc("GET /v2/models/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"Request for unknown model: 'missing' is not found"}`))
	})
	mux.HandleFunc("POST /v2/models/clip/infer", func(w http.ResponseWriter, r *http.Request) {
		var req inferRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Inputs, 1)
		in := req.Inputs[0]
		if in.Name != "pixel_values" || in.Datatype != "FP32" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unexpected input"}`))
			return
		}
		if len(in.Data) == 0 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"empty tensor"}`))
			return
		}
		plane := len(in.Data) / 3
		sums := make([]float32, 3)
		for c := 0; c < 3; c++ {
			for _, v := range in.Data[c*plane : (c+1)*plane] {
				sums[c] += v
			}
		}
		_ = json.NewEncoder(w).Encode(inferResponse{
			ModelName: "clip",
			Outputs: []inferTensor{{
				Name: "image_embeds", Shape: []int64{1, 3}, Datatype: "FP32", Data: sums,
			}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testInput(values []float32) Input {
	return Input{
		Image:       image.NewNRGBA(image.Rect(0, 0, 2, 2)),
		Shape:       []int64{1, 3, 2, 2},
		PixelValues: values,
	}
}

func TestNewKServe(t *testing.T) {
	srv := newKServeServer(t)

	tests := []struct {
		name       string
		model      string
		input      string
		output     string
		wantInput  string
		wantOutput string
		wantDims   int
		wantErr    string
	}{
		{name: "named tensors", model: "clip", input: "pixel_values", output: "image_embeds", wantInput: "pixel_values", wantOutput: "image_embeds", wantDims: 3},
		{name: "defaults to first tensors", model: "clip", wantInput: "pixel_values", wantOutput: "last_hidden_state", wantDims: 768},
		{name: "unknown output", model: "clip", output: "text_embeds", wantErr: `no output tensor "text_embeds"`},
		{name: "unknown input", model: "clip", input: "input_ids", wantErr: `no input tensor "input_ids"`},
		{name: "model not loaded", model: "missing", wantErr: "is not found"},
		{name: "model required", model: "", wantErr: "model name required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewKServe(context.Background(), srv.URL+"/", tt.model, WithTensorNames(tt.input, tt.output))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantInput, b.input)
			assert.Equal(t, tt.wantOutput, b.output)
			assert.Equal(t, tt.wantDims, b.Dimensions())
		})
	}
}

func TestKServeImageFeatures(t *testing.T) {
	srv := newKServeServer(t)
	b, err := NewKServe(context.Background(), srv.URL, "clip",
		WithTensorNames("pixel_values", "image_embeds"),
		WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	vec, err := b.ImageFeatures(context.Background(), testInput([]float32{
		1, 1, 1, 1,
		0.5, 0.5, 0.5, 0.5,
		-1, 0, 0, 0,
	}))
	require.NoError(t, err)
	assert.Equal(t, Vector{4, 2, -1}, vec)

	_, err = b.ImageFeatures(context.Background(), testInput(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty tensor")
}

func TestFirstRow(t *testing.T) {
	tests := []struct {
		name    string
		tensor  inferTensor
		want    Vector
		wantErr bool
	}{
		{name: "batch of one", tensor: inferTensor{Shape: []int64{1, 2}, Data: []float32{1, 2}}, want: Vector{1, 2}},
		{name: "flat", tensor: inferTensor{Shape: []int64{3}, Data: []float32{1, 2, 3}}, want: Vector{1, 2, 3}},
		{name: "batch of two keeps first", tensor: inferTensor{Shape: []int64{2, 2}, Data: []float32{1, 2, 3, 4}}, want: Vector{1, 2}},
		{name: "shape mismatch", tensor: inferTensor{Shape: []int64{2, 2}, Data: []float32{1, 2, 3}}, wantErr: true},
		{name: "empty", tensor: inferTensor{Shape: []int64{1, 0}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := firstRow(tt.tensor)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
