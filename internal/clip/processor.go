package clip

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"

	"image-embedder/internal/imaging"
	"image-embedder/internal/inference"
)

// PIL resampling filter codes as stored in preprocessor_config.json.
const (
	resampleNearest  = 0
	resampleLanczos  = 1
	resampleBilinear = 2
	resampleBicubic  = 3
)

// maxResizedPixels bounds the intermediate produced by the resize step.
const maxResizedPixels = 1 << 22

// ErrImageSize marks images whose proportions the preprocessor refuses.
var ErrImageSize = errors.New("unsupported image size")

// Size accepts both the legacy integer form and the {"shortest_edge"} /
// {"height","width"} object forms.
type Size struct {
	ShortestEdge int `json:"shortest_edge,omitempty"`
	Height       int `json:"height,omitempty"`
	Width        int `json:"width,omitempty"`
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Size{ShortestEdge: n, Height: n, Width: n}
		return nil
	}
	type plain Size
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("size must be an integer or object: %w", err)
	}
	*s = Size(p)
	return nil
}

// ProcessorConfig mirrors the fields of a CLIP preprocessor_config.json.
// Pointer booleans distinguish "absent" (library default) from false.
type ProcessorConfig struct {
	DoConvertRGB  *bool     `json:"do_convert_rgb,omitempty"`
	DoResize      *bool     `json:"do_resize,omitempty"`
	Size          Size      `json:"size"`
	Resample      *int      `json:"resample,omitempty"`
	DoCenterCrop  *bool     `json:"do_center_crop,omitempty"`
	CropSize      Size      `json:"crop_size"`
	DoRescale     *bool     `json:"do_rescale,omitempty"`
	RescaleFactor *float64  `json:"rescale_factor,omitempty"`
	DoNormalize   *bool     `json:"do_normalize,omitempty"`
	ImageMean     []float64 `json:"image_mean"`
	ImageStd      []float64 `json:"image_std"`
}

// ParseProcessorConfig decodes and validates a preprocessor_config.json.
func ParseProcessorConfig(data []byte) (ProcessorConfig, error) {
	var cfg ProcessorConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ProcessorConfig{}, fmt.Errorf("parse preprocessor config: %w", err)
	}
	if _, err := NewProcessor(cfg); err != nil {
		return ProcessorConfig{}, err
	}
	return cfg, nil
}

// Processor turns a decoded image into model input. It is immutable after
// construction and safe for concurrent use.
type Processor struct {
	resize     bool
	shortest   int
	height     int // explicit resize target when shortest == 0
	width      int
	scaler     draw.Scaler
	crop       bool
	cropH      int
	cropW      int
	scale      float32
	mean       [3]float32
	std        [3]float32
	normalize  bool
	convertRGB bool
}

// CLIP defaults used when a field is absent from the config.
var (
	clipMean = []float64{0.48145466, 0.4578275, 0.40821073}
	clipStd  = []float64{0.26862954, 0.26130258, 0.27577711}
)

// NewProcessor validates cfg and fills in CLIPImageProcessor defaults.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	p := &Processor{
		resize:     boolOr(cfg.DoResize, true),
		crop:       boolOr(cfg.DoCenterCrop, true),
		normalize:  boolOr(cfg.DoNormalize, true),
		convertRGB: boolOr(cfg.DoConvertRGB, true),
		scale:      1,
	}

	if p.resize {
		switch {
		case cfg.Size.ShortestEdge > 0:
			p.shortest = cfg.Size.ShortestEdge
		case cfg.Size.Height > 0 && cfg.Size.Width > 0:
			p.height, p.width = cfg.Size.Height, cfg.Size.Width
		case cfg.Size == (Size{}):
			p.shortest = 224
		default:
			return nil, fmt.Errorf("preprocessor: invalid size %+v", cfg.Size)
		}
	}

	resample := resampleBicubic
	if cfg.Resample != nil {
		resample = *cfg.Resample
	}
	switch resample {
	case resampleNearest:
		p.scaler = draw.NearestNeighbor
	case resampleBilinear:
		p.scaler = draw.BiLinear
	default:
		// bicubic, lanczos, box, hamming
		p.scaler = draw.CatmullRom
	}

	if p.crop {
		switch {
		case cfg.CropSize.Height > 0 && cfg.CropSize.Width > 0:
			p.cropH, p.cropW = cfg.CropSize.Height, cfg.CropSize.Width
		case cfg.CropSize == (Size{}):
			p.cropH, p.cropW = 224, 224
		default:
			return nil, fmt.Errorf("preprocessor: invalid crop_size %+v", cfg.CropSize)
		}
	}

	if boolOr(cfg.DoRescale, true) {
		factor := 1.0 / 255.0
		if cfg.RescaleFactor != nil {
			factor = *cfg.RescaleFactor
		}
		p.scale = float32(factor)
	}

	if p.normalize {
		mean, std := cfg.ImageMean, cfg.ImageStd
		if mean == nil {
			mean = clipMean
		}
		if std == nil {
			std = clipStd
		}
		if len(mean) != 3 || len(std) != 3 {
			return nil, fmt.Errorf("preprocessor: image_mean and image_std need 3 channels, got %d and %d", len(mean), len(std))
		}
		for c := 0; c < 3; c++ {
			if std[c] == 0 {
				return nil, fmt.Errorf("preprocessor: image_std[%d] is zero", c)
			}
			p.mean[c], p.std[c] = float32(mean[c]), float32(std[c])
		}
	}
	return p, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// OutputSize reports the spatial size of the tensor produced for a w×h image.
func (p *Processor) OutputSize(w, h int) (int, int) {
	if p.resize {
		w, h = p.resizeTarget(w, h)
	}
	if p.crop {
		return p.cropW, p.cropH
	}
	return w, h
}

// CheckSize rejects a w×h image whose resized intermediate would exceed
// maxResizedPixels. It must pass before Preprocess is called.
func (p *Processor) CheckSize(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrImageSize, w, h)
	}
	if !p.resize {
		return nil
	}
	rw, rh := p.resizeTarget(w, h)
	if int64(rw)*int64(rh) > maxResizedPixels {
		return fmt.Errorf("%w: %dx%d resizes to %dx%d", ErrImageSize, w, h, rw, rh)
	}
	return nil
}

func (p *Processor) resizeTarget(w, h int) (int, int) {
	if p.shortest == 0 {
		return p.width, p.height
	}
	if w <= h {
		return p.shortest, max(1, int(float64(p.shortest)*float64(h)/float64(w)))
	}
	return max(1, int(float64(p.shortest)*float64(w)/float64(h))), p.shortest
}

// Preprocess resizes, center crops, rescales and normalizes img into a
// [1, 3, H, W] tensor.
func (p *Processor) Preprocess(img image.Image) inference.Input {
	rgb, ok := img.(*image.NRGBA)
	if !ok || (p.convertRGB && !rgb.Opaque()) {
		rgb = imaging.ToRGB(img)
	}

	if p.resize {
		b := rgb.Bounds()
		w, h := p.resizeTarget(b.Dx(), b.Dy())
		if w != b.Dx() || h != b.Dy() {
			dst := image.NewNRGBA(image.Rect(0, 0, w, h))
			p.scaler.Scale(dst, dst.Bounds(), rgb, b, draw.Src, nil)
			rgb = dst
		}
	}
	if p.crop {
		rgb = centerCrop(rgb, p.cropW, p.cropH)
	}

	b := rgb.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	values := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px := rgb.Pix[rgb.PixOffset(b.Min.X+x, b.Min.Y+y):]
			for c := 0; c < 3; c++ {
				v := float32(px[c]) * p.scale
				if p.normalize {
					v = (v - p.mean[c]) / p.std[c]
				}
				values[c*plane+y*w+x] = v
			}
		}
	}

	return inference.Input{
		Image:       rgb,
		Shape:       []int64{1, 3, int64(h), int64(w)},
		PixelValues: values,
	}
}

// centerCrop returns a w×h window around the center of img, padding with
// black where the image is smaller than the window. An odd leftover goes to
// the bottom/right when cropping and to the top/left when padding.
func centerCrop(img *image.NRGBA, w, h int) *image.NRGBA {
	b := img.Bounds()
	top := floorHalf(b.Dy() - h)
	left := floorHalf(b.Dx() - w)
	if b.Dx() == w && b.Dy() == h {
		return img
	}
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}
	src := image.Rect(left, top, left+w, top+h).Add(b.Min)
	draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	return dst
}

func floorHalf(n int) int {
	if n < 0 {
		return -((1 - n) / 2)
	}
	return n / 2
}
