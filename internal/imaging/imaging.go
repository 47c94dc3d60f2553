// Package imaging turns uploaded or on-disk images into the float32 tensors
// the classifier consumes. Trainer and predictor both go through Transform,
// so a model always sees the same preprocessing it was trained with.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// ErrDecode is returned when bytes cannot be decoded as a raster image.
var ErrDecode = errors.New("image could not be decoded")

// ErrTooManyPixels is returned, wrapping ErrDecode, when the header declares
// more pixels than the decode budget allows. Nothing is allocated for it.
var ErrTooManyPixels = fmt.Errorf("%w: too many pixels", ErrDecode)

// DefaultMaxPixels is the decode budget used when none is configured.
const DefaultMaxPixels = 40_000_000

// Layout is the memory order of the tensor handed to the scoring function.
type Layout string

const (
	LayoutCHW Layout = "chw" // planar: all R, then all G, then all B
	LayoutHWC Layout = "hwc" // interleaved RGB, what Keras exports expect
)

const Channels = 3

var interpolations = map[string]resize.InterpolationFunction{
	"nearest":  resize.NearestNeighbor,
	"bilinear": resize.Bilinear,
	"bicubic":  resize.Bicubic,
	"mitchell": resize.MitchellNetravali,
	"lanczos2": resize.Lanczos2,
	"lanczos3": resize.Lanczos3,
}

// Transform is the deterministic preprocessing applied to every image:
// resize to Size×Size, scale to [0,1], lay out as Layout.
type Transform struct {
	Size          int    `json:"image_size"`
	Interpolation string `json:"interpolation"`
	Layout        Layout `json:"layout"`
}

func (t Transform) Validate() error {
	if t.Size <= 0 {
		return fmt.Errorf("invalid image size %d", t.Size)
	}
	if _, ok := interpolations[t.interpolationName()]; !ok {
		return fmt.Errorf("unknown interpolation %q", t.Interpolation)
	}
	switch t.layout() {
	case LayoutCHW, LayoutHWC:
	default:
		return fmt.Errorf("unknown layout %q", t.Layout)
	}
	return nil
}

// TensorLen is the number of float32 values Apply produces.
func (t Transform) TensorLen() int {
	return Channels * t.Size * t.Size
}

// Apply resizes img and converts it to a normalized tensor.
func (t Transform) Apply(img image.Image) ([]float32, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	size := t.Size
	resized := resize.Resize(uint(size), uint(size), dropAlpha(img), interpolations[t.interpolationName()])

	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width != size || height != size {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", width, height, size, size)
	}

	plane := width * height
	out := make([]float32, Channels*plane)
	hwc := t.layout() == LayoutHWC

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			rNorm := float32(r) / 65535.0
			gNorm := float32(g) / 65535.0
			bNorm := float32(b) / 65535.0

			pixelIndex := y*width + x
			if hwc {
				out[pixelIndex*3] = rNorm
				out[pixelIndex*3+1] = gNorm
				out[pixelIndex*3+2] = bNorm
			} else {
				out[pixelIndex] = rNorm
				out[plane+pixelIndex] = gNorm
				out[2*plane+pixelIndex] = bNorm
			}
		}
	}
	return out, nil
}

// dropAlpha makes every pixel opaque while keeping its straight colour, so a
// fully transparent red pixel stays red instead of turning black.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			c.A = 0xff
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

func (t Transform) interpolationName() string {
	if t.Interpolation == "" {
		return "nearest"
	}
	return t.Interpolation
}

func (t Transform) layout() Layout {
	if t.Layout == "" {
		return LayoutCHW
	}
	return t.Layout
}

// Decode reads one image. The header is checked against maxPixels before any
// pixel buffer is allocated; maxPixels <= 0 means DefaultMaxPixels.
// Any decoder failure is reported as ErrDecode.
func Decode(r io.ReadSeeker, maxPixels int) (image.Image, string, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, "", err
	}

	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, "", fmt.Errorf("%w: empty image", ErrDecode)
	}
	return img, format, nil
}

// DecodeFile opens and decodes path with the given pixel budget.
func DecodeFile(path string, maxPixels int) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	return Decode(f, maxPixels)
}
