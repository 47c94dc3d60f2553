package imaging

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/waste-api/internal/imaging/imagetest"
)

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := Decode(bytes.NewReader([]byte("definitely not an image")), 0)
	require.True(t, errors.Is(err, ErrDecode))
}

func TestDecodeChecksPixelBudget(t *testing.T) {
	_, _, err := Decode(bytes.NewReader(imagetest.HeaderOnlyPNG(t, 50000, 50000)), 0)
	require.ErrorIs(t, err, ErrTooManyPixels)
	require.ErrorIs(t, err, ErrDecode)

	data := imagetest.SolidPNG(t, color.RGBA{B: 255, A: 255}, 20, 10)
	_, _, err = Decode(bytes.NewReader(data), 199)
	require.ErrorIs(t, err, ErrTooManyPixels)

	img, _, err := Decode(bytes.NewReader(data), 200)
	require.NoError(t, err)
	require.Equal(t, 20, img.Bounds().Dx())
}

func TestApplyCHW(t *testing.T) {
	img, format, err := Decode(bytes.NewReader(imagetest.SolidPNG(t, color.RGBA{R: 255, B: 51, A: 255}, 40, 30)), 0)
	require.NoError(t, err)
	require.Equal(t, "png", format)

	tr := Transform{Size: 8}
	tensor, err := tr.Apply(img)
	require.NoError(t, err)
	require.Len(t, tensor, tr.TensorLen())

	plane := 8 * 8
	for i := 0; i < plane; i++ {
		require.InDelta(t, 1.0, tensor[i], 1e-6)
		require.InDelta(t, 0.0, tensor[plane+i], 1e-6)
		require.InDelta(t, 0.2, tensor[2*plane+i], 1e-6)
	}
}

func TestApplyHWC(t *testing.T) {
	img := imagetest.Solid(color.RGBA{G: 255, A: 255}, 5, 5)
	tensor, err := Transform{Size: 4, Interpolation: "bilinear", Layout: LayoutHWC}.Apply(img)
	require.NoError(t, err)
	for p := 0; p < 16; p++ {
		require.InDelta(t, 0.0, tensor[p*3], 1e-6)
		require.InDelta(t, 1.0, tensor[p*3+1], 1e-6)
		require.InDelta(t, 0.0, tensor[p*3+2], 1e-6)
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	img := imagetest.Solid(color.RGBA{R: 10, G: 200, B: 90, A: 255}, 33, 17)
	tr := Transform{Size: 12, Interpolation: "lanczos3"}
	a, err := tr.Apply(img)
	require.NoError(t, err)
	b, err := tr.Apply(img)
	require.NoError(t, err)
	require.Equal(t, a, b)
	for _, v := range a {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}
}

func TestValidate(t *testing.T) {
	require.Error(t, Transform{Size: 0}.Validate())
	require.Error(t, Transform{Size: 8, Interpolation: "cubic-spline"}.Validate())
	require.Error(t, Transform{Size: 8, Layout: "nchw"}.Validate())
	require.NoError(t, Transform{Size: 8, Interpolation: "bicubic", Layout: LayoutHWC}.Validate())
}

func TestApplyIgnoresAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 6; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 102, A: 0})
		}
	}
	tensor, err := Transform{Size: 3}.Apply(img)
	require.NoError(t, err)
	plane := 3 * 3
	for i := 0; i < plane; i++ {
		require.InDelta(t, 1.0, tensor[i], 1e-6)
		require.InDelta(t, 0.0, tensor[plane+i], 1e-6)
		require.InDelta(t, 0.4, tensor[2*plane+i], 1e-6)
	}
}
