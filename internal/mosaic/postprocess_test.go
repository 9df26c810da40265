package mosaic

import (
	"errors"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinishCropsNormalizesAndFillsHoles(t *testing.T) {
	c := NewCanvas(6, 5)
	c.Add(image.Rect(1, 1, 4, 3), filledPlane(3, 2, 100))
	c.Add(image.Rect(2, 2, 5, 4), filledPlane(3, 2, 50))

	ref, err := Finish(c, 1, 7)
	require.NoError(t, err)

	assert.Equal(t, image.Rect(1, 1, 5, 4), ref.Crop)
	assert.Equal(t, 4, ref.Image.Rect.Dx())
	assert.Equal(t, 3, ref.Image.Rect.Dy())

	assert.Equal(t, 100.0, ref.Float.At(0, 0))
	assert.Equal(t, 75.0, ref.Float.At(1, 1))
	assert.Equal(t, 50.0, ref.Float.At(3, 2))
	assert.True(t, math.IsNaN(ref.Float.At(3, 0)))
	assert.True(t, math.IsNaN(ref.Float.At(0, 2)))

	assert.Equal(t, uint8(75), ref.Image.GrayAt(1, 1).Y)
	assert.Equal(t, 2, ref.Filled)
	for _, pt := range []image.Point{{3, 0}, {0, 2}} {
		v := ref.Image.GrayAt(pt.X, pt.Y).Y
		assert.Contains(t, []uint8{100, 75, 50}, v)
	}
}

func TestFinishIsDeterministicForSeed(t *testing.T) {
	build := func() *Reference {
		c := NewCanvas(8, 8)
		c.Add(image.Rect(0, 0, 8, 2), filledPlane(8, 2, 10))
		c.Add(image.Rect(0, 6, 8, 8), filledPlane(8, 2, 240))
		c.Add(image.Rect(3, 0, 5, 8), filledPlane(2, 8, 128))
		ref, err := Finish(c, 1, 42)
		require.NoError(t, err)
		return ref
	}
	a, b := build(), build()
	assert.Equal(t, a.Image.Pix, b.Image.Pix)
	assert.Greater(t, a.Filled, 0)
}

func TestFinishEmptyCanvas(t *testing.T) {
	_, err := Finish(NewCanvas(3, 3), 1, 1)
	assert.True(t, errors.Is(err, ErrDegenerateMotion))
}

func TestFinishDownsamplesBeforeDividing(t *testing.T) {
	c := NewCanvas(8, 8)
	c.Add(c.Rect(), filledPlane(8, 8, 64))
	ref, err := Finish(c, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, ref.Image.Rect.Dx())
	for _, v := range ref.Float.Pix {
		assert.InDelta(t, 64, v, 1e-9)
	}
	for _, v := range ref.Image.Pix {
		assert.Equal(t, uint8(64), v)
	}
}

func TestQuantizeSaturates(t *testing.T) {
	p := Plane{Width: 5, Height: 1, Pix: []float64{-3, 12.5, 254.6, 300, math.NaN()}}
	assert.Equal(t, []uint8{0, 13, 255, 255, 0}, Quantize(p).Pix)
}

func TestFillLineGaps(t *testing.T) {
	p := NewPlane(1, 7)
	count := make([]int32, 7)
	for _, y := range []int{0, 3, 6} {
		count[y] = 1
	}
	p.Pix[0], p.Pix[3], p.Pix[6] = 0, 30, 90

	filled := fillLineGaps(p, count, 2)
	assert.Equal(t, 4, filled)
	assert.InDeltaSlice(t, []float64{0, 10, 20, 30, 50, 70, 90}, p.Pix, 1e-9)

	wide := NewPlane(1, 5)
	wcount := []int32{1, 0, 0, 0, 1}
	wide.Pix[0], wide.Pix[4] = 8, 8
	assert.Equal(t, 0, fillLineGaps(wide, wcount, 2))
	assert.Equal(t, 0.0, wide.Pix[2])
}
