package mosaic

import (
	"fmt"
	"image"
	"math"
)

// Bounds is the componentwise extent of usable positions.
type Bounds struct {
	Min, Max Point
}

// Extent returns the min and max position over usable samples with a defined
// position.
func Extent(samples []ResampledSample) (Bounds, error) {
	b := Bounds{
		Min: Point{X: math.Inf(1), Y: math.Inf(1)},
		Max: Point{X: math.Inf(-1), Y: math.Inf(-1)},
	}
	found := false
	for _, s := range samples {
		if !s.Usable || !s.Position.Valid() {
			continue
		}
		found = true
		b.Min.X = math.Min(b.Min.X, s.Position.X)
		b.Min.Y = math.Min(b.Min.Y, s.Position.Y)
		b.Max.X = math.Max(b.Max.X, s.Position.X)
		b.Max.Y = math.Max(b.Max.Y, s.Position.Y)
	}
	if !found {
		return Bounds{}, ErrDegenerateMotion
	}
	return b, nil
}

// Canvas holds the running sum and overlap count of placed strips. Both grids
// share Width and Height, fixed at allocation.
type Canvas struct {
	Width  int
	Height int
	Sum    []float64
	Count  []int32
}

// NewCanvas allocates a zeroed canvas.
func NewCanvas(w, h int) *Canvas {
	return &Canvas{
		Width:  w,
		Height: h,
		Sum:    make([]float64, w*h),
		Count:  make([]int32, w*h),
	}
}

// Allocate sizes a canvas to hold every strip placed within b at the given
// scale: (extent + strip size + 1) * scale on each axis.
func Allocate(b Bounds, stripWidth, frameHeight, scale int) (*Canvas, error) {
	w := int(math.Round((b.Max.X - b.Min.X + float64(stripWidth) + 1) * float64(scale)))
	h := int(math.Round((b.Max.Y - b.Min.Y + float64(frameHeight) + 1) * float64(scale)))
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: canvas would be %dx%d", ErrDegenerateMotion, w, h)
	}
	return NewCanvas(w, h), nil
}

// Rect is the canvas bounds.
func (c *Canvas) Rect() image.Rectangle {
	return image.Rect(0, 0, c.Width, c.Height)
}

// Add accumulates strip into dst and increments the count under it. The part
// of dst outside the canvas is dropped. It returns the number of pixels
// written.
func (c *Canvas) Add(dst image.Rectangle, strip Plane) int {
	clip := dst.Intersect(c.Rect())
	if clip.Empty() {
		return 0
	}
	for y := clip.Min.Y; y < clip.Max.Y; y++ {
		sy := y - dst.Min.Y
		row := y * c.Width
		for x := clip.Min.X; x < clip.Max.X; x++ {
			c.Sum[row+x] += strip.At(x-dst.Min.X, sy)
			c.Count[row+x]++
		}
	}
	return clip.Dx() * clip.Dy()
}

// Reset zeroes both grids without reallocating.
func (c *Canvas) Reset() {
	clear(c.Sum)
	clear(c.Count)
}

// Normalized divides sum by count. Cells without coverage are zero.
func (c *Canvas) Normalized() Plane {
	p := NewPlane(c.Width, c.Height)
	for i, n := range c.Count {
		if n > 0 {
			p.Pix[i] = c.Sum[i] / float64(n)
		}
	}
	return p
}

// Placement computes the destination of a strip: the resampled position
// relative to the canvas origin, offset down by the strip's row within its
// frame, in scaled pixels. ok is false when the position is undefined.
func Placement(pos, origin Point, rowOffset, width, height, scale int) (image.Rectangle, bool) {
	if !pos.Valid() {
		return image.Rectangle{}, false
	}
	s := float64(scale)
	x0 := int(math.Round(s * (pos.X - origin.X)))
	y0 := int(math.Round(s * (pos.Y - origin.Y + float64(rowOffset))))
	return image.Rect(x0, y0, x0+width, y0+height), true
}
