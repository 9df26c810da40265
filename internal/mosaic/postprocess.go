package mosaic

import (
	"fmt"
	"image"
	"math"
	"math/rand/v2"
)

// Reference is the post-processed mosaic.
type Reference struct {
	// Image is the quantized mosaic with zero-coverage pixels noise-filled.
	Image *image.Gray
	// Float is Sum/Count before quantization, NaN where nothing was placed.
	Float Plane
	// Coverage is the (possibly resampled) count grid after cropping.
	Coverage Plane
	// Crop is the kept region in native-resolution canvas coordinates.
	Crop image.Rectangle
	// Filled counts pixels that received noise.
	Filled int
}

// Finish downsamples, crops, normalizes, quantizes and noise-fills a canvas.
//
// Sum and Count are downsampled separately and only then divided. This does
// not average areas exactly but keeps output compatible with existing mosaics.
func Finish(c *Canvas, scale int, seed uint64) (*Reference, error) {
	sum := Plane{Width: c.Width, Height: c.Height, Pix: make([]float64, len(c.Sum))}
	copy(sum.Pix, c.Sum)
	count := NewPlane(c.Width, c.Height)
	for i, n := range c.Count {
		count.Pix[i] = float64(n)
	}

	if scale > 1 {
		sum = Downsample(sum, scale)
		count = Downsample(count, scale)
	}

	box, ok := coverageBox(count)
	if !ok {
		return nil, fmt.Errorf("%w: no strip was placed on the canvas", ErrDegenerateMotion)
	}
	sum = sum.Crop(box)
	count = count.Crop(box)

	ref := &Reference{
		Float:    NewPlane(box.Dx(), box.Dy()),
		Coverage: count,
		Crop:     box,
	}
	for i, n := range count.Pix {
		if n > 0 {
			ref.Float.Pix[i] = sum.Pix[i] / n
		} else {
			ref.Float.Pix[i] = math.NaN()
		}
	}

	ref.Image = Quantize(ref.Float)
	ref.Filled = fillNoise(ref.Image, count, seed)
	return ref, nil
}

// coverageBox returns the bounding box of cells with positive count.
func coverageBox(count Plane) (image.Rectangle, bool) {
	minX, minY := count.Width, count.Height
	maxX, maxY := -1, -1
	for y := 0; y < count.Height; y++ {
		row := count.Pix[y*count.Width : (y+1)*count.Width]
		for x, n := range row {
			if n > 0 {
				minX = min(minX, x)
				maxX = max(maxX, x)
				minY = min(minY, y)
				maxY = max(maxY, y)
			}
		}
	}
	if maxX < 0 {
		return image.Rectangle{}, false
	}
	return image.Rect(minX, minY, maxX+1, maxY+1), true
}

// Quantize rounds p to 8 bits with saturation. NaN becomes 0.
func Quantize(p Plane) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for i, v := range p.Pix {
		img.Pix[i] = quantize(v)
	}
	return img
}

func quantize(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(clamp(math.Round(v), 0, maxGray))
}

// fillNoise replaces zero-coverage pixels with values drawn with replacement
// from covered pixels. The generator is seeded so output is reproducible.
func fillNoise(img *image.Gray, count Plane, seed uint64) int {
	var valid []uint8
	var holes []int
	for i, n := range count.Pix {
		if n > 0 {
			valid = append(valid, img.Pix[i])
		} else {
			holes = append(holes, i)
		}
	}
	if len(holes) == 0 || len(valid) == 0 {
		return 0
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	for _, i := range holes {
		img.Pix[i] = valid[rng.IntN(len(valid))]
	}
	return len(holes)
}
