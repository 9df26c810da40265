package mosaic

import "math"

// Kernel is a separable interpolation filter. At is evaluated on [-Support, Support]
// and is zero outside it.
type Kernel struct {
	Support float64
	At      func(t float64) float64
}

// Lanczos3 is the three-lobe Lanczos kernel used for strip upsampling and
// canvas downsampling.
var Lanczos3 = &Kernel{Support: 3, At: lanczos3}

func lanczos3(t float64) float64 {
	if t < 0 {
		t = -t
	}
	if t >= 3 {
		return 0
	}
	if t == 0 {
		return 1
	}
	pt := math.Pi * t
	return 3 * math.Sin(pt) * math.Sin(pt/3) / (pt * pt)
}

type contrib struct {
	index  []int
	weight []float64
}

// contributions maps every destination coordinate to weighted source
// coordinates. When shrinking, the kernel is stretched by 1/scale so the
// filter also antialiases. Out-of-range taps mirror back into the source.
func contributions(srcLen, dstLen int, k *Kernel) []contrib {
	scale := float64(dstLen) / float64(srcLen)
	kscale := 1.0
	support := k.Support
	if scale < 1 {
		kscale = scale
		support /= scale
	}
	out := make([]contrib, dstLen)
	for d := 0; d < dstLen; d++ {
		u := (float64(d)+0.5)/scale - 0.5
		lo := int(math.Ceil(u - support))
		hi := int(math.Floor(u + support))
		c := contrib{}
		sum := 0.0
		for j := lo; j <= hi; j++ {
			w := kscale * k.At((u-float64(j))*kscale)
			if w == 0 {
				continue
			}
			c.index = append(c.index, mirror(j, srcLen))
			c.weight = append(c.weight, w)
			sum += w
		}
		if sum != 0 {
			for i := range c.weight {
				c.weight[i] /= sum
			}
		}
		out[d] = c
	}
	return out
}

func mirror(j, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * n
	j %= period
	if j < 0 {
		j += period
	}
	if j >= n {
		j = period - j - 1
	}
	return j
}

// Resize resamples p to w×h with kernel k, horizontally then vertically.
func Resize(p Plane, w, h int, k *Kernel) Plane {
	if w == p.Width && h == p.Height {
		out := NewPlane(w, h)
		copy(out.Pix, p.Pix)
		return out
	}

	cols := contributions(p.Width, w, k)
	tmp := NewPlane(w, p.Height)
	for y := 0; y < p.Height; y++ {
		src := p.Pix[y*p.Width : (y+1)*p.Width]
		dst := tmp.Pix[y*w : (y+1)*w]
		for x, c := range cols {
			v := 0.0
			for i, j := range c.index {
				v += src[j] * c.weight[i]
			}
			dst[x] = v
		}
	}

	rows := contributions(p.Height, h, k)
	out := NewPlane(w, h)
	for y, c := range rows {
		dst := out.Pix[y*w : (y+1)*w]
		for i, j := range c.index {
			wt := c.weight[i]
			src := tmp.Pix[j*w : (j+1)*w]
			for x := range dst {
				dst[x] += src[x] * wt
			}
		}
	}
	return out
}

// Upsample enlarges p by an integer factor.
func Upsample(p Plane, scale int) Plane {
	if scale == 1 {
		return p
	}
	return Resize(p, p.Width*scale, p.Height*scale, Lanczos3)
}

// Downsample shrinks p by an integer factor; partial blocks round up.
func Downsample(p Plane, scale int) Plane {
	if scale == 1 {
		return p
	}
	w := (p.Width + scale - 1) / scale
	h := (p.Height + scale - 1) / scale
	return Resize(p, w, h, Lanczos3)
}
