// Package mosaic builds a reference frame by fusing motion-corrected strips of
// an eye video into a sub-pixel accumulation canvas.
//
// The package is the numeric core only. Frames arrive through FrameSource,
// stabilized frames leave through FrameSink, and rendering or persistence is
// left to the caller.
package mosaic

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"strings"
)

// Point is a 2D position in pixels. NaN components mark an undefined position.
type Point struct {
	X, Y float64
}

// Valid reports whether both components are finite.
func (p Point) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// MarshalJSON encodes a point as [x, y], with null for NaN components.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]*float64{finiteOrNil(p.X), finiteOrNil(p.Y)})
}

// UnmarshalJSON accepts [x, y]; null components decode as NaN.
func (p *Point) UnmarshalJSON(data []byte) error {
	var raw [2]*float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("position must be [x, y]: %w", err)
	}
	p.X, p.Y = math.NaN(), math.NaN()
	if raw[0] != nil {
		p.X = *raw[0]
	}
	if raw[1] != nil {
		p.Y = *raw[1]
	}
	return nil
}

func finiteOrNil(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// NaNPoint returns an undefined position.
func NaNPoint() Point {
	return Point{X: math.NaN(), Y: math.NaN()}
}

// Trace is the upstream tracker output for one video: one entry per original
// strip, frames laid out back to back using RowTemplate.
type Trace struct {
	Video       string    `json:"video,omitempty"`
	Timestamps  []float64 `json:"timestamps"`
	Positions   []Point   `json:"positions"`
	Peaks       []float64 `json:"peaks"`
	RowTemplate []int     `json:"row_template"`
	StripHeight int       `json:"strip_height"`
	FrameCount  int       `json:"frame_count"`
	FrameWidth  int       `json:"frame_width,omitempty"`
	FrameHeight int       `json:"frame_height,omitempty"`
	BadFrames   []int     `json:"bad_frames,omitempty"`
}

// Validate checks the geometry the resampler depends on.
func (t *Trace) Validate() error {
	if t.StripHeight <= 0 {
		return configErr("strip_height", "original strip height is required")
	}
	if len(t.RowTemplate) == 0 {
		return configErr("row_template", "original strip row template is required")
	}
	if t.FrameCount <= 0 {
		return configErr("frame_count", "must be positive, got %d", t.FrameCount)
	}
	n := len(t.Timestamps)
	if n < 2 {
		return configErr("timestamps", "need at least two samples, got %d", n)
	}
	if len(t.Positions) != n || len(t.Peaks) != n {
		return configErr("positions", "timestamps, positions and peaks differ in length (%d, %d, %d)",
			n, len(t.Positions), len(t.Peaks))
	}
	for i := 1; i < len(t.RowTemplate); i++ {
		if t.RowTemplate[i] <= t.RowTemplate[i-1] {
			return configErr("row_template", "rows must be strictly increasing")
		}
	}
	return nil
}

// MotionSample is one original-grid sample after the quality filter.
type MotionSample struct {
	Time     float64 `json:"time"`
	Position Point   `json:"position"`
	Peak     float64 `json:"peak"`
	Motion   float64 `json:"motion"`
	Usable   bool    `json:"usable"`
}

// ResampledSample is one sample on the new strip grid.
type ResampledSample struct {
	Time     float64
	Position Point
	Peak     float64
	Usable   bool
	Frame    int
	Strip    int
}

// Plane is a row-major single channel float image.
type Plane struct {
	Width  int
	Height int
	Pix    []float64
}

// NewPlane allocates a zeroed plane.
func NewPlane(w, h int) Plane {
	return Plane{Width: w, Height: h, Pix: make([]float64, w*h)}
}

// At returns the value at column x, row y.
func (p Plane) At(x, y int) float64 {
	return p.Pix[y*p.Width+x]
}

// Set stores v at column x, row y.
func (p Plane) Set(x, y int, v float64) {
	p.Pix[y*p.Width+x] = v
}

// Crop copies the rectangle r out of p.
func (p Plane) Crop(r image.Rectangle) Plane {
	out := NewPlane(r.Dx(), r.Dy())
	for y := 0; y < out.Height; y++ {
		copy(out.Pix[y*out.Width:(y+1)*out.Width], p.Pix[(r.Min.Y+y)*p.Width+r.Min.X:])
	}
	return out
}

// Verbosity controls how much a run reports while it works.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	VerbositySummary
	VerbosityPerFrame
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityNone:
		return "none"
	case VerbositySummary:
		return "summary"
	case VerbosityPerFrame:
		return "perFrame"
	default:
		return fmt.Sprintf("Verbosity(%d)", int(v))
	}
}

// ParseVerbosity accepts none, summary and perFrame (case-insensitive).
func ParseVerbosity(s string) (Verbosity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "0":
		return VerbosityNone, nil
	case "summary", "1":
		return VerbositySummary, nil
	case "perframe", "per-frame", "frame", "2":
		return VerbosityPerFrame, nil
	}
	return VerbosityNone, configErr("verbosity", "unknown level %q", s)
}

func (v Verbosity) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

func (v *Verbosity) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return err
		}
		s = fmt.Sprint(n)
	}
	parsed, err := ParseVerbosity(s)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Options are the recognized run settings.
type Options struct {
	Overwrite          bool      `json:"overwrite"`
	Verbosity          Verbosity `json:"verbosity"`
	SubpixelExponent   int       `json:"subpixel_exponent"`
	NewStripHeight     int       `json:"new_strip_height"`
	NewStripWidth      int       `json:"new_strip_width"` // 0 means full frame width
	MinPeakThreshold   float64   `json:"min_peak_threshold"`
	MaxMotionThreshold float64   `json:"max_motion_threshold"`
	TrimTop            int       `json:"trim_top"`
	TrimBottom         int       `json:"trim_bottom"`
	EnhanceStrips      bool      `json:"enhance_strips"`
	StabilizedVideo    bool      `json:"stabilized_video"`
	BadFrames          []int     `json:"bad_frames,omitempty"`
	NoiseSeed          uint64    `json:"noise_seed"`
}

// Each step quadruples the canvas area; 6 is already 4096 cells per pixel.
const maxSubpixelExponent = 6

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Verbosity:          VerbositySummary,
		SubpixelExponent:   0,
		NewStripHeight:     3,
		MinPeakThreshold:   0.75,
		MaxMotionThreshold: 0.05,
		EnhanceStrips:      true,
		NoiseSeed:          1,
	}
}

// Clone returns a copy that shares no slices with o.
func (o Options) Clone() Options {
	if o.BadFrames != nil {
		o.BadFrames = append([]int(nil), o.BadFrames...)
	}
	return o
}

// Scale is the sub-pixel upsampling factor, 2^SubpixelExponent.
func (o Options) Scale() int {
	return 1 << o.SubpixelExponent
}

// Validate rejects out-of-range options. Values are never clamped.
func (o Options) Validate() error {
	if o.SubpixelExponent < 0 || o.SubpixelExponent > maxSubpixelExponent {
		return configErr("subpixel_exponent", "must be in [0,%d], got %d", maxSubpixelExponent, o.SubpixelExponent)
	}
	if o.NewStripHeight <= 0 {
		return configErr("new_strip_height", "must be positive, got %d", o.NewStripHeight)
	}
	if o.NewStripWidth < 0 {
		return configErr("new_strip_width", "must be positive or 0 for full frame, got %d", o.NewStripWidth)
	}
	if !inUnit(o.MinPeakThreshold) {
		return configErr("min_peak_threshold", "must be in [0,1], got %v", o.MinPeakThreshold)
	}
	if !inUnit(o.MaxMotionThreshold) {
		return configErr("max_motion_threshold", "must be in [0,1], got %v", o.MaxMotionThreshold)
	}
	if o.TrimTop < 0 || o.TrimBottom < 0 {
		return configErr("trim", "must be non-negative, got (%d, %d)", o.TrimTop, o.TrimBottom)
	}
	return nil
}

func inUnit(v float64) bool {
	return v >= 0 && v <= 1
}
