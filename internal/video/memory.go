package video

import (
	"errors"
	"image"
	"io"
)

// MemorySource serves frames held in memory. Frames are expected to share
// one size.
type MemorySource struct {
	Frames []*image.Gray
	next   int
	closed bool
}

// NewMemorySource wraps frames.
func NewMemorySource(frames ...*image.Gray) *MemorySource {
	return &MemorySource{Frames: frames}
}

func (m *MemorySource) Size() (int, int) {
	if len(m.Frames) == 0 {
		return 0, 0
	}
	b := m.Frames[0].Bounds()
	return b.Dx(), b.Dy()
}

func (m *MemorySource) Next() (*image.Gray, error) {
	if m.next >= len(m.Frames) {
		return nil, io.EOF
	}
	img := m.Frames[m.next]
	m.next++
	return img, nil
}

func (m *MemorySource) Skip() error {
	if m.next >= len(m.Frames) {
		return io.EOF
	}
	m.next++
	return nil
}

// Closed reports whether Close was called.
func (m *MemorySource) Closed() bool { return m.closed }

func (m *MemorySource) Close() error {
	m.closed = true
	return nil
}

var errSinkClosed = errors.New("sink already finished")

// MemorySink keeps copies of every frame written.
type MemorySink struct {
	Frames  []*image.Gray
	done    bool
	Aborted bool
}

func (m *MemorySink) WriteFrame(img *image.Gray) error {
	if m.done {
		return errSinkClosed
	}
	cp := image.NewGray(img.Rect)
	copy(cp.Pix, img.Pix)
	m.Frames = append(m.Frames, cp)
	return nil
}

func (m *MemorySink) Close() error {
	m.done = true
	return nil
}

// Abort drops everything written so far.
func (m *MemorySink) Abort() error {
	m.done = true
	m.Aborted = true
	m.Frames = nil
	return nil
}
