package video

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"refframe/internal/fsutil"
	"refframe/internal/mosaic"
)

var errNoFrames = errors.New("directory holds no image frames")

// SequenceSource reads a directory of still images as consecutive frames.
type SequenceSource struct {
	dir   string
	files []string
	next  int
	w, h  int
}

// OpenSequence lists the frames in dir and decodes the first one to learn the
// frame size.
func OpenSequence(dir string) (*SequenceSource, error) {
	files, err := fsutil.ListFrames(dir)
	if err != nil {
		return nil, &mosaic.IOError{Op: "list frames", Path: dir, Err: err}
	}
	if len(files) == 0 {
		return nil, &mosaic.IOError{Op: "list frames", Path: dir, Err: errNoFrames}
	}
	first, err := decodeGray(files[0])
	if err != nil {
		return nil, &mosaic.IOError{Op: "decode frame", Path: files[0], Err: err}
	}
	b := first.Bounds()
	return &SequenceSource{dir: dir, files: files, w: b.Dx(), h: b.Dy()}, nil
}

// Len returns the number of frames in the sequence.
func (s *SequenceSource) Len() int { return len(s.files) }

func (s *SequenceSource) Size() (int, int) { return s.w, s.h }

func (s *SequenceSource) Next() (*image.Gray, error) {
	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	path := s.files[s.next]
	s.next++
	img, err := decodeGray(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func (s *SequenceSource) Skip() error {
	if s.next >= len(s.files) {
		return io.EOF
	}
	s.next++
	return nil
}

func (s *SequenceSource) Close() error { return nil }

func decodeGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, err
	}
	return ToGray(img), nil
}

// ToGray returns img as an 8-bit gray image with its origin at (0, 0).
func ToGray(img image.Image) *image.Gray {
	b := img.Bounds()
	if g, ok := img.(*image.Gray); ok && b.Min == (image.Point{}) {
		return g
	}
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
