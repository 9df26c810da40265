// Package magick reads multi-page TIFF and GIF stacks through ImageMagick.
package magick

import (
	"errors"
	"fmt"
	"image"
	"io"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var initOnce sync.Once

// Source serves the pages of one file as frames.
type Source struct {
	path  string
	mw    *imagick.MagickWand
	pages int
	next  int
	w, h  uint
}

// Open reads every page of path. ImageMagick keeps the decoded pages in
// memory, so this is meant for short clips.
func Open(path string) (*Source, error) {
	initOnce.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	if err := mw.ReadImage(path); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pages := int(mw.GetNumberImages())
	if pages == 0 {
		mw.Destroy()
		return nil, errors.New("file holds no pages")
	}
	mw.SetIteratorIndex(0)
	return &Source{
		path:  path,
		mw:    mw,
		pages: pages,
		w:     mw.GetImageWidth(),
		h:     mw.GetImageHeight(),
	}, nil
}

// Len returns the page count.
func (s *Source) Len() int { return s.pages }

func (s *Source) Size() (int, int) { return int(s.w), int(s.h) }

func (s *Source) Next() (*image.Gray, error) {
	if s.next >= s.pages {
		return nil, io.EOF
	}
	if !s.mw.SetIteratorIndex(s.next) {
		return nil, fmt.Errorf("seek to page %d failed", s.next)
	}
	s.next++

	if w, h := s.mw.GetImageWidth(), s.mw.GetImageHeight(); w != s.w || h != s.h {
		return nil, fmt.Errorf("page %d is %dx%d, expected %dx%d", s.next-1, w, h, s.w, s.h)
	}
	pixels, err := s.mw.ExportImagePixels(0, 0, s.w, s.h, "I", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export page %d: %w", s.next-1, err)
	}
	pix, ok := pixels.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type: %T", pixels)
	}
	img := image.NewGray(image.Rect(0, 0, int(s.w), int(s.h)))
	copy(img.Pix, pix)
	return img, nil
}

func (s *Source) Skip() error {
	if s.next >= s.pages {
		return io.EOF
	}
	s.next++
	return nil
}

func (s *Source) Close() error {
	if s.mw != nil {
		s.mw.Destroy()
		s.mw = nil
	}
	return nil
}

// Version reports the linked ImageMagick library.
func Version() string {
	initOnce.Do(imagick.Initialize)
	v, _ := imagick.GetVersion()
	return v
}
